// Package tmpl implements the typed AST for ledger template entries —
// "a small typed AST for units expressions rather than string
// interpolation" per spec.md §9 Design Notes. Templates are declared once,
// at startup, as Go values built from this package's constructors; nothing
// here touches SQL or a database connection, that is internal/ledger's job.
package tmpl

import (
	"fmt"

	"github.com/Rsync25/bria/internal/primitives"
)

// ParamType is the declared type of a named template parameter.
type ParamType int

const (
	ParamUUID ParamType = iota
	ParamDecimal
	ParamJSON
	ParamDate
)

// ParamDef declares one named, typed template parameter.
type ParamDef struct {
	Name string
	Type ParamType
}

// Direction is the debit/credit side of an entry.
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Layer is one of the three accounting layers an entry posts into.
type Layer string

const (
	Encumbered Layer = "ENCUMBERED"
	Pending    Layer = "PENDING"
	Settled    Layer = "SETTLED"
)

// Params is the bag of concrete values supplied at posting time, keyed by
// the ParamDef.Name declared on the template.
type Params map[string]any

// Account fetches a param expected to hold a LedgerAccountID.
func (p Params) Account(name string) (primitives.LedgerAccountID, error) {
	v, ok := p[name]
	if !ok {
		return primitives.LedgerAccountID{}, fmt.Errorf("missing account param %q", name)
	}
	id, ok := v.(primitives.LedgerAccountID)
	if !ok {
		return primitives.LedgerAccountID{}, fmt.Errorf("param %q is not a LedgerAccountID", name)
	}
	return id, nil
}

// Sats fetches a param expected to hold a Satoshis amount.
func (p Params) Sats(name string) (primitives.Satoshis, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("missing units param %q", name)
	}
	s, ok := v.(primitives.Satoshis)
	if !ok {
		return 0, fmt.Errorf("param %q is not a Satoshis amount", name)
	}
	return s, nil
}

// AccountExpr resolves to the ledger account an entry posts against — either
// a literal system-wide account or a reference to a params.* value supplied
// at posting time.
type AccountExpr interface {
	Resolve(p Params) (primitives.LedgerAccountID, error)
}

// ParamAccount resolves to params[name], a per-wallet account chosen by the
// caller at posting time (e.g. the wallet's onchain_incoming account).
type ParamAccount struct{ Name string }

func (a ParamAccount) Resolve(p Params) (primitives.LedgerAccountID, error) { return p.Account(a.Name) }

// LiteralAccount resolves to a fixed, system-wide account id regardless of
// posting params (e.g. ONCHAIN_UTXO_INCOMING).
type LiteralAccount struct{ ID primitives.LedgerAccountID }

func (a LiteralAccount) Resolve(Params) (primitives.LedgerAccountID, error) { return a.ID, nil }

// UnitsExpr resolves to the satoshi amount an entry moves. Expressions
// compose arithmetically over params.* values, matching the
// `total_in − fees − total_spent` style expressions in spec.md §6.
type UnitsExpr interface {
	Resolve(p Params) (primitives.Satoshis, error)
}

// ParamUnits resolves directly to params[name].
type ParamUnits struct{ Name string }

func (u ParamUnits) Resolve(p Params) (primitives.Satoshis, error) { return p.Sats(u.Name) }

// SumUnits resolves to the sum of its operands.
type SumUnits []UnitsExpr

func (u SumUnits) Resolve(p Params) (primitives.Satoshis, error) {
	var total primitives.Satoshis
	for _, e := range u {
		v, err := e.Resolve(p)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

// SubUnits resolves to Minuend − Σ Subtrahends.
type SubUnits struct {
	Minuend     UnitsExpr
	Subtrahends []UnitsExpr
}

func (u SubUnits) Resolve(p Params) (primitives.Satoshis, error) {
	m, err := u.Minuend.Resolve(p)
	if err != nil {
		return 0, err
	}
	for _, s := range u.Subtrahends {
		v, err := s.Resolve(p)
		if err != nil {
			return 0, err
		}
		m -= v
	}
	return m, nil
}

// EntryInput is one line of a template: which account, which direction,
// which layer, and how many units, all as expressions evaluated against the
// posting-time Params.
type EntryInput struct {
	EntryType string
	Account   AccountExpr
	Direction Direction
	Layer     Layer
	Currency  string
	Units     UnitsExpr
}

// Template is a named, parameterized set of entries declared once at
// startup and registered with the ledger engine.
type Template struct {
	Name    string
	Params  []ParamDef
	Entries []EntryInput
}

// ResolvedEntry is one EntryInput with its expressions evaluated against a
// concrete Params value, ready to be inserted as a ledger row.
type ResolvedEntry struct {
	EntryType string
	Account   primitives.LedgerAccountID
	Direction Direction
	Layer     Layer
	Currency  string
	Units     primitives.Satoshis
}

// Resolve evaluates every entry of the template against p, then checks that
// debits equal credits within each (currency, layer) — the layer-imbalance
// check spec.md §6 requires templates to uphold before any entry is posted.
func (t Template) Resolve(p Params) ([]ResolvedEntry, error) {
	resolved := make([]ResolvedEntry, 0, len(t.Entries))
	type key struct {
		currency string
		layer    Layer
	}
	balance := map[key]primitives.Satoshis{}

	for _, e := range t.Entries {
		acct, err := e.Account.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("template %s entry %s: %w", t.Name, e.EntryType, err)
		}
		units, err := e.Units.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("template %s entry %s: %w", t.Name, e.EntryType, err)
		}
		k := key{currency: e.Currency, layer: e.Layer}
		switch e.Direction {
		case Debit:
			balance[k] += units
		case Credit:
			balance[k] -= units
		default:
			return nil, fmt.Errorf("template %s entry %s: unknown direction %q", t.Name, e.EntryType, e.Direction)
		}
		resolved = append(resolved, ResolvedEntry{
			EntryType: e.EntryType,
			Account:   acct,
			Direction: e.Direction,
			Layer:     e.Layer,
			Currency:  e.Currency,
			Units:     units,
		})
	}

	for k, v := range balance {
		if v != 0 {
			return nil, fmt.Errorf("template %s imbalanced in currency %s layer %s: debit-credit delta %d sats", t.Name, k.currency, k.layer, v)
		}
	}
	return resolved, nil
}
