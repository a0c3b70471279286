// Package ledger implements the double-entry template engine (C3): chart of
// accounts, parameterized transaction templates posted as typed-AST
// expressions (internal/ledger/tmpl), and three-layer balance reads.
// Grounded in original_source's src/ledger/mod.rs (Ledger{inner, btc},
// init/incoming_utxo/confirmed_utxo/queued_payout/get_balance) — the
// SqlxLedger crate it wraps has no Go equivalent in the example pack, so the
// engine is implemented directly over database/sql here, in the teacher's
// raw-SQL idiom (internal/db/transactions.go-style explicit Scan calls).
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger/tmpl"
	"github.com/Rsync25/bria/internal/primitives"
)

// Currency is fixed for this service — BTC is the only currency the ledger
// ever posts in, per spec.md §4.2.
const Currency = "BTC"

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting Balance be read
// either standalone or inside the caller's ambient transaction.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer is satisfied by both *sql.DB and *sql.Tx for write operations.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine is the ledger template engine. One Engine is constructed per
// process and shared by every job handler, exactly the teacher's pattern of
// passing a single *db.DB by reference into each component.
type Engine struct {
	db        *sql.DB
	templates map[string]tmpl.Template
}

// NewEngine constructs an engine with no templates registered yet; call
// RegisterTemplate for each of INCOMING_UTXO, CONFIRMED_UTXO, QUEUED_PAYOUT,
// and CREATE_BATCH before using PostTransactionFromTemplate.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db, templates: make(map[string]tmpl.Template)}
}

// RegisterTemplate declares a template. Duplicate registration under the
// same name is idempotent — the second call is swallowed, matching
// spec.md §4.2 ("duplicate template registration is idempotent").
func (e *Engine) RegisterTemplate(t tmpl.Template) {
	if _, exists := e.templates[t.Name]; exists {
		slog.Debug("ledger template already registered, skipping", "template", t.Name)
		return
	}
	e.templates[t.Name] = t
	slog.Info("ledger template registered", "template", t.Name, "entries", len(t.Entries))
}

// CreateJournal creates the per-account journal. Journal id equals account
// id per spec.md §3 — the insert is a no-op (ON CONFLICT DO NOTHING) if
// already created, the same idempotent-creation pattern as the teacher's
// onchain account bootstrap in original_source's Ledger::init.
func (e *Engine) CreateJournal(ctx context.Context, ex Execer, journalID primitives.JournalID) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO bria_ledger_journals (id, created_at)
		VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING
	`, journalID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: create journal: %v", config.ErrLedgerEngine, err)
	}
	return nil
}

// NormalBalance fixes how GetBalance signs an account's entries. Asset-like
// accounts (a wallet's incoming/at-rest/fee holdings) are debit-normal:
// debits raise the reported balance. Contra/liability-like accounts that only
// ever receive the opposite leg of an asset-side debit (e.g. the outgoing
// account a batch credits as funds leave custody) are credit-normal, so the
// same accounting entries still read as a positive balance to the caller.
type NormalBalance string

const (
	DebitNormal  NormalBalance = "DEBIT"
	CreditNormal NormalBalance = "CREDIT"
)

// CreateAccount creates (or idempotently fetches) a ledger account keyed by
// (journal, name), recording its normal balance on first creation. This
// mirrors the teacher's duplicate-key-swallowed onchain-account bootstrap,
// generalized to per-wallet accounts too.
func (e *Engine) CreateAccount(ctx context.Context, ex Execer, journalID primitives.JournalID, name string, normal NormalBalance) (primitives.LedgerAccountID, error) {
	id := primitives.NewLedgerAccountID()
	_, err := ex.ExecContext(ctx, `
		INSERT INTO bria_ledger_accounts (id, journal_id, name, currency, normal_balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (journal_id, name) DO NOTHING
	`, id.String(), journalID.String(), name, Currency, string(normal), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return primitives.LedgerAccountID{}, fmt.Errorf("%w: create account %q: %v", config.ErrLedgerEngine, name, err)
	}

	var existing string
	err = ex.QueryRowContext(ctx, `
		SELECT id FROM bria_ledger_accounts WHERE journal_id = ? AND name = ?
	`, journalID.String(), name).Scan(&existing)
	if err != nil {
		return primitives.LedgerAccountID{}, fmt.Errorf("%w: fetch account %q: %v", config.ErrLedgerEngine, name, err)
	}
	return primitives.ParseLedgerAccountID(existing)
}

// PostTransactionFromTemplate resolves templateName against params, checks
// that every (currency, layer) balances, and inserts the transaction and its
// entries within the caller-supplied transaction — the single transactional
// boundary spec.md §5 requires between domain mutation and ledger posting.
func (e *Engine) PostTransactionFromTemplate(
	ctx context.Context,
	tx *sql.Tx,
	templateName string,
	journalID primitives.JournalID,
	correlationID string,
	effective time.Time,
	meta map[string]any,
	params tmpl.Params,
) (primitives.LedgerTransactionID, error) {
	return e.postTransactionWithID(ctx, tx, primitives.NewLedgerTransactionID(), templateName, journalID, correlationID, effective, meta, params)
}

// PostTransactionFromTemplateWithID is PostTransactionFromTemplate with the
// transaction id supplied by the caller rather than allocated here. UTXO
// processing needs this: the pending ledger transaction id is embedded in
// the bria_utxos row by internal/utxo.Repo.Persist before INCOMING_UTXO is
// posted, so the two must agree on the same id rather than the engine
// minting a second one the UTXO row never learns about.
func (e *Engine) PostTransactionFromTemplateWithID(
	ctx context.Context,
	tx *sql.Tx,
	id primitives.LedgerTransactionID,
	templateName string,
	journalID primitives.JournalID,
	correlationID string,
	effective time.Time,
	meta map[string]any,
	params tmpl.Params,
) (primitives.LedgerTransactionID, error) {
	return e.postTransactionWithID(ctx, tx, id, templateName, journalID, correlationID, effective, meta, params)
}

func (e *Engine) postTransactionWithID(
	ctx context.Context,
	tx *sql.Tx,
	txID primitives.LedgerTransactionID,
	templateName string,
	journalID primitives.JournalID,
	correlationID string,
	effective time.Time,
	meta map[string]any,
	params tmpl.Params,
) (primitives.LedgerTransactionID, error) {
	t, ok := e.templates[templateName]
	if !ok {
		return primitives.LedgerTransactionID{}, fmt.Errorf("%w: unknown template %q", config.ErrLedgerEngine, templateName)
	}

	entries, err := t.Resolve(params)
	if err != nil {
		return primitives.LedgerTransactionID{}, fmt.Errorf("%w: %v", config.ErrLedgerImbalance, err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return primitives.LedgerTransactionID{}, fmt.Errorf("%w: marshal meta: %v", config.ErrMetaParse, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bria_ledger_transactions (id, journal_id, template_name, correlation_id, effective_at, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txID.String(), journalID.String(), templateName, correlationID, effective.UTC().Format(time.RFC3339Nano),
		string(metaJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return primitives.LedgerTransactionID{}, fmt.Errorf("%w: insert transaction: %v", config.ErrLedgerEngine, err)
	}

	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bria_ledger_entries (id, tx_id, account_id, entry_type, direction, layer, currency, units_sats)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, primitives.NewLedgerTransactionID().String(), txID.String(), entry.Account.String(), entry.EntryType,
			string(entry.Direction), string(entry.Layer), entry.Currency, int64(entry.Units))
		if err != nil {
			return primitives.LedgerTransactionID{}, fmt.Errorf("%w: insert entry %s: %v", config.ErrLedgerEngine, entry.EntryType, err)
		}
	}

	slog.Info("ledger transaction posted",
		"template", templateName,
		"txID", txID.String(),
		"correlationID", correlationID,
		"entries", len(entries),
	)
	return txID, nil
}

// Balance is the three-layer decomposition of one account's balance, per
// spec.md §3. Settled is the confirmed-on-chain balance; Pending folds
// settled entries into the on-chain-unconfirmed total; Encumbered folds both
// into the broadest, most-provisional total — the same settled⊆pending⊆
// encumbered rollup sqlx_ledger's AccountBalance exposes, so a caller reading
// "encumbered" sees everything committed at any certainty level. Each layer's
// raw debit/credit sums are signed by the account's normal balance before
// folding, so a credit-normal account (one only ever credited as funds leave
// custody) still reports a positive balance for what it holds.
type Balance struct {
	Encumbered primitives.Satoshis
	Pending    primitives.Satoshis
	Settled    primitives.Satoshis
}

// GetBalance reads the three-layer balance for one account, within an
// optional ambient transaction q (pass the engine's *sql.DB directly for a
// standalone read outside any transaction).
func (e *Engine) GetBalance(ctx context.Context, q Queryer, accountID primitives.LedgerAccountID) (Balance, error) {
	var normal string
	if err := q.QueryRowContext(ctx, `
		SELECT normal_balance FROM bria_ledger_accounts WHERE id = ?
	`, accountID.String()).Scan(&normal); err != nil {
		return Balance{}, fmt.Errorf("%w: lookup normal balance: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT layer,
		       SUM(CASE WHEN direction = 'DEBIT' THEN units_sats ELSE -units_sats END)
		FROM bria_ledger_entries
		WHERE account_id = ? AND currency = ?
		GROUP BY layer
	`, accountID.String(), Currency)
	if err != nil {
		return Balance{}, fmt.Errorf("%w: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}
	defer rows.Close()

	var debitNormalSettled, debitNormalPending, debitNormalEncumbered int64
	for rows.Next() {
		var layer string
		var sum int64
		if err := rows.Scan(&layer, &sum); err != nil {
			return Balance{}, fmt.Errorf("%w: %v", config.ErrCouldNotRetrieveWalletBalance, err)
		}
		switch tmpl.Layer(layer) {
		case tmpl.Encumbered:
			debitNormalEncumbered = sum
		case tmpl.Pending:
			debitNormalPending = sum
		case tmpl.Settled:
			debitNormalSettled = sum
		}
	}
	if err := rows.Err(); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", config.ErrCouldNotRetrieveWalletBalance, err)
	}

	settled := debitNormalSettled
	pending := settled + debitNormalPending
	encumbered := pending + debitNormalEncumbered

	sign := int64(1)
	if NormalBalance(normal) == CreditNormal {
		sign = -1
	}

	return Balance{
		Settled:    primitives.Satoshis(sign * settled),
		Pending:    primitives.Satoshis(sign * pending),
		Encumbered: primitives.Satoshis(sign * encumbered),
	}, nil
}

// DB returns the underlying *sql.DB, for components (internal/job) that
// need to open transactions spanning both ledger and domain tables.
func (e *Engine) DB() *sql.DB { return e.db }
