package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger/tmpl"
	"github.com/Rsync25/bria/internal/primitives"
)

// SystemAccounts holds the process-wide ledger accounts created once under
// a well-known system journal, mirroring original_source's Ledger::init
// (onchain_income_account, onchain_at_rest_account, onchain_fee_account,
// onchain_outgoing_account), extended with the logical and UTXO contra
// accounts spec.md §3/§6 name.
type SystemAccounts struct {
	JournalID primitives.JournalID

	OnchainIncome   primitives.LedgerAccountID
	OnchainAtRest   primitives.LedgerAccountID
	OnchainFee      primitives.LedgerAccountID
	OnchainOutgoing primitives.LedgerAccountID

	LogicalOutgoing primitives.LedgerAccountID
	LogicalAtRest   primitives.LedgerAccountID

	UTXOIncoming primitives.LedgerAccountID
	UTXOAtRest   primitives.LedgerAccountID
	UTXOOutgoing primitives.LedgerAccountID
}

// Init creates the system journal and its accounts (idempotent — safe to
// call on every process start, exactly the teacher's Ledger::init pattern of
// swallowing duplicate-key errors) and registers the four required
// templates. Call once during process bootstrap before any job runs.
func Init(ctx context.Context, db *sql.DB, e *Engine) (*SystemAccounts, error) {
	// The system journal has a fixed id so every Init resolves to the same
	// journal and, through CreateAccount's (journal_id, name) conflict
	// handling, to the same accounts.
	journalID, err := primitives.ParseJournalID("00000000-0000-0000-0000-000000000001")
	if err != nil {
		return nil, fmt.Errorf("%w: system journal id: %v", config.ErrLedgerEngine, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin ledger init tx: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	if err := e.CreateJournal(ctx, tx, journalID); err != nil {
		return nil, err
	}

	sa := &SystemAccounts{JournalID: journalID}
	// onchain_outgoing_account is credit-normal to match its wallet-level
	// pair (see wallet.createLedgerAccounts), which CREATE_BATCH's entry 12
	// credits; no template posts to this system account itself.
	for name, spec := range map[string]struct {
		dst    *primitives.LedgerAccountID
		normal NormalBalance
	}{
		"onchain_income_account":   {&sa.OnchainIncome, DebitNormal},
		"onchain_at_rest_account":  {&sa.OnchainAtRest, DebitNormal},
		"onchain_fee_account":      {&sa.OnchainFee, DebitNormal},
		"onchain_outgoing_account": {&sa.OnchainOutgoing, CreditNormal},
		"LOGICAL_OUTGOING":         {&sa.LogicalOutgoing, DebitNormal},
		"LOGICAL_AT_REST":          {&sa.LogicalAtRest, DebitNormal},
		"ONCHAIN_UTXO_INCOMING":    {&sa.UTXOIncoming, DebitNormal},
		"ONCHAIN_UTXO_AT_REST":     {&sa.UTXOAtRest, DebitNormal},
		"ONCHAIN_UTXO_OUTGOING":    {&sa.UTXOOutgoing, DebitNormal},
	} {
		id, err := e.CreateAccount(ctx, tx, journalID, name, spec.normal)
		if err != nil {
			return nil, err
		}
		*spec.dst = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit ledger init tx: %v", config.ErrDatabase, err)
	}

	registerTemplates(e, sa)
	return sa, nil
}

// registerTemplates declares the four required templates from spec.md §4.2
// and §6. CREATE_BATCH's entries are bit-exact to spec.md §6; INCOMING_UTXO,
// CONFIRMED_UTXO, and QUEUED_PAYOUT are built from the prose description in
// §4.2 using the same "per-wallet leg paired with a system contra-account
// leg" shape CREATE_BATCH itself exhibits — see DESIGN.md for the reasoning,
// since only CREATE_BATCH is specified bit-exact.
func registerTemplates(e *Engine, sa *SystemAccounts) {
	lit := func(id primitives.LedgerAccountID) tmpl.AccountExpr { return tmpl.LiteralAccount{ID: id} }
	param := func(name string) tmpl.AccountExpr { return tmpl.ParamAccount{Name: name} }
	units := func(name string) tmpl.UnitsExpr { return tmpl.ParamUnits{Name: name} }
	sum := func(exprs ...tmpl.UnitsExpr) tmpl.UnitsExpr { return tmpl.SumUnits(exprs) }
	sub := func(minuend tmpl.UnitsExpr, subtrahends ...tmpl.UnitsExpr) tmpl.UnitsExpr {
		return tmpl.SubUnits{Minuend: minuend, Subtrahends: subtrahends}
	}

	e.RegisterTemplate(tmpl.Template{
		Name: "INCOMING_UTXO",
		Params: []tmpl.ParamDef{
			{Name: "wallet_incoming_account_id", Type: tmpl.ParamUUID},
			{Name: "value", Type: tmpl.ParamDecimal},
		},
		Entries: []tmpl.EntryInput{
			{EntryType: "WALLET_INCOMING", Account: param("wallet_incoming_account_id"), Direction: tmpl.Debit, Layer: tmpl.Pending, Currency: Currency, Units: units("value")},
			{EntryType: "ONCHAIN_UTXO_INCOMING", Account: lit(sa.UTXOIncoming), Direction: tmpl.Credit, Layer: tmpl.Pending, Currency: Currency, Units: units("value")},
			{EntryType: "ONCHAIN_INCOMING", Account: lit(sa.OnchainIncome), Direction: tmpl.Debit, Layer: tmpl.Pending, Currency: Currency, Units: units("value")},
			{EntryType: "ONCHAIN_UTXO_INCOMING", Account: lit(sa.UTXOIncoming), Direction: tmpl.Credit, Layer: tmpl.Pending, Currency: Currency, Units: units("value")},
		},
	})

	e.RegisterTemplate(tmpl.Template{
		Name: "CONFIRMED_UTXO",
		Params: []tmpl.ParamDef{
			{Name: "wallet_incoming_account_id", Type: tmpl.ParamUUID},
			{Name: "wallet_at_rest_account_id", Type: tmpl.ParamUUID},
			{Name: "value", Type: tmpl.ParamDecimal},
		},
		Entries: []tmpl.EntryInput{
			{EntryType: "WALLET_INCOMING", Account: param("wallet_incoming_account_id"), Direction: tmpl.Credit, Layer: tmpl.Pending, Currency: Currency, Units: units("value")},
			{EntryType: "ONCHAIN_UTXO_INCOMING", Account: lit(sa.UTXOIncoming), Direction: tmpl.Debit, Layer: tmpl.Pending, Currency: Currency, Units: units("value")},
			{EntryType: "WALLET_AT_REST", Account: param("wallet_at_rest_account_id"), Direction: tmpl.Debit, Layer: tmpl.Settled, Currency: Currency, Units: units("value")},
			{EntryType: "ONCHAIN_UTXO_AT_REST", Account: lit(sa.UTXOAtRest), Direction: tmpl.Credit, Layer: tmpl.Settled, Currency: Currency, Units: units("value")},
		},
	})

	e.RegisterTemplate(tmpl.Template{
		Name: "QUEUED_PAYOUT",
		Params: []tmpl.ParamDef{
			{Name: "logical_outgoing_account_id", Type: tmpl.ParamUUID},
			{Name: "onchain_fee_account_id", Type: tmpl.ParamUUID},
			{Name: "payout_value", Type: tmpl.ParamDecimal},
			{Name: "reserved_fee", Type: tmpl.ParamDecimal},
		},
		Entries: []tmpl.EntryInput{
			{EntryType: "LOGICAL_OUTGOING", Account: param("logical_outgoing_account_id"), Direction: tmpl.Debit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("payout_value")},
			{EntryType: "LOGICAL_OUTGOING", Account: lit(sa.LogicalOutgoing), Direction: tmpl.Credit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("payout_value")},
			{EntryType: "ONCHAIN_FEE", Account: param("onchain_fee_account_id"), Direction: tmpl.Debit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("reserved_fee")},
			{EntryType: "ONCHAIN_FEE", Account: lit(sa.OnchainFee), Direction: tmpl.Credit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("reserved_fee")},
		},
	})

	// CREATE_BATCH — bit-exact to spec.md §6 (16 entries, 8 balanced pairs).
	e.RegisterTemplate(tmpl.Template{
		Name: "CREATE_BATCH",
		Params: []tmpl.ParamDef{
			{Name: "logical_outgoing_account_id", Type: tmpl.ParamUUID},
			{Name: "logical_at_rest_account_id", Type: tmpl.ParamUUID},
			{Name: "onchain_fee_account_id", Type: tmpl.ParamUUID},
			{Name: "onchain_at_rest_account_id", Type: tmpl.ParamUUID},
			{Name: "onchain_income_account_id", Type: tmpl.ParamUUID},
			{Name: "onchain_outgoing_account_id", Type: tmpl.ParamUUID},
			{Name: "total_in", Type: tmpl.ParamDecimal},
			{Name: "total_spent", Type: tmpl.ParamDecimal},
			{Name: "fees", Type: tmpl.ParamDecimal},
			{Name: "reserved_fees", Type: tmpl.ParamDecimal},
		},
		Entries: []tmpl.EntryInput{
			{EntryType: "LOGICAL_OUTGOING", Account: param("logical_outgoing_account_id"), Direction: tmpl.Debit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("total_spent")},
			{EntryType: "LOGICAL_OUTGOING", Account: lit(sa.LogicalOutgoing), Direction: tmpl.Credit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("total_spent")},
			{EntryType: "LOGICAL_OUTGOING", Account: param("logical_outgoing_account_id"), Direction: tmpl.Credit, Layer: tmpl.Pending, Currency: Currency, Units: units("total_spent")},
			{EntryType: "LOGICAL_OUTGOING", Account: lit(sa.LogicalOutgoing), Direction: tmpl.Debit, Layer: tmpl.Pending, Currency: Currency, Units: units("total_spent")},
			{EntryType: "LOGICAL_AT_REST", Account: param("logical_at_rest_account_id"), Direction: tmpl.Debit, Layer: tmpl.Settled, Currency: Currency, Units: sum(units("total_spent"), units("fees"))},
			{EntryType: "LOGICAL_AT_REST", Account: lit(sa.LogicalAtRest), Direction: tmpl.Credit, Layer: tmpl.Settled, Currency: Currency, Units: sum(units("total_spent"), units("fees"))},
			{EntryType: "ONCHAIN_FEE", Account: param("onchain_fee_account_id"), Direction: tmpl.Debit, Layer: tmpl.Pending, Currency: Currency, Units: units("fees")},
			{EntryType: "ONCHAIN_FEE", Account: lit(sa.OnchainFee), Direction: tmpl.Credit, Layer: tmpl.Pending, Currency: Currency, Units: units("fees")},
			{EntryType: "ONCHAIN_FEE", Account: param("onchain_fee_account_id"), Direction: tmpl.Credit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("reserved_fees")},
			{EntryType: "ONCHAIN_FEE", Account: lit(sa.OnchainFee), Direction: tmpl.Debit, Layer: tmpl.Encumbered, Currency: Currency, Units: units("reserved_fees")},
			{EntryType: "ONCHAIN_UTXO_OUTGOING", Account: lit(sa.UTXOOutgoing), Direction: tmpl.Debit, Layer: tmpl.Pending, Currency: Currency, Units: sub(units("total_in"), units("fees"))},
			{EntryType: "ONCHAIN_OUTGOING", Account: param("onchain_outgoing_account_id"), Direction: tmpl.Credit, Layer: tmpl.Pending, Currency: Currency, Units: sub(units("total_in"), units("fees"))},
			{EntryType: "ONCHAIN_AT_REST", Account: param("onchain_at_rest_account_id"), Direction: tmpl.Debit, Layer: tmpl.Settled, Currency: Currency, Units: units("total_in")},
			{EntryType: "ONCHAIN_UTXO_AT_REST", Account: lit(sa.UTXOAtRest), Direction: tmpl.Credit, Layer: tmpl.Settled, Currency: Currency, Units: units("total_in")},
			{EntryType: "ONCHAIN_UTXO_INCOMING", Account: lit(sa.UTXOIncoming), Direction: tmpl.Debit, Layer: tmpl.Encumbered, Currency: Currency, Units: sub(units("total_in"), units("fees"), units("total_spent"))},
			{EntryType: "ONCHAIN_INCOME", Account: param("onchain_income_account_id"), Direction: tmpl.Credit, Layer: tmpl.Encumbered, Currency: Currency, Units: sub(units("total_in"), units("fees"), units("total_spent"))},
		},
	})
}
