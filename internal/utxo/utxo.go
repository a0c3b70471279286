// Package utxo tracks the unspent outputs a wallet's keychains have seen
// on chain, from first sight (an unconfirmed incoming output) through
// confirmation to eventual reservation into a batch. Grounded on
// original_source's src/utxo/repo.rs, adapted from sqlx/Postgres row
// updates with RETURNING and FOR UPDATE into SQLite equivalents: a plain
// UPDATE...RETURNING-by-reselect for mark-confirmed, and BEGIN IMMEDIATE
// (taken by the caller, same convention internal/wallet's NextAddress
// and internal/ledger's engine use) in place of FOR UPDATE row locks.
package utxo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
)

// Outpoint identifies one transaction output.
type Outpoint struct {
	Txid string
	Vout uint32
}

// New describes a UTXO as first observed, not yet confirmed. Scoped to a
// keychain rather than a wallet directly, since bria_utxos keys off
// (keychain_id, txid, vout) — the wallet is reachable through the keychain.
type New struct {
	KeychainID              primitives.KeychainID
	Outpoint                Outpoint
	Value                   primitives.Satoshis
	Address                 string
	ScriptHex               string
	AddressIndex            uint32
	SatsPerVByteWhenCreated uint32
	IncomePendingLedgerTxID primitives.LedgerTransactionID
}

// Confirmed is the row mark_utxo_confirmed returns after transitioning a
// UTXO from pending to confirmed, carrying the freshly allocated ledger
// transaction id the caller posts CONFIRMED_UTXO against.
type Confirmed struct {
	KeychainID          primitives.KeychainID
	AddressIndex        uint32
	Value               primitives.Satoshis
	Address             string
	BlockHeight         uint32
	PendingLedgerTxID   primitives.LedgerTransactionID
	ConfirmedLedgerTxID primitives.LedgerTransactionID
	SpendingBatchID     *primitives.BatchID
}

// Reservable is one unspent output visible to batch construction, with its
// batch reservation (SpendingBatchID) and confirmation status.
type Reservable struct {
	KeychainID          primitives.KeychainID
	IncomeAddress       bool
	Outpoint            Outpoint
	Value               primitives.Satoshis
	ScriptHex           string
	SpendingBatchID     *primitives.BatchID
	ConfirmedLedgerTxID *primitives.LedgerTransactionID
}

// Execer is satisfied by *sql.Tx for the mutating repo methods.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo persists the UTXO set.
type Repo struct {
	db *sql.DB
}

// NewRepo constructs a Repo bound to the shared *sql.DB.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Persist inserts a newly observed UTXO, idempotent on (keychain_id, txid,
// vout): a rescan re-reporting an already-known output is a no-op. Returns
// the pending ledger transaction id only when this call actually inserted
// the row, so the caller posts INCOMING_UTXO at most once per output.
func (r *Repo) Persist(ctx context.Context, tx Execer, u New) (*primitives.LedgerTransactionID, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO bria_utxos (
			keychain_id, txid, vout, value_sats, address, script_hex, address_index,
			sats_per_vbyte_when_created, spent, pending_ledger_tx_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (keychain_id, txid, vout) DO NOTHING
	`, u.KeychainID.String(), u.Outpoint.Txid, u.Outpoint.Vout, int64(u.Value), u.Address, u.ScriptHex,
		u.AddressIndex, u.SatsPerVByteWhenCreated, u.IncomePendingLedgerTxID.String(),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: persist utxo: %v", config.ErrDatabase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	if affected == 0 {
		return nil, nil
	}
	id := u.IncomePendingLedgerTxID
	return &id, nil
}

// IsConfirmed reports whether an outpoint already carries a
// confirmed_ledger_tx_id — process_utxo's replay guard against calling
// MarkConfirmed (which has no idempotency check of its own) a second time
// for the same outpoint.
func (r *Repo) IsConfirmed(ctx context.Context, tx Execer, keychainID primitives.KeychainID, outpoint Outpoint) (bool, error) {
	var confirmedTxID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT confirmed_ledger_tx_id FROM bria_utxos WHERE keychain_id = ? AND txid = ? AND vout = ?
	`, keychainID.String(), outpoint.Txid, outpoint.Vout).Scan(&confirmedTxID)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: utxo %s:%d not found", config.ErrDatabase, outpoint.Txid, outpoint.Vout)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return confirmedTxID.Valid, nil
}

// MarkConfirmed transitions a UTXO to confirmed, recording the block height
// and allocating a fresh confirmed-ledger-transaction id. Fails with
// config.ErrDatabase if the outpoint is unknown.
func (r *Repo) MarkConfirmed(ctx context.Context, tx Execer, keychainID primitives.KeychainID, outpoint Outpoint, spent bool, blockHeight uint32) (Confirmed, error) {
	confirmedTxID := primitives.NewLedgerTransactionID()

	res, err := tx.ExecContext(ctx, `
		UPDATE bria_utxos
		SET spent = ?, block_height = ?, confirmed_ledger_tx_id = ?
		WHERE keychain_id = ? AND txid = ? AND vout = ?
	`, boolToInt(spent), blockHeight, confirmedTxID.String(), keychainID.String(), outpoint.Txid, outpoint.Vout)
	if err != nil {
		return Confirmed{}, fmt.Errorf("%w: mark confirmed: %v", config.ErrDatabase, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return Confirmed{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	} else if affected == 0 {
		return Confirmed{}, fmt.Errorf("%w: utxo %s:%d not found", config.ErrDatabase, outpoint.Txid, outpoint.Vout)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT address_index, value_sats, address, pending_ledger_tx_id, spending_batch_id
		FROM bria_utxos WHERE keychain_id = ? AND txid = ? AND vout = ?
	`, keychainID.String(), outpoint.Txid, outpoint.Vout)

	var addressIndex uint32
	var value int64
	var address, pendingTxStr string
	var spendingBatchStr sql.NullString
	if err := row.Scan(&addressIndex, &value, &address, &pendingTxStr, &spendingBatchStr); err != nil {
		return Confirmed{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	pendingTxID, err := primitives.ParseLedgerTransactionID(pendingTxStr)
	if err != nil {
		return Confirmed{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	c := Confirmed{
		KeychainID:          keychainID,
		AddressIndex:        addressIndex,
		Value:               primitives.Satoshis(value),
		Address:             address,
		BlockHeight:         blockHeight,
		PendingLedgerTxID:   pendingTxID,
		ConfirmedLedgerTxID: confirmedTxID,
	}
	if spendingBatchStr.Valid {
		batchID, err := primitives.ParseBatchID(spendingBatchStr.String)
		if err != nil {
			return Confirmed{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		c.SpendingBatchID = &batchID
	}
	return c, nil
}

// FindReservable returns every unspent UTXO across the given keychains,
// including ones already reserved by a batch, with each row's
// spending-batch and confirmed-ledger-tx status for the caller to filter on.
// The caller is expected to hold a BEGIN IMMEDIATE transaction across this
// call and the subsequent ReserveInBatch, SQLite's substitute for
// Postgres's FOR UPDATE row lock.
func (r *Repo) FindReservable(ctx context.Context, tx Execer, keychainIDs []primitives.KeychainID) ([]Reservable, error) {
	if len(keychainIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(keychainIDs))
	args := make([]any, len(keychainIDs))
	for i, id := range keychainIDs {
		placeholders[i] = "?"
		args[i] = id.String()
	}
	query := fmt.Sprintf(`
		SELECT keychain_id, txid, vout, value_sats, script_hex, spending_batch_id, confirmed_ledger_tx_id
		FROM bria_utxos
		WHERE spent = 0 AND keychain_id IN (%s)
	`, joinPlaceholders(placeholders))
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: find reservable: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	var out []Reservable
	for rows.Next() {
		var keychainStr, txid, scriptHex string
		var vout uint32
		var value int64
		var spendingBatchStr, confirmedTxStr sql.NullString
		if err := rows.Scan(&keychainStr, &txid, &vout, &value, &scriptHex, &spendingBatchStr, &confirmedTxStr); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		keychainID, err := primitives.ParseKeychainID(keychainStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		rv := Reservable{
			KeychainID: keychainID,
			Outpoint:   Outpoint{Txid: txid, Vout: vout},
			Value:      primitives.Satoshis(value),
			ScriptHex:  scriptHex,
		}
		if spendingBatchStr.Valid {
			batchID, err := primitives.ParseBatchID(spendingBatchStr.String)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
			}
			rv.SpendingBatchID = &batchID
		}
		if confirmedTxStr.Valid {
			txID, err := primitives.ParseLedgerTransactionID(confirmedTxStr.String)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
			}
			rv.ConfirmedLedgerTxID = &txID
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// ReserveInBatch marks every given (keychain, outpoint) as spent by
// batchID, within the caller's transaction.
func (r *Repo) ReserveInBatch(ctx context.Context, tx Execer, batchID primitives.BatchID, outpoints []struct {
	KeychainID primitives.KeychainID
	Outpoint   Outpoint
}) error {
	for _, o := range outpoints {
		_, err := tx.ExecContext(ctx, `
			UPDATE bria_utxos SET spending_batch_id = ?
			WHERE keychain_id = ? AND txid = ? AND vout = ?
		`, batchID.String(), o.KeychainID.String(), o.Outpoint.Txid, o.Outpoint.Vout)
		if err != nil {
			return fmt.Errorf("%w: reserve utxo: %v", config.ErrDatabase, err)
		}
	}
	return nil
}

// WalletsInBatch returns the distinct wallets whose keychains contributed an
// input to batchID — internal/signing's starting point for "for each
// included wallet, ask for the xpubs per keychain used", joined here since
// the wallet/keychain link lives in bria_keychains, not on the UTXO row.
func (r *Repo) WalletsInBatch(ctx context.Context, q Execer, batchID primitives.BatchID) ([]primitives.WalletID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT k.wallet_id
		FROM bria_utxos u
		JOIN bria_keychains k ON k.id = u.keychain_id
		WHERE u.spending_batch_id = ?
	`, batchID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	var out []primitives.WalletID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		id, err := primitives.ParseWalletID(idStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func joinPlaceholders(p []string) string {
	out := p[0]
	for _, s := range p[1:] {
		out += "," + s
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DB returns the underlying *sql.DB.
func (r *Repo) DB() *sql.DB { return r.db }
