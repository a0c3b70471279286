// Package payout tracks queued payout requests: rows keyed by (id,
// version) and scoped to a batch group, from creation through batching.
// This package writes only version 1; MarkBatched sets batch_id on the
// latest version in place rather than appending a new version. Grounded on original_source's
// src/payout/repo.rs.
package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/ledger/tmpl"
	"github.com/Rsync25/bria/internal/primitives"
)

// New describes a payout request before it is persisted. LogicalOutgoing/
// OnchainFee name the owning wallet's ledger accounts QUEUED_PAYOUT posts
// against — the caller (the app layer, which already holds the wallet)
// supplies them rather than this package reaching back into internal/wallet.
type New struct {
	WalletID           primitives.WalletID
	BatchGroupID       primitives.BatchGroupID
	DestinationAddress string
	Value              primitives.Satoshis
	ReservedFee        primitives.Satoshis
	ExternalID         string
	Priority           int
	LogicalOutgoing    primitives.LedgerAccountID
	OnchainFee         primitives.LedgerAccountID
}

// Payout is one unbatched payout as read back for batch construction.
type Payout struct {
	ID                 primitives.PayoutID
	WalletID           primitives.WalletID
	DestinationAddress string
	Value              primitives.Satoshis
	ReservedFee        primitives.Satoshis
}

// Execer is satisfied by *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Repo persists payout requests.
type Repo struct {
	db *sql.DB
}

// NewRepo constructs a Repo bound to the shared *sql.DB.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// CreateInTx inserts a fresh payout at version 1 and posts QUEUED_PAYOUT
// against the owning wallet's logical-outgoing and fee accounts, within
// the caller's transaction — matching spec.md §4.2's "a payout being
// queued" balance-affecting event and §5's "handler mutates domain state,
// posts the corresponding ledger template, commits" rule. The reserved
// fee is an estimate the batch-creation template later reconciles against
// the actual fee paid.
func (r *Repo) CreateInTx(ctx context.Context, tx *sql.Tx, e *ledger.Engine, journalID primitives.JournalID, np New) (primitives.PayoutID, error) {
	id := primitives.NewPayoutID()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bria_payouts (
			id, version, wallet_id, batch_group_id, destination_address, value_sats,
			reserved_fee_sats, external_id, priority, created_at
		) VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), np.WalletID.String(), np.BatchGroupID.String(), np.DestinationAddress,
		int64(np.Value), int64(np.ReservedFee), nullableString(np.ExternalID), np.Priority, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return primitives.PayoutID{}, fmt.Errorf("%w: create payout: %v", config.ErrDatabase, err)
	}

	_, err = e.PostTransactionFromTemplate(ctx, tx, "QUEUED_PAYOUT", journalID, id.String(), time.Now(), nil, tmpl.Params{
		"logical_outgoing_account_id": np.LogicalOutgoing,
		"onchain_fee_account_id":      np.OnchainFee,
		"payout_value":                np.Value,
		"reserved_fee":                np.ReservedFee,
	})
	if err != nil {
		return primitives.PayoutID{}, fmt.Errorf("post QUEUED_PAYOUT: %w", err)
	}
	return id, nil
}

// ListUnbatched returns the latest version of every payout in
// batchGroupID that has not yet been assigned to a batch, ordered by
// (priority, created_at) — the same order original_source's
// list_unbatched enforces so lower-priority-number payouts and
// longer-waiting payouts are selected first.
func (r *Repo) ListUnbatched(ctx context.Context, tx Execer, batchGroupID primitives.BatchGroupID) ([]Payout, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.wallet_id, p.destination_address, p.value_sats, p.reserved_fee_sats
		FROM bria_payouts p
		INNER JOIN (
			SELECT id, MAX(version) AS max_version
			FROM bria_payouts
			WHERE batch_group_id = ? AND batch_id IS NULL
			GROUP BY id
		) latest ON latest.id = p.id AND latest.max_version = p.version
		WHERE p.batch_group_id = ? AND p.batch_id IS NULL
		ORDER BY p.priority, p.created_at
	`, batchGroupID.String(), batchGroupID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: list unbatched: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		var idStr, walletStr, dest string
		var value, reservedFee int64
		if err := rows.Scan(&idStr, &walletStr, &dest, &value, &reservedFee); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		id, err := primitives.ParsePayoutID(idStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		walletID, err := primitives.ParseWalletID(walletStr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		out = append(out, Payout{ID: id, WalletID: walletID, DestinationAddress: dest, Value: primitives.Satoshis(value), ReservedFee: primitives.Satoshis(reservedFee)})
	}
	return out, rows.Err()
}

// MarkBatched assigns batchID to every listed payout's latest version,
// within the caller's transaction — called once CREATE_BATCH has posted
// and the batch row exists, so an unbatched payout is never observably
// "in a batch" before the batch itself is durable.
func (r *Repo) MarkBatched(ctx context.Context, tx Execer, batchGroupID primitives.BatchGroupID, batchID primitives.BatchID, payoutIDs []primitives.PayoutID) error {
	for _, id := range payoutIDs {
		_, err := tx.ExecContext(ctx, `
			UPDATE bria_payouts SET batch_id = ?
			WHERE id = ? AND batch_group_id = ? AND batch_id IS NULL
			AND version = (SELECT MAX(version) FROM bria_payouts WHERE id = ?)
		`, batchID.String(), id.String(), batchGroupID.String(), id.String())
		if err != nil {
			return fmt.Errorf("%w: mark payout batched: %v", config.ErrDatabase, err)
		}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// DB returns the underlying *sql.DB.
func (r *Repo) DB() *sql.DB { return r.db }
