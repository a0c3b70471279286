package batch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
)

// TriggerKind is a batch-group's policy for when unbatched payouts are
// promoted into a batch.
type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
)

// Group is a named policy bucket under an account: payouts queued into the
// same group are co-batched together under one feerate.
type Group struct {
	ID           primitives.BatchGroupID
	AccountID    primitives.AccountID
	Name         string
	Trigger      TriggerKind
	FeerateSatVB uint32
}

// GroupRepo persists batch groups.
type GroupRepo struct {
	db *sql.DB
}

// NewGroupRepo constructs a GroupRepo bound to the shared *sql.DB.
func NewGroupRepo(db *sql.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// Create registers a new batch group under an account, unique by name.
func (r *GroupRepo) Create(ctx context.Context, q Queryer, accountID primitives.AccountID, name string, trigger TriggerKind, feerateSatVB uint32) (*Group, error) {
	id := primitives.NewBatchGroupID()
	_, err := q.ExecContext(ctx, `
		INSERT INTO bria_batch_groups (id, account_id, name, trigger_kind, feerate_sat_vb, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), accountID.String(), name, string(trigger), feerateSatVB, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: create batch group: %v", config.ErrDatabase, err)
	}
	return &Group{ID: id, AccountID: accountID, Name: name, Trigger: trigger, FeerateSatVB: feerateSatVB}, nil
}

// FindByName looks up a batch group scoped to an account.
func (r *GroupRepo) FindByName(ctx context.Context, q Queryer, accountID primitives.AccountID, name string) (*Group, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, trigger_kind, feerate_sat_vb FROM bria_batch_groups WHERE account_id = ? AND name = ?
	`, accountID.String(), name)
	var idStr, trigger string
	var feerate uint32
	if err := row.Scan(&idStr, &trigger, &feerate); err == sql.ErrNoRows {
		return nil, config.ErrBatchGroupNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	id, err := primitives.ParseBatchGroupID(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return &Group{ID: id, AccountID: accountID, Name: name, Trigger: TriggerKind(trigger), FeerateSatVB: feerate}, nil
}

// FindByID looks up a batch group by id, scoped to an account — used by the
// process_payout_queue job handler, whose payload carries the group id
// rather than its name.
func (r *GroupRepo) FindByID(ctx context.Context, q Queryer, accountID primitives.AccountID, id primitives.BatchGroupID) (*Group, error) {
	row := q.QueryRowContext(ctx, `
		SELECT name, trigger_kind, feerate_sat_vb FROM bria_batch_groups WHERE account_id = ? AND id = ?
	`, accountID.String(), id.String())
	var name, trigger string
	var feerate uint32
	if err := row.Scan(&name, &trigger, &feerate); err == sql.ErrNoRows {
		return nil, config.ErrBatchGroupNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return &Group{ID: id, AccountID: accountID, Name: name, Trigger: TriggerKind(trigger), FeerateSatVB: feerate}, nil
}

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB returns the underlying *sql.DB.
func (r *GroupRepo) DB() *sql.DB { return r.db }
