// Package app implements the tenant-facing surface: authenticate with an
// account API key, import xpubs, create wallets, create batch groups, and
// queue payouts. Grounded on original_source's src/app/mod.rs
// (App::authenticate, import_xpub, create_wallet, submit_payout_request);
// single-sig only per spec.md's wallet module, matching the original's
// create_wallet which takes only the first xpub id it's given.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Rsync25/bria/internal/account"
	"github.com/Rsync25/bria/internal/batch"
	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/job"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/payout"
	"github.com/Rsync25/bria/internal/primitives"
	"github.com/Rsync25/bria/internal/wallet"
	"github.com/Rsync25/bria/internal/xpub"
)

// App is the tenant-facing entry point shared by every account-scoped
// operation: the admin surface mints accounts, this one operates within them.
type App struct {
	db         *sql.DB
	accountKey *account.KeyRepo
	accounts   *account.Repo
	xpubs      *xpub.Repo
	wallets    *wallet.Repo
	payouts    *payout.Repo
	groups     *batch.GroupRepo
	jobs       *job.Queue
	ledger     *ledger.Engine
	network    string
}

// New constructs an App over the shared *sql.DB and ledger engine, for the
// given chain network (mainnet/testnet/regtest, as xpub.NewAccountXPub
// expects).
func New(db *sql.DB, e *ledger.Engine, jobs *job.Queue, network string) *App {
	return &App{
		db:         db,
		accountKey: account.NewKeyRepo(db),
		accounts:   account.NewRepo(db),
		xpubs:      xpub.NewRepo(db),
		wallets:    wallet.NewRepo(db),
		payouts:    payout.NewRepo(db),
		groups:     batch.NewGroupRepo(db),
		jobs:       jobs,
		ledger:     e,
		network:    network,
	}
}

// Authenticate verifies an account API key and returns the account it
// belongs to.
func (a *App) Authenticate(ctx context.Context, key string) (primitives.AccountID, error) {
	return a.accountKey.FindByKey(ctx, a.db, key)
}

// ImportXPub registers a new extended public key under accountID.
func (a *App) ImportXPub(ctx context.Context, accountID primitives.AccountID, name, xpubStr string) (primitives.XPubID, error) {
	xp, err := xpub.NewAccountXPub(accountID, name, xpubStr, a.network)
	if err != nil {
		return primitives.XPubID{}, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return primitives.XPubID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	if err := a.xpubs.Persist(ctx, tx, xp); err != nil {
		return primitives.XPubID{}, err
	}
	if err := tx.Commit(); err != nil {
		return primitives.XPubID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return xp.ID, nil
}

// CreateWallet builds a single-sig wallet under accountID from one xpub,
// creates its ledger accounts under the account's journal, and persists
// both within one transaction. xpubRef is resolved by key name or
// fingerprint, as xpub.Repo.FindFromRef does — mirroring
// original_source's create_wallet, which (despite accepting a list) only
// ever consumes the first xpub id.
func (a *App) CreateWallet(ctx context.Context, accountID primitives.AccountID, name, xpubRef string) (primitives.WalletID, error) {
	acc, err := a.accounts.FindByID(ctx, a.db, accountID)
	if err != nil {
		return primitives.WalletID{}, err
	}

	xp, err := a.xpubs.FindFromRef(ctx, a.db, accountID, xpubRef)
	if err != nil {
		return primitives.WalletID{}, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return primitives.WalletID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	w, err := a.wallets.Create(ctx, tx, a.ledger, acc.JournalID, accountID, name, xp)
	if err != nil {
		return primitives.WalletID{}, err
	}
	if err := tx.Commit(); err != nil {
		return primitives.WalletID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return w.ID, nil
}

// CreateBatchGroup registers a named batch-group policy under accountID.
// Payouts are queued into a group by name; the group's Trigger decides
// whether queuing a payout immediately kicks off batch construction.
func (a *App) CreateBatchGroup(ctx context.Context, accountID primitives.AccountID, name string, trigger batch.TriggerKind, feerateSatVB uint32) (primitives.BatchGroupID, error) {
	group, err := a.groups.Create(ctx, a.db, accountID, name, trigger, feerateSatVB)
	if err != nil {
		return primitives.BatchGroupID{}, err
	}
	return group.ID, nil
}

// QueuePayout records a payout request against walletID's logical-outgoing
// and fee accounts and, per the owning batch-group's Trigger, enqueues a
// process_payout_queue job immediately rather than waiting for a schedule
// or manual trigger — matching spec.md §4.6's batch-group trigger policy.
func (a *App) QueuePayout(ctx context.Context, accountID primitives.AccountID, walletID primitives.WalletID, batchGroupName, destinationAddress string, value, reservedFee primitives.Satoshis, externalID string, priority int) (primitives.PayoutID, error) {
	acc, err := a.accounts.FindByID(ctx, a.db, accountID)
	if err != nil {
		return primitives.PayoutID{}, err
	}
	w, err := a.wallets.FindByID(ctx, a.db, accountID, walletID)
	if err != nil {
		return primitives.PayoutID{}, err
	}
	group, err := a.groups.FindByName(ctx, a.db, accountID, batchGroupName)
	if err != nil {
		return primitives.PayoutID{}, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return primitives.PayoutID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	id, err := a.payouts.CreateInTx(ctx, tx, a.ledger, acc.JournalID, payout.New{
		WalletID:           walletID,
		BatchGroupID:       group.ID,
		DestinationAddress: destinationAddress,
		Value:              value,
		ReservedFee:        reservedFee,
		ExternalID:         externalID,
		Priority:           priority,
		LogicalOutgoing:    w.Ledger.LogicalOutgoing,
		OnchainFee:         w.Ledger.Fee,
	})
	if err != nil {
		return primitives.PayoutID{}, err
	}
	if err := tx.Commit(); err != nil {
		return primitives.PayoutID{}, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	if group.Trigger == batch.TriggerImmediate {
		if _, err := a.jobs.Enqueue(ctx, a.db, job.KindProcessPayoutQueue, "process_payout_queue:"+id.String(), job.ProcessPayoutQueuePayload{
			AccountID:    accountID.String(),
			BatchGroupID: group.ID.String(),
		}); err != nil {
			return primitives.PayoutID{}, err
		}
	}
	return id, nil
}

// TriggerBatchGroup enqueues a process_payout_queue job for a named batch
// group regardless of its Trigger policy — the operator-initiated
// counterpart to QueuePayout's automatic TriggerImmediate enqueue, for
// Manual and Scheduled groups an operator wants to flush on demand.
func (a *App) TriggerBatchGroup(ctx context.Context, accountID primitives.AccountID, batchGroupName string) (primitives.JobID, error) {
	group, err := a.groups.FindByName(ctx, a.db, accountID, batchGroupName)
	if err != nil {
		return primitives.JobID{}, err
	}
	return a.jobs.Enqueue(ctx, a.db, job.KindProcessPayoutQueue, "process_payout_queue:manual:"+primitives.NewJobID().String(), job.ProcessPayoutQueuePayload{
		AccountID:    accountID.String(),
		BatchGroupID: group.ID.String(),
	})
}

// DB returns the underlying *sql.DB, for components (internal/job) that
// need account/wallet lookups alongside their own transactions.
func (a *App) DB() *sql.DB { return a.db }
