// Package job implements the durable work queue (§5's scheduling model):
// five job kinds driving a wallet from first sight of a UTXO through
// confirmation, batching, signing, and broadcast. Each handler opens
// exactly one transaction spanning domain and ledger tables, per spec.md
// §5's "every balance-affecting job opens exactly one transaction".
package job

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Rsync25/bria/internal/account"
	"github.com/Rsync25/bria/internal/batch"
	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/ledger"
	"github.com/Rsync25/bria/internal/ledger/tmpl"
	"github.com/Rsync25/bria/internal/payout"
	"github.com/Rsync25/bria/internal/primitives"
	bitcoinprim "github.com/Rsync25/bria/internal/primitives/bitcoin"
	"github.com/Rsync25/bria/internal/signing"
	"github.com/Rsync25/bria/internal/utxo"
	"github.com/Rsync25/bria/internal/wallet"
	"github.com/Rsync25/bria/internal/xpub"
)

// requiredConfirmations is how many confirmations a ChainSource must report
// before process_utxo transitions a UTXO from pending to confirmed.
const requiredConfirmations = 1

// SyncWalletPayload names the wallet sync_wallet should poll.
type SyncWalletPayload struct {
	AccountID string `json:"account_id"`
	WalletID  string `json:"wallet_id"`
}

// ProcessUTXOPayload is one observed output, as sync_wallet hands it to
// process_utxo — carrying everything needed to persist and, once
// confirmed, post the corresponding ledger entries without process_utxo
// having to re-query the chain source itself.
type ProcessUTXOPayload struct {
	AccountID     string `json:"account_id"`
	WalletID      string `json:"wallet_id"`
	KeychainID    string `json:"keychain_id"`
	Txid          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	ValueSats     int64  `json:"value_sats"`
	Address       string `json:"address"`
	ScriptHex     string `json:"script_hex"`
	AddressIndex  uint32 `json:"address_index"`
	SatsPerVByte  uint32 `json:"sats_per_vbyte"`
	Confirmations uint32 `json:"confirmations"`
	BlockHeight   uint32 `json:"block_height"`
}

// ProcessPayoutQueuePayload names the batch group whose unbatched payouts
// should be promoted into a batch.
type ProcessPayoutQueuePayload struct {
	AccountID    string `json:"account_id"`
	BatchGroupID string `json:"batch_group_id"`
}

// BatchSigningPayload names the batch to drive one signing-scheduler pass
// over, per spec.md §4.6 step 8 ("enqueue a batch_signing job carrying
// (account_id, batch_id)").
type BatchSigningPayload struct {
	AccountID string `json:"account_id"`
	BatchID   string `json:"batch_id"`
}

// BroadcastPayload carries the finalized, fully-signed PSBT batch_signing
// produced once every session completed.
type BroadcastPayload struct {
	AccountID string `json:"account_id"`
	BatchID   string `json:"batch_id"`
}

// Handlers wires every collaborator the five job kinds need and exposes one
// method per kind, dispatched by Scheduler on Kind.
type Handlers struct {
	db          *sql.DB
	queue       *Queue
	chain       ChainSource
	broadcaster Broadcaster

	accounts *account.Repo
	wallets  *wallet.Repo
	xpubs    *xpub.Repo
	utxos    *utxo.Repo
	payouts  *payout.Repo
	groups   *batch.GroupRepo
	batches  *batch.Repo
	ledger   *ledger.Engine
	signing  *signing.Engine
	network  string
}

// NewHandlers constructs the handler set.
func NewHandlers(
	db *sql.DB,
	q *Queue,
	chainSource ChainSource,
	broadcaster Broadcaster,
	accounts *account.Repo,
	wallets *wallet.Repo,
	xpubs *xpub.Repo,
	utxos *utxo.Repo,
	payouts *payout.Repo,
	groups *batch.GroupRepo,
	batches *batch.Repo,
	e *ledger.Engine,
	signingEngine *signing.Engine,
	network string,
) *Handlers {
	return &Handlers{
		db: db, queue: q, chain: chainSource, broadcaster: broadcaster,
		accounts: accounts, wallets: wallets, xpubs: xpubs, utxos: utxos,
		payouts: payouts, groups: groups, batches: batches, ledger: e,
		signing: signingEngine, network: network,
	}
}

// HandleSyncWallet polls the chain source for every script the wallet's two
// keychains have derived so far and enqueues a process_utxo job per
// observation, one job per (wallet, txid, vout) and confirmation state, so a
// repeated sync never enqueues the same outpoint twice at the same state,
// and an output first seen unconfirmed is enqueued again once it confirms.
func (h *Handlers) HandleSyncWallet(ctx context.Context, payload json.RawMessage) error {
	var p SyncWalletPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: unmarshal sync_wallet payload: %v", config.ErrDatabase, err)
	}
	accountID, err := primitives.ParseAccountID(p.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	walletID, err := primitives.ParseWalletID(p.WalletID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	w, err := h.wallets.FindByID(ctx, h.db, accountID, walletID)
	if err != nil {
		return err
	}
	xp, err := h.xpubs.Find(ctx, h.db, accountID, w.XPubID)
	if err != nil {
		return err
	}
	key, err := xp.Key(h.network)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrXPubParseError, err)
	}

	kcs, err := h.wallets.Keychains(ctx, h.db, walletID)
	if err != nil {
		return err
	}

	// Every address the wallet has derived so far (indices [0, NextIndex))
	// on both keychains is watched; NextAddress only allocates indices, it
	// never forgets one, so this always covers everything the wallet could
	// plausibly have received a payment at.
	type watched struct {
		keychainID   primitives.KeychainID
		addressIndex uint32
	}
	scripts := make([]string, 0)
	byScript := make(map[string]watched)
	net := bitcoinprim.NetworkParams(h.network)
	for _, kc := range kcs {
		branch := bitcoinprim.Keychain{XPub: key, External: kc.External}
		for i := uint32(0); i < kc.NextIndex; i++ {
			addr, err := branch.DeriveAddress(i, net)
			if err != nil {
				return err
			}
			script, err := txscript.PayToAddrScript(addr)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrAddressParse, err)
			}
			scriptHex := hex.EncodeToString(script)
			scripts = append(scripts, scriptHex)
			byScript[scriptHex] = watched{keychainID: kc.ID, addressIndex: i}
		}
	}

	observations, err := h.chain.WatchedOutputs(ctx, scripts)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrChainData, err)
	}

	for _, obs := range observations {
		wd, ok := byScript[obs.ScriptHex]
		if !ok {
			continue
		}
		idemKey := fmt.Sprintf("process_utxo:%s:%s:%d:%t", walletID.String(), obs.Txid, obs.Vout, obs.Confirmations >= requiredConfirmations)
		payload := ProcessUTXOPayload{
			AccountID:     accountID.String(),
			WalletID:      walletID.String(),
			KeychainID:    wd.keychainID.String(),
			Txid:          obs.Txid,
			Vout:          obs.Vout,
			ValueSats:     obs.ValueSats,
			Address:       obs.Address,
			ScriptHex:     obs.ScriptHex,
			AddressIndex:  wd.addressIndex,
			SatsPerVByte:  obs.SatsPerVByteNow,
			Confirmations: obs.Confirmations,
		}
		if _, err := h.queue.Enqueue(ctx, h.db, KindProcessUTXO, idemKey, payload); err != nil {
			return err
		}
	}
	return nil
}

// HandleProcessUTXO persists a newly observed output (idempotently) and
// posts INCOMING_UTXO the moment it is first seen; once the observation
// reports requiredConfirmations or more, it also posts CONFIRMED_UTXO —
// guarded by re-reading the row first, since utxo.Repo.MarkConfirmed itself
// has no idempotency check and job delivery is at-least-once.
func (h *Handlers) HandleProcessUTXO(ctx context.Context, payload json.RawMessage) error {
	var p ProcessUTXOPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: unmarshal process_utxo payload: %v", config.ErrDatabase, err)
	}
	accountID, err := primitives.ParseAccountID(p.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	walletID, err := primitives.ParseWalletID(p.WalletID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	keychainID, err := primitives.ParseKeychainID(p.KeychainID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	w, err := h.wallets.FindByID(ctx, h.db, accountID, walletID)
	if err != nil {
		return err
	}
	acc, err := h.accounts.FindByID(ctx, h.db, accountID)
	if err != nil {
		return err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	outpoint := utxo.Outpoint{Txid: p.Txid, Vout: p.Vout}
	pendingTxID, err := h.utxos.Persist(ctx, tx, utxo.New{
		KeychainID:              keychainID,
		Outpoint:                outpoint,
		Value:                   primitives.Satoshis(p.ValueSats),
		Address:                 p.Address,
		ScriptHex:               p.ScriptHex,
		AddressIndex:            p.AddressIndex,
		SatsPerVByteWhenCreated: p.SatsPerVByte,
		IncomePendingLedgerTxID: primitives.NewLedgerTransactionID(),
	})
	if err != nil {
		return err
	}
	if pendingTxID != nil {
		if _, err := h.ledger.PostTransactionFromTemplateWithID(ctx, tx, *pendingTxID, "INCOMING_UTXO", acc.JournalID, fmt.Sprintf("%s:%d", p.Txid, p.Vout), time.Now(), nil, tmpl.Params{
			"wallet_incoming_account_id": w.Ledger.OnchainIncoming,
			"value":                      primitives.Satoshis(p.ValueSats),
		}); err != nil {
			return fmt.Errorf("post INCOMING_UTXO: %w", err)
		}
	}

	if p.Confirmations >= requiredConfirmations {
		alreadyConfirmed, err := h.utxos.IsConfirmed(ctx, tx, keychainID, outpoint)
		if err != nil {
			return err
		}
		if !alreadyConfirmed {
			confirmed, err := h.utxos.MarkConfirmed(ctx, tx, keychainID, outpoint, false, p.BlockHeight)
			if err != nil {
				return err
			}
			if _, err := h.ledger.PostTransactionFromTemplateWithID(ctx, tx, confirmed.ConfirmedLedgerTxID, "CONFIRMED_UTXO", acc.JournalID, fmt.Sprintf("%s:%d", p.Txid, p.Vout), time.Now(), nil, tmpl.Params{
				"wallet_incoming_account_id": w.Ledger.OnchainIncoming,
				"wallet_at_rest_account_id":  w.Ledger.OnchainAtRest,
				"value":                      confirmed.Value,
			}); err != nil {
				return fmt.Errorf("post CONFIRMED_UTXO: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return nil
}

// HandleProcessPayoutQueue runs spec.md §4.6's batch-construction algorithm
// for one batch group: acquire the group's lock, list its unbatched
// payouts, assemble the per-wallet candidate/change data batch.Construct
// needs, and build the batch. If construction produced one, enqueue a
// batch_signing job for it, per step 8.
func (h *Handlers) HandleProcessPayoutQueue(ctx context.Context, payload json.RawMessage) error {
	var p ProcessPayoutQueuePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: unmarshal process_payout_queue payload: %v", config.ErrDatabase, err)
	}
	accountID, err := primitives.ParseAccountID(p.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	groupID, err := primitives.ParseBatchGroupID(p.BatchGroupID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	if err := batch.AcquireLock(ctx, tx, "batch_group:"+groupID.String()); err != nil {
		return err
	}

	group, err := h.groups.FindByID(ctx, tx, accountID, groupID)
	if err != nil {
		return err
	}

	unbatched, err := h.payouts.ListUnbatched(ctx, tx, groupID)
	if err != nil {
		return err
	}
	if len(unbatched) == 0 {
		return tx.Commit()
	}

	acc, err := h.accounts.FindByID(ctx, tx, accountID)
	if err != nil {
		return err
	}

	walletIDs := make(map[primitives.WalletID]struct{})
	for _, po := range unbatched {
		walletIDs[po.WalletID] = struct{}{}
	}

	wallets := make(map[primitives.WalletID]batch.WalletInput, len(walletIDs))
	for walletID := range walletIDs {
		w, err := h.wallets.FindByID(ctx, tx, accountID, walletID)
		if err != nil {
			return err
		}
		kcs, err := h.wallets.Keychains(ctx, tx, walletID)
		if err != nil {
			return err
		}
		var internalKC *wallet.Keychain
		keychainIDs := make([]primitives.KeychainID, 0, len(kcs))
		for i := range kcs {
			keychainIDs = append(keychainIDs, kcs[i].ID)
			if !kcs[i].External {
				internalKC = &kcs[i]
			}
		}

		reservable, err := h.utxos.FindReservable(ctx, tx, keychainIDs)
		if err != nil {
			return err
		}
		candidates := make([]batch.Candidate, 0, len(reservable))
		for _, rv := range reservable {
			if rv.SpendingBatchID != nil || rv.ConfirmedLedgerTxID == nil {
				continue
			}
			candidates = append(candidates, batch.Candidate{Reservable: rv, Value: rv.Value})
		}

		xp, err := h.xpubs.Find(ctx, tx, accountID, w.XPubID)
		if err != nil {
			return err
		}
		if internalKC == nil {
			return fmt.Errorf("%w: wallet %s has no internal keychain", config.ErrKeychainNotFound, walletID.String())
		}
		_, changeAddress, err := h.wallets.NextAddress(ctx, tx, *internalKC, xp, h.network)
		if err != nil {
			return err
		}

		wallets[walletID] = batch.WalletInput{
			WalletID: walletID,
			Ledger: batch.WalletLedgerAccounts{
				OnchainIncoming: w.Ledger.OnchainIncoming,
				OnchainAtRest:   w.Ledger.OnchainAtRest,
				OnchainOutgoing: w.Ledger.OnchainOutgoing,
				Fee:             w.Ledger.Fee,
				LogicalOutgoing: w.Ledger.LogicalOutgoing,
				LogicalAtRest:   w.Ledger.LogicalAtRest,
			},
			Candidates:    candidates,
			ChangeAddress: changeAddress,
			Network:       h.network,
		}
	}

	b, err := batch.Construct(ctx, tx, h.ledger, acc.JournalID, accountID, group, unbatched, h.payouts, h.utxos, wallets, nil)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	if b != nil {
		if _, err := h.queue.Enqueue(ctx, h.db, KindBatchSigning, "batch_signing:"+b.ID.String(), BatchSigningPayload{
			AccountID: accountID.String(),
			BatchID:   b.ID.String(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleBatchSigning runs one scheduler pass over a batch's signing
// sessions — spawning them on first run — and, once every session has
// completed, enqueues a broadcast job carrying the fully-signed PSBT.
func (h *Handlers) HandleBatchSigning(ctx context.Context, payload json.RawMessage) error {
	var p BatchSigningPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: unmarshal batch_signing payload: %v", config.ErrDatabase, err)
	}
	accountID, err := primitives.ParseAccountID(p.AccountID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	batchID, err := primitives.ParseBatchID(p.BatchID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	bss, err := h.signing.EnsureSessions(ctx, h.db, accountID, batchID)
	if err != nil {
		return err
	}
	bss, signed, err := h.signing.Attempt(ctx, h.db, bss)
	if err != nil {
		return err
	}
	if signed == nil {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()
	if err := h.batches.MarkBroadcast(ctx, tx, batchID, signed, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	if _, err := h.queue.Enqueue(ctx, h.db, KindBroadcast, "broadcast:"+batchID.String(), BroadcastPayload{
		AccountID: accountID.String(),
		BatchID:   batchID.String(),
	}); err != nil {
		return err
	}
	return nil
}

// HandleBroadcast hands the batch's finalized PSBT to the injected
// Broadcaster and records the resulting txid, guarded against replay by
// checking batch.Repo.BroadcastTxID for a non-empty value first — at that
// point the signed PSBT is already persisted with no recorded txid, so a
// replayed broadcast job skips straight to re-attempting the RPC call, not
// re-deriving the transaction.
func (h *Handlers) HandleBroadcast(ctx context.Context, payload json.RawMessage) error {
	var p BroadcastPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: unmarshal broadcast payload: %v", config.ErrDatabase, err)
	}
	batchID, err := primitives.ParseBatchID(p.BatchID)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	existingTxID, err := h.batches.BroadcastTxID(ctx, h.db, batchID)
	if err != nil {
		return err
	}
	if existingTxID != "" {
		return nil
	}

	var signedPSBT []byte
	if err := h.db.QueryRowContext(ctx, `SELECT signed_psbt FROM bria_batches WHERE id = ?`, batchID.String()).Scan(&signedPSBT); err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(signedPSBT), false)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrPSBTParse, err)
	}
	msgTx, err := psbt.Extract(packet)
	if err != nil {
		return fmt.Errorf("%w: extract signed transaction: %v", config.ErrPSBTParse, err)
	}
	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return fmt.Errorf("%w: %v", config.ErrPSBTParse, err)
	}

	txid, err := h.broadcaster.Broadcast(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrBroadcastFailed, err)
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()
	if err := h.batches.MarkBroadcast(ctx, tx, batchID, signedPSBT, txid); err != nil {
		return err
	}
	return tx.Commit()
}
