package signing

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/Rsync25/bria/internal/batch"
	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
	"github.com/Rsync25/bria/internal/utxo"
	"github.com/Rsync25/bria/internal/wallet"
	"github.com/Rsync25/bria/internal/xpub"
)

// DefaultStallTimeout is the deadline of each remote SignPSBT call; a call
// that runs past it ends the session Failed{StallTimeout}, which Attempt
// then reports as SigningSessionStalled. Overridable via
// BRIA_SIGNING_STALL_TIMEOUT (see WithStallTimeout).
const DefaultStallTimeout = 10 * time.Minute

// Engine drives the per-batch signing job ("batch_wallet_signing"):
// spawning sessions on first run, attempting every pending session against
// its wallet's configured remote signer, and combining the result once
// every session completes. Grounded on original_source's
// src/job/batch_signing.rs — whose actual per-xpub signing loop survived
// the source dump only in a partially-sketched, commented-out form, so the
// attempt/combine control flow below is authored directly from spec.md
// §4.7's prose rather than transliterated.
type Engine struct {
	repo       *Repo
	batchRepo  *batch.Repo
	walletRepo *wallet.Repo
	xpubRepo   *xpub.Repo
	utxoRepo   *utxo.Repo
	dialer     xpub.Dialer

	stallTimeout time.Duration
}

// NewEngine wires every collaborator the signing job needs.
func NewEngine(repo *Repo, batchRepo *batch.Repo, walletRepo *wallet.Repo, xpubRepo *xpub.Repo, utxoRepo *utxo.Repo, dialer xpub.Dialer) *Engine {
	return &Engine{
		repo: repo, batchRepo: batchRepo, walletRepo: walletRepo, xpubRepo: xpubRepo, utxoRepo: utxoRepo, dialer: dialer,
		stallTimeout: DefaultStallTimeout,
	}
}

// WithStallTimeout overrides DefaultStallTimeout, e.g. from
// BRIA_SIGNING_STALL_TIMEOUT at process start.
func (e *Engine) WithStallTimeout(d time.Duration) *Engine {
	e.stallTimeout = d
	return e
}

// EnsureSessions loads the BatchSigningSession for (account, batch),
// spawning one SigningSession per participating wallet on first run —
// spec.md §4.7 "for each (wallet, keychain, xpub), build a
// NewSigningSession". Single-sig wallets carry exactly one xpub shared by
// both keychains, so one session per wallet already covers every
// (wallet, keychain, xpub) tuple a batch can touch.
func (e *Engine) EnsureSessions(ctx context.Context, db *sql.DB, accountID primitives.AccountID, batchID primitives.BatchID) (*BatchSigningSession, error) {
	existing, err := e.repo.FindForBatch(ctx, db, accountID, batchID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	b, err := e.batchRepo.Find(ctx, db, accountID, batchID)
	if err != nil {
		return nil, err
	}
	walletIDs, err := e.utxoRepo.WalletsInBatch(ctx, db, batchID)
	if err != nil {
		return nil, err
	}
	if len(walletIDs) == 0 {
		return nil, fmt.Errorf("%w: batch %s has no reserved inputs to sign", config.ErrBatchNotFound, batchID.String())
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	xpubSessions := make(map[primitives.XPubID]*SigningSession, len(walletIDs))
	for _, walletID := range walletIDs {
		w, err := e.walletRepo.FindByID(ctx, tx, accountID, walletID)
		if err != nil {
			return nil, err
		}
		var keychainID primitives.KeychainID
		kcs, err := e.walletRepo.Keychains(ctx, tx, walletID)
		if err != nil {
			return nil, err
		}
		if len(kcs) > 0 {
			keychainID = kcs[0].ID
		}
		sess := NewSigningSession(accountID, batchID, walletID, keychainID, w.XPubID, b.UnsignedPSBT)
		if err := e.repo.Persist(ctx, tx, sess); err != nil {
			return nil, err
		}
		xpubSessions[w.XPubID] = sess
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return &BatchSigningSession{BatchID: batchID, XPubSessions: xpubSessions}, nil
}

// Attempt runs one scheduler pass over every non-completed session in bss,
// dialing each one's remote signer and recording the result. It returns the
// refreshed BatchSigningSession plus, once AllCompleted is true, the
// combined fully-signed PSBT.
func (e *Engine) Attempt(ctx context.Context, db *sql.DB, bss *BatchSigningSession) (*BatchSigningSession, []byte, error) {
	for _, sess := range bss.Pending() {
		e.attemptOne(ctx, db, sess)
	}

	if !bss.AllCompleted() {
		if stalled := e.stalledReason(bss); stalled != nil {
			return bss, nil, fmt.Errorf("%w: %s", config.ErrSigningSessionStalled, *stalled)
		}
		return bss, nil, nil
	}

	signed, err := combine(bss)
	if err != nil {
		return bss, nil, fmt.Errorf("%w: %v", config.ErrCouldNotCombinePSBTs, err)
	}
	return bss, signed, nil
}

func (e *Engine) attemptOne(ctx context.Context, db *sql.DB, sess *SigningSession) {
	xp, err := e.xpubRepo.Find(ctx, db, sess.AccountID, sess.XPubID)
	if err != nil {
		e.recordFailure(ctx, db, sess, FailureSignerConfigMissing, err.Error())
		return
	}
	client, err := xpub.ResolveSigner(ctx, e.dialer, xp)
	if err == config.ErrSignerConfigMissing {
		e.recordFailure(ctx, db, sess, FailureSignerConfigMissing, err.Error())
		return
	}
	if err != nil {
		e.recordFailure(ctx, db, sess, FailureSignerUnreachable, err.Error())
		return
	}

	signCtx, cancel := context.WithTimeout(ctx, e.stallTimeout)
	defer cancel()

	signed, err := client.SignPSBT(signCtx, sess.UnsignedPSBT)
	switch {
	case ctx.Err() != nil:
		// The caller's own context was cancelled (job reschedule, shutdown),
		// not our own deadline — spec.md §4.7's "Cancellation ... returns
		// the session to Pending", not a terminal failure.
		e.recordFailure(ctx, db, sess, FailureCancelled, "signing round cancelled")
	case signCtx.Err() != nil:
		e.recordFailure(ctx, db, sess, FailureStallTimeout, "remote signing round deadline exceeded")
	case err != nil:
		e.recordFailure(ctx, db, sess, classifyRejection(err), err.Error())
	default:
		e.recordSuccess(ctx, db, sess, signed)
	}
}

// classifyRejection distinguishes an unreachable signer from an explicit
// rejection for an error returned by SignPSBT: config.ErrSignerUnreachable
// maps to SignerUnreachable, anything else to SignerRejected. A dial error
// from ResolveSigner never reaches here; attemptOne records it as
// SignerUnreachable directly.
func classifyRejection(err error) FailureKind {
	if err == config.ErrSignerUnreachable {
		return FailureSignerUnreachable
	}
	return FailureSignerRejected
}

func (e *Engine) recordFailure(ctx context.Context, db *sql.DB, sess *SigningSession, kind FailureKind, reason string) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.repo.AppendEvent(ctx, tx, sess, SessionEvent{RemoteSigningRoundFailed: &RemoteSigningRoundFailed{Kind: kind, Reason: reason}}); err != nil {
		return
	}
	_ = tx.Commit()
}

func (e *Engine) recordSuccess(ctx context.Context, db *sql.DB, sess *SigningSession, signedPSBT []byte) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.repo.AppendEvent(ctx, tx, sess, SessionEvent{RemoteSigningSucceeded: &RemoteSigningSucceeded{SignedPSBT: signedPSBT}}); err != nil {
		return
	}
	if err := e.repo.AppendEvent(ctx, tx, sess, SessionEvent{Completed: &struct{}{}}); err != nil {
		return
	}
	_ = tx.Commit()
}

// stalledReason reports the first session past its retry budget, if any.
// original_source ties this to wall-clock time on the Initialized event;
// here, lacking a persisted first-attempt timestamp, a session is
// considered stalled once it has accumulated three non-terminal
// (Cancelled) attempts without completing — spec.md §8 scenario 6's
// "3 consecutive attempts past the deadline".
func (e *Engine) stalledReason(bss *BatchSigningSession) *string {
	const maxAttemptsBeforeStall = 3
	for _, sess := range bss.Pending() {
		if sess.State == StateFailed {
			reason := fmt.Sprintf("xpub %s: %s", sess.XPubID.String(), sess.LastFailure.Kind)
			return &reason
		}
		if sess.Attempts >= maxAttemptsBeforeStall {
			reason := fmt.Sprintf("xpub %s: exceeded %d signing attempts", sess.XPubID.String(), maxAttemptsBeforeStall)
			return &reason
		}
	}
	return nil
}

// combine merges every completed session's signed PSBT into one finalized
// transaction. Because this system is single-sig per wallet, each input
// belongs to exactly one session's xpub and carries that session's
// signature only — combining here means copying each session's non-empty
// per-input fields onto a shared base packet (BIP174's Combiner role, one
// input owner at a time rather than unioning multiple signatures on the
// same input) and finalizing once every input is covered.
func combine(bss *BatchSigningSession) ([]byte, error) {
	var base *psbt.Packet
	for _, sess := range bss.XPubSessions {
		p, err := psbt.NewFromRawBytes(bytes.NewReader(sess.SignedPSBT), false)
		if err != nil {
			return nil, fmt.Errorf("parse signed psbt for xpub %s: %w", sess.XPubID.String(), err)
		}
		if base == nil {
			base = p
			continue
		}
		if len(p.Inputs) != len(base.Inputs) {
			return nil, fmt.Errorf("xpub %s returned a psbt with %d inputs, want %d", sess.XPubID.String(), len(p.Inputs), len(base.Inputs))
		}
		for i, in := range p.Inputs {
			if len(in.FinalScriptWitness) > 0 || len(in.FinalScriptSig) > 0 || len(in.PartialSigs) > 0 {
				base.Inputs[i] = in
			}
		}
	}
	if base == nil {
		return nil, fmt.Errorf("no completed sessions to combine")
	}

	if err := psbt.MaybeFinalizeAll(base); err != nil {
		return nil, fmt.Errorf("finalize combined psbt: %w", err)
	}
	if !base.IsComplete() {
		return nil, fmt.Errorf("combined psbt is missing signatures for one or more inputs")
	}

	var buf bytes.Buffer
	if err := base.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize combined psbt: %w", err)
	}
	return buf.Bytes(), nil
}
