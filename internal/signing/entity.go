// Package signing implements the signing session engine (C8): one
// event-sourced state machine per (batch, wallet, keychain, xpub) tuple
// collecting a remote signer's PSBT signature, plus the combination step
// that produces a fully-signed transaction once every session for a batch
// completes. Grounded in original_source's src/signing_session/repo.rs
// (the entity.rs that defined SigningSessionEvent/SigningSession itself was
// filtered out of the dump; its shape is reconstructed here from repo.rs's
// usage plus spec.md §3/§4.7's exact event and state-machine description).
package signing

import (
	"fmt"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/entity"
	"github.com/Rsync25/bria/internal/primitives"
)

// State is where a SigningSession currently sits in its state machine.
// "Signing" (a remote call in flight) is deliberately not a value here: it
// exists only as the runtime window between starting and resolving one
// Attempt call, never as a value read back from storage: a cancelled round
// returns the session to Pending, and a round that runs past its deadline
// ends it Failed{StallTimeout}.
type State string

const (
	StatePending   State = "pending"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
)

// FailureKind classifies a RemoteSigningRoundFailed event's reason.
// Terminal kinds move the session to Failed for this attempt; Cancelled is
// the one non-terminal kind, returning the session to Pending for the
// next scheduler pass to attempt again. StallTimeout (a round past its
// deadline) is terminal like SignerConfigMissing, SignerUnreachable and
// SignerRejected.
type FailureKind string

const (
	FailureCancelled           FailureKind = "cancelled"
	FailureSignerConfigMissing FailureKind = "signer_config_missing"
	FailureSignerUnreachable   FailureKind = "signer_unreachable"
	FailureSignerRejected      FailureKind = "signer_rejected"
	FailureStallTimeout        FailureKind = "stall_timeout"
)

// Terminal reports whether this failure kind ends the current attempt
// (Failed) rather than looping back to Pending for a retry.
func (k FailureKind) Terminal() bool {
	return k != FailureCancelled
}

// SessionEvent is the tagged event union rehydrated into a SigningSession,
// exactly the four variants spec.md §3 names.
type SessionEvent struct {
	Initialized              *Initialized
	RemoteSigningRoundFailed *RemoteSigningRoundFailed
	RemoteSigningSucceeded   *RemoteSigningSucceeded
	Completed                *struct{}
}

// Initialized is the founding event: every field a SigningSession needs is
// fixed at creation time and never changes.
type Initialized struct {
	AccountID    primitives.AccountID
	BatchID      primitives.BatchID
	WalletID     primitives.WalletID
	KeychainID   primitives.KeychainID
	XPubID       primitives.XPubID
	UnsignedPSBT []byte
}

// RemoteSigningRoundFailed records one failed remote-signing attempt.
type RemoteSigningRoundFailed struct {
	Kind   FailureKind
	Reason string
}

// RemoteSigningSucceeded carries the PSBT the remote signer returned,
// already containing this xpub's signature(s).
type RemoteSigningSucceeded struct {
	SignedPSBT []byte
}

// SigningSession is the current projection of one (batch, wallet,
// keychain, xpub) tuple's event log.
type SigningSession struct {
	ID           primitives.SigningSessionID
	AccountID    primitives.AccountID
	BatchID      primitives.BatchID
	WalletID     primitives.WalletID
	KeychainID   primitives.KeychainID
	XPubID       primitives.XPubID
	UnsignedPSBT []byte
	SignedPSBT   []byte
	State        State
	LastFailure  *RemoteSigningRoundFailed
	Attempts     int
	Events       *entity.EntityEvents[SessionEvent]
}

// BatchSigningSession groups every per-xpub SigningSession belonging to one
// batch, mirroring original_source's BatchSigningSession{xpub_sessions}.
type BatchSigningSession struct {
	BatchID      primitives.BatchID
	XPubSessions map[primitives.XPubID]*SigningSession
}

// AllCompleted reports whether every session in the batch has reached
// Completed — the gate on PSBT combination, spec.md §4.7.
func (b *BatchSigningSession) AllCompleted() bool {
	if len(b.XPubSessions) == 0 {
		return false
	}
	for _, s := range b.XPubSessions {
		if s.State != StateCompleted {
			return false
		}
	}
	return true
}

// Pending returns every session not yet Completed, the set the scheduler
// attempts on each invocation — spec.md §4.7 "on each scheduler
// invocation, all non-completed sessions are attempted".
func (b *BatchSigningSession) Pending() []*SigningSession {
	var out []*SigningSession
	for _, s := range b.XPubSessions {
		if s.State != StateCompleted {
			out = append(out, s)
		}
	}
	return out
}

// builder implements entity.Builder[SessionEvent, *SigningSession].
type builder struct {
	id   primitives.SigningSessionID
	sess *SigningSession
}

func newBuilder(id primitives.SigningSessionID) entity.Builder[SessionEvent, *SigningSession] {
	return &builder{id: id}
}

func (b *builder) Apply(e SessionEvent) {
	switch {
	case e.Initialized != nil:
		init := e.Initialized
		b.sess = &SigningSession{
			ID:           b.id,
			AccountID:    init.AccountID,
			BatchID:      init.BatchID,
			WalletID:     init.WalletID,
			KeychainID:   init.KeychainID,
			XPubID:       init.XPubID,
			UnsignedPSBT: init.UnsignedPSBT,
			State:        StatePending,
		}
	case e.RemoteSigningRoundFailed != nil:
		if b.sess == nil {
			return
		}
		f := e.RemoteSigningRoundFailed
		b.sess.Attempts++
		b.sess.LastFailure = f
		if f.Kind.Terminal() {
			b.sess.State = StateFailed
		} else {
			b.sess.State = StatePending
		}
	case e.RemoteSigningSucceeded != nil:
		if b.sess == nil {
			return
		}
		b.sess.SignedPSBT = e.RemoteSigningSucceeded.SignedPSBT
	case e.Completed != nil:
		if b.sess == nil {
			return
		}
		b.sess.State = StateCompleted
	}
}

func (b *builder) Build() (*SigningSession, error) {
	if b.sess == nil {
		return nil, fmt.Errorf("signing session %s: %w", b.id.String(), config.ErrSigningSessionNotFound)
	}
	return b.sess, nil
}

// NewSigningSession builds the initial event for a freshly-spawned signing
// session — one per (wallet, keychain, xpub) found among a batch's included
// UTXOs, spec.md §4.7's "for each (wallet, keychain, xpub), build a
// NewSigningSession".
func NewSigningSession(accountID primitives.AccountID, batchID primitives.BatchID, walletID primitives.WalletID, keychainID primitives.KeychainID, xpubID primitives.XPubID, unsignedPSBT []byte) *SigningSession {
	events := entity.NewEntityEvents[SessionEvent]()
	events.Push(SessionEvent{Initialized: &Initialized{
		AccountID:    accountID,
		BatchID:      batchID,
		WalletID:     walletID,
		KeychainID:   keychainID,
		XPubID:       xpubID,
		UnsignedPSBT: unsignedPSBT,
	}})
	return &SigningSession{
		ID:           primitives.NewSigningSessionID(),
		AccountID:    accountID,
		BatchID:      batchID,
		WalletID:     walletID,
		KeychainID:   keychainID,
		XPubID:       xpubID,
		UnsignedPSBT: unsignedPSBT,
		State:        StatePending,
		Events:       events,
	}
}
