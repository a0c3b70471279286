package signing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/entity"
	"github.com/Rsync25/bria/internal/primitives"
)

func parseAccountID(s string) (primitives.AccountID, error)   { return primitives.ParseAccountID(s) }
func parseBatchID(s string) (primitives.BatchID, error)       { return primitives.ParseBatchID(s) }
func parseWalletID(s string) (primitives.WalletID, error)     { return primitives.ParseWalletID(s) }
func parseKeychainID(s string) (primitives.KeychainID, error) { return primitives.ParseKeychainID(s) }
func parseXPubID(s string) (primitives.XPubID, error)         { return primitives.ParseXPubID(s) }

// Queryer is satisfied by both *sql.DB and *sql.Tx for reads.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Repo persists and rehydrates SigningSession entities, grounded in
// original_source's src/signing_session/repo.go (SigningSessions::
// find_for_batch).
type Repo struct {
	db *sql.DB
}

// NewRepo constructs a Repo bound to the shared *sql.DB.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Persist writes a brand-new SigningSession and its Initialized event
// within the caller's transaction, idempotent on the (batch_id, wallet_id,
// keychain_id, xpub_id) unique key so re-running batch_signing's "spawn
// sessions" step on an already-initialized batch is a no-op.
func (r *Repo) Persist(ctx context.Context, tx *sql.Tx, s *SigningSession) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO bria_signing_session (id, account_id, batch_id, wallet_id, keychain_id, xpub_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, wallet_id, keychain_id, xpub_id) DO NOTHING
	`, s.ID.String(), s.AccountID.String(), s.BatchID.String(), s.WalletID.String(), s.KeychainID.String(), s.XPubID.String())
	if err != nil {
		return fmt.Errorf("%w: insert signing session: %v", config.ErrDatabase, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	} else if affected == 0 {
		return nil
	}

	for _, e := range s.Events.All() {
		if err := r.insertEvent(ctx, tx, s.ID, e); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent persists one additional event onto an already-initialized
// session's log within the caller's transaction, enforcing the no-gaps
// sequence invariant via EntityEvents.Push.
func (r *Repo) AppendEvent(ctx context.Context, tx *sql.Tx, s *SigningSession, payload SessionEvent) error {
	if s.Events == nil {
		return fmt.Errorf("%w: signing session %s has no loaded event log", config.ErrEventSequenceConflict, s.ID.String())
	}
	ev := s.Events.Push(payload)
	if err := r.insertEvent(ctx, tx, s.ID, ev); err != nil {
		return err
	}
	b := &builder{id: s.ID, sess: s}
	b.Apply(payload)
	return nil
}

func (r *Repo) insertEvent(ctx context.Context, tx *sql.Tx, id primitives.SigningSessionID, e entity.Event[SessionEvent]) error {
	eventType, payload, err := encodeEvent(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bria_signing_session_events (session_id, sequence, event_type, payload_json, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, sequence) DO NOTHING
	`, id.String(), e.Sequence, eventType, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: insert signing session event: %v", config.ErrDatabase, err)
	}
	return nil
}

// FindForBatch rehydrates every per-xpub session already spawned for a
// batch, mirroring original_source's find_for_batch: joins the session
// table to its events, groups by session id, and returns nil (no error)
// if nothing has been spawned yet — the caller's cue to run the first-time
// spawn path instead.
func (r *Repo) FindForBatch(ctx context.Context, q Queryer, accountID primitives.AccountID, batchID primitives.BatchID) (*BatchSigningSession, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, wallet_id, keychain_id, xpub_id FROM bria_signing_session
		WHERE account_id = ? AND batch_id = ?
	`, accountID.String(), batchID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	var ids []primitives.SigningSessionID
	for rows.Next() {
		var idStr, walletStr, keychainStr, xpubStr string
		if err := rows.Scan(&idStr, &walletStr, &keychainStr, &xpubStr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		id, err := primitives.ParseSigningSessionID(idStr)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		ids = append(ids, id)
	}
	closeErr := rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, closeErr)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	xpubSessions := make(map[primitives.XPubID]*SigningSession, len(ids))
	for _, id := range ids {
		sess, err := r.loadEvents(ctx, q, id)
		if err != nil {
			return nil, err
		}
		xpubSessions[sess.XPubID] = sess
	}
	return &BatchSigningSession{BatchID: batchID, XPubSessions: xpubSessions}, nil
}

func (r *Repo) loadEvents(ctx context.Context, q Queryer, id primitives.SigningSessionID) (*SigningSession, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sequence, event_type, payload_json
		FROM bria_signing_session_events
		WHERE session_id = ?
		ORDER BY sequence ASC
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	var events []entity.Event[SessionEvent]
	for rows.Next() {
		var seq int
		var eventType, payload string
		if err := rows.Scan(&seq, &eventType, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		payloadVal, err := decodeEvent(eventType, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		events = append(events, entity.Event[SessionEvent]{Sequence: seq, Payload: payloadVal})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	log, err := entity.LoadEntityEvents(events)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrEventSequenceConflict, err)
	}
	sess, err := entity.Rehydrate(events, func() entity.Builder[SessionEvent, *SigningSession] { return newBuilder(id) })
	if err != nil {
		return nil, err
	}
	sess.Events = log
	return sess, nil
}

// DB returns the underlying *sql.DB.
func (r *Repo) DB() *sql.DB { return r.db }
