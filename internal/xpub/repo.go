package xpub

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/entity"
	bitcoinprim "github.com/Rsync25/bria/internal/primitives/bitcoin"

	"github.com/Rsync25/bria/internal/primitives"
)

func parseIDField(s string) (primitives.AccountID, error) {
	return primitives.ParseAccountID(s)
}

func parseFingerprint(s string) (bitcoinprim.Fingerprint, error) {
	var fp bitcoinprim.Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return fp, fmt.Errorf("invalid fingerprint %q", s)
	}
	copy(fp[:], b)
	return fp, nil
}

// Queryer is satisfied by both *sql.DB and *sql.Tx for reads.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Repo persists and rehydrates AccountXPub entities — grounded in
// original_source's src/xpub/repo.go (XPubRepo::persist/find/find_from_ref).
type Repo struct {
	db *sql.DB
}

// NewRepo constructs a Repo bound to the shared *sql.DB.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Persist writes a brand-new AccountXPub (built via NewAccountXPub) and its
// initial event log within the caller's transaction, then swallows a
// duplicate (account_id, key_name) or (account_id, fingerprint) insert —
// registering the same xpub twice under the same name is idempotent, per
// spec.md §4.1.
func (r *Repo) Persist(ctx context.Context, tx *sql.Tx, xp *AccountXPub) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bria_xpubs (id, account_id, key_name, fingerprint)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, key_name) DO NOTHING
		ON CONFLICT (account_id, fingerprint) DO NOTHING
	`, xp.ID.String(), xp.AccountID.String(), xp.KeyName, xp.Fingerprint.String())
	if err != nil {
		return fmt.Errorf("%w: insert xpub: %v", config.ErrDatabase, err)
	}

	for _, e := range xp.Events.All() {
		eventType, payload, err := encodeEvent(e.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrDatabase, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bria_xpub_events (xpub_id, sequence, event_type, payload_json, recorded_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (xpub_id, sequence) DO NOTHING
		`, xp.ID.String(), e.Sequence, eventType, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("%w: insert xpub event: %v", config.ErrDatabase, err)
		}
	}
	return nil
}

// AppendEvent persists one additional event (name change, signer config
// update) onto an already-registered xpub's log within the caller's
// transaction, enforcing the no-gaps sequence invariant via EntityEvents.Push.
func (r *Repo) AppendEvent(ctx context.Context, tx *sql.Tx, xp *AccountXPub, payload XPubEvent) error {
	if xp.Events == nil {
		return fmt.Errorf("%w: xpub %s has no loaded event log", config.ErrEventSequenceConflict, xp.ID.String())
	}
	ev := xp.Events.Push(payload)
	eventType, data, err := encodeEvent(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bria_xpub_events (xpub_id, sequence, event_type, payload_json, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, xp.ID.String(), ev.Sequence, eventType, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append xpub event: %v", config.ErrDatabase, err)
	}
	return nil
}

// Rename appends a NameUpdated event and updates the denormalized key_name
// column used for lookups by name.
func (r *Repo) Rename(ctx context.Context, tx *sql.Tx, xp *AccountXPub, newName string) error {
	if err := r.AppendEvent(ctx, tx, xp, XPubEvent{NameUpdated: &NameUpdated{Name: newName}}); err != nil {
		return err
	}
	xp.KeyName = newName
	_, err := tx.ExecContext(ctx, `UPDATE bria_xpubs SET key_name = ? WHERE id = ?`, newName, xp.ID.String())
	if err != nil {
		return fmt.Errorf("%w: update xpub key_name: %v", config.ErrDatabase, err)
	}
	return nil
}

// SetSignerConfig appends a SignerConfigUpdated event, replacing whichever
// signer configuration (if any) was previously in effect.
func (r *Repo) SetSignerConfig(ctx context.Context, tx *sql.Tx, xp *AccountXPub, cfg SignerConfig) error {
	return r.AppendEvent(ctx, tx, xp, XPubEvent{SignerUpdated: &SignerUpdated{Config: cfg}})
}

// Find rehydrates one AccountXPub by id, scoped to accountID so one tenant
// can never address another's xpub.
func (r *Repo) Find(ctx context.Context, q Queryer, accountID primitives.AccountID, id primitives.XPubID) (*AccountXPub, error) {
	var owner string
	err := q.QueryRowContext(ctx, `SELECT account_id FROM bria_xpubs WHERE id = ?`, id.String()).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil, config.ErrXPubNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	if owner != accountID.String() {
		return nil, config.ErrXPubNotFound
	}
	return r.loadEvents(ctx, q, id)
}

// FindFromRef resolves an xpub by either its key_name or its hex fingerprint
// — original_source's find_from_ref, used by the admin API and by
// internal/wallet when a request names an xpub loosely.
func (r *Repo) FindFromRef(ctx context.Context, q Queryer, accountID primitives.AccountID, ref string) (*AccountXPub, error) {
	var idStr string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM bria_xpubs WHERE account_id = ? AND (key_name = ? OR fingerprint = ?)
	`, accountID.String(), ref, ref).Scan(&idStr)
	if err == sql.ErrNoRows {
		return nil, config.ErrXPubNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	id, err := primitives.ParseXPubID(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return r.loadEvents(ctx, q, id)
}

func (r *Repo) loadEvents(ctx context.Context, q Queryer, id primitives.XPubID) (*AccountXPub, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sequence, event_type, payload_json
		FROM bria_xpub_events
		WHERE xpub_id = ?
		ORDER BY sequence ASC
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer rows.Close()

	var events []entity.Event[XPubEvent]
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
		events = append(events, entity.Event[XPubEvent]{Sequence: seq, Payload: payloadVal})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	log, err := entity.LoadEntityEvents(events)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrEventSequenceConflict, err)
	}
	acc, err := entity.Rehydrate(events, func() entity.Builder[XPubEvent, *AccountXPub] { return newBuilder(id) })
	if err != nil {
		return nil, err
	}
	acc.Events = log
	return acc, nil
}

// DB returns the underlying *sql.DB, for callers composing a transaction
// that spans xpub persistence and other domain writes.
func (r *Repo) DB() *sql.DB { return r.db }
