package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
)

// Kind enumerates the job kinds spec.md §5 names: sync_wallet, process_utxo,
// process_payout_queue, batch_signing, broadcast.
type Kind string

const (
	KindSyncWallet         Kind = "sync_wallet"
	KindProcessUTXO        Kind = "process_utxo"
	KindProcessPayoutQueue Kind = "process_payout_queue"
	KindBatchSigning       Kind = "batch_signing"
	KindBroadcast          Kind = "broadcast"
)

// Status is the lifecycle of one bria_jobs row.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one durable work-queue entry.
type Job struct {
	ID             primitives.JobID
	Kind           Kind
	Payload        json.RawMessage
	Status         Status
	IdempotencyKey string
	Attempts       int
	RunAfter       time.Time
	LastError      string
}

// Queue persists and dequeues bria_jobs rows. One Queue is shared by every
// enqueuing caller (internal/app and the job handlers themselves) and by
// the scheduler that drains it.
type Queue struct {
	db *sql.DB
}

// NewQueue constructs a Queue bound to the shared *sql.DB.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a new job, idempotent on idempotencyKey: a duplicate
// enqueue (e.g. a retried caller) is silently absorbed rather than
// double-scheduling the same unit of work.
func (q *Queue) Enqueue(ctx context.Context, ex interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, kind Kind, idempotencyKey string, payload any) (primitives.JobID, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return primitives.JobID{}, fmt.Errorf("%w: marshal job payload: %v", config.ErrDatabase, err)
	}

	id := primitives.NewJobID()
	_, err = ex.ExecContext(ctx, `
		INSERT INTO bria_jobs (id, kind, payload_json, status, idempotency_key, attempts, run_after, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id.String(), string(kind), string(payloadJSON), string(StatusQueued), idempotencyKey,
		time.Now().UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return primitives.JobID{}, fmt.Errorf("%w: enqueue job: %v", config.ErrDatabase, err)
	}
	return id, nil
}

// ClaimNext atomically selects and marks running the oldest queued job whose
// run_after has passed, or returns (nil, nil) if none is runnable. SQLite's
// single-writer model makes a plain select-then-update within one
// transaction an exclusive claim — no SKIP LOCKED or FOR UPDATE needed.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := tx.QueryRowContext(ctx, `
		SELECT id, kind, payload_json, status, idempotency_key, attempts, run_after, last_error
		FROM bria_jobs
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after ASC
		LIMIT 1
	`, string(StatusQueued), now)

	var idStr, kindStr, payloadStr, statusStr, idemKey, runAfterStr string
	var attempts int
	var lastError sql.NullString
	if err := row.Scan(&idStr, &kindStr, &payloadStr, &statusStr, &idemKey, &attempts, &runAfterStr, &lastError); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bria_jobs SET status = ? WHERE id = ?`, string(StatusRunning), idStr); err != nil {
		return nil, fmt.Errorf("%w: claim job: %v", config.ErrDatabase, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	id, err := primitives.ParseJobID(idStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	runAfter, err := time.Parse(time.RFC3339Nano, runAfterStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}

	j := &Job{
		ID:             id,
		Kind:           Kind(kindStr),
		Payload:        json.RawMessage(payloadStr),
		Status:         Status(statusStr),
		IdempotencyKey: idemKey,
		Attempts:       attempts,
		RunAfter:       runAfter,
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	return j, nil
}

// MarkDone transitions a claimed job to done.
func (q *Queue) MarkDone(ctx context.Context, id primitives.JobID) error {
	_, err := q.db.ExecContext(ctx, `UPDATE bria_jobs SET status = ? WHERE id = ?`, string(StatusDone), id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return nil
}

// MarkRetry requeues a claimed job after backoff, recording the error and
// incrementing the attempt counter — used for apperr.Retryable failures.
func (q *Queue) MarkRetry(ctx context.Context, id primitives.JobID, backoff time.Duration, cause error) error {
	runAfter := time.Now().UTC().Add(backoff).Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `
		UPDATE bria_jobs SET status = ?, attempts = attempts + 1, run_after = ?, last_error = ? WHERE id = ?
	`, string(StatusQueued), runAfter, cause.Error(), id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return nil
}

// MarkFailed transitions a claimed job to failed — terminal, for
// non-retryable errors (apperr.Retryable == false) that a job retry cannot
// fix, per spec.md §7's "durable failures need operator intervention".
func (q *Queue) MarkFailed(ctx context.Context, id primitives.JobID, cause error) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE bria_jobs SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?
	`, string(StatusFailed), cause.Error(), id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrDatabase, err)
	}
	return nil
}

// DB returns the underlying *sql.DB.
func (q *Queue) DB() *sql.DB { return q.db }
