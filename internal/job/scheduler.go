package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/Rsync25/bria/internal/apperr"
)

// DefaultPollInterval is how often the scheduler checks for runnable jobs
// when the queue is empty, overridable via BRIA_JOB_POLL_INTERVAL.
const DefaultPollInterval = 2 * time.Second

// backoffBase/backoffMax bound the exponential backoff applied to a
// retryable job failure, keyed off its attempt count — the same doubling
// shape the teacher's scanner used for consecutive provider failures,
// generalized here to per-job attempts rather than a scan-wide counter.
const (
	backoffBase = 5 * time.Second
	backoffMax  = 10 * time.Minute
)

// Scheduler polls bria_jobs for runnable work and dispatches each claimed
// job to its Handlers method by Kind, one job at a time per Scheduler
// instance — grounded on the teacher's scanner.runScan poll/backoff loop,
// generalized from chain-provider polling to job dequeue.
type Scheduler struct {
	queue        *Queue
	handlers     *Handlers
	pollInterval time.Duration
}

// NewScheduler constructs a Scheduler bound to queue and handlers.
func NewScheduler(queue *Queue, handlers *Handlers) *Scheduler {
	return &Scheduler{queue: queue, handlers: handlers, pollInterval: DefaultPollInterval}
}

// WithPollInterval overrides DefaultPollInterval.
func (s *Scheduler) WithPollInterval(d time.Duration) *Scheduler {
	s.pollInterval = d
	return s
}

// Run polls and dispatches jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("job scheduler starting", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("job scheduler stopping")
			return
		case <-ticker.C:
			for s.runOne(ctx) {
				// Drain every runnable job before waiting for the next tick,
				// so a queue backlog doesn't wait pollInterval per job.
			}
		}
	}
}

// runOne claims and dispatches a single job, reporting whether a job was
// actually claimed (so Run can keep draining the backlog).
func (s *Scheduler) runOne(ctx context.Context) bool {
	j, err := s.queue.ClaimNext(ctx)
	if err != nil {
		slog.Error("failed to claim job", "error", err)
		return false
	}
	if j == nil {
		return false
	}

	log := slog.With("jobId", j.ID.String(), "kind", j.Kind, "attempt", j.Attempts+1)
	log.Info("job claimed")

	if err := s.dispatch(ctx, j); err != nil {
		s.fail(ctx, j, err, log)
		return true
	}

	if err := s.queue.MarkDone(ctx, j.ID); err != nil {
		log.Error("failed to mark job done", "error", err)
	} else {
		log.Info("job done")
	}
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, j *Job) error {
	switch j.Kind {
	case KindSyncWallet:
		return s.handlers.HandleSyncWallet(ctx, j.Payload)
	case KindProcessUTXO:
		return s.handlers.HandleProcessUTXO(ctx, j.Payload)
	case KindProcessPayoutQueue:
		return s.handlers.HandleProcessPayoutQueue(ctx, j.Payload)
	case KindBatchSigning:
		return s.handlers.HandleBatchSigning(ctx, j.Payload)
	case KindBroadcast:
		return s.handlers.HandleBroadcast(ctx, j.Payload)
	default:
		return errUnknownKind(j.Kind)
	}
}

// fail classifies the handler error and either schedules a retry with
// exponential backoff (external/transient collaborator failures) or marks
// the job durably failed (parse/not-found/consistency/signing errors),
// matching spec.md §7's "durable failures need operator intervention, not
// a retry".
func (s *Scheduler) fail(ctx context.Context, j *Job, cause error, log *slog.Logger) {
	if apperr.Retryable(cause) {
		backoff := retryBackoff(j.Attempts)
		log.Warn("job failed, retrying", "error", cause, "backoff", backoff)
		if err := s.queue.MarkRetry(ctx, j.ID, backoff, cause); err != nil {
			log.Error("failed to mark job for retry", "error", err)
		}
		return
	}
	log.Error("job failed permanently", "error", cause, "kind", apperr.Classify(cause).String())
	if err := s.queue.MarkFailed(ctx, j.ID, cause); err != nil {
		log.Error("failed to mark job failed", "error", err)
	}
}

func retryBackoff(attempts int) time.Duration {
	d := backoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	return d
}

type errUnknownKind Kind

func (e errUnknownKind) Error() string {
	return "unknown job kind: " + string(Kind(e))
}
