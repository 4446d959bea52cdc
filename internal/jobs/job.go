// Package jobs is the durable job queue behind every piece of background work:
// payout legs, webhook reprocessing, notification delivery and expiry sweeps.
//
// Jobs are rows. Producers insert them (often inside the same transaction as
// the state change that requires them), the Runner claims them under a lease,
// and a failed job is retried with backoff until it is dead-lettered.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/idgen"
)

var (
	ErrJobNotFound = fmt.Errorf("job not found: %w", apperr.ErrNotFound)
	ErrNotDead     = fmt.Errorf("job is not dead-lettered: %w", apperr.ErrStateInvalid)
)

// Queue names a kind of work.
type Queue string

const (
	QueuePayoutExecute        Queue = "payout.execute"
	QueueWebhookReprocess     Queue = "webhook.reprocess"
	QueueNotificationDispatch Queue = "notification.dispatch"
	QueueExpirySweep          Queue = "expiry.sweep"
)

// Queues lists every known queue.
var Queues = []Queue{QueuePayoutExecute, QueueWebhookReprocess, QueueNotificationDispatch, QueueExpirySweep}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// DefaultMaxAttempts applies when a job is created without an explicit limit.
const DefaultMaxAttempts = 5

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Queue       Queue           `json:"queue"`
	DedupeKey   string          `json:"dedupeKey"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       time.Time       `json:"runAt"`
	LockedUntil *time.Time      `json:"lockedUntil,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// New builds a pending job. Jobs with the same queue and dedupeKey collapse
// into one; an empty key makes the job unique.
func New(queue Queue, dedupeKey string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", queue, err)
	}
	id := idgen.WithPrefix(idgen.PrefixJob)
	if dedupeKey == "" {
		dedupeKey = id
	}
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Queue:       queue,
		DedupeKey:   dedupeKey,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload for job %s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// QueueStats is the number of jobs in one queue and status.
type QueueStats struct {
	Queue  Queue  `json:"queue"`
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

// Enqueuer accepts new jobs. EnqueueJob is a no-op when a live job with the
// same queue and dedupe key exists; a dead one is revived.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job *Job) error
}

// Store persists jobs.
type Store interface {
	Enqueuer
	// ClaimJobs leases up to limit runnable jobs: pending jobs due at now, or
	// running jobs whose lease expired. Claimed jobs have Attempts incremented.
	ClaimJobs(ctx context.Context, queue Queue, now time.Time, lease time.Duration, limit int) ([]*Job, error)
	CompleteJob(ctx context.Context, id string, at time.Time) error
	RetryJob(ctx context.Context, id string, at, runAt time.Time, lastError string) error
	BuryJob(ctx context.Context, id string, at time.Time, lastError string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListDeadJobs(ctx context.Context, queue Queue, limit int) ([]*Job, error)
	ReviveJob(ctx context.Context, id string, at time.Time) (*Job, error)
	JobStats(ctx context.Context) ([]QueueStats, error)
}

// Truncate shortens an error message before it is stored.
func Truncate(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	return msg[:n]
}
