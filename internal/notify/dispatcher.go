package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
)

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// DispatchPayload is the payload of a notification.dispatch job.
type DispatchPayload struct {
	Sink  string `json:"sink"`
	Event Event  `json:"event"`
}

// Dispatcher publishes events through the job queue: one
// notification.dispatch job per sink, deduplicated on the event id, so a
// failing sink is retried without repeating delivery to the others.
type Dispatcher struct {
	jobs        jobs.Enqueuer
	sinks       map[string]Sink
	order       []string
	logger      *slog.Logger
	maxAttempts int
}

// NewDispatcher creates a dispatcher that enqueues into q.
func NewDispatcher(q jobs.Enqueuer, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{jobs: q, sinks: make(map[string]Sink, len(sinks)), logger: logger, maxAttempts: jobs.DefaultMaxAttempts}
	for _, s := range sinks {
		d.sinks[s.Name()] = s
		d.order = append(d.order, s.Name())
	}
	return d
}

// WithMaxAttempts sets the attempt limit of dispatch jobs.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Publish queues ev for every sink. Failures are logged, never returned.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	for _, name := range d.order {
		job, err := jobs.New(jobs.QueueNotificationDispatch, ev.ID+":"+name, DispatchPayload{Sink: name, Event: ev})
		if err != nil {
			d.logger.Warn("failed to build notification job", "eventId", ev.ID, "error", err)
			continue
		}
		job.MaxAttempts = d.maxAttempts
		if err := d.jobs.EnqueueJob(ctx, job); err != nil {
			metrics.NotificationsTotal.WithLabelValues(name, "enqueue_failed").Inc()
			d.logger.Warn("failed to queue notification", "eventId", ev.ID, "type", ev.Type, "sink", name, "error", err)
		}
	}
}

// Handle runs one notification.dispatch job.
func (d *Dispatcher) Handle(ctx context.Context, job *jobs.Job) error {
	var payload DispatchPayload
	if err := job.Decode(&payload); err != nil {
		return retry.Permanent(err)
	}
	sink, ok := d.sinks[payload.Sink]
	if !ok {
		return retry.Permanent(fmt.Errorf("unknown notification sink %q", payload.Sink))
	}
	if err := sink.Send(ctx, payload.Event); err != nil {
		metrics.NotificationsTotal.WithLabelValues(payload.Sink, "failed").Inc()
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(payload.Sink, "sent").Inc()
	return nil
}
