// Package sched provides durable delayed jobs on NATS JetStream.
//
// Jobs are published immediately to a file-backed stream; the worker defers
// any delivery that arrives before its fire time with NakWithDelay, so a
// settlement attempt is guaranteed at or after the round's end time even
// across process restarts. Handlers are idempotent by construction: they
// re-derive round state instead of trusting the job payload, because a job
// may be delivered more than once or late after a crash.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"potroulette/internal/observability"
)

// JobKind names a delayed-job handler.
type JobKind string

const (
	JobSettleRound     JobKind = "settle_round"
	JobEnsureOpenRound JobKind = "ensure_open_round"
)

// Job is the durable payload of one delayed job.
type Job struct {
	Kind    JobKind   `json:"kind"`
	RoomID  uuid.UUID `json:"room_id,omitempty"`
	RoundID uuid.UUID `json:"round_id,omitempty"`
	FireAt  time.Time `json:"fire_at"`
}

const (
	streamName    = "POT_JOBS"
	subjectPrefix = "pot.jobs."
)

// Scheduler publishes delayed jobs to the job stream.
type Scheduler struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewScheduler(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{js: js, log: log, metrics: metrics}
}

// ScheduleAt durably persists a job to be attempted no earlier than FireAt.
// Scheduling the same round's settlement more than once is harmless: the
// handler re-checks round status and end time on every delivery.
func (s *Scheduler) ScheduleAt(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	subject := subjectPrefix + string(job.Kind)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish job %s: %w", job.Kind, err)
	}

	if s.metrics != nil {
		s.metrics.JobsScheduled.WithLabelValues(string(job.Kind)).Inc()
	}
	s.log.Debug().
		Str("kind", string(job.Kind)).
		Time("fire_at", job.FireAt).
		Msg("job scheduled")
	return nil
}

// EnsureJobStream creates the durable job stream if it does not exist.
// Work-queue retention removes a job only once its delivery is acked.
func EnsureJobStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}

// RetryAfterError asks the worker to redeliver a job after a delay instead
// of treating the delivery as failed.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.After)
}

// RetryAfter wraps a redelivery request for handler adapters.
func RetryAfter(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return &RetryAfterError{After: d}
}
