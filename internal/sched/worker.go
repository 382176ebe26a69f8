package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"potroulette/internal/observability"
)

const (
	consumerName = "pot-worker"
	ackWait      = 30 * time.Second
	retryDelay   = 3 * time.Second
)

// HandlerFunc processes one job delivery. Returning nil acks the job;
// returning a RetryAfterError redelivers after the requested delay; any
// other error redelivers after a fixed backoff.
type HandlerFunc func(ctx context.Context, job Job) error

// Worker consumes the job stream and dispatches deliveries. Deliveries that
// arrive before their fire time are pushed back onto the stream with the
// remaining delay; this is what turns an immediate publish into a delayed
// job without an in-memory timer that a crash would lose.
type Worker struct {
	js      jetstream.JetStream
	handler HandlerFunc
	log     zerolog.Logger
	metrics *observability.Metrics

	consumeCtx jetstream.ConsumeContext
}

func NewWorker(js jetstream.JetStream, handler HandlerFunc, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{js: js, handler: handler, log: log, metrics: metrics}
}

// Start creates the durable consumer and begins processing. MaxDeliver is
// unlimited because deferred deliveries are the normal path, not a failure.
func (w *Worker) Start(ctx context.Context) error {
	consumer, err := w.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		w.handleDelivery(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}
	w.consumeCtx = consumeCtx

	w.log.Info().Str("stream", streamName).Msg("job worker started")
	return nil
}

func (w *Worker) handleDelivery(ctx context.Context, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		// Unparseable jobs would redeliver forever; drop them.
		w.log.Error().Err(err).Str("subject", msg.Subject()).Msg("discarding unparseable job")
		msg.Ack()
		return
	}

	if remaining := time.Until(job.FireAt); remaining > 0 {
		if w.metrics != nil {
			w.metrics.JobsDeferred.Inc()
		}
		msg.NakWithDelay(remaining)
		return
	}

	err := w.handler(ctx, job)
	switch {
	case err == nil:
		msg.Ack()
		w.observe(job.Kind, "ok")

	case isRetryAfter(err):
		var ra *RetryAfterError
		errors.As(err, &ra)
		msg.NakWithDelay(ra.After)
		w.observe(job.Kind, "deferred")

	default:
		w.log.Warn().Err(err).Str("kind", string(job.Kind)).Msg("job failed, will redeliver")
		msg.NakWithDelay(retryDelay)
		w.observe(job.Kind, "error")
	}
}

func (w *Worker) observe(kind JobKind, outcome string) {
	if w.metrics != nil {
		w.metrics.JobsHandled.WithLabelValues(string(kind), outcome).Inc()
	}
}

func isRetryAfter(err error) bool {
	var ra *RetryAfterError
	return errors.As(err, &ra)
}

// Stop drains the consumer.
func (w *Worker) Stop() {
	if w.consumeCtx != nil {
		w.consumeCtx.Stop()
	}
	w.log.Info().Msg("job worker stopped")
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
