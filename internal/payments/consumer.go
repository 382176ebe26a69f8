package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"potroulette/internal/locking"
	"potroulette/internal/money"
)

const (
	streamName      = "POT_PAYMENTS"
	subjectDeposit  = "pot.payments.deposit"
	subjectWithdraw = "pot.payments.withdraw"
	consumerName    = "pot-payments"

	ackWait    = 30 * time.Second
	retryDelay = 5 * time.Second
)

// depositMsg is the provider gateway's deposit confirmation.
type depositMsg struct {
	UserID      uuid.UUID `json:"user_id"`
	Currency    string    `json:"currency"`
	Amount      string    `json:"amount"`
	ProviderRef string    `json:"provider_ref"`
}

// withdrawMsg is a withdrawal request forwarded by the gateway.
type withdrawMsg struct {
	UserID         uuid.UUID `json:"user_id"`
	Currency       string    `json:"currency"`
	Amount         string    `json:"amount"`
	Destination    string    `json:"destination"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// EnsureStream creates the durable payments stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectDeposit, subjectWithdraw},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}
	return nil
}

// Consumer applies payment messages from the provider gateway to the
// ledger. Redelivery is safe: the service's idempotency keys make every
// message at-most-once in effect.
type Consumer struct {
	js      jetstream.JetStream
	svc     *Service
	log     zerolog.Logger
	consume jetstream.ConsumeContext
}

func NewConsumer(js jetstream.JetStream, svc *Service, log zerolog.Logger) *Consumer {
	return &Consumer{js: js, svc: svc, log: log}
}

func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("lookup stream %s: %w", streamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    consumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: -1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	c.consume, err = consumer.Consume(func(msg jetstream.Msg) {
		c.handle(context.Background(), msg)
	})
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}
	c.log.Info().Str("stream", streamName).Msg("payments consumer started")
	return nil
}

func (c *Consumer) Stop() {
	if c.consume != nil {
		c.consume.Stop()
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var err error
	switch msg.Subject() {
	case subjectDeposit:
		err = c.handleDeposit(ctx, msg.Data())
	case subjectWithdraw:
		err = c.handleWithdraw(ctx, msg.Data())
	default:
		c.log.Warn().Str("subject", msg.Subject()).Msg("unknown payments subject dropped")
		_ = msg.Ack()
		return
	}

	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, ErrBadAmount), errors.Is(err, ErrInsufficientFunds):
		// Client-level refusal; redelivery cannot fix it.
		c.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("payment message refused")
		_ = msg.Ack()
	case errors.Is(err, locking.ErrLockBusy):
		_ = msg.NakWithDelay(time.Second)
	default:
		c.log.Error().Err(err).Str("subject", msg.Subject()).Msg("payment message failed")
		_ = msg.NakWithDelay(retryDelay)
	}
}

func (c *Consumer) handleDeposit(ctx context.Context, data []byte) error {
	var m depositMsg
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.Error().Err(err).Msg("unparseable deposit message dropped")
		return nil
	}
	currency, err := money.ParseCurrency(m.Currency)
	if err != nil {
		c.log.Warn().Err(err).Str("provider_ref", m.ProviderRef).Msg("deposit with unknown currency dropped")
		return nil
	}
	_, err = c.svc.ConfirmDeposit(ctx, DepositParams{
		UserID:      m.UserID,
		Currency:    currency,
		Amount:      m.Amount,
		ProviderRef: m.ProviderRef,
	})
	return err
}

func (c *Consumer) handleWithdraw(ctx context.Context, data []byte) error {
	var m withdrawMsg
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.Error().Err(err).Msg("unparseable withdraw message dropped")
		return nil
	}
	currency, err := money.ParseCurrency(m.Currency)
	if err != nil {
		c.log.Warn().Err(err).Str("key", m.IdempotencyKey).Msg("withdrawal with unknown currency dropped")
		return nil
	}
	_, err = c.svc.Withdraw(ctx, WithdrawParams{
		UserID:         m.UserID,
		Currency:       currency,
		Amount:         m.Amount,
		Destination:    m.Destination,
		IdempotencyKey: m.IdempotencyKey,
	})
	return err
}
