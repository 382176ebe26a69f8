package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the round engine.
type Metrics struct {
	// --- Stake path ---
	StakesAccepted *prometheus.CounterVec // by currency
	StakesRejected *prometheus.CounterVec // by reason
	StakeDuration  prometheus.Histogram
	StakeReplays   prometheus.Counter // idempotent no-op replays

	// --- Round lifecycle ---
	RoundsOpened   prometheus.Counter
	RoundsSettled  prometheus.Counter
	RoundsRefunded prometheus.Counter
	SettleDuration prometheus.Histogram
	PotNano        *prometheus.GaugeVec // last settled pot, by currency

	// --- Locks & jobs ---
	LockBusy      *prometheus.CounterVec // by scope
	JobsScheduled *prometheus.CounterVec // by kind
	JobsHandled   *prometheus.CounterVec // by kind, outcome
	JobsDeferred  prometheus.Counter     // delivered before fire time

	// --- Payments ---
	DepositsCredited  prometheus.Counter
	DepositDuplicates prometheus.Counter
	WithdrawalsPosted prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	durationBuckets := []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		StakesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_stakes_accepted_total",
			Help: "Stakes committed to a round",
		}, []string{"currency"}),

		StakesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_stakes_rejected_total",
			Help: "Stakes refused by validation",
		}, []string{"reason"}),

		StakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pot_stake_duration_seconds",
			Help:    "Time to validate and commit a stake",
			Buckets: durationBuckets,
		}),

		StakeReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_stake_replays_total",
			Help: "Stake requests absorbed by the idempotency guard",
		}),

		RoundsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_rounds_opened_total",
			Help: "Rounds created",
		}),

		RoundsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_rounds_settled_total",
			Help: "Rounds settled with a winner",
		}),

		RoundsRefunded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_rounds_refunded_total",
			Help: "Rounds cancelled and refunded for lack of players",
		}),

		SettleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pot_settle_duration_seconds",
			Help:    "Time to settle a round end to end",
			Buckets: durationBuckets,
		}),

		PotNano: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pot_last_settled_pot_nano",
			Help: "Pot size of the most recently settled round, nano-units",
		}, []string{"currency"}),

		LockBusy: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_lock_busy_total",
			Help: "Lock acquisitions that found the lock held",
		}, []string{"scope"}),

		JobsScheduled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_jobs_scheduled_total",
			Help: "Delayed jobs published",
		}, []string{"kind"}),

		JobsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pot_jobs_handled_total",
			Help: "Delayed jobs processed by the worker",
		}, []string{"kind", "outcome"}),

		JobsDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_jobs_deferred_total",
			Help: "Jobs delivered before their fire time and redelivered later",
		}),

		DepositsCredited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_deposits_credited_total",
			Help: "Confirmed deposits credited to the ledger",
		}),

		DepositDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_deposit_duplicates_total",
			Help: "Deposit confirmations absorbed by the idempotency guard",
		}),

		WithdrawalsPosted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pot_withdrawals_posted_total",
			Help: "Withdrawal entries appended",
		}),
	}
}
