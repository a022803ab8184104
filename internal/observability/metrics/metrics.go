// Package metrics exposes the billing engine's prometheus instruments.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics captures billing engine health signals.
type Metrics struct {
	invoiceRuns        *prometheus.CounterVec
	invoiceRunDuration *prometheus.HistogramVec
	feesComputed       *prometheus.CounterVec
	creditsApplied     prometheus.Counter
	walletTransactions *prometheus.CounterVec
	trueUps            prometheus.Counter
	lockWait           *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the singleton metrics registry.
func Default(cfg Config) *Metrics {
	metricsOnce.Do(func() {
		metrics = New(prometheus.DefaultRegisterer, cfg)
	})
	return metrics
}

// ResetForTest unregisters the singleton's collectors and clears it so the
// next Default call can register fresh instruments.
func ResetForTest() {
	if metrics != nil {
		prometheus.DefaultRegisterer.Unregister(metrics.invoiceRuns)
		prometheus.DefaultRegisterer.Unregister(metrics.invoiceRunDuration)
		prometheus.DefaultRegisterer.Unregister(metrics.feesComputed)
		prometheus.DefaultRegisterer.Unregister(metrics.creditsApplied)
		prometheus.DefaultRegisterer.Unregister(metrics.walletTransactions)
		prometheus.DefaultRegisterer.Unregister(metrics.trueUps)
		prometheus.DefaultRegisterer.Unregister(metrics.lockWait)
	}
	metricsOnce = sync.Once{}
	metrics = nil
}

// New registers the billing instruments on the given registerer.
func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service":     serviceName,
		"environment": environment,
	}

	m := &Metrics{
		invoiceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_invoice_runs_total",
			Help:        "Invoice generation runs by outcome.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		invoiceRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tally_invoice_run_duration_seconds",
			Help:        "Invoice generation latency.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"status"}),
		feesComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_fees_computed_total",
			Help:        "Fees computed by charge model.",
			ConstLabels: constLabels,
		}, []string{"charge_model"}),
		creditsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tally_wallet_credits_applied_cents_total",
			Help:        "Minor units offset by wallet credits.",
			ConstLabels: constLabels,
		}),
		walletTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_wallet_transactions_total",
			Help:        "Wallet ledger entries by direction and source.",
			ConstLabels: constLabels,
		}, []string{"type", "source"}),
		trueUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tally_commitment_true_ups_total",
			Help:        "Commitment true-up fees emitted.",
			ConstLabels: constLabels,
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tally_db_lock_wait_seconds",
			Help:        "Time spent waiting on row locks.",
			ConstLabels: constLabels,
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"resource"}),
	}

	registerer.MustRegister(
		m.invoiceRuns,
		m.invoiceRunDuration,
		m.feesComputed,
		m.creditsApplied,
		m.walletTransactions,
		m.trueUps,
		m.lockWait,
	)
	return m
}

// RecordInvoiceRun records one invoice generation attempt.
func (m *Metrics) RecordInvoiceRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invoiceRuns.WithLabelValues(status).Inc()
	m.invoiceRunDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordFeeComputed counts one computed fee for a charge model.
func (m *Metrics) RecordFeeComputed(chargeModel string) {
	if m == nil {
		return
	}
	m.feesComputed.WithLabelValues(chargeModel).Inc()
}

// RecordCreditsApplied accumulates the minor units offset by wallets.
func (m *Metrics) RecordCreditsApplied(amountCents int64) {
	if m == nil || amountCents <= 0 {
		return
	}
	m.creditsApplied.Add(float64(amountCents))
}

// RecordWalletTransaction counts one wallet ledger entry.
func (m *Metrics) RecordWalletTransaction(txnType, source string) {
	if m == nil {
		return
	}
	m.walletTransactions.WithLabelValues(txnType, source).Inc()
}

// RecordTrueUp counts one commitment true-up fee.
func (m *Metrics) RecordTrueUp() {
	if m == nil {
		return
	}
	m.trueUps.Inc()
}

// ObserveLockWait records time spent acquiring a row lock.
func (m *Metrics) ObserveLockWait(resource string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(resource).Observe(elapsed.Seconds())
}
