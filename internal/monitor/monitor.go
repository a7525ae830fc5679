// Package monitor implements the exchange's Monitor (spec §4.10): counters
// and gauges for orders/trades/settlement/reconciliation via
// prometheus/client_golang, plus an alert bus that fans out threshold-crossing
// events the way the teacher's WebSocket Hub (pkg/api/websocket.go) fans out
// broadcasts — generalized here from connected clients to alert subscribers
// via internal/events.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Alert is one threshold-crossing notification.
type Alert struct {
	Level     string // "WARN" or "CRITICAL"
	Message   string
	Timestamp time.Time
}

// Publisher fans alerts out to subscribers, implemented by internal/events.Hub.
type Publisher interface {
	Publish(channel string, payload interface{})
}

// Metrics holds every counter/gauge spec §4.10 names, registered against a
// private registry rather than prometheus's global DefaultRegisterer so
// multiple Service instances (e.g. in tests) never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersAccepted *prometheus.CounterVec // label: kind (LIMIT/MARKET/...)
	OrdersRejected *prometheus.CounterVec // label: reason (error kind)
	TradesMatched  prometheus.Counter
	EpochCommitLatency prometheus.Histogram
	DiscrepancyPercent prometheus.Gauge
	ReconciliationPaused prometheus.Gauge // 1 if paused, 0 otherwise
	IndexerLagBlocks   prometheus.Gauge
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		OrdersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_accepted_total",
			Help: "Total number of orders accepted by the matching engine, by order kind.",
		}, []string{"kind"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_orders_rejected_total",
			Help: "Total number of orders rejected, by error kind.",
		}, []string{"reason"}),
		TradesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_trades_matched_total",
			Help: "Total number of trades produced by the matching engine.",
		}),
		EpochCommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_epoch_commit_latency_seconds",
			Help:    "Time from CreateBatch to a confirmed on-chain commitEpoch transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		DiscrepancyPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_reconciliation_discrepancy_percent",
			Help: "Most recent off-chain vs on-chain discrepancy, as a fraction.",
		}),
		ReconciliationPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_reconciliation_paused",
			Help: "1 if the exchange is paused on a critical reconciliation discrepancy, 0 otherwise.",
		}),
		IndexerLagBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_indexer_lag_blocks",
			Help: "Blocks between chain head and the indexer's lastProcessedBlock.",
		}),
	}
	reg.MustRegister(m.OrdersAccepted, m.OrdersRejected, m.TradesMatched,
		m.EpochCommitLatency, m.DiscrepancyPercent, m.ReconciliationPaused, m.IndexerLagBlocks)
	return m
}

// Service is the monitor: metrics plus the alert bus. It implements
// reconcile.Alerter directly so reconcile.Service can report into it without
// an adapter.
type Service struct {
	Metrics *Metrics
	pub     Publisher
	log     *zap.Logger
}

func New(pub Publisher, log *zap.Logger) *Service {
	return &Service{Metrics: newMetrics(), pub: pub, log: log}
}

// Alert implements reconcile.Alerter: logs the threshold crossing and
// publishes it on the "alerts" channel for any subscriber (operator console,
// paging integration) to react to.
func (s *Service) Alert(level, message string) {
	switch level {
	case "CRITICAL":
		s.log.Error("monitor: alert", zap.String("level", level), zap.String("message", message))
	default:
		s.log.Warn("monitor: alert", zap.String("level", level), zap.String("message", message))
	}
	if s.pub != nil {
		s.pub.Publish("alerts", Alert{Level: level, Message: message, Timestamp: time.Now()})
	}
}

// RecordOrderAccepted increments the accepted-orders counter for kind.
func (s *Service) RecordOrderAccepted(kind string) {
	s.Metrics.OrdersAccepted.WithLabelValues(kind).Inc()
}

// RecordOrderRejected increments the rejected-orders counter for reason.
func (s *Service) RecordOrderRejected(reason string) {
	s.Metrics.OrdersRejected.WithLabelValues(reason).Inc()
}

// RecordTradesMatched increments the matched-trades counter by n.
func (s *Service) RecordTradesMatched(n int) {
	s.Metrics.TradesMatched.Add(float64(n))
}

// RecordEpochCommitLatency observes the duration an epoch took from creation
// to confirmed on-chain commit.
func (s *Service) RecordEpochCommitLatency(d time.Duration) {
	s.Metrics.EpochCommitLatency.Observe(d.Seconds())
}

// SetDiscrepancyPercent updates the reconciliation discrepancy gauge.
func (s *Service) SetDiscrepancyPercent(pct float64) {
	s.Metrics.DiscrepancyPercent.Set(pct)
}

// SetPaused reflects the reconciliation pause flag in the gauge.
func (s *Service) SetPaused(paused bool) {
	if paused {
		s.Metrics.ReconciliationPaused.Set(1)
	} else {
		s.Metrics.ReconciliationPaused.Set(0)
	}
}

// SetIndexerLag updates the indexer-lag-in-blocks gauge.
func (s *Service) SetIndexerLag(blocks uint64) {
	s.Metrics.IndexerLagBlocks.Set(float64(blocks))
}
