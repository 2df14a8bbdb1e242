package prometheusmetrics

import (
	"github.com/ark-network/covclaim/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamePrefix = "covclaim_"

type metrics struct {
	registered       prometheus.Counter
	detected         prometheus.Counter
	claimed          prometheus.Counter
	failed           prometheus.Counter
	broadcastRetries prometheus.Counter
	blockHeight      prometheus.Gauge
}

// NewMetrics registers the daemon collectors with the given registerer.
func NewMetrics(registerer prometheus.Registerer) (ports.Metrics, error) {
	m := &metrics{
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "covenants_registered_total",
			Help: "Total number of registered covenants",
		}),
		detected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "covenants_detected_total",
			Help: "Total number of covenants whose funding output was detected",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "covenants_claimed_total",
			Help: "Total number of claimed covenants",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "covenants_failed_total",
			Help: "Total number of covenants whose claim was rejected",
		}),
		broadcastRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "broadcast_retries_total",
			Help: "Total number of retried claim broadcasts",
		}),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricNamePrefix + "block_height",
			Help: "Height of the last processed block",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.registered, m.detected, m.claimed, m.failed, m.broadcastRetries, m.blockHeight,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) CovenantRegistered() {
	m.registered.Inc()
}

func (m *metrics) CovenantDetected() {
	m.detected.Inc()
}

func (m *metrics) CovenantsClaimed(count int) {
	m.claimed.Add(float64(count))
}

func (m *metrics) CovenantsFailed(count int) {
	m.failed.Add(float64(count))
}

func (m *metrics) BroadcastRetried() {
	m.broadcastRetries.Inc()
}

func (m *metrics) BlockProcessed(height uint64) {
	m.blockHeight.Set(float64(height))
}
