package matcher

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/castkit/simulcastd/metric"
)

// Metrics holds Prometheus metrics for the matcher.
type Metrics struct {
	recordsMatched   prometheus.Counter
	recordsUnmatched prometheus.Counter
	sessionsCreated  prometheus.Counter
	splits           prometheus.Counter
}

// NewMetrics creates and registers matcher metrics.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		recordsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "matcher",
			Name:      "records_matched_total",
			Help:      "Platform records attached to an existing session",
		}),
		recordsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "matcher",
			Name:      "records_unmatched_total",
			Help:      "Platform records that opened a new session",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "matcher",
			Name:      "sessions_created_total",
			Help:      "Sessions created by the matcher",
		}),
		splits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "matcher",
			Name:      "splits_total",
			Help:      "Platform records detached into a new session",
		}),
	}

	logRegister := func(name string, err error) {
		if err != nil {
			slog.Warn("metric registration failed",
				"component", "matcher", "metric", name, "error", err)
		}
	}
	logRegister("records_matched", registry.RegisterCounter("matcher", "records_matched", m.recordsMatched))
	logRegister("records_unmatched", registry.RegisterCounter("matcher", "records_unmatched", m.recordsUnmatched))
	logRegister("sessions_created", registry.RegisterCounter("matcher", "sessions_created", m.sessionsCreated))
	logRegister("splits", registry.RegisterCounter("matcher", "splits", m.splits))

	return m
}
