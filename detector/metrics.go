package detector

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/castkit/simulcastd/metric"
)

// Metrics holds Prometheus metrics for the detector.
type Metrics struct {
	transitions     *prometheus.CounterVec
	sessionsStarted prometheus.Counter
	sessionsEnded   prometheus.Counter
	backfills       prometheus.Counter
	persistFailures prometheus.Counter
	state           *prometheus.GaugeVec
}

// NewMetrics creates and registers detector metrics.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "detector",
			Name:      "transitions_total",
			Help:      "State transitions by target state",
		}, []string{"state"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "detector",
			Name:      "sessions_started_total",
			Help:      "Sessions opened by live transitions and backfill",
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "detector",
			Name:      "sessions_ended_total",
			Help:      "Sessions finalized with an end time",
		}),
		backfills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "detector",
			Name:      "backfills_total",
			Help:      "Sessions reconstructed from the initial status query",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "detector",
			Name:      "persist_failures_total",
			Help:      "Stream service failures during lifecycle handling",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simulcastd",
			Subsystem: "detector",
			Name:      "state",
			Help:      "Current detector state (1 for the active state)",
		}, []string{"state"}),
	}

	logRegister := func(name string, err error) {
		if err != nil {
			slog.Warn("metric registration failed",
				"component", "detector", "metric", name, "error", err)
		}
	}
	logRegister("transitions", registry.RegisterCounterVec("detector", "transitions", m.transitions))
	logRegister("sessions_started", registry.RegisterCounter("detector", "sessions_started", m.sessionsStarted))
	logRegister("sessions_ended", registry.RegisterCounter("detector", "sessions_ended", m.sessionsEnded))
	logRegister("backfills", registry.RegisterCounter("detector", "backfills", m.backfills))
	logRegister("persist_failures", registry.RegisterCounter("detector", "persist_failures", m.persistFailures))
	logRegister("state", registry.RegisterGaugeVec("detector", "state", m.state))

	return m
}

func (m *Metrics) setStateGauge(active State) {
	for _, s := range []State{StateOffline, StateStarting, StateLive, StateStopping, StateReconnecting} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
