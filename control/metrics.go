package control

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/castkit/simulcastd/metric"
)

// Metrics holds Prometheus metrics for the control client.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	requestsSent    *prometheus.CounterVec
	requestTimeouts prometheus.Counter
	requestDuration *prometheus.HistogramVec
	protocolErrors  prometheus.Counter
	connects        prometheus.Counter
	connectFailures prometheus.Counter
	authFailures    prometheus.Counter
	connected       prometheus.Gauge
}

// NewMetrics creates and registers control client metrics.
func NewMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "frames_received_total",
			Help:      "Inbound protocol frames by opcode",
		}, []string{"op"}),
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "requests_sent_total",
			Help:      "Requests sent by type",
		}, []string{"type"}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "request_timeouts_total",
			Help:      "Requests that expired before a response arrived",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Request/response round-trip duration",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "protocol_errors_total",
			Help:      "Malformed or unexpected frames dropped",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "connects_total",
			Help:      "Successful handshakes",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected by authentication",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simulcastd",
			Subsystem: "control",
			Name:      "connected",
			Help:      "Whether the control socket is currently connected",
		}),
	}

	logRegister := func(name string, err error) {
		if err != nil {
			slog.Warn("metric registration failed",
				"component", "control", "metric", name, "error", err)
		}
	}
	logRegister("frames_received", registry.RegisterCounterVec("control", "frames_received", m.framesReceived))
	logRegister("requests_sent", registry.RegisterCounterVec("control", "requests_sent", m.requestsSent))
	logRegister("request_timeouts", registry.RegisterCounter("control", "request_timeouts", m.requestTimeouts))
	logRegister("request_duration", registry.RegisterHistogramVec("control", "request_duration", m.requestDuration))
	logRegister("protocol_errors", registry.RegisterCounter("control", "protocol_errors", m.protocolErrors))
	logRegister("connects", registry.RegisterCounter("control", "connects", m.connects))
	logRegister("connect_failures", registry.RegisterCounter("control", "connect_failures", m.connectFailures))
	logRegister("auth_failures", registry.RegisterCounter("control", "auth_failures", m.authFailures))
	logRegister("connected", registry.RegisterGauge("control", "connected", m.connected))

	return m
}
