// Package detector derives stream session boundaries from the control
// endpoint's output state events. Each live transition opens a fresh
// session through the stream service; a stop closes it. Output events
// arrive one at a time on the control client's dispatch path, but the
// connected callback runs on the dialing goroutine, so an internal mutex
// serializes every handler and transitions never race each other.
package detector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castkit/simulcastd/control"
	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/stream"
)

// State is the detector's session state. It is process-local and never
// persisted; a restart re-derives it from the initial status query.
type State string

// Detector states. StateOffline is initial.
const (
	StateOffline      State = "offline"
	StateStarting     State = "starting"
	StateLive         State = "live"
	StateStopping     State = "stopping"
	StateReconnecting State = "reconnecting"
)

// EventKind names a lifecycle notification.
type EventKind string

// Lifecycle notifications emitted to the Notifier.
const (
	EventStarting     EventKind = "starting"
	EventStart        EventKind = "start"
	EventStopping     EventKind = "stopping"
	EventStop         EventKind = "stop"
	EventReconnecting EventKind = "reconnecting"
	EventReconnected  EventKind = "reconnected"
)

// Event is one lifecycle notification. CommonID is set only for kinds
// tied to a tracked session (start, stop, reconnected).
type Event struct {
	Kind     EventKind
	CommonID string
	At       time.Time
}

// Notifier receives lifecycle notifications. Callbacks run synchronously
// under the detector's handler lock and must not block or call back into
// the Detector.
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(event Event)

// Notify calls the wrapped function.
func (f NotifierFunc) Notify(event Event) { f(event) }

// StatusSource answers the one status query used for backfill on connect.
type StatusSource interface {
	GetStreamStatus(ctx context.Context) (*control.StreamStatus, error)
}

// Detector tracks the local recorder's session lifecycle.
type Detector struct {
	service  stream.Service
	status   StatusSource
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex // serializes handlers; guards state and commonID
	state    State
	commonID string // tracked session, empty when none
}

// Option configures a Detector.
type Option func(*Detector)

// WithNotifier sets the lifecycle notifier.
func WithNotifier(n Notifier) Option {
	return func(d *Detector) { d.notifier = n }
}

// WithLogger sets the detector logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(d *Detector) { d.metrics = metrics }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithIDGenerator overrides common id generation (used by tests).
func WithIDGenerator(newID func() string) Option {
	return func(d *Detector) { d.newID = newID }
}

// New creates a detector in the offline state.
func New(service stream.Service, status StatusSource, opts ...Option) (*Detector, error) {
	if service == nil {
		return nil, errors.WrapInvalid(
			errors.ErrMissingConfig, "Detector", "New", "stream service required")
	}
	if status == nil {
		return nil, errors.WrapInvalid(
			errors.ErrMissingConfig, "Detector", "New", "status source required")
	}

	d := &Detector{
		service: service,
		status:  status,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		state:   StateOffline,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Attach registers the detector's handlers on the control client. The
// supplied context bounds the stream service calls made from handlers.
func (d *Detector) Attach(ctx context.Context, client *control.Client) {
	client.On(control.EventConnected, func(any) error {
		return d.HandleConnected(ctx)
	})
	client.On(control.EventDisconnected, func(any) error {
		d.HandleDisconnected()
		return nil
	})
	client.On(control.EventStreamStateChanged, func(payload any) error {
		change, ok := payload.(control.StreamStateChanged)
		if !ok {
			return nil
		}
		return d.HandleStateChange(ctx, change)
	})
}

// State returns the current detector state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CurrentCommonID returns the tracked session id, or "" when none.
func (d *Detector) CurrentCommonID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commonID
}

// HandleConnected runs the initial status backfill: if the recorder is
// already streaming when the transport comes up, a session is created
// with its start time reconstructed from the reported stream duration.
// Backfill failures are logged and non-fatal.
//
// The status query round-trips on the control socket, whose responses are
// delivered by the same dispatch path that feeds HandleStateChange, so
// the lock is taken only after the query returns. An output event that
// lands while the query is in flight drives the state machine first and
// makes the snapshot stale; backfill then yields to it.
func (d *Detector) HandleConnected(ctx context.Context) error {
	status, err := d.status.GetStreamStatus(ctx)
	if err != nil {
		d.logger.Warn("initial status query failed, assuming offline", "error", err)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateOffline || d.commonID != "" {
		d.logger.Debug("skipping backfill, state machine already driven by events",
			"state", string(d.state), "commonId", d.commonID)
		return nil
	}
	if !status.Active {
		return nil
	}

	if status.Reconnecting {
		// Mid-reconnect on startup: hold off creating a session until the
		// recorder reports reconnected.
		d.setState(StateReconnecting)
		d.notify(EventReconnecting, "")
		return nil
	}

	start := d.now().Add(-time.Duration(status.DurationMs) * time.Millisecond)
	id := d.newID()
	if _, err := d.service.CreateStream(ctx, id, start); err != nil {
		d.logger.Error("session backfill failed", "commonId", id, "error", err)
		if d.metrics != nil {
			d.metrics.persistFailures.Inc()
		}
		return nil
	}

	d.commonID = id
	d.setState(StateLive)
	if d.metrics != nil {
		d.metrics.backfills.Inc()
		d.metrics.sessionsStarted.Inc()
	}
	d.logger.Info("backfilled live session", "commonId", id, "start", start)
	d.notify(EventStart, id)
	return nil
}

// HandleDisconnected resets to offline. No end time is written: the local
// recorder, not the transport, owns session truth, so a session cut off
// by a transport drop stays open until a real stop is observed.
func (d *Detector) HandleDisconnected() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.commonID != "" {
		d.logger.Warn("transport lost while session open, leaving session unterminated",
			"commonId", d.commonID)
	}
	d.commonID = ""
	d.setState(StateOffline)
}

// HandleStateChange applies one output state event to the state machine.
func (d *Detector) HandleStateChange(ctx context.Context, change control.StreamStateChanged) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch change.OutputState {
	case control.OutputStarting:
		d.setState(StateStarting)
		d.notify(EventStarting, "")
		return nil

	case control.OutputStarted, control.OutputReconnected:
		return d.handleLive(ctx)

	case control.OutputStopping:
		d.setState(StateStopping)
		d.notify(EventStopping, "")
		return nil

	case control.OutputStopped:
		return d.handleStopped(ctx)

	case control.OutputReconnecting:
		d.setState(StateReconnecting)
		d.notify(EventReconnecting, "")
		return nil

	default:
		d.logger.Debug("ignoring unknown output state", "state", change.OutputState)
		return nil
	}
}

func (d *Detector) handleLive(ctx context.Context) error {
	if d.state == StateLive {
		// A started event while already live carries no new boundary.
		return nil
	}
	wasReconnecting := d.state == StateReconnecting

	id := d.newID()
	start := d.now()
	if _, err := d.service.CreateStream(ctx, id, start); err != nil {
		if d.metrics != nil {
			d.metrics.persistFailures.Inc()
		}
		// The session boundary is lost; the caller's dispatch logs this.
		return errors.Wrap(err, "Detector", "HandleStateChange", "create session")
	}

	d.commonID = id
	d.setState(StateLive)
	if d.metrics != nil {
		d.metrics.sessionsStarted.Inc()
	}
	d.logger.Info("session started", "commonId", id, "start", start)
	d.notify(EventStart, id)
	if wasReconnecting {
		d.notify(EventReconnected, id)
	}
	return nil
}

func (d *Detector) handleStopped(ctx context.Context) error {
	id := d.commonID
	if id == "" {
		// Stop without a tracked session (e.g. after a restart or a failed
		// create) still settles the state machine.
		d.setState(StateOffline)
		return nil
	}

	end := d.now()
	if err := d.service.UpdateStreamEnd(ctx, id, end); err != nil {
		if d.metrics != nil {
			d.metrics.persistFailures.Inc()
		}
		return errors.Wrap(err, "Detector", "HandleStateChange", "finalize session")
	}

	d.commonID = ""
	d.setState(StateOffline)
	if d.metrics != nil {
		d.metrics.sessionsEnded.Inc()
	}
	d.logger.Info("session ended", "commonId", id, "end", end)
	d.notify(EventStop, id)
	return nil
}

func (d *Detector) setState(next State) {
	if d.state == next {
		return
	}
	d.logger.Debug("state transition", "from", string(d.state), "to", string(next))
	d.state = next
	if d.metrics != nil {
		d.metrics.transitions.WithLabelValues(string(next)).Inc()
		d.metrics.setStateGauge(next)
	}
}

func (d *Detector) notify(kind EventKind, commonID string) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(Event{Kind: kind, CommonID: commonID, At: d.now()})
}
