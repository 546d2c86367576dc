// Package control implements the client side of the frame-based control
// protocol spoken by the local recording/broadcasting application: one
// persistent websocket, a password-based challenge-response handshake,
// request/response correlation, and named event dispatch.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/castkit/simulcastd/errors"
)

// EventName identifies a listener registration category.
type EventName string

// Event names for listener registration.
const (
	// EventConnected fires after a successful handshake
	EventConnected EventName = "connected"
	// EventDisconnected fires when the transport closes, for any reason
	EventDisconnected EventName = "disconnected"
	// EventError fires on transport errors
	EventError EventName = "error"
	// EventStreamStateChanged fires on decoded stream state change events
	EventStreamStateChanged EventName = "stream_state_changed"
	// EventRaw fires for every inbound frame, before interpretation
	EventRaw EventName = "raw"
)

// Handler receives an event payload. A returned error (or panic) is logged
// and never aborts dispatch to other handlers or closes the connection.
// Handlers run synchronously in frame arrival order and must not block.
type Handler func(payload any) error

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// Config holds control client configuration. Defaults are applied by New;
// there is no package-level mutable state.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://127.0.0.1:4455".
	URL string
	// Password is the optional shared secret for the handshake.
	Password string
	// RPCVersion is the protocol version to negotiate (default 1).
	RPCVersion int
	// ConnectTimeout bounds the dial plus handshake (default 10s).
	ConnectTimeout time.Duration
	// RequestTimeout bounds each request's wait for its response
	// (default 30s).
	RequestTimeout time.Duration
	// EventSubscriptions is the identify bitmask (default
	// SubscriptionOutputs).
	EventSubscriptions uint32
}

func (cfg Config) withDefaults() Config {
	if cfg.RPCVersion == 0 {
		cfg.RPCVersion = 1
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.EventSubscriptions == 0 {
		cfg.EventSubscriptions = SubscriptionOutputs
	}
	return cfg
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// pendingRequest is one entry in the correlation table. The timer is
// stopped and the entry removed on settle, timeout, or transport closure.
type pendingRequest struct {
	ch    chan requestResult
	timer *time.Timer
}

// Client is a control protocol client over one persistent websocket.
// Inbound frames are processed one at a time in arrival order; Send may be
// invoked concurrently by many callers, multiplexing over the one socket.
// Reconnection is not automatic: a supervisor must call Connect again
// after a disconnected event.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	dialer  *websocket.Dialer
	newID   func() string

	mu    sync.Mutex // guards conn and state
	conn  *websocket.Conn
	state connState

	writeMu sync.Mutex // serializes frame writes

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	listenersMu sync.RWMutex
	listeners   map[EventName][]Handler
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// WithRequestIDGenerator overrides request id generation (used by tests).
func WithRequestIDGenerator(newID func() string) Option {
	return func(c *Client) { c.newID = newID }
}

// New creates a control client. No connection is made until Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("endpoint URL required"),
			"ControlClient", "New", "validate config")
	}

	c := &Client{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.withDefaults().ConnectTimeout,
		},
		newID:     uuid.NewString,
		pending:   make(map[string]*pendingRequest),
		listeners: make(map[EventName][]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// On registers a listener for the named event. Listeners cannot be removed;
// register once at wiring time.
func (c *Client) On(name EventName, handler Handler) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[name] = append(c.listeners[name], handler)
}

// IsConnected reports whether the handshake has completed and the socket
// is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect dials the endpoint and performs the handshake. Calling Connect
// while already connecting or connected is an idempotent no-op. Connect
// returns only after the server acknowledges the identify frame; it fails
// on authentication rejection, timeout, or transport error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.mu.Unlock()

	conn, err := c.handshake(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.connectFailures.Inc()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = stateConnected
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.connects.Inc()
		c.metrics.connected.Set(1)
	}

	go c.readLoop(conn)

	c.logger.Info("control endpoint connected", "url", c.cfg.URL)
	c.dispatch(EventConnected, nil)
	return nil
}

// handshake dials and completes hello/identify/identified.
func (c *Client) handshake(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "ControlClient", "Connect", "dial endpoint")
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	_ = conn.SetReadDeadline(deadline)

	hello, err := readFrameAs[HelloData](conn, OpHello)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ControlClient", "Connect", "read hello")
	}

	identify := IdentifyData{
		RPCVersion:         c.cfg.RPCVersion,
		EventSubscriptions: c.cfg.EventSubscriptions,
	}
	authenticated := false
	if hello.Authentication != nil {
		if c.cfg.Password == "" {
			conn.Close()
			return nil, errors.WrapFatal(errors.ErrAuthRequired,
				"ControlClient", "Connect", "build identify")
		}
		identify.Authentication = authResponse(
			c.cfg.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
		authenticated = true
	}

	if err := writeFrame(conn, OpIdentify, identify); err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "ControlClient", "Connect", "send identify")
	}

	if _, err := readFrameAs[IdentifiedData](conn, OpIdentified); err != nil {
		conn.Close()
		if authenticated {
			// The server closes the socket instead of acknowledging when
			// the auth response does not verify.
			if c.metrics != nil {
				c.metrics.authFailures.Inc()
			}
			return nil, errors.WrapFatal(errors.ErrAuthRejected,
				"ControlClient", "Connect", "await identified")
		}
		return nil, errors.Wrap(err, "ControlClient", "Connect", "await identified")
	}

	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// readFrameAs reads one frame and decodes its payload, requiring the
// expected opcode.
func readFrameAs[T any](conn *websocket.Conn, want OpCode) (*T, error) {
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	if frame.Op != want {
		return nil, fmt.Errorf("%w: got opcode %d, want %d",
			errors.ErrUnexpectedFrame, frame.Op, want)
	}
	var payload T
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformedFrame, err)
	}
	return &payload, nil
}

// writeFrame marshals and writes one frame.
func writeFrame(conn *websocket.Conn, op OpCode, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(Frame{Op: op, Data: data})
}

// Disconnect closes the transport, rejecting all pending requests and
// emitting a disconnected event. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.closeConn(conn, nil)
	return nil
}

// closeConn tears down one specific connection exactly once; the second
// caller (Disconnect vs readLoop), or a caller holding a stale connection
// after a reconnect, finds c.conn already changed and backs off.
func (c *Client) closeConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if conn == nil || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	conn.Close()
	if c.metrics != nil {
		c.metrics.connected.Set(0)
	}

	c.failPending(errors.Wrap(errors.ErrConnectionClosed,
		"ControlClient", "Send", "await response"))

	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.dispatch(EventError, cause)
	}
	c.logger.Info("control endpoint disconnected", "url", c.cfg.URL, "cause", cause)
	c.dispatch(EventDisconnected, cause)
}

// readLoop processes inbound frames one at a time. Listener dispatch is
// synchronous within each step, so a slow listener delays subsequent frame
// processing.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closeConn(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frame: log, drop, keep the connection alive.
			c.logger.Warn("dropping malformed frame", "error", err)
			if c.metrics != nil {
				c.metrics.protocolErrors.Inc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.framesReceived.WithLabelValues(fmt.Sprintf("%d", frame.Op)).Inc()
		}

		c.dispatch(EventRaw, frame)

		switch frame.Op {
		case OpEvent:
			c.handleEvent(frame.Data)
		case OpRequestResponse:
			c.handleResponse(frame.Data)
		default:
			c.logger.Debug("ignoring frame", "op", int(frame.Op))
		}
	}
}

func (c *Client) handleEvent(data json.RawMessage) {
	var event EventData
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Warn("dropping malformed event frame", "error", err)
		if c.metrics != nil {
			c.metrics.protocolErrors.Inc()
		}
		return
	}

	// Only stream state changes are interpreted here; everything else is
	// available through the raw listener.
	if event.EventType != EventTypeStreamStateChanged {
		return
	}

	var change StreamStateChanged
	if err := json.Unmarshal(event.EventData, &change); err != nil {
		c.logger.Warn("dropping malformed stream state event", "error", err)
		if c.metrics != nil {
			c.metrics.protocolErrors.Inc()
		}
		return
	}
	c.dispatch(EventStreamStateChanged, change)
}

func (c *Client) handleResponse(data json.RawMessage) {
	var resp RequestResponseData
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("dropping malformed response frame", "error", err)
		if c.metrics != nil {
			c.metrics.protocolErrors.Inc()
		}
		return
	}

	if resp.RequestStatus.Result {
		c.settle(resp.RequestID, resp.ResponseData, nil)
		return
	}
	c.settle(resp.RequestID, nil, fmt.Errorf("%w: code %d (%s)",
		errors.ErrRequestFailed, resp.RequestStatus.Code, resp.RequestStatus.Comment))
}

// Send issues a typed request and waits for the correlated response. The
// request id is generated here; a matching response clears the expiry
// timer and resolves. On expiry only this request fails; on transport
// closure every pending request fails with a connection-closed error.
func (c *Client) Send(ctx context.Context, requestType string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == stateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected,
			"ControlClient", "Send", requestType)
	}

	var reqData json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.WrapInvalid(err, "ControlClient", "Send", "marshal payload")
		}
		reqData = data
	}

	id := c.newID()
	pr := &pendingRequest{ch: make(chan requestResult, 1)}

	c.pendingMu.Lock()
	c.pending[id] = pr
	pr.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		if c.metrics != nil {
			c.metrics.requestTimeouts.Inc()
		}
		c.settle(id, nil, errors.Wrap(errors.ErrRequestTimeout,
			"ControlClient", "Send", requestType))
	})
	c.pendingMu.Unlock()

	start := time.Now()
	err := func() error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return writeFrame(conn, OpRequest, RequestData{
			RequestType: requestType,
			RequestID:   id,
			RequestData: reqData,
		})
	}()
	if err != nil {
		c.remove(id)
		return nil, errors.WrapTransient(err, "ControlClient", "Send", "write request")
	}
	if c.metrics != nil {
		c.metrics.requestsSent.WithLabelValues(requestType).Inc()
	}

	select {
	case res := <-pr.ch:
		if c.metrics != nil && res.err == nil {
			c.metrics.requestDuration.WithLabelValues(requestType).
				Observe(time.Since(start).Seconds())
		}
		return res.data, res.err
	case <-ctx.Done():
		c.remove(id)
		return nil, errors.WrapTransient(ctx.Err(), "ControlClient", "Send", requestType)
	}
}

// settle resolves one pending request and removes it from the table.
func (c *Client) settle(id string, data json.RawMessage, err error) {
	c.pendingMu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.pendingMu.Unlock()

	if ok {
		pr.ch <- requestResult{data: data, err: err}
	}
}

// remove drops a pending request without resolving it.
func (c *Client) remove(id string) {
	c.pendingMu.Lock()
	if pr, ok := c.pending[id]; ok {
		delete(c.pending, id)
		pr.timer.Stop()
	}
	c.pendingMu.Unlock()
}

// failPending rejects every pending request with the given error.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.pendingMu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- requestResult{err: err}
	}
}

// dispatch invokes every listener for the named event synchronously, in
// registration order, isolating listener failures from each other and
// from the connection.
func (c *Client) dispatch(name EventName, payload any) {
	c.listenersMu.RLock()
	handlers := make([]Handler, len(c.listeners[name]))
	copy(handlers, c.listeners[name])
	c.listenersMu.RUnlock()

	for _, handler := range handlers {
		c.safeCall(name, handler, payload)
	}
}

func (c *Client) safeCall(name EventName, handler Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event listener panicked", "event", string(name), "panic", r)
		}
	}()
	if err := handler(payload); err != nil {
		c.logger.Error("event listener failed", "event", string(name), "error", err)
	}
}
