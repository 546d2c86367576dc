// Package natsclient manages the NATS connection and JetStream KV bucket
// provisioning for the session store.
package natsclient

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/castkit/simulcastd/errors"
)

// Client wraps one NATS connection plus its JetStream context. The
// server-side reconnect behavior is delegated to the nats.go client;
// Connect fails only when the initial connection cannot be established.
type Client struct {
	urls   []string
	logger *slog.Logger

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	username      string
	password      string
	token         string

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMaxReconnects sets the reconnect attempt limit (-1 = unlimited).
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectWait = d }
}

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithName sets the client name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) { c.clientName = name }
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithToken sets token authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the given server URLs. No connection is
// made until Connect.
func NewClient(urls []string, opts ...ClientOption) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"NATSClient", "NewClient", "server URLs required")
	}

	c := &Client{
		urls:          urls,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		clientName:    "simulcastd",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.Name(c.clientName),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.logger.Info("nats connection closed")
		}),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	return opts
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(strings.Join(c.urls, ","), c.connectionOptions()...)
		if err != nil {
			done <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			done <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.WrapTransient(err, "NATSClient", "Connect", "establish connection")
		}
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "NATSClient", "Connect", "establish connection")
	}

	c.logger.Info("nats connected", "urls", c.urls)
	return nil
}

// IsHealthy reports whether the connection is currently up.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected,
			"NATSClient", "JetStream", "access context")
	}
	return c.js, nil
}

// CreateKeyValueBucket returns the named KV bucket, creating it when it
// does not exist. A concurrent create by another instance is tolerated.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		c.logger.Debug("using existing kv bucket", "bucket", cfg.Bucket)
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "already in use") ||
			strings.Contains(err.Error(), "already exists") {
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				return nil, errors.Wrap(err, "NATSClient", "CreateKeyValueBucket",
					"access bucket "+cfg.Bucket)
			}
			return bucket, nil
		}
		return nil, errors.Wrap(err, "NATSClient", "CreateKeyValueBucket",
			"create bucket "+cfg.Bucket)
	}

	c.logger.Info("created kv bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// Close drains and closes the connection. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "NATSClient", "Close", "drain connection")
		}
	case <-ctx.Done():
		conn.Close()
		return errors.WrapTransient(ctx.Err(), "NATSClient", "Close", "drain connection")
	}
	return nil
}
