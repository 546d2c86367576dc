package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/metric"
)

const (
	testSalt      = "ZkFmZWZhY2U="
	testChallenge = "Y2hhbGxlbmdl"
)

// fakeEndpoint simulates the control application's server side: it performs
// the hello/identify handshake and then serves scripted request handlers.
type fakeEndpoint struct {
	t         *testing.T
	password  string
	srv       *httptest.Server
	onRequest func(e *fakeEndpoint, req RequestData)

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeEndpoint(t *testing.T, password string, onRequest func(e *fakeEndpoint, req RequestData)) *fakeEndpoint {
	t.Helper()

	e := &fakeEndpoint{t: t, password: password, onRequest: onRequest}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.conn = conn
		e.mu.Unlock()

		hello := HelloData{RPCVersion: 1}
		if password != "" {
			hello.Authentication = &AuthChallenge{Salt: testSalt, Challenge: testChallenge}
		}
		e.write(OpHello, hello)

		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		var identify IdentifyData
		if err := json.Unmarshal(frame.Data, &identify); err != nil {
			return
		}
		if password != "" {
			expected := authResponse(password, testSalt, testChallenge)
			if identify.Authentication != expected {
				conn.Close()
				return
			}
		}
		e.write(OpIdentified, IdentifiedData{NegotiatedRPCVersion: identify.RPCVersion})

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Op != OpRequest {
				continue
			}
			var req RequestData
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				continue
			}
			if e.onRequest != nil {
				e.onRequest(e, req)
			}
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *fakeEndpoint) url() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *fakeEndpoint) write(op OpCode, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	require.NoError(e.t, err)
	_ = e.conn.WriteJSON(Frame{Op: op, Data: data})
}

func (e *fakeEndpoint) writeRaw(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (e *fakeEndpoint) respond(req RequestData, result bool, code int, responseData any) {
	resp := RequestResponseData{
		RequestType:   req.RequestType,
		RequestID:     req.RequestID,
		RequestStatus: RequestStatus{Result: result, Code: code},
	}
	if responseData != nil {
		data, err := json.Marshal(responseData)
		require.NoError(e.t, err)
		resp.ResponseData = data
	}
	e.write(OpRequestResponse, resp)
}

func (e *fakeEndpoint) emitStreamState(active bool, state string) {
	payload, err := json.Marshal(StreamStateChanged{OutputActive: active, OutputState: state})
	require.NoError(e.t, err)
	e.write(OpEvent, EventData{EventType: EventTypeStreamStateChanged, EventData: payload})
}

func (e *fakeEndpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
	}
}

// echoHandler acknowledges every request with an empty success response.
func echoHandler(e *fakeEndpoint, req RequestData) {
	e.respond(req, true, 100, nil)
}

func newTestClient(t *testing.T, e *fakeEndpoint, cfg Config) *Client {
	t.Helper()
	cfg.URL = e.url()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestConnect_NoAuth(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})

	connected := make(chan struct{}, 1)
	c.On(EventConnected, func(any) error {
		connected <- struct{}{}
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connected event")
	}
}

func TestConnect_WithAuth(t *testing.T) {
	e := newFakeEndpoint(t, "hunter2", echoHandler)
	c := newTestClient(t, e, Config{Password: "hunter2"})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestConnect_AuthRequiredButNoPassword(t *testing.T) {
	e := newFakeEndpoint(t, "hunter2", echoHandler)
	c := newTestClient(t, e, Config{})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthRequired)
	assert.False(t, c.IsConnected())
}

func TestConnect_AuthRejected(t *testing.T) {
	e := newFakeEndpoint(t, "hunter2", echoHandler)
	c := newTestClient(t, e, Config{Password: "wrong", ConnectTimeout: 2 * time.Second})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAuthRejected)
	assert.False(t, c.IsConnected())
}

func TestConnect_Idempotent(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestSend_Success(t *testing.T) {
	e := newFakeEndpoint(t, "", func(e *fakeEndpoint, req RequestData) {
		e.respond(req, true, 100, map[string]string{"hello": "back"})
	})
	c := newTestClient(t, e, Config{})
	require.NoError(t, c.Connect(context.Background()))

	data, err := c.Send(context.Background(), "Ping", nil)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "back", decoded["hello"])
}

func TestSend_FailureStatus(t *testing.T) {
	e := newFakeEndpoint(t, "", func(e *fakeEndpoint, req RequestData) {
		e.respond(req, false, 604, nil)
	})
	c := newTestClient(t, e, Config{})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Send(context.Background(), "Ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRequestFailed)
	assert.Contains(t, err.Error(), "604")
}

func TestSend_NotConnected(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})

	_, err := c.Send(context.Background(), "Ping", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestSend_TimeoutDoesNotAffectOtherRequests(t *testing.T) {
	// "Slow" requests never get a response; everything else is answered
	e := newFakeEndpoint(t, "", func(e *fakeEndpoint, req RequestData) {
		if req.RequestType == "Slow" {
			return
		}
		e.respond(req, true, 100, nil)
	})
	c := newTestClient(t, e, Config{RequestTimeout: 200 * time.Millisecond})
	require.NoError(t, c.Connect(context.Background()))

	var wg sync.WaitGroup
	wg.Add(2)

	var slowErr, fastErr error
	start := time.Now()
	go func() {
		defer wg.Done()
		_, slowErr = c.Send(context.Background(), "Slow", nil)
	}()
	go func() {
		defer wg.Done()
		_, fastErr = c.Send(context.Background(), "Fast", nil)
	}()
	wg.Wait()

	require.Error(t, slowErr)
	assert.ErrorIs(t, slowErr, errors.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.NoError(t, fastErr)
}

func TestSend_TransportClosureRejectsPending(t *testing.T) {
	e := newFakeEndpoint(t, "", func(e *fakeEndpoint, req RequestData) {
		// Never respond; the test closes the socket instead
	})
	c := newTestClient(t, e, Config{RequestTimeout: 5 * time.Second})
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "Doomed", nil)
		errCh <- err
	}()

	// Give the request time to register, then drop the connection
	time.Sleep(100 * time.Millisecond)
	e.close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not rejected on transport closure")
	}
}

func TestEvents_StreamStateChangedDispatch(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})

	events := make(chan StreamStateChanged, 4)
	c.On(EventStreamStateChanged, func(payload any) error {
		events <- payload.(StreamStateChanged)
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	e.emitStreamState(true, OutputStarted)

	select {
	case got := <-events:
		assert.True(t, got.OutputActive)
		assert.Equal(t, OutputStarted, got.OutputState)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for stream state event")
	}
}

func TestEvents_ListenerErrorDoesNotAbortDispatch(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})

	second := make(chan struct{}, 1)
	c.On(EventStreamStateChanged, func(any) error {
		return fmt.Errorf("listener failure")
	})
	c.On(EventStreamStateChanged, func(any) error {
		panic("listener panic")
	})
	c.On(EventStreamStateChanged, func(any) error {
		second <- struct{}{}
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	e.emitStreamState(true, OutputStarted)

	select {
	case <-second:
		// Dispatch reached the last listener despite the error and panic
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch aborted by failing listener")
	}
	assert.True(t, c.IsConnected(), "listener failure must not close the connection")
}

func TestReadLoop_MalformedFrameDropped(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})
	require.NoError(t, c.Connect(context.Background()))

	e.writeRaw([]byte("{not json"))

	// Connection survives and still serves requests
	_, err := c.Send(context.Background(), "Ping", nil)
	assert.NoError(t, err)
}

func TestGetStreamStatus(t *testing.T) {
	e := newFakeEndpoint(t, "", func(e *fakeEndpoint, req RequestData) {
		require.Equal(t, "GetStreamStatus", req.RequestType)
		e.respond(req, true, 100, StreamStatus{
			Active:      true,
			Timecode:    "01:02:03.004",
			DurationMs:  3723004,
			Bytes:       123456789,
			TotalFrames: 223380,
		})
	})
	c := newTestClient(t, e, Config{})
	require.NoError(t, c.Connect(context.Background()))

	status, err := c.GetStreamStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.False(t, status.Reconnecting)
	assert.Equal(t, int64(3723004), status.DurationMs)
	assert.Equal(t, "01:02:03.004", status.Timecode)
}

func TestDisconnect_Idempotent(t *testing.T) {
	e := newFakeEndpoint(t, "", echoHandler)
	c := newTestClient(t, e, Config{})

	disconnected := make(chan struct{}, 4)
	c.On(EventDisconnected, func(any) error {
		disconnected <- struct{}{}
		return nil
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnected event")
	}
	// The second Disconnect must not emit a second event
	select {
	case <-disconnected:
		t.Fatal("disconnected dispatched twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthResponse(t *testing.T) {
	// The response must be deterministic for fixed inputs and differ when
	// any input changes
	a := authResponse("secret", "salt", "challenge")
	b := authResponse("secret", "salt", "challenge")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, authResponse("other", "salt", "challenge"))
	assert.NotEqual(t, a, authResponse("secret", "other", "challenge"))
	assert.NotEqual(t, a, authResponse("secret", "salt", "other"))

	// base64 of a sha256 digest is 44 characters
	assert.Len(t, a, 44)
}

func TestNewMetrics_DuplicateRegistrationIsNonFatal(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	require.NotNil(t, NewMetrics(registry))

	// Re-registering the same component keys logs and keeps going; the
	// second Metrics is still usable.
	m := NewMetrics(registry)
	require.NotNil(t, m)
	m.connects.Inc()
}
