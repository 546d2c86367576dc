package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_StandardErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"connection closed", ErrConnectionClosed, ErrorTransient},
		{"request timeout", ErrRequestTimeout, ErrorTransient},
		{"store unavailable", ErrStoreUnavailable, ErrorTransient},
		{"context deadline", context.DeadlineExceeded, ErrorTransient},
		{"auth rejected", ErrAuthRejected, ErrorFatal},
		{"auth required", ErrAuthRequired, ErrorFatal},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"malformed frame", ErrMalformedFrame, ErrorInvalid},
		{"unexpected frame", ErrUnexpectedFrame, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_PreservedThroughWrapping(t *testing.T) {
	wrapped := Wrap(ErrAuthRejected, "ControlClient", "Connect", "identify")
	assert.True(t, IsFatal(wrapped))
	assert.True(t, stderrors.Is(wrapped, ErrAuthRejected))
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(ErrStreamNotFound, "Matcher", "SplitStream", "load stream")
	require.Error(t, err)
	assert.Equal(t, "Matcher.SplitStream: load stream failed: stream not found", err.Error())
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestWrapTransient_SetsClass(t *testing.T) {
	base := fmt.Errorf("dial tcp: refused")
	err := WrapTransient(base, "ControlClient", "Connect", "dial")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "ControlClient", ce.Component)
	assert.True(t, IsTransient(err))
}

func TestWrapInvalid_OverridesPatternMatch(t *testing.T) {
	// "connection" would pattern-match transient, but explicit classification wins
	base := fmt.Errorf("connection header malformed")
	err := WrapInvalid(base, "ControlClient", "readLoop", "parse frame")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	assert.True(t, cfg.ShouldRetry(ErrConnectionLost, 0))
	assert.False(t, cfg.ShouldRetry(ErrConnectionLost, cfg.MaxRetries))
	assert.False(t, cfg.ShouldRetry(ErrAuthRejected, 0))
	assert.False(t, cfg.ShouldRetry(nil, 0))
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:    4,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	rc := cfg.ToRetryConfig()
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, rc.InitialDelay)
	assert.True(t, rc.AddJitter)
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
