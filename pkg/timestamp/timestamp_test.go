package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	orig := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)
	ms := ToUnixMs(orig)
	back := FromUnixMs(ms)
	assert.True(t, orig.Equal(back))
}

func TestZeroValueSemantics(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "", Format(0))
}

func TestPtrConversions(t *testing.T) {
	assert.Equal(t, int64(0), ToUnixMsPtr(nil))
	assert.Nil(t, FromUnixMsPtr(0))

	orig := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)
	ms := ToUnixMsPtr(&orig)
	back := FromUnixMsPtr(ms)
	require.NotNil(t, back)
	assert.True(t, orig.Equal(*back))
}

func TestFormat(t *testing.T) {
	ms := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2024-06-01T14:30:00Z", Format(ms))
}
