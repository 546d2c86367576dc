package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/castkit/simulcastd/stream"
)

func rng(startHour, startMin, endHour, endMin int) stream.TimeRange {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return stream.TimeRange{
		Start: day.Add(time.Duration(startHour)*time.Hour + time.Duration(startMin)*time.Minute),
		End:   day.Add(time.Duration(endHour)*time.Hour + time.Duration(endMin)*time.Minute),
	}
}

func TestOverlap_ContainedRangeScoresOne(t *testing.T) {
	// B fully inside A: 108 minutes of B's 108-minute span coincide
	a := rng(14, 0, 16, 0)
	b := rng(14, 6, 15, 54)

	assert.InDelta(t, 1.0, Overlap(a, b), 1e-9)
	assert.InDelta(t, 1.0, Overlap(b, a), 1e-9)
}

func TestOverlap_PartialOverlap(t *testing.T) {
	// 30 minutes shared, shorter span is 120 minutes
	a := rng(14, 0, 16, 0)
	b := rng(15, 30, 18, 0)

	assert.InDelta(t, 0.25, Overlap(a, b), 1e-9)
}

func TestOverlap_Symmetric(t *testing.T) {
	a := rng(10, 0, 12, 30)
	b := rng(11, 15, 14, 0)

	assert.Equal(t, Overlap(a, b), Overlap(b, a))
}

func TestOverlap_DisjointIsZero(t *testing.T) {
	a := rng(10, 0, 11, 0)
	b := rng(12, 0, 13, 0)

	assert.Equal(t, 0.0, Overlap(a, b))
}

func TestOverlap_TouchingAtPointIsZero(t *testing.T) {
	a := rng(10, 0, 11, 0)
	b := rng(11, 0, 12, 0)

	assert.Equal(t, 0.0, Overlap(a, b))
}

func TestOverlap_ZeroDurationIsZero(t *testing.T) {
	a := rng(10, 0, 10, 0)
	b := rng(9, 0, 12, 0)

	assert.Equal(t, 0.0, Overlap(a, b))
	assert.Equal(t, 0.0, Overlap(b, a))
}
