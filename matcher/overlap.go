package matcher

import "github.com/castkit/simulcastd/stream"

// Overlap scores how much of the shorter of two ranges coincides with the
// other: intersection length divided by the shorter duration. A short stream
// fully inside a longer one scores 1.0, which deliberately tolerates
// platforms starting and stopping minutes apart. Returns 0 when either
// range has zero duration or the ranges are disjoint.
func Overlap(a, b stream.TimeRange) float64 {
	durA := a.Duration()
	durB := b.Duration()
	if durA == 0 || durB == 0 {
		return 0
	}

	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if b.End.Before(end) {
		end = b.End
	}
	if !end.After(start) {
		return 0
	}

	shorter := durA
	if durB < shorter {
		shorter = durB
	}

	return float64(end.Sub(start)) / float64(shorter)
}
