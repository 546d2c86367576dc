// Package stream defines the canonical stream session data model shared by
// the lifecycle detector and the cross-platform matcher, plus the Service
// contract implemented by the persistence layer.
package stream

import (
	"fmt"
	"time"
)

// Platform identifies an external video platform. The set is closed:
// adding a platform requires a new constant and converter support.
type Platform string

const (
	// PlatformTwitch is the Twitch platform
	PlatformTwitch Platform = "twitch"
	// PlatformYouTube is the YouTube platform
	PlatformYouTube Platform = "youtube"
	// PlatformKick is the Kick platform
	PlatformKick Platform = "kick"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformKick:
		return true
	}
	return false
}

// Stream is the canonical session: one local recording interval identified
// by CommonID, owning zero or more platform-reported records by reference
// through the Service.
type Stream struct {
	CommonID     string
	OBSStartTime time.Time
	// OBSEndTime is nil while the session is live or was never locally
	// observed. Set exactly once; a restarted recording becomes a new Stream.
	OBSEndTime *time.Time
	CreatedAt  time.Time
}

// Span returns the stream's time range, substituting now for an open end.
func (s *Stream) Span(now time.Time) TimeRange {
	end := now
	if s.OBSEndTime != nil {
		end = *s.OBSEndTime
	}
	return TimeRange{Start: s.OBSStartTime, End: end}
}

// PlatformStreamData is one platform's reported view of a session.
type PlatformStreamData struct {
	Platform  Platform
	StreamID  string // platform-assigned stream identifier
	StartTime time.Time
	// EndTime is nil while the platform still reports the stream as live.
	EndTime     *time.Time
	Title       string
	Category    string
	PeakViewers int
}

// Range returns the reported time range, substituting now for an open end.
func (d *PlatformStreamData) Range(now time.Time) TimeRange {
	end := now
	if d.EndTime != nil {
		end = *d.EndTime
	}
	return TimeRange{Start: d.StartTime, End: end}
}

// PlatformStreamRecord attaches a platform snapshot to a Stream. Records are
// immutable once created; the matcher reassigns a record by removing it and
// creating a new one on the target stream, never by mutation.
type PlatformStreamRecord struct {
	ID        string
	CommonID  string
	Platform  Platform
	Data      PlatformStreamData
	CreatedAt time.Time
}

// TimeRange is a closed interval used by overlap scoring.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns the range length, 0 for inverted ranges.
func (r TimeRange) Duration() time.Duration {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Validate checks record fields before persistence.
func (r *PlatformStreamRecord) Validate() error {
	if r.CommonID == "" {
		return fmt.Errorf("platform record missing common id")
	}
	if !r.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", r.Platform)
	}
	if r.Data.StartTime.IsZero() {
		return fmt.Errorf("platform record missing start time")
	}
	return nil
}
