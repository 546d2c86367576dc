package stream

import (
	"time"

	"github.com/castkit/simulcastd/pkg/timestamp"
)

// StoredStream is the wire/storage form of a Stream, with canonical
// millisecond timestamps. A zero OBSEndTimeMs means the end is unset.
type StoredStream struct {
	CommonID       string `json:"common_id"`
	OBSStartTimeMs int64  `json:"obs_start_time_ms"`
	OBSEndTimeMs   int64  `json:"obs_end_time_ms,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
}

// ToStorage converts a Stream to its storage form.
func (s *Stream) ToStorage() StoredStream {
	return StoredStream{
		CommonID:       s.CommonID,
		OBSStartTimeMs: timestamp.ToUnixMs(s.OBSStartTime),
		OBSEndTimeMs:   timestamp.ToUnixMsPtr(s.OBSEndTime),
		CreatedAtMs:    timestamp.ToUnixMs(s.CreatedAt),
	}
}

// FromStorage reconstructs a Stream from its storage form.
func (ss StoredStream) FromStorage() Stream {
	return Stream{
		CommonID:     ss.CommonID,
		OBSStartTime: timestamp.FromUnixMs(ss.OBSStartTimeMs),
		OBSEndTime:   timestamp.FromUnixMsPtr(ss.OBSEndTimeMs),
		CreatedAt:    timestamp.FromUnixMs(ss.CreatedAtMs),
	}
}

// StoredPlatformRecord is the storage form of a PlatformStreamRecord.
type StoredPlatformRecord struct {
	ID          string `json:"id"`
	CommonID    string `json:"common_id"`
	Platform    string `json:"platform"`
	StreamID    string `json:"stream_id"`
	StartTimeMs int64  `json:"start_time_ms"`
	EndTimeMs   int64  `json:"end_time_ms,omitempty"`
	Title       string `json:"title,omitempty"`
	Category    string `json:"category,omitempty"`
	PeakViewers int    `json:"peak_viewers,omitempty"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// ToStorage converts a PlatformStreamRecord to its storage form.
func (r *PlatformStreamRecord) ToStorage() StoredPlatformRecord {
	return StoredPlatformRecord{
		ID:          r.ID,
		CommonID:    r.CommonID,
		Platform:    string(r.Platform),
		StreamID:    r.Data.StreamID,
		StartTimeMs: timestamp.ToUnixMs(r.Data.StartTime),
		EndTimeMs:   timestamp.ToUnixMsPtr(r.Data.EndTime),
		Title:       r.Data.Title,
		Category:    r.Data.Category,
		PeakViewers: r.Data.PeakViewers,
		CreatedAtMs: timestamp.ToUnixMs(r.CreatedAt),
	}
}

// FromStorage reconstructs a PlatformStreamRecord from its storage form.
func (sr StoredPlatformRecord) FromStorage() PlatformStreamRecord {
	return PlatformStreamRecord{
		ID:       sr.ID,
		CommonID: sr.CommonID,
		Platform: Platform(sr.Platform),
		Data: PlatformStreamData{
			Platform:    Platform(sr.Platform),
			StreamID:    sr.StreamID,
			StartTime:   timestamp.FromUnixMs(sr.StartTimeMs),
			EndTime:     timestamp.FromUnixMsPtr(sr.EndTimeMs),
			Title:       sr.Title,
			Category:    sr.Category,
			PeakViewers: sr.PeakViewers,
		},
		CreatedAt: timestamp.FromUnixMs(sr.CreatedAtMs),
	}
}

// endTimesEqual compares optional end times by instant.
func endTimesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Equal compares two streams by value, treating times as instants.
func (s *Stream) Equal(o *Stream) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.CommonID == o.CommonID &&
		s.OBSStartTime.Equal(o.OBSStartTime) &&
		endTimesEqual(s.OBSEndTime, o.OBSEndTime) &&
		s.CreatedAt.Equal(o.CreatedAt)
}
