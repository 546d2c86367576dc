// Package memstore provides an in-memory stream.Service implementation.
// It backs the default daemon configuration and the unit tests; state does
// not survive a process restart.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/stream"
)

// Store is a mutex-guarded in-memory stream store.
type Store struct {
	mu      sync.RWMutex
	streams map[string]*stream.Stream
	records map[string][]stream.PlatformStreamRecord // keyed by common id
	now     func() time.Time
}

var _ stream.Service = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		streams: make(map[string]*stream.Stream),
		records: make(map[string][]stream.PlatformStreamRecord),
		now:     time.Now,
	}
}

// WithClock overrides the time source (used by tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// CreateStream creates a new session.
func (s *Store) CreateStream(_ context.Context, commonID string, startTime time.Time) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.streams[commonID]; exists {
		return nil, errors.Wrap(errors.ErrStreamExists, "memstore", "CreateStream", "create "+commonID)
	}

	st := &stream.Stream{
		CommonID:     commonID,
		OBSStartTime: startTime,
		CreatedAt:    s.now(),
	}
	s.streams[commonID] = st
	copied := *st
	return &copied, nil
}

// GetStream returns the session or nil when absent.
func (s *Store) GetStream(_ context.Context, commonID string) (*stream.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[commonID]
	if !ok {
		return nil, nil
	}
	copied := *st
	return &copied, nil
}

// GetOrCreateStream returns the existing session or creates one.
func (s *Store) GetOrCreateStream(ctx context.Context, commonID string, startTime time.Time) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[commonID]; ok {
		copied := *st
		return &copied, nil
	}

	st := &stream.Stream{
		CommonID:     commonID,
		OBSStartTime: startTime,
		CreatedAt:    s.now(),
	}
	s.streams[commonID] = st
	copied := *st
	return &copied, nil
}

// UpdateStreamEnd sets the session end time.
func (s *Store) UpdateStreamEnd(_ context.Context, commonID string, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[commonID]
	if !ok {
		return errors.Wrap(errors.ErrStreamNotFound, "memstore", "UpdateStreamEnd", "load "+commonID)
	}
	end := endTime
	st.OBSEndTime = &end
	return nil
}

// DeleteStream removes the session and its platform records.
func (s *Store) DeleteStream(_ context.Context, commonID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[commonID]; !ok {
		return errors.Wrap(errors.ErrStreamNotFound, "memstore", "DeleteStream", "load "+commonID)
	}
	delete(s.streams, commonID)
	delete(s.records, commonID)
	return nil
}

// CreatePlatformStream attaches a platform snapshot to a session.
func (s *Store) CreatePlatformStream(_ context.Context, commonID string, data stream.PlatformStreamData) (*stream.PlatformStreamRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[commonID]; !ok {
		return nil, errors.Wrap(errors.ErrStreamNotFound, "memstore", "CreatePlatformStream", "load "+commonID)
	}
	for _, rec := range s.records[commonID] {
		if rec.Platform == data.Platform {
			return nil, errors.Wrap(errors.ErrPlatformAttached,
				"memstore", "CreatePlatformStream",
				fmt.Sprintf("attach %s to %s", data.Platform, commonID))
		}
	}

	rec := stream.PlatformStreamRecord{
		ID:        uuid.NewString(),
		CommonID:  commonID,
		Platform:  data.Platform,
		Data:      data,
		CreatedAt: s.now(),
	}
	if err := rec.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "memstore", "CreatePlatformStream", "validate record")
	}
	s.records[commonID] = append(s.records[commonID], rec)

	copied := rec
	return &copied, nil
}

// GetPlatformStreams returns all records attached to a session.
func (s *Store) GetPlatformStreams(_ context.Context, commonID string) ([]stream.PlatformStreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[commonID]
	out := make([]stream.PlatformStreamRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// RemovePlatformFromStream detaches a platform's record from a session.
func (s *Store) RemovePlatformFromStream(_ context.Context, commonID string, platform stream.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[commonID]
	for i, rec := range recs {
		if rec.Platform == platform {
			s.records[commonID] = append(recs[:i:i], recs[i+1:]...)
			return nil
		}
	}
	return errors.Wrap(errors.ErrPlatformNotAttached,
		"memstore", "RemovePlatformFromStream",
		fmt.Sprintf("detach %s from %s", platform, commonID))
}

// GetStreamWithPlatforms returns the session together with its records.
func (s *Store) GetStreamWithPlatforms(_ context.Context, commonID string) (*stream.StreamWithPlatforms, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[commonID]
	if !ok {
		return nil, errors.Wrap(errors.ErrStreamNotFound, "memstore", "GetStreamWithPlatforms", "load "+commonID)
	}

	recs := s.records[commonID]
	out := make([]stream.PlatformStreamRecord, len(recs))
	copy(out, recs)
	return &stream.StreamWithPlatforms{Stream: *st, Platforms: out}, nil
}

// Len returns the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}
