package stream

import (
	"context"
	"time"
)

// StreamWithPlatforms bundles a stream with its attached platform records.
type StreamWithPlatforms struct {
	Stream    Stream
	Platforms []PlatformStreamRecord
}

// Service is the persistence boundary for the Stream aggregate. Both the
// lifecycle detector and the matcher act on sessions only through this
// interface; they never call each other.
//
// All calls are fallible and may block on I/O; failures propagate uncaught
// to the caller. Implementations must be safe for concurrent invocation,
// serializing writes to the same common id. Creates and updates to
// different common ids are independent.
type Service interface {
	// CreateStream creates a new session with the given start time.
	// Returns an error if the common id already exists.
	CreateStream(ctx context.Context, commonID string, startTime time.Time) (*Stream, error)

	// GetStream returns the session or nil if not found.
	GetStream(ctx context.Context, commonID string) (*Stream, error)

	// GetOrCreateStream returns the existing session or creates one.
	GetOrCreateStream(ctx context.Context, commonID string, startTime time.Time) (*Stream, error)

	// UpdateStreamEnd sets the session end time. The detector writes it
	// exactly once per session; the matcher may recompute it after a split.
	UpdateStreamEnd(ctx context.Context, commonID string, endTime time.Time) error

	// DeleteStream removes the session and its platform records.
	DeleteStream(ctx context.Context, commonID string) error

	// CreatePlatformStream attaches a platform snapshot to a session.
	// A session never holds two records for the same platform.
	CreatePlatformStream(ctx context.Context, commonID string, data PlatformStreamData) (*PlatformStreamRecord, error)

	// GetPlatformStreams returns all platform records attached to a session.
	GetPlatformStreams(ctx context.Context, commonID string) ([]PlatformStreamRecord, error)

	// RemovePlatformFromStream detaches a platform's record from a session.
	RemovePlatformFromStream(ctx context.Context, commonID string, platform Platform) error

	// GetStreamWithPlatforms returns the session together with its records.
	GetStreamWithPlatforms(ctx context.Context, commonID string) (*StreamWithPlatforms, error)
}
