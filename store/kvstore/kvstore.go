// Package kvstore implements stream.Service on a NATS JetStream KV
// bucket, giving sessions durability across daemon restarts. Keys follow
// "stream.<commonId>" for sessions and "platform.<commonId>.<platform>"
// for attached platform records; values are the JSON storage forms with
// millisecond timestamps.
package kvstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/natsclient"
	"github.com/castkit/simulcastd/stream"
)

const (
	streamKeyPrefix   = "stream."
	platformKeyPrefix = "platform."
)

// Store is a KV-backed session store.
type Store struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

var _ stream.Service = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides record id generation (used by tests).
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// New creates a store over the given KV bucket wrapper.
func New(kv *natsclient.KVStore, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"kvstore", "New", "kv store required")
	}
	s := &Store{
		kv:     kv,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func streamKey(commonID string) string {
	return streamKeyPrefix + commonID
}

func platformKey(commonID string, platform stream.Platform) string {
	return platformKeyPrefix + commonID + "." + string(platform)
}

// CreateStream creates a new session.
func (s *Store) CreateStream(ctx context.Context, commonID string, startTime time.Time) (*stream.Stream, error) {
	st := stream.Stream{
		CommonID:     commonID,
		OBSStartTime: startTime,
		CreatedAt:    s.now(),
	}
	value, err := json.Marshal(st.ToStorage())
	if err != nil {
		return nil, errors.WrapInvalid(err, "kvstore", "CreateStream", "encode "+commonID)
	}

	if _, err := s.kv.Create(ctx, streamKey(commonID), value); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return nil, errors.Wrap(errors.ErrStreamExists, "kvstore", "CreateStream", "create "+commonID)
		}
		return nil, errors.WrapTransient(err, "kvstore", "CreateStream", "store "+commonID)
	}
	return &st, nil
}

// GetStream returns the session or nil when absent.
func (s *Store) GetStream(ctx context.Context, commonID string) (*stream.Stream, error) {
	entry, err := s.kv.Get(ctx, streamKey(commonID))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "kvstore", "GetStream", "load "+commonID)
	}
	return decodeStream(entry.Value, commonID)
}

// GetOrCreateStream returns the existing session or creates one. A
// concurrent create by another caller wins and its session is returned.
func (s *Store) GetOrCreateStream(ctx context.Context, commonID string, startTime time.Time) (*stream.Stream, error) {
	st, err := s.CreateStream(ctx, commonID, startTime)
	if err == nil {
		return st, nil
	}
	if !stderrors.Is(err, errors.ErrStreamExists) {
		return nil, err
	}

	existing, err := s.GetStream(ctx, commonID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Deleted between the failed create and the read.
		return nil, errors.Wrap(errors.ErrStreamNotFound, "kvstore", "GetOrCreateStream", "load "+commonID)
	}
	return existing, nil
}

// UpdateStreamEnd sets the session end time under CAS.
func (s *Store) UpdateStreamEnd(ctx context.Context, commonID string, endTime time.Time) error {
	err := s.kv.UpdateWithRetry(ctx, streamKey(commonID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.ErrStreamNotFound
		}
		var stored stream.StoredStream
		if err := json.Unmarshal(current, &stored); err != nil {
			return nil, err
		}
		stored.OBSEndTimeMs = endTime.UnixMilli()
		return json.Marshal(stored)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrStreamNotFound) {
			return errors.Wrap(errors.ErrStreamNotFound, "kvstore", "UpdateStreamEnd", "load "+commonID)
		}
		return errors.WrapTransient(err, "kvstore", "UpdateStreamEnd", "update "+commonID)
	}
	return nil
}

// DeleteStream removes the session and its platform records.
func (s *Store) DeleteStream(ctx context.Context, commonID string) error {
	if err := s.kv.Delete(ctx, streamKey(commonID)); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.Wrap(errors.ErrStreamNotFound, "kvstore", "DeleteStream", "load "+commonID)
		}
		return errors.WrapTransient(err, "kvstore", "DeleteStream", "delete "+commonID)
	}

	keys, err := s.platformKeys(ctx, commonID)
	if err != nil {
		return errors.WrapTransient(err, "kvstore", "DeleteStream", "list records of "+commonID)
	}
	for _, key := range keys {
		if err := s.kv.Delete(ctx, key); err != nil &&
			!stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.WrapTransient(err, "kvstore", "DeleteStream", "delete record "+key)
		}
	}
	return nil
}

// CreatePlatformStream attaches a platform snapshot to a session.
func (s *Store) CreatePlatformStream(ctx context.Context, commonID string, data stream.PlatformStreamData) (*stream.PlatformStreamRecord, error) {
	st, err := s.GetStream(ctx, commonID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.Wrap(errors.ErrStreamNotFound, "kvstore", "CreatePlatformStream", "load "+commonID)
	}

	rec := stream.PlatformStreamRecord{
		ID:        s.newID(),
		CommonID:  commonID,
		Platform:  data.Platform,
		Data:      data,
		CreatedAt: s.now(),
	}
	if err := rec.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "kvstore", "CreatePlatformStream", "validate record")
	}

	value, err := json.Marshal(rec.ToStorage())
	if err != nil {
		return nil, errors.WrapInvalid(err, "kvstore", "CreatePlatformStream", "encode record")
	}

	if _, err := s.kv.Create(ctx, platformKey(commonID, data.Platform), value); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return nil, errors.Wrap(errors.ErrPlatformAttached,
				"kvstore", "CreatePlatformStream",
				fmt.Sprintf("attach %s to %s", data.Platform, commonID))
		}
		return nil, errors.WrapTransient(err, "kvstore", "CreatePlatformStream", "store record")
	}
	return &rec, nil
}

// GetPlatformStreams returns all records attached to a session.
func (s *Store) GetPlatformStreams(ctx context.Context, commonID string) ([]stream.PlatformStreamRecord, error) {
	keys, err := s.platformKeys(ctx, commonID)
	if err != nil {
		return nil, errors.WrapTransient(err, "kvstore", "GetPlatformStreams", "list records of "+commonID)
	}

	records := make([]stream.PlatformStreamRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue // removed concurrently
			}
			return nil, errors.WrapTransient(err, "kvstore", "GetPlatformStreams", "load "+key)
		}
		var stored stream.StoredPlatformRecord
		if err := json.Unmarshal(entry.Value, &stored); err != nil {
			return nil, errors.WrapInvalid(err, "kvstore", "GetPlatformStreams", "decode "+key)
		}
		records = append(records, stored.FromStorage())
	}
	return records, nil
}

// RemovePlatformFromStream detaches a platform's record from a session.
func (s *Store) RemovePlatformFromStream(ctx context.Context, commonID string, platform stream.Platform) error {
	if err := s.kv.Delete(ctx, platformKey(commonID, platform)); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return errors.Wrap(errors.ErrPlatformNotAttached,
				"kvstore", "RemovePlatformFromStream",
				fmt.Sprintf("detach %s from %s", platform, commonID))
		}
		return errors.WrapTransient(err, "kvstore", "RemovePlatformFromStream", "delete record")
	}
	return nil
}

// GetStreamWithPlatforms returns the session together with its records.
func (s *Store) GetStreamWithPlatforms(ctx context.Context, commonID string) (*stream.StreamWithPlatforms, error) {
	st, err := s.GetStream(ctx, commonID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.Wrap(errors.ErrStreamNotFound, "kvstore", "GetStreamWithPlatforms", "load "+commonID)
	}

	records, err := s.GetPlatformStreams(ctx, commonID)
	if err != nil {
		return nil, err
	}
	return &stream.StreamWithPlatforms{Stream: *st, Platforms: records}, nil
}

// ListStreams returns every stored session. Used by startup reconciliation
// and the health surface; order is not defined.
func (s *Store) ListStreams(ctx context.Context) ([]stream.Stream, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "kvstore", "ListStreams", "list keys")
	}

	var streams []stream.Stream
	for _, key := range keys {
		if !strings.HasPrefix(key, streamKeyPrefix) {
			continue
		}
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "kvstore", "ListStreams", "load "+key)
		}
		st, err := decodeStream(entry.Value, strings.TrimPrefix(key, streamKeyPrefix))
		if err != nil {
			return nil, err
		}
		streams = append(streams, *st)
	}
	return streams, nil
}

func (s *Store) platformKeys(ctx context.Context, commonID string) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	prefix := platformKeyPrefix + commonID + "."
	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func decodeStream(value []byte, commonID string) (*stream.Stream, error) {
	var stored stream.StoredStream
	if err := json.Unmarshal(value, &stored); err != nil {
		return nil, errors.WrapInvalid(err, "kvstore", "GetStream", "decode "+commonID)
	}
	st := stored.FromStorage()
	return &st, nil
}
