// Package matcher reconciles independently-timestamped per-platform stream
// records into canonical sessions using an overlap-based matching algorithm.
// It tolerates out-of-order arrival, incremental attachment to live
// sessions, and splitting of misgrouped records.
package matcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/stream"
)

// DefaultThreshold is the default minimum overlap fraction for two
// intervals to count as the same session.
const DefaultThreshold = 0.85

// Matcher groups platform stream records into sessions. It is a pure
// reconciliation pass aside from its Service calls: persistence failures
// propagate to the caller and are never retried internally.
type Matcher struct {
	service   stream.Service
	threshold float64
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
	newID     func() string
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the matcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) { m.logger = logger }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Matcher) { m.metrics = metrics }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// WithIDGenerator overrides common id generation (used by tests).
func WithIDGenerator(newID func() string) Option {
	return func(m *Matcher) { m.newID = newID }
}

// New creates a Matcher with the given overlap threshold. The threshold
// must satisfy 0 < threshold <= 1; pass DefaultThreshold for the standard
// tolerance. Configuration is explicit at construction, never package
// state.
func New(service stream.Service, threshold float64, opts ...Option) (*Matcher, error) {
	if service == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil stream service"),
			"Matcher", "New", "validate service")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("threshold %v outside (0,1]", threshold),
			"Matcher", "New", "validate threshold")
	}

	m := &Matcher{
		service:   service,
		threshold: threshold,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// group accumulates records whose ranges mutually overlap the group span.
type group struct {
	span    stream.TimeRange
	members []stream.PlatformStreamData
}

// extend widens the group span to cover a new member's range.
func (g *group) extend(r stream.TimeRange) {
	if r.Start.Before(g.span.Start) {
		g.span.Start = r.Start
	}
	if r.End.After(g.span.End) {
		g.span.End = r.End
	}
}

// MatchAllPlatformStreams groups every supplied record into sessions.
// Records from all platform lists are flattened, sorted by start time
// ascending, and greedily assigned to the first existing group whose
// current span overlaps them at or above the threshold; otherwise a new
// group is opened. A single left-to-right pass, not globally optimal
// clustering: the tradeoff buys determinism and simplicity.
//
// Per group, a Stream is created at the earliest member start and every
// member attached. The session end is set to the latest member end only
// when all members have concrete ends. Groups committed before a
// persistence failure stay committed; there is no rollback.
func (m *Matcher) MatchAllPlatformStreams(
	ctx context.Context,
	perPlatform ...[]stream.PlatformStreamData,
) ([]stream.StreamWithPlatforms, error) {
	now := m.now()

	var records []stream.PlatformStreamData
	for _, list := range perPlatform {
		records = append(records, list...)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartTime.Before(records[j].StartTime)
	})

	var groups []*group
	for _, rec := range records {
		r := rec.Range(now)
		assigned := false
		for _, g := range groups {
			if Overlap(r, g.span) >= m.threshold {
				g.members = append(g.members, rec)
				g.extend(r)
				assigned = true
				break
			}
		}
		if !assigned {
			groups = append(groups, &group{span: r, members: []stream.PlatformStreamData{rec}})
		}
	}

	sessions := make([]stream.StreamWithPlatforms, 0, len(groups))
	for _, g := range groups {
		session, err := m.commitGroup(ctx, g)
		if err != nil {
			return sessions, err
		}
		sessions = append(sessions, *session)
		if m.metrics != nil {
			m.metrics.sessionsCreated.Inc()
			m.metrics.recordsMatched.Add(float64(len(g.members)))
		}
	}

	m.logger.Debug("matched platform streams",
		"records", len(records), "sessions", len(sessions))
	return sessions, nil
}

// commitGroup persists one group as a session with its records attached.
func (m *Matcher) commitGroup(ctx context.Context, g *group) (*stream.StreamWithPlatforms, error) {
	earliest := g.members[0].StartTime
	for _, rec := range g.members[1:] {
		if rec.StartTime.Before(earliest) {
			earliest = rec.StartTime
		}
	}

	commonID := m.newID()
	created, err := m.service.CreateStream(ctx, commonID, earliest)
	if err != nil {
		return nil, errors.Wrap(err, "Matcher", "MatchAllPlatformStreams", "create stream")
	}

	result := stream.StreamWithPlatforms{Stream: *created}
	allEnded := true
	var latestEnd time.Time
	for _, rec := range g.members {
		attached, err := m.service.CreatePlatformStream(ctx, commonID, rec)
		if err != nil {
			return nil, errors.Wrap(err, "Matcher", "MatchAllPlatformStreams", "attach platform record")
		}
		result.Platforms = append(result.Platforms, *attached)

		if rec.EndTime == nil {
			allEnded = false
		} else if rec.EndTime.After(latestEnd) {
			latestEnd = *rec.EndTime
		}
	}

	if allEnded {
		if err := m.service.UpdateStreamEnd(ctx, commonID, latestEnd); err != nil {
			return nil, errors.Wrap(err, "Matcher", "MatchAllPlatformStreams", "set stream end")
		}
		result.Stream.OBSEndTime = &latestEnd
	}

	return &result, nil
}

// MatchNewPlatformStreams attaches each new record to the first existing
// stream (in supplied order) whose span scores at or above the threshold.
// Unmatched records become new, independently-created single-platform
// sessions; those creations run concurrently and are all awaited before
// returning. The matched map and created map let the caller distinguish
// "added to live session" from "new session detected".
func (m *Matcher) MatchNewPlatformStreams(
	ctx context.Context,
	existing []stream.Stream,
	newRecords []stream.PlatformStreamData,
) (matched map[string][]stream.PlatformStreamRecord, created map[string]stream.PlatformStreamRecord, err error) {
	now := m.now()
	matched = make(map[string][]stream.PlatformStreamRecord)
	created = make(map[string]stream.PlatformStreamRecord)

	var unmatched []stream.PlatformStreamData
	for _, rec := range newRecords {
		r := rec.Range(now)
		target := ""
		for i := range existing {
			if Overlap(r, existing[i].Span(now)) >= m.threshold {
				target = existing[i].CommonID
				break
			}
		}

		if target == "" {
			unmatched = append(unmatched, rec)
			continue
		}

		attached, attachErr := m.service.CreatePlatformStream(ctx, target, rec)
		if attachErr != nil {
			return matched, created, errors.Wrap(attachErr,
				"Matcher", "MatchNewPlatformStreams", "attach platform record")
		}
		matched[target] = append(matched[target], *attached)
		if m.metrics != nil {
			m.metrics.recordsMatched.Inc()
		}
	}

	// Creations for distinct common ids are independent, so the new-session
	// branch issues them concurrently and awaits all before returning.
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for _, rec := range unmatched {
		wg.Add(1)
		go func(rec stream.PlatformStreamData) {
			defer wg.Done()

			commonID := m.newID()
			if _, createErr := m.service.CreateStream(ctx, commonID, rec.StartTime); createErr != nil {
				mu.Lock()
				errs = append(errs, errors.Wrap(createErr,
					"Matcher", "MatchNewPlatformStreams", "create stream"))
				mu.Unlock()
				return
			}
			attached, attachErr := m.service.CreatePlatformStream(ctx, commonID, rec)
			if attachErr != nil {
				mu.Lock()
				errs = append(errs, errors.Wrap(attachErr,
					"Matcher", "MatchNewPlatformStreams", "attach platform record"))
				mu.Unlock()
				return
			}
			if rec.EndTime != nil {
				if endErr := m.service.UpdateStreamEnd(ctx, commonID, *rec.EndTime); endErr != nil {
					mu.Lock()
					errs = append(errs, errors.Wrap(endErr,
						"Matcher", "MatchNewPlatformStreams", "set stream end"))
					mu.Unlock()
					return
				}
			}

			mu.Lock()
			created[commonID] = *attached
			mu.Unlock()
			if m.metrics != nil {
				m.metrics.sessionsCreated.Inc()
				m.metrics.recordsUnmatched.Inc()
			}
		}(rec)
	}
	wg.Wait()

	if len(errs) > 0 {
		return matched, created, stderrors.Join(errs...)
	}
	return matched, created, nil
}

// SplitStream re-scores each attached record against the stream's own span
// and detaches the first record scoring below the threshold into a
// brand-new session. Survivors keep the original stream, whose end time is
// recomputed as their latest end; if no records survive and no local
// session backs the stream, the original is deleted. Returns the (possibly
// still-existing) original plus the new stream.
//
// Only one record is split per call: cascading misalignment requires
// repeated calls. Single-pass convergence is an explicit non-goal.
func (m *Matcher) SplitStream(ctx context.Context, commonID string) ([]stream.Stream, error) {
	now := m.now()

	current, err := m.service.GetStreamWithPlatforms(ctx, commonID)
	if err != nil {
		return nil, errors.Wrap(err, "Matcher", "SplitStream", "load stream")
	}

	span := current.Stream.Span(now)
	splitIdx := -1
	for i := range current.Platforms {
		if Overlap(current.Platforms[i].Data.Range(now), span) < m.threshold {
			splitIdx = i
			break
		}
	}
	if splitIdx < 0 {
		return []stream.Stream{current.Stream}, nil
	}

	detached := current.Platforms[splitIdx]
	if err := m.service.RemovePlatformFromStream(ctx, commonID, detached.Platform); err != nil {
		return nil, errors.Wrap(err, "Matcher", "SplitStream", "detach platform record")
	}

	newID := m.newID()
	newStream, err := m.service.CreateStream(ctx, newID, detached.Data.StartTime)
	if err != nil {
		return nil, errors.Wrap(err, "Matcher", "SplitStream", "create stream")
	}
	if _, err := m.service.CreatePlatformStream(ctx, newID, detached.Data); err != nil {
		return nil, errors.Wrap(err, "Matcher", "SplitStream", "reattach platform record")
	}
	if detached.Data.EndTime != nil {
		if err := m.service.UpdateStreamEnd(ctx, newID, *detached.Data.EndTime); err != nil {
			return nil, errors.Wrap(err, "Matcher", "SplitStream", "set stream end")
		}
		newStream.OBSEndTime = detached.Data.EndTime
	}
	if m.metrics != nil {
		m.metrics.splits.Inc()
	}

	survivors := make([]stream.PlatformStreamRecord, 0, len(current.Platforms)-1)
	survivors = append(survivors, current.Platforms[:splitIdx]...)
	survivors = append(survivors, current.Platforms[splitIdx+1:]...)

	if len(survivors) == 0 {
		// Nothing backs the original session anymore; drop it.
		if err := m.service.DeleteStream(ctx, commonID); err != nil {
			return nil, errors.Wrap(err, "Matcher", "SplitStream", "delete empty stream")
		}
		m.logger.Info("split detached sole record, original deleted",
			"common_id", commonID, "new_common_id", newID, "platform", detached.Platform)
		return []stream.Stream{*newStream}, nil
	}

	allEnded := true
	var latestEnd time.Time
	for _, rec := range survivors {
		if rec.Data.EndTime == nil {
			allEnded = false
			break
		}
		if rec.Data.EndTime.After(latestEnd) {
			latestEnd = *rec.Data.EndTime
		}
	}
	updated := current.Stream
	if allEnded && (updated.OBSEndTime == nil || !updated.OBSEndTime.Equal(latestEnd)) {
		if err := m.service.UpdateStreamEnd(ctx, commonID, latestEnd); err != nil {
			return nil, errors.Wrap(err, "Matcher", "SplitStream", "recompute stream end")
		}
		updated.OBSEndTime = &latestEnd
	}

	m.logger.Info("split platform record into new session",
		"common_id", commonID, "new_common_id", newID, "platform", detached.Platform)
	return []stream.Stream{updated, *newStream}, nil
}
