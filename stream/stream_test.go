package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatform_Valid(t *testing.T) {
	assert.True(t, PlatformTwitch.Valid())
	assert.True(t, PlatformYouTube.Valid())
	assert.True(t, PlatformKick.Valid())
	assert.False(t, Platform("dailymotion").Valid())
	assert.False(t, Platform("").Valid())
}

func TestStream_Span(t *testing.T) {
	now := time.Date(2024, 6, 1, 16, 0, 0, 0, time.UTC)
	start := now.Add(-2 * time.Hour)

	live := Stream{CommonID: "a", OBSStartTime: start}
	span := live.Span(now)
	assert.Equal(t, start, span.Start)
	assert.Equal(t, now, span.End)

	end := now.Add(-time.Hour)
	ended := Stream{CommonID: "b", OBSStartTime: start, OBSEndTime: &end}
	span = ended.Span(now)
	assert.Equal(t, end, span.End)
}

func TestTimeRange_Duration(t *testing.T) {
	start := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

	r := TimeRange{Start: start, End: start.Add(time.Hour)}
	assert.Equal(t, time.Hour, r.Duration())

	inverted := TimeRange{Start: start, End: start.Add(-time.Minute)}
	assert.Equal(t, time.Duration(0), inverted.Duration())
}

func TestStream_StorageRoundTrip(t *testing.T) {
	end := time.Date(2024, 6, 1, 16, 0, 0, 0, time.UTC)
	orig := Stream{
		CommonID:     "common-1",
		OBSStartTime: time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
		OBSEndTime:   &end,
		CreatedAt:    time.Date(2024, 6, 1, 14, 0, 1, 0, time.UTC),
	}

	back := orig.ToStorage().FromStorage()
	assert.True(t, orig.Equal(&back))
}

func TestStream_StorageRoundTrip_OpenEnd(t *testing.T) {
	orig := Stream{
		CommonID:     "common-2",
		OBSStartTime: time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
		CreatedAt:    time.Date(2024, 6, 1, 14, 0, 1, 0, time.UTC),
	}

	stored := orig.ToStorage()
	assert.Equal(t, int64(0), stored.OBSEndTimeMs)

	back := stored.FromStorage()
	assert.Nil(t, back.OBSEndTime)
	assert.True(t, orig.Equal(&back))
}

func TestPlatformRecord_StorageRoundTrip(t *testing.T) {
	end := time.Date(2024, 6, 1, 15, 54, 0, 0, time.UTC)
	orig := PlatformStreamRecord{
		ID:       "rec-1",
		CommonID: "common-1",
		Platform: PlatformTwitch,
		Data: PlatformStreamData{
			Platform:    PlatformTwitch,
			StreamID:    "41337",
			StartTime:   time.Date(2024, 6, 1, 14, 6, 0, 0, time.UTC),
			EndTime:     &end,
			Title:       "speedrun sunday",
			Category:    "Retro",
			PeakViewers: 812,
		},
		CreatedAt: time.Date(2024, 6, 1, 14, 6, 5, 0, time.UTC),
	}

	back := orig.ToStorage().FromStorage()
	assert.Equal(t, orig.ID, back.ID)
	assert.Equal(t, orig.CommonID, back.CommonID)
	assert.Equal(t, orig.Platform, back.Platform)
	assert.Equal(t, orig.Data.StreamID, back.Data.StreamID)
	assert.True(t, orig.Data.StartTime.Equal(back.Data.StartTime))
	require.NotNil(t, back.Data.EndTime)
	assert.True(t, orig.Data.EndTime.Equal(*back.Data.EndTime))
	assert.Equal(t, orig.Data.Title, back.Data.Title)
	assert.Equal(t, orig.Data.Category, back.Data.Category)
	assert.Equal(t, orig.Data.PeakViewers, back.Data.PeakViewers)
	assert.True(t, orig.CreatedAt.Equal(back.CreatedAt))
}

func TestPlatformRecord_Validate(t *testing.T) {
	valid := PlatformStreamRecord{
		CommonID: "c",
		Platform: PlatformYouTube,
		Data:     PlatformStreamData{StartTime: time.Now()},
	}
	assert.NoError(t, valid.Validate())

	missingID := valid
	missingID.CommonID = ""
	assert.Error(t, missingID.Validate())

	badPlatform := valid
	badPlatform.Platform = "vine"
	assert.Error(t, badPlatform.Validate())

	noStart := valid
	noStart.Data.StartTime = time.Time{}
	assert.Error(t, noStart.Validate())
}
