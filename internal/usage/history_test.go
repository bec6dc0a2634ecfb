package usage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/usagetrail/internal/clock"
)

func TestHistoryDays(t *testing.T) {
	src := &memSource{}
	seedDay(src)
	clk := clock.NewManual(dayStart + 72*hour)
	h, err := NewHistory(src, clk, time.UTC, 8, zerolog.Nop())
	require.NoError(t, err)
	s := Settings{StopGracePeriod: 5 * time.Minute}

	got, err := h.Days(context.Background(), day.AddDays(-1), day.AddDays(1), s)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, day.AddDays(-1), got[0].Date)
	assert.Equal(t, map[string]int64{"a": hour}, got[0].PerPackageMillis)
	assert.Equal(t, 24*hour, got[0].MonitoredMillis)
	assert.Equal(t, 1, got[0].SessionCount)

	assert.Equal(t, map[string]int64{"a": hour, "b": hour}, got[1].PerPackageMillis)
	assert.Equal(t, 2*hour, got[1].TotalMillis)
	assert.Equal(t, 2, got[1].SessionCount)

	assert.Empty(t, got[2].PerPackageMillis)
	assert.Equal(t, 1, src.callCount())

	// Every day is final now, so a second read is served from the cache.
	again, err := h.Days(context.Background(), day.AddDays(-1), day.AddDays(1), s)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, src.callCount())

	// A different grace period is a different summary.
	_, err = h.DaySummary(context.Background(), day, Settings{StopGracePeriod: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 2, src.callCount())

	h.Purge()
	_, err = h.DaySummary(context.Background(), day, s)
	require.NoError(t, err)
	assert.Equal(t, 3, src.callCount())
}

func TestHistoryDoesNotCacheOpenDays(t *testing.T) {
	src := &memSource{}
	seedDay(src)
	// Two minutes past midnight: within the grace of the previous day.
	clk := clock.NewManual(dayStart + 24*hour + 2*time.Minute.Milliseconds())
	h, err := NewHistory(src, clk, time.UTC, 8, zerolog.Nop())
	require.NoError(t, err)
	s := Settings{StopGracePeriod: 5 * time.Minute}

	for i := 0; i < 2; i++ {
		_, err := h.DaySummary(context.Background(), day, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, src.callCount())

	clk.Advance(5 * time.Minute)
	for i := 0; i < 2; i++ {
		_, err := h.DaySummary(context.Background(), day, s)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, src.callCount())
}

func TestHistoryRejectsInvertedRange(t *testing.T) {
	h, err := NewHistory(&memSource{}, clock.NewManual(dayStart), time.UTC, 1, zerolog.Nop())
	require.NoError(t, err)
	_, err = h.Days(context.Background(), day, day.AddDays(-1), Settings{})
	assert.Error(t, err)
}

func TestHistoryPropagatesSourceErrors(t *testing.T) {
	h, err := NewHistory(failingSource(), clock.NewManual(dayStart+72*hour), time.UTC, 1, zerolog.Nop())
	require.NoError(t, err)
	_, err = h.DaySummary(context.Background(), day, Settings{})
	assert.ErrorIs(t, err, errSourceDown)
}
