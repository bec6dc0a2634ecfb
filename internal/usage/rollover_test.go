package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/storage/sqlite"
	"github.com/goodtune/usagetrail/internal/timeline"
)

func openStore(t *testing.T) storage.EventStore {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendEvents(t *testing.T, s storage.EventStore, evs ...events.TimelineEvent) {
	t.Helper()
	for _, e := range evs {
		_, err := s.Append(context.Background(), e)
		require.NoError(t, err)
	}
}

func newTestRollover(t *testing.T, store storage.EventStore, clk clock.TimeSource, retentionDays int) (*RolloverScheduler, *Accounting) {
	t.Helper()
	acct := New(store, clk, time.UTC, Config{Settings: Settings{StopGracePeriod: 5 * time.Minute}}, zerolog.Nop())
	t.Cleanup(acct.Close)
	rs, err := NewRolloverScheduler(acct, nil, store, clk, time.UTC, "00:03", retentionDays, zerolog.Nop())
	require.NoError(t, err)
	return rs, acct
}

func TestNextRollover(t *testing.T) {
	rs, _ := newTestRollover(t, openStore(t), clock.NewManual(dayStart), 0)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's rollover", time.Date(2024, 3, 10, 0, 1, 0, 0, time.UTC), time.Date(2024, 3, 10, 0, 3, 0, 0, time.UTC)},
		{"exactly at rollover", time.Date(2024, 3, 10, 0, 3, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 3, 0, 0, time.UTC)},
		{"afternoon", time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 3, 0, 0, time.UTC)},
		{"end of month", time.Date(2024, 3, 31, 23, 59, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 3, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(rs.nextRollover(tt.now)), "got %v", rs.nextRollover(tt.now))
		})
	}
}

func TestNewRolloverSchedulerRejectsBadTime(t *testing.T) {
	acct := New(&memSource{}, clock.NewManual(0), time.UTC, Config{}, zerolog.Nop())
	defer acct.Close()
	_, err := NewRolloverScheduler(acct, nil, openStore(t), clock.NewManual(0), time.UTC, "noon", 1, zerolog.Nop())
	assert.Error(t, err)
}

func TestPerformInvalidatesWithoutRetention(t *testing.T) {
	store := openStore(t)
	appendEvents(t, store, events.At(dayStart-100*24*hour, events.ForegroundApp{PackageName: "a"}))
	rs, acct := newTestRollover(t, store, clock.NewManual(dayStart), 0)

	require.NoError(t, rs.Perform(context.Background()))
	assert.Equal(t, uint64(1), acct.Generation())

	left, err := store.EventsBefore(context.Background(), dayStart)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestPurgeCheckpointsState(t *testing.T) {
	store := openStore(t)
	d := 24 * hour
	appendEvents(t, store,
		events.At(dayStart-5*d, events.TargetAppsChanged{TargetPackages: []string{"a", "b"}}),
		events.At(dayStart-5*d+hour, events.ForegroundApp{PackageName: "a"}),
		events.At(dayStart-5*d+2*hour, events.ForegroundApp{}),
		events.At(dayStart-4*d, events.Screen{On: false}),
		events.At(dayStart-d, events.Screen{On: true}),
		events.At(dayStart-d+hour, events.ForegroundApp{PackageName: "b"}),
		events.At(dayStart-d+2*hour, events.ForegroundApp{}),
	)
	clk := clock.NewManual(dayStart + 12*hour)
	rs, _ := newTestRollover(t, store, clk, 2)

	require.NoError(t, rs.Perform(context.Background()))

	all, err := store.EventsBefore(context.Background(), clk.NowMillis())
	require.NoError(t, err)
	cutoff := dayStart - 2*d
	for _, e := range all {
		assert.GreaterOrEqual(t, e.TimestampMillis, cutoff-1)
	}

	proj := timeline.Project(all, timeline.Config{StopGracePeriodMillis: 5 * time.Minute.Milliseconds()}, clk.NowMillis(), time.UTC)
	require.Len(t, proj.Sessions, 1, "the checkpointed target set still makes b a target")
	assert.Equal(t, "b", proj.Sessions[0].PackageName)
	assert.Equal(t, dayStart-d+hour, proj.Sessions[0].StartedAtMillis)
	require.NotNil(t, proj.Sessions[0].EndedAtMillis)
	assert.Equal(t, dayStart-d+2*hour, *proj.Sessions[0].EndedAtMillis)
}

func TestPurgeKeepsOpenSessions(t *testing.T) {
	store := openStore(t)
	d := 24 * hour
	appendEvents(t, store,
		events.At(dayStart-4*d, events.TargetAppsChanged{TargetPackages: []string{"a"}}),
		events.At(dayStart-3*d, events.ForegroundApp{PackageName: "a"}),
	)
	clk := clock.NewManual(dayStart)
	rs, _ := newTestRollover(t, store, clk, 2)

	deleted, err := rs.Purge(context.Background(), dayStart-2*d)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	all, err := store.EventsBefore(context.Background(), clk.NowMillis())
	require.NoError(t, err)
	proj := timeline.Project(all, timeline.Config{StopGracePeriodMillis: 5 * time.Minute.Milliseconds()}, clk.NowMillis(), time.UTC)
	require.Len(t, proj.Sessions, 1)
	assert.Equal(t, dayStart-3*d, proj.Sessions[0].StartedAtMillis)
	assert.True(t, proj.Sessions[0].IsOpen())
}

func TestPurgeEmptyPrefix(t *testing.T) {
	store := openStore(t)
	appendEvents(t, store, events.At(dayStart, events.ForegroundApp{PackageName: "a"}))
	rs, _ := newTestRollover(t, store, clock.NewManual(dayStart), 1)

	deleted, err := rs.Purge(context.Background(), dayStart-1000)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
