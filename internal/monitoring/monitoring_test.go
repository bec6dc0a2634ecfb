package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/events"
)

func perm(ts int64, kind events.PermissionKind, granted bool) events.TimelineEvent {
	return events.At(ts, events.Permission{Kind: kind, Granted: granted})
}

func service(ts int64, started bool) events.TimelineEvent {
	return events.At(ts, events.ServiceLifecycle{Started: started})
}

func ptr(v int64) *int64 { return &v }

func TestIsMonitoringEnabled(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		perms   map[events.PermissionKind]bool
		want    bool
	}{
		{"no permissions known", true, nil, true},
		{"service stopped", false, nil, false},
		{"all granted", true, map[events.PermissionKind]bool{
			events.PermissionUsageStats: true, events.PermissionOverlay: true,
		}, true},
		{"one revoked", true, map[events.PermissionKind]bool{
			events.PermissionUsageStats: true, events.PermissionOverlay: false,
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMonitoringEnabled(tt.running, tt.perms))
		})
	}
}

func TestBuildPeriods(t *testing.T) {
	tests := []struct {
		name       string
		evs        []events.TimelineEvent
		start, end int64
		now        int64
		want       []Period
	}{
		{
			name:  "enabled all day, now inside window",
			start: 0, end: 1000, now: 500,
			want: []Period{{StartMillis: 0, EndMillis: ptr(500)}},
		},
		{
			name:  "enabled, window in the past stays open-ended",
			start: 0, end: 1000, now: 5000,
			want: []Period{{StartMillis: 0}},
		},
		{
			name:  "now before window",
			start: 1000, end: 2000, now: 10,
			want: nil,
		},
		{
			name: "revoke and regrant",
			evs: []events.TimelineEvent{
				perm(100, events.PermissionUsageStats, false),
				perm(300, events.PermissionUsageStats, true),
			},
			start: 0, end: 1000, now: 800,
			want: []Period{
				{StartMillis: 0, EndMillis: ptr(100)},
				{StartMillis: 300, EndMillis: ptr(800)},
			},
		},
		{
			name: "seed events before window establish state",
			evs: []events.TimelineEvent{
				service(-50, false),
				service(200, true),
			},
			start: 0, end: 1000, now: 400,
			want: []Period{{StartMillis: 200, EndMillis: ptr(400)}},
		},
		{
			name: "regrant of another kind does not reopen",
			evs: []events.TimelineEvent{
				perm(100, events.PermissionUsageStats, false),
				perm(200, events.PermissionOverlay, true),
				service(300, true),
			},
			start: 0, end: 1000, now: 900,
			want: []Period{{StartMillis: 0, EndMillis: ptr(100)}},
		},
		{
			name: "events after now are ignored",
			evs: []events.TimelineEvent{
				service(600, false),
			},
			start: 0, end: 1000, now: 500,
			want: []Period{{StartMillis: 0, EndMillis: ptr(500)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildPeriods(tt.evs, tt.start, tt.end, tt.now))
		})
	}
}

func TestBuildPeriodsForDate(t *testing.T) {
	loc := time.UTC
	date := clock.Date{Year: 2024, Month: time.March, Day: 5}
	start, end := date.Bounds(loc)

	evs := []events.TimelineEvent{service(start+3600_000, false)}
	periods := BuildPeriodsForDate(date, loc, evs, end+10)

	require.Len(t, periods, 1)
	assert.Equal(t, start, periods[0].StartMillis)
	require.NotNil(t, periods[0].EndMillis)
	assert.Equal(t, start+3600_000, *periods[0].EndMillis)
}

func TestCoveredMillis(t *testing.T) {
	periods := []Period{
		{StartMillis: -100, EndMillis: ptr(100)},
		{StartMillis: 300},
	}
	assert.Equal(t, int64(100+200), CoveredMillis(periods, 0, 1000, 500))
	assert.Equal(t, int64(100+700), CoveredMillis(periods, 0, 1000, 5000))
}
