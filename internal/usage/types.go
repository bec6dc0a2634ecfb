package usage

import (
	"slices"
	"strings"
	"time"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/config"
)

// Settings are the tracking settings a projection depends on.
type Settings struct {
	StopGracePeriod time.Duration
	InitialTargets  []string
	Mode            string
}

// NeedsDailyTotals reports whether the mode uses today's totals.
func (s Settings) NeedsDailyTotals() bool {
	return s.Mode != config.ModeSessionOnly
}

// Snapshot is the last authoritative recomputation of today's usage.
type Snapshot struct {
	Date              clock.Date
	DayStartMillis    int64
	GracePeriodMillis int64
	TargetsKey        string
	PerPackageMillis  map[string]int64
	AllTargetsMillis  int64
	// ComputedAtMono is the monotonic reading when the refresh began.
	ComputedAtMono int64
}

// Totals is today's usage as served to readers.
type Totals struct {
	Date             clock.Date       `json:"date"`
	PerPackageMillis map[string]int64 `json:"packages"`
	AllTargetsMillis int64            `json:"all_targets_ms"`
	// HasSnapshot is false while only the runtime delta is known.
	HasSnapshot bool   `json:"has_snapshot"`
	Generation  uint64 `json:"generation"`
}

// runtimeDelta is usage accumulated by ticks since the last snapshot.
type runtimeDelta struct {
	date       clock.Date
	perPackage map[string]int64
	allTargets int64
}

func newDelta() runtimeDelta {
	return runtimeDelta{perPackage: make(map[string]int64)}
}

func (d runtimeDelta) clone() runtimeDelta {
	out := runtimeDelta{date: d.date, allTargets: d.allTargets, perPackage: make(map[string]int64, len(d.perPackage))}
	for k, v := range d.perPackage {
		out.perPackage[k] = v
	}
	return out
}

// minus returns d - base, clamped at zero per package and in total.
func (d runtimeDelta) minus(base runtimeDelta) runtimeDelta {
	out := newDelta()
	out.date = d.date
	for pkg, ms := range d.perPackage {
		if v := ms - base.perPackage[pkg]; v > 0 {
			out.perPackage[pkg] = v
		}
	}
	out.allTargets = max(d.allTargets-base.allTargets, 0)
	return out
}

// targetsKey canonicalises a target set for staleness and cache keys.
func targetsKey(targets []string) string {
	sorted := slices.Clone(targets)
	slices.Sort(sorted)
	return strings.Join(slices.Compact(sorted), ",")
}
