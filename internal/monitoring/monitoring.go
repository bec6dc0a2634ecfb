// Package monitoring derives the windows of time during which usage could
// actually be observed.
package monitoring

import (
	"time"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/events"
)

// IsMonitoringEnabled reports whether observation is possible: the service is
// running and every permission with a known state is granted. Kinds that
// never appeared in the log are assumed granted.
func IsMonitoringEnabled(serviceRunning bool, permissionStates map[events.PermissionKind]bool) bool {
	if !serviceRunning {
		return false
	}
	for _, granted := range permissionStates {
		if !granted {
			return false
		}
	}
	return true
}

// State is the fold of service and permission events seen so far.
type State struct {
	ServiceRunning bool
	Permissions    map[events.PermissionKind]bool
}

// NewState returns the state assumed before any event: service running and
// no permission known.
func NewState() State {
	return State{
		ServiceRunning: true,
		Permissions:    make(map[events.PermissionKind]bool),
	}
}

// Apply folds one event into the state. It returns true when the event was a
// service or permission event.
func (s *State) Apply(e events.TimelineEvent) bool {
	switch p := e.Payload.(type) {
	case events.ServiceLifecycle:
		s.ServiceRunning = p.Started
		return true
	case events.Permission:
		if s.Permissions == nil {
			s.Permissions = make(map[events.PermissionKind]bool)
		}
		s.Permissions[p.Kind] = p.Granted
		return true
	}
	return false
}

// Enabled reports whether monitoring is possible in this state.
func (s State) Enabled() bool {
	return IsMonitoringEnabled(s.ServiceRunning, s.Permissions)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	perms := make(map[events.PermissionKind]bool, len(s.Permissions))
	for k, v := range s.Permissions {
		perms[k] = v
	}
	return State{ServiceRunning: s.ServiceRunning, Permissions: perms}
}

// Period is a contiguous window during which monitoring was enabled.
type Period struct {
	StartMillis int64 `json:"start_millis"`
	// EndMillis is nil when the period is still open for the query.
	EndMillis *int64 `json:"end_millis,omitempty"`
}

// BuildPeriods scans events chronologically and returns the monitoring
// windows inside [startMillis, endMillis). Events before startMillis only
// establish the initial state. A period still open when the scan ends is
// closed at nowMillis when now falls inside the window, and left open
// otherwise.
func BuildPeriods(evs []events.TimelineEvent, startMillis, endMillis, nowMillis int64) []Period {
	if nowMillis < startMillis || endMillis <= startMillis {
		return nil
	}

	ordered := events.SortStable(evs)
	state := NewState()
	i := 0
	for ; i < len(ordered) && ordered[i].TimestampMillis < startMillis; i++ {
		state.Apply(ordered[i])
	}

	var periods []Period
	var openStart *int64
	if state.Enabled() {
		start := startMillis
		openStart = &start
	}

	for ; i < len(ordered); i++ {
		e := ordered[i]
		if e.TimestampMillis >= endMillis || e.TimestampMillis > nowMillis {
			break
		}
		was := state.Enabled()
		if !state.Apply(e) {
			continue
		}
		is := state.Enabled()
		switch {
		case !was && is:
			start := e.TimestampMillis
			openStart = &start
		case was && !is && openStart != nil:
			end := e.TimestampMillis
			periods = append(periods, Period{StartMillis: *openStart, EndMillis: &end})
			openStart = nil
		}
	}

	if openStart != nil {
		p := Period{StartMillis: *openStart}
		if nowMillis >= startMillis && nowMillis < endMillis {
			end := nowMillis
			p.EndMillis = &end
		}
		periods = append(periods, p)
	}
	return periods
}

// BuildPeriodsForDate returns the monitoring windows of one local calendar day.
func BuildPeriodsForDate(date clock.Date, loc *time.Location, evs []events.TimelineEvent, nowMillis int64) []Period {
	start, end := date.Bounds(loc)
	return BuildPeriods(evs, start, end, nowMillis)
}

// CoveredMillis sums the part of the periods that falls inside
// [startMillis, endMillis). Open-ended periods count up to the earlier of
// nowMillis and endMillis.
func CoveredMillis(periods []Period, startMillis, endMillis, nowMillis int64) int64 {
	var total int64
	for _, p := range periods {
		from := max(p.StartMillis, startMillis)
		to := min(endMillis, nowMillis)
		if p.EndMillis != nil {
			to = min(*p.EndMillis, endMillis)
		}
		if to > from {
			total += to - from
		}
	}
	return total
}
