// Package timeline composes session and monitoring projections and splits
// sessions at local midnight.
package timeline

import (
	"time"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/monitoring"
	"github.com/goodtune/usagetrail/internal/session"
)

// MinutesPerDay is the end-of-day value of EndMinutesOfDay.
const MinutesPerDay = 24 * 60

// Config controls a projection.
type Config struct {
	StopGracePeriodMillis int64
	// InitialTargets seeds the target set until the log changes it.
	InitialTargets []string
}

// Part is the portion of a completed session that falls within one local
// calendar day.
type Part struct {
	SessionID         string     `json:"session_id"`
	PackageName       string     `json:"package_name"`
	Date              clock.Date `json:"date"`
	StartMinutesOfDay int        `json:"start_minutes_of_day"`
	EndMinutesOfDay   int        `json:"end_minutes_of_day"`
	DurationMillis    int64      `json:"duration_millis"`
}

// Projection is the result of one replay of the event log.
type Projection struct {
	Sessions           []session.Session                `json:"sessions"`
	SessionsWithEvents []session.WithEvents             `json:"sessions_with_events"`
	EventsBySessionID  map[string][]events.SessionEvent `json:"events_by_session_id"`
	// SessionParts covers completed sessions only.
	SessionParts []Part `json:"session_parts"`

	NowMillis int64          `json:"now_millis"`
	Location  *time.Location `json:"-"`
}

// Project runs the session projector once and splits every completed session
// at each local midnight in loc.
func Project(evs []events.TimelineEvent, cfg Config, nowMillis int64, loc *time.Location) Projection {
	if loc == nil {
		loc = time.Local
	}
	withEvents := session.ProjectWithOptions(evs, cfg.StopGracePeriodMillis, nowMillis, session.Options{
		InitialTargets: cfg.InitialTargets,
	})

	p := Projection{
		Sessions:           make([]session.Session, 0, len(withEvents)),
		SessionsWithEvents: withEvents,
		EventsBySessionID:  make(map[string][]events.SessionEvent, len(withEvents)),
		NowMillis:          nowMillis,
		Location:           loc,
	}
	for _, s := range withEvents {
		p.Sessions = append(p.Sessions, s.Session)
		p.EventsBySessionID[s.Session.ID] = s.Events
		if s.Session.EndedAtMillis == nil {
			continue
		}
		p.SessionParts = append(p.SessionParts,
			SplitByDay(s.Session.ID, s.Session.PackageName, s.Session.StartedAtMillis, *s.Session.EndedAtMillis, loc)...)
	}
	return p
}

// SplitByDay cuts [startMillis, endMillis) at every local midnight. Minutes of
// day come from the local wall clock; a part ending at midnight reports
// MinutesPerDay. Empty intervals produce no parts.
func SplitByDay(sessionID, pkg string, startMillis, endMillis int64, loc *time.Location) []Part {
	var parts []Part
	cur := startMillis
	for cur < endMillis {
		date := clock.DateOf(cur, loc)
		_, dayEnd := date.Bounds(loc)
		if dayEnd <= cur {
			break
		}
		partEnd := min(endMillis, dayEnd)
		endMinutes := MinutesPerDay
		if partEnd < dayEnd {
			endMinutes = minutesOfDay(partEnd, loc)
		}
		parts = append(parts, Part{
			SessionID:         sessionID,
			PackageName:       pkg,
			Date:              date,
			StartMinutesOfDay: minutesOfDay(cur, loc),
			EndMinutesOfDay:   endMinutes,
			DurationMillis:    partEnd - cur,
		})
		cur = partEnd
	}
	return parts
}

func minutesOfDay(ms int64, loc *time.Location) int {
	t := time.UnixMilli(ms).In(loc)
	return t.Hour()*60 + t.Minute()
}

// Usage is a per-day usage total.
type Usage struct {
	PerPackageMillis map[string]int64 `json:"per_package_millis"`
	AllTargetsMillis int64            `json:"all_targets_millis"`
}

// UsageForDate totals the completed parts on date plus an estimate for
// sessions still open at NowMillis: an active session counts up to now, a
// paused one up to its pause. Only packages in targets contribute to
// AllTargetsMillis; a nil targets counts every package.
func (p Projection) UsageForDate(date clock.Date, targets []string) Usage {
	u := Usage{PerPackageMillis: make(map[string]int64)}
	for _, part := range p.SessionParts {
		if part.Date == date {
			u.PerPackageMillis[part.PackageName] += part.DurationMillis
		}
	}

	dayStart, dayEnd := date.Bounds(p.Location)
	for _, s := range p.SessionsWithEvents {
		end, ok := openEstimateEnd(s, p.NowMillis)
		if !ok {
			continue
		}
		from := max(s.Session.StartedAtMillis, dayStart)
		to := min(end, dayEnd)
		if to > from {
			u.PerPackageMillis[s.Session.PackageName] += to - from
		}
	}

	var set map[string]struct{}
	if targets != nil {
		set = make(map[string]struct{}, len(targets))
		for _, pkg := range targets {
			set[pkg] = struct{}{}
		}
	}
	for pkg, ms := range u.PerPackageMillis {
		if set == nil {
			u.AllTargetsMillis += ms
			continue
		}
		if _, ok := set[pkg]; ok {
			u.AllTargetsMillis += ms
		}
	}
	return u
}

func openEstimateEnd(s session.WithEvents, nowMillis int64) (int64, bool) {
	switch s.State {
	case session.StateActive:
		return nowMillis, true
	case session.StatePaused:
		if s.PausedAtMillis != nil {
			return *s.PausedAtMillis, true
		}
	}
	return 0, false
}

// SessionsOn returns the sessions that overlap date, including sessions still
// open at NowMillis.
func (p Projection) SessionsOn(date clock.Date) []session.WithEvents {
	dayStart, dayEnd := date.Bounds(p.Location)
	var out []session.WithEvents
	for _, s := range p.SessionsWithEvents {
		end := p.NowMillis
		if s.Session.EndedAtMillis != nil {
			end = *s.Session.EndedAtMillis
		}
		if s.Session.StartedAtMillis < dayEnd && (end > dayStart || s.Session.StartedAtMillis >= dayStart) {
			out = append(out, s)
		}
	}
	return out
}

// PartsOn returns the completed session parts of date.
func (p Projection) PartsOn(date clock.Date) []Part {
	var out []Part
	for _, part := range p.SessionParts {
		if part.Date == date {
			out = append(out, part)
		}
	}
	return out
}

// DaySummary aggregates one local day.
type DaySummary struct {
	Date             clock.Date       `json:"date"`
	PerPackageMillis map[string]int64 `json:"per_package_millis"`
	TotalMillis      int64            `json:"total_millis"`
	MonitoredMillis  int64            `json:"monitored_millis"`
	SessionCount     int              `json:"session_count"`
}

// Summarize builds the summary of date. periods are the monitoring windows
// of the same day.
func (p Projection) Summarize(date clock.Date, periods []monitoring.Period) DaySummary {
	u := p.UsageForDate(date, nil)
	dayStart, dayEnd := date.Bounds(p.Location)
	return DaySummary{
		Date:             date,
		PerPackageMillis: u.PerPackageMillis,
		TotalMillis:      u.AllTargetsMillis,
		MonitoredMillis:  monitoring.CoveredMillis(periods, dayStart, dayEnd, p.NowMillis),
		SessionCount:     len(p.SessionsOn(date)),
	}
}
