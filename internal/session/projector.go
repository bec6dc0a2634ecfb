// Package session replays the timeline event log into usage sessions.
package session

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/monitoring"
)

// sessionNamespace scopes the name-based session IDs so that the same
// package and start instant always yield the same ID.
var sessionNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8e-9a61-2f6c0d9e4b17")

// Options tune a projection.
type Options struct {
	// InitialTargets is the target set assumed until the log produces a
	// TargetAppsChanged event.
	InitialTargets []string
}

// tracked is the reducer state of one open session.
type tracked struct {
	out      *WithEvents
	paused   bool
	origin   PauseOrigin
	pausedAt int64
	// shown holds suggestion IDs displayed during this session, so that a
	// decision without a matching shown event can be dropped.
	shown map[string]struct{}
}

type projector struct {
	grace      int64
	targets    map[string]struct{}
	foreground string
	screenOn   bool
	monitoring monitoring.State
	open       map[string]*tracked
	// startCount disambiguates sessions of one package starting on the same
	// millisecond.
	startCount map[string]int
	out        []*WithEvents
}

// Project replays events in timestamp order (ties keep log order) and
// returns every session with its sub-events, in start order. Events stamped
// after nowMillis are ignored. Project never fails: inconsistent input
// yields the most defensible reconstruction.
func Project(evs []events.TimelineEvent, stopGracePeriodMillis int64, nowMillis int64) []WithEvents {
	return ProjectWithOptions(evs, stopGracePeriodMillis, nowMillis, Options{})
}

// ProjectWithOptions is Project with an explicit initial target set.
func ProjectWithOptions(evs []events.TimelineEvent, stopGracePeriodMillis int64, nowMillis int64, opts Options) []WithEvents {
	if stopGracePeriodMillis < 0 {
		stopGracePeriodMillis = 0
	}
	p := &projector{
		grace:      stopGracePeriodMillis,
		targets:    toSet(opts.InitialTargets),
		screenOn:   true,
		monitoring: monitoring.NewState(),
		open:       make(map[string]*tracked),
		startCount: make(map[string]int),
	}

	for _, e := range events.SortStable(evs) {
		if e.TimestampMillis > nowMillis {
			break
		}
		p.expire(e.TimestampMillis)
		p.apply(e)
	}
	p.expire(nowMillis)

	result := make([]WithEvents, 0, len(p.out))
	for _, s := range p.out {
		if t, ok := p.open[s.Session.PackageName]; ok && t.out == s {
			if t.paused {
				s.State = StatePaused
				pausedAt := t.pausedAt
				s.PausedAtMillis = &pausedAt
			} else {
				s.State = StateActive
			}
		} else {
			s.State = StateEnded
		}
		result = append(result, *s)
	}
	return result
}

func (p *projector) apply(e events.TimelineEvent) {
	t := e.TimestampMillis
	switch ev := e.Payload.(type) {
	case events.ForegroundApp:
		p.onForeground(t, e.ID, ev.PackageName)
	case events.Screen:
		p.onScreen(t, e.ID, ev.On)
	case events.ServiceLifecycle, events.Permission:
		p.monitoring.Apply(e)
		if !p.monitoring.Enabled() {
			if active := p.active(); active != nil {
				p.pause(active, t, e.ID, PauseMonitoringDisabled)
			}
			// The remembered foreground cannot be trusted once blind.
			p.foreground = ""
		}
	case events.TargetAppsChanged:
		p.onTargetsChanged(t, e.ID, ev.TargetPackages)
	case events.SuggestionShown:
		if s, ok := p.open[ev.PackageName]; ok {
			s.shown[ev.SuggestionID] = struct{}{}
			p.emit(s, events.SessionEvent{
				Type:            events.SessionSuggestionShown,
				TimestampMillis: t,
				SuggestionID:    ev.SuggestionID,
				SourceEventID:   e.ID,
			})
		}
	case events.SuggestionDecision:
		s, ok := p.open[ev.PackageName]
		if !ok {
			return
		}
		if _, shown := s.shown[ev.SuggestionID]; !shown {
			return
		}
		kind, ok := events.DecisionEventType(ev.Decision)
		if !ok {
			return
		}
		p.emit(s, events.SessionEvent{
			Type:            kind,
			TimestampMillis: t,
			SuggestionID:    ev.SuggestionID,
			SourceEventID:   e.ID,
		})
	}
}

func (p *projector) onForeground(t, id int64, pkg string) {
	p.foreground = pkg
	if active := p.active(); active != nil && active.out.Session.PackageName != pkg {
		p.pause(active, t, id, PauseLeftForeground)
	}
	if pkg == "" || !p.screenOn {
		return
	}
	if s, ok := p.open[pkg]; ok {
		// Any pause origin resumes on an explicit return to the package.
		if s.paused {
			p.resume(s, t, id)
		}
		return
	}
	if p.isTarget(pkg) {
		p.start(pkg, t, id)
	}
}

func (p *projector) onScreen(t, id int64, on bool) {
	p.screenOn = on
	if !on {
		if active := p.active(); active != nil {
			p.pause(active, t, id, PauseScreenOff)
		}
		return
	}
	if p.foreground == "" {
		return
	}
	if s, ok := p.open[p.foreground]; ok {
		if s.paused && s.origin == PauseScreenOff {
			p.resume(s, t, id)
		}
		return
	}
	if p.isTarget(p.foreground) {
		p.start(p.foreground, t, id)
	}
}

func (p *projector) onTargetsChanged(t, id int64, pkgs []string) {
	p.targets = toSet(pkgs)
	for _, pkg := range p.openPackages() {
		if p.isTarget(pkg) {
			continue
		}
		s := p.open[pkg]
		end := t
		if s.paused {
			end = s.pausedAt
		}
		p.end(s, end, id)
	}
	if p.foreground != "" && p.screenOn && p.isTarget(p.foreground) {
		if _, ok := p.open[p.foreground]; !ok {
			p.start(p.foreground, t, id)
		}
	}
}

// expire closes every paused session whose grace period has elapsed at t.
// The end is the pause instant, not the pause plus the grace.
func (p *projector) expire(t int64) {
	for _, pkg := range p.openPackages() {
		s := p.open[pkg]
		if s.paused && t-s.pausedAt >= p.grace {
			p.end(s, s.pausedAt, 0)
		}
	}
}

func (p *projector) start(pkg string, t, id int64) {
	key := fmt.Sprintf("%s|%d", pkg, t)
	n := p.startCount[key]
	p.startCount[key] = n + 1
	out := &WithEvents{
		Session: Session{
			ID:              sessionID(pkg, t, n),
			PackageName:     pkg,
			StartedAtMillis: t,
		},
	}
	p.out = append(p.out, out)
	s := &tracked{out: out, shown: make(map[string]struct{})}
	p.open[pkg] = s
	p.emit(s, events.SessionEvent{Type: events.SessionStart, TimestampMillis: t, SourceEventID: id})
}

func (p *projector) pause(s *tracked, t, id int64, origin PauseOrigin) {
	s.paused = true
	s.origin = origin
	s.pausedAt = t
	p.emit(s, events.SessionEvent{Type: events.SessionPause, TimestampMillis: t, SourceEventID: id})
}

func (p *projector) resume(s *tracked, t, id int64) {
	s.paused = false
	s.origin = PauseNone
	p.emit(s, events.SessionEvent{Type: events.SessionResume, TimestampMillis: t, SourceEventID: id})
}

func (p *projector) end(s *tracked, t, id int64) {
	end := t
	s.out.Session.EndedAtMillis = &end
	// A paused session ends at its pause, which may precede sub-events
	// attached during the grace period.
	ev := events.SessionEvent{Type: events.SessionEnd, TimestampMillis: t, SourceEventID: id}
	i := len(s.out.Events)
	for i > 0 && s.out.Events[i-1].TimestampMillis > t {
		i--
	}
	s.out.Events = slices.Insert(s.out.Events, i, ev)
	delete(p.open, s.out.Session.PackageName)
}

func (p *projector) emit(s *tracked, ev events.SessionEvent) {
	s.out.Events = append(s.out.Events, ev)
}

// active returns the single unpaused open session, if any.
func (p *projector) active() *tracked {
	for _, s := range p.open {
		if !s.paused {
			return s
		}
	}
	return nil
}

// openPackages returns the open packages in a deterministic order.
func (p *projector) openPackages() []string {
	pkgs := make([]string, 0, len(p.open))
	for pkg := range p.open {
		pkgs = append(pkgs, pkg)
	}
	slices.Sort(pkgs)
	return pkgs
}

func (p *projector) isTarget(pkg string) bool {
	_, ok := p.targets[pkg]
	return ok
}

func toSet(pkgs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(pkgs))
	for _, pkg := range pkgs {
		if pkg != "" {
			set[pkg] = struct{}{}
		}
	}
	return set
}

func sessionID(pkg string, startedAt int64, n int) string {
	name := fmt.Sprintf("%s|%d|%d", pkg, startedAt, n)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}
