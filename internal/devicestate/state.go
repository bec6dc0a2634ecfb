// Package devicestate folds the event log into the current observed state of
// the device: target set, foreground package, screen and monitoring.
package devicestate

import (
	"slices"
	"time"

	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/monitoring"
)

// Settings keys recognised in SettingsChanged events.
const (
	SettingStopGracePeriod = "stop_grace_period"
	SettingTrackingMode    = "tracking_mode"
)

// Change reports which parts of the state an event touched.
type Change struct {
	Targets    bool
	Foreground bool
	Screen     bool
	Monitoring bool
	Setting    string
}

// State mirrors the fold the session projector performs, without sessions.
type State struct {
	Targets []string `json:"targets"`
	// TargetsFromLog is false while Targets still holds the configured
	// initial set.
	TargetsFromLog bool             `json:"targets_from_log"`
	Foreground     string           `json:"foreground,omitempty"`
	ScreenOn       bool             `json:"screen_on"`
	Monitoring     monitoring.State `json:"-"`
	// Settings holds the last value seen per SettingsChanged key.
	Settings map[string]string `json:"settings,omitempty"`
	// LastEventMillis is the timestamp of the newest event folded.
	LastEventMillis int64 `json:"last_event_millis"`
}

// New returns the state assumed before any event.
func New(initialTargets []string) State {
	return State{
		Targets:    normalize(initialTargets),
		ScreenOn:   true,
		Monitoring: monitoring.NewState(),
		Settings:   make(map[string]string),
	}
}

// Apply folds one event.
func (s *State) Apply(e events.TimelineEvent) Change {
	var c Change
	if e.TimestampMillis > s.LastEventMillis {
		s.LastEventMillis = e.TimestampMillis
	}
	switch p := e.Payload.(type) {
	case events.TargetAppsChanged:
		s.Targets = normalize(p.TargetPackages)
		s.TargetsFromLog = true
		c.Targets = true
	case events.ForegroundApp:
		s.Foreground = p.PackageName
		c.Foreground = true
	case events.Screen:
		s.ScreenOn = p.On
		c.Screen = true
	case events.ServiceLifecycle, events.Permission:
		s.Monitoring.Apply(e)
		if !s.Monitoring.Enabled() {
			s.Foreground = ""
		}
		c.Monitoring = true
	case events.SettingsChanged:
		if s.Settings == nil {
			s.Settings = make(map[string]string)
		}
		s.Settings[p.Key] = p.ValueDescription
		c.Setting = p.Key
	}
	return c
}

// IsTarget reports whether pkg is in the target set.
func (s State) IsTarget(pkg string) bool {
	_, found := slices.BinarySearch(s.Targets, pkg)
	return found
}

// ActivePackage is the package currently accruing usage: the foreground
// target while the screen is on. Empty when nothing accrues.
func (s State) ActivePackage() string {
	if s.Foreground == "" || !s.ScreenOn || !s.IsTarget(s.Foreground) {
		return ""
	}
	return s.Foreground
}

// MonitoringEnabled reports whether observation is currently possible.
func (s State) MonitoringEnabled() bool {
	return s.Monitoring.Enabled()
}

// StopGracePeriod returns the grace period set through the log, if any.
func (s State) StopGracePeriod() (time.Duration, bool) {
	v, ok := s.Settings[SettingStopGracePeriod]
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Targets = slices.Clone(s.Targets)
	out.Monitoring = s.Monitoring.Clone()
	out.Settings = make(map[string]string, len(s.Settings))
	for k, v := range s.Settings {
		out.Settings[k] = v
	}
	return out
}

// Checkpoint returns events that rebuild this state when replayed from an
// empty log. All events carry timestampMillis. Defaults (service running,
// screen on, no foreground) produce no event.
func (s State) Checkpoint(timestampMillis int64) []events.TimelineEvent {
	var out []events.TimelineEvent
	if s.TargetsFromLog {
		out = append(out, events.At(timestampMillis, events.TargetAppsChanged{
			TargetPackages: slices.Clone(s.Targets),
		}))
	}
	if !s.Monitoring.ServiceRunning {
		out = append(out, events.At(timestampMillis, events.ServiceLifecycle{Started: false}))
	}
	kinds := make([]events.PermissionKind, 0, len(s.Monitoring.Permissions))
	for kind := range s.Monitoring.Permissions {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		out = append(out, events.At(timestampMillis, events.Permission{
			Kind:    kind,
			Granted: s.Monitoring.Permissions[kind],
		}))
	}
	if !s.ScreenOn {
		out = append(out, events.At(timestampMillis, events.Screen{On: false}))
	}
	if s.Foreground != "" {
		out = append(out, events.At(timestampMillis, events.ForegroundApp{PackageName: s.Foreground}))
	}
	keys := make([]string, 0, len(s.Settings))
	for k := range s.Settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, events.At(timestampMillis, events.SettingsChanged{Key: k, ValueDescription: s.Settings[k]}))
	}
	return out
}

func normalize(pkgs []string) []string {
	out := make([]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		if pkg != "" {
			out = append(out, pkg)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
