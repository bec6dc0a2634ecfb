package session

import (
	"github.com/goodtune/usagetrail/internal/events"
)

// State describes a session at the evaluation instant.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateEnded  State = "ended"
)

// Session is a derived period of continuous engagement with one package.
// Sessions are recomputed from the event log on every projection.
type Session struct {
	ID              string `json:"id"`
	PackageName     string `json:"package_name"`
	StartedAtMillis int64  `json:"started_at_millis"`
	// EndedAtMillis is nil while the session is open (active, or paused
	// within the grace period) at the evaluation instant.
	EndedAtMillis *int64 `json:"ended_at_millis,omitempty"`
}

// IsOpen reports whether the session has no end yet.
func (s Session) IsOpen() bool {
	return s.EndedAtMillis == nil
}

// DurationMillis returns end minus start for a closed session, 0 otherwise.
func (s Session) DurationMillis() int64 {
	if s.EndedAtMillis == nil {
		return 0
	}
	return *s.EndedAtMillis - s.StartedAtMillis
}

// WithEvents pairs a session with its ordered sub-events.
type WithEvents struct {
	Session Session               `json:"session"`
	Events  []events.SessionEvent `json:"events"`
	State   State                 `json:"state"`
	// PausedAtMillis is set when State is StatePaused.
	PausedAtMillis *int64 `json:"paused_at_millis,omitempty"`
}

// PauseOrigin records why an active session was paused. It decides which
// signal may resume it.
type PauseOrigin int

const (
	PauseNone PauseOrigin = iota
	PauseLeftForeground
	PauseScreenOff
	PauseMonitoringDisabled
)
