package events

// SessionEventType is the kind of a per-session sub-event.
type SessionEventType string

const (
	SessionStart               SessionEventType = "start"
	SessionPause               SessionEventType = "pause"
	SessionResume              SessionEventType = "resume"
	SessionEnd                 SessionEventType = "end"
	SessionSuggestionShown     SessionEventType = "suggestion_shown"
	SessionSuggestionDismissed SessionEventType = "suggestion_dismissed"
	SessionSuggestionAccepted  SessionEventType = "suggestion_accepted"
	SessionSuggestionIgnored   SessionEventType = "suggestion_ignored"
)

// IsLifecycle reports whether t is one of start, pause, resume or end.
func (t SessionEventType) IsLifecycle() bool {
	switch t {
	case SessionStart, SessionPause, SessionResume, SessionEnd:
		return true
	}
	return false
}

// SessionEvent is one entry of a session's ordered sub-event list.
type SessionEvent struct {
	Type            SessionEventType `json:"type"`
	TimestampMillis int64            `json:"timestamp_millis"`
	SuggestionID    string           `json:"suggestion_id,omitempty"`
	// SourceEventID is the ID of the timeline event that produced this
	// sub-event, when that event was persisted.
	SourceEventID int64 `json:"source_event_id,omitempty"`
}

// DecisionEventType maps a suggestion decision to its session sub-event.
func DecisionEventType(d Decision) (SessionEventType, bool) {
	switch d {
	case DecisionAccepted:
		return SessionSuggestionAccepted, true
	case DecisionDismissed:
		return SessionSuggestionDismissed, true
	case DecisionIgnored:
		return SessionSuggestionIgnored, true
	}
	return "", false
}
