// Package events defines the timeline event log entries and the session
// sub-events they project to.
package events

// Type identifies the kind of a timeline event. It is also the tag written to
// storage, so values must never change.
type Type string

const (
	TypeTargetAppsChanged  Type = "target_apps_changed"
	TypeServiceLifecycle   Type = "service_lifecycle"
	TypePermission         Type = "permission"
	TypeScreen             Type = "screen"
	TypeForegroundApp      Type = "foreground_app"
	TypeSuggestionShown    Type = "suggestion_shown"
	TypeSuggestionDecision Type = "suggestion_decision"
	TypeSettingsChanged    Type = "settings_changed"
)

// Payload is the variant part of a TimelineEvent. The set of implementations
// is closed to this package.
type Payload interface {
	Type() Type
	payload()
}

// TimelineEvent is one immutable entry of the append-only event log.
type TimelineEvent struct {
	// ID is assigned by the store on append. Zero means not yet persisted.
	ID              int64
	TimestampMillis int64
	Payload         Payload
}

// At builds an unpersisted event.
func At(timestampMillis int64, p Payload) TimelineEvent {
	return TimelineEvent{TimestampMillis: timestampMillis, Payload: p}
}

// Type returns the payload type, or an empty Type for a nil payload.
func (e TimelineEvent) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// TargetAppsChanged replaces the set of monitored packages.
type TargetAppsChanged struct {
	TargetPackages []string `json:"target_packages"`
}

// ServiceLifecycle records the observing service starting or stopping.
type ServiceLifecycle struct {
	Started bool `json:"started"`
}

// PermissionKind names an OS permission the observer depends on.
type PermissionKind string

const (
	PermissionUsageStats    PermissionKind = "usage_stats"
	PermissionAccessibility PermissionKind = "accessibility"
	PermissionOverlay       PermissionKind = "overlay"
	PermissionNotifications PermissionKind = "notifications"
)

// Permission records a permission grant or revocation.
type Permission struct {
	Kind    PermissionKind `json:"kind"`
	Granted bool           `json:"granted"`
}

// Screen records the display turning on or off.
type Screen struct {
	On bool `json:"on"`
}

// ForegroundApp records a foreground application change. An empty
// PackageName means no application is in the foreground.
type ForegroundApp struct {
	PackageName string `json:"package_name,omitempty"`
}

// SuggestionShown records a suggestion being displayed over a package.
type SuggestionShown struct {
	PackageName  string `json:"package_name"`
	SuggestionID string `json:"suggestion_id"`
}

// Decision is the user's response to a suggestion.
type Decision string

const (
	DecisionAccepted  Decision = "accepted"
	DecisionDismissed Decision = "dismissed"
	DecisionIgnored   Decision = "ignored"
)

// SuggestionDecision records the user's response to a shown suggestion.
type SuggestionDecision struct {
	PackageName  string   `json:"package_name"`
	SuggestionID string   `json:"suggestion_id"`
	Decision     Decision `json:"decision"`
}

// SettingsChanged records a user setting change.
type SettingsChanged struct {
	Key              string `json:"key"`
	ValueDescription string `json:"value_description"`
}

// Unknown holds a persisted event whose type tag this build does not know.
// Projectors ignore it.
type Unknown struct {
	Tag  Type
	Data []byte
}

func (TargetAppsChanged) Type() Type  { return TypeTargetAppsChanged }
func (ServiceLifecycle) Type() Type   { return TypeServiceLifecycle }
func (Permission) Type() Type         { return TypePermission }
func (Screen) Type() Type             { return TypeScreen }
func (ForegroundApp) Type() Type      { return TypeForegroundApp }
func (SuggestionShown) Type() Type    { return TypeSuggestionShown }
func (SuggestionDecision) Type() Type { return TypeSuggestionDecision }
func (SettingsChanged) Type() Type    { return TypeSettingsChanged }
func (u Unknown) Type() Type          { return u.Tag }

func (TargetAppsChanged) payload()  {}
func (ServiceLifecycle) payload()   {}
func (Permission) payload()         {}
func (Screen) payload()             {}
func (ForegroundApp) payload()      {}
func (SuggestionShown) payload()    {}
func (SuggestionDecision) payload() {}
func (SettingsChanged) payload()    {}
func (Unknown) payload()            {}
