package events

import (
	"encoding/json"
	"fmt"
	"sort"
)

// envelope is the persisted form of a TimelineEvent.
type envelope struct {
	ID              int64           `json:"id,omitempty"`
	TimestampMillis int64           `json:"ts"`
	Type            Type            `json:"type"`
	Data            json.RawMessage `json:"data"`
}

// Marshal encodes an event as a JSON envelope.
func Marshal(e TimelineEvent) ([]byte, error) {
	data, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(envelope{
		ID:              e.ID,
		TimestampMillis: e.TimestampMillis,
		Type:            e.Type(),
		Data:            data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return out, nil
}

// Unmarshal decodes a JSON envelope. Unknown type tags decode into Unknown.
func Unmarshal(data []byte) (TimelineEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return TimelineEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if env.Type == "" {
		return TimelineEvent{}, fmt.Errorf("unmarshal event: missing type")
	}
	p, err := UnmarshalPayload(env.Type, env.Data)
	if err != nil {
		return TimelineEvent{}, err
	}
	return TimelineEvent{ID: env.ID, TimestampMillis: env.TimestampMillis, Payload: p}, nil
}

// MarshalPayload encodes only the variant data of an event.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("marshal payload: nil payload")
	}
	if u, ok := p.(Unknown); ok {
		if len(u.Data) == 0 {
			return []byte("null"), nil
		}
		return u.Data, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Type(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes variant data for the given type tag.
func UnmarshalPayload(t Type, data []byte) (Payload, error) {
	switch t {
	case TypeTargetAppsChanged:
		return decode[TargetAppsChanged](t, data)
	case TypeServiceLifecycle:
		return decode[ServiceLifecycle](t, data)
	case TypePermission:
		return decode[Permission](t, data)
	case TypeScreen:
		return decode[Screen](t, data)
	case TypeForegroundApp:
		return decode[ForegroundApp](t, data)
	case TypeSuggestionShown:
		return decode[SuggestionShown](t, data)
	case TypeSuggestionDecision:
		return decode[SuggestionDecision](t, data)
	case TypeSettingsChanged:
		return decode[SettingsChanged](t, data)
	default:
		raw := make([]byte, len(data))
		copy(raw, data)
		return Unknown{Tag: t, Data: raw}, nil
	}
}

func decode[T Payload](t Type, data []byte) (Payload, error) {
	var p T
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return p, nil
}

// SortStable orders events by timestamp, keeping the original relative order
// of events that share a timestamp. The input slice is not modified.
func SortStable(in []TimelineEvent) []TimelineEvent {
	out := make([]TimelineEvent, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMillis < out[j].TimestampMillis
	})
	return out
}
