// Package stream implements the event model, producer-side StreamContext,
// EventBus facade, and pluggable backends that make up the streaming core.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a stream event. Custom event types take
// the form "custom:<name>".
type EventType string

const (
	EventStarted    EventType = "started"
	EventProgress   EventType = "progress"
	EventCheckpoint EventType = "checkpoint"
	EventToken      EventType = "token"
	EventStep       EventType = "step"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
	EventCancelled  EventType = "cancelled"
	EventHeartbeat  EventType = "heartbeat"
)

// CustomPrefix prefixes custom event type names on the wire, e.g. "custom:fraud_check".
const CustomPrefix = "custom:"

// CustomType builds the effective type string for a named custom event.
func CustomType(name string) EventType {
	return EventType(CustomPrefix + name)
}

// IsCustom reports whether t is a custom:<name> event type.
func (t EventType) IsCustom() bool {
	return len(t) > len(CustomPrefix) && string(t[:len(CustomPrefix)]) == CustomPrefix
}

// CustomName returns the <name> part of a custom:<name> event type, or ""
// if t is not a custom type.
func (t EventType) CustomName() string {
	if !t.IsCustom() {
		return ""
	}
	return string(t[len(CustomPrefix):])
}

// terminalEventTypes are the event types that end a run. Exactly one is ever
// stored per run.
var terminalEventTypes = map[EventType]bool{
	EventComplete:  true,
	EventError:     true,
	EventCancelled: true,
}

// IsTerminal reports whether t is one of {complete, error, cancelled}.
func (t EventType) IsTerminal() bool {
	return terminalEventTypes[t]
}

// mandatoryEventTypes are always emitted regardless of filter configuration.
var mandatoryEventTypes = map[EventType]bool{
	EventStarted:   true,
	EventComplete:  true,
	EventError:     true,
	EventCancelled: true,
}

// IsMandatory reports whether t is exempt from filtering.
func (t EventType) IsMandatory() bool {
	return mandatoryEventTypes[t]
}

// Payload is the marker interface implemented by every typed event payload.
type Payload interface {
	isPayload()
}

type (
	// StartedPayload is carried by a "started" event.
	StartedPayload struct {
		AgentName string         `json:"agent_name,omitempty"`
		Framework string         `json:"framework,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}

	// ProgressPayload is carried by a "progress" event.
	ProgressPayload struct {
		Step     string  `json:"step"`
		Progress float64 `json:"progress"`
		Message  string  `json:"message,omitempty"`
	}

	// CheckpointPayload is carried by a "checkpoint" event.
	CheckpointPayload struct {
		Name string         `json:"name"`
		Data map[string]any `json:"data"`
	}

	// TokenPayload is carried by a "token" event.
	TokenPayload struct {
		Content      string `json:"content"`
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// StepPayload is carried by a "step" event.
	StepPayload struct {
		NodeName   string   `json:"node_name"`
		DurationMS *int64   `json:"duration_ms,omitempty"`
		InputKeys  []string `json:"input_keys,omitempty"`
		OutputKeys []string `json:"output_keys,omitempty"`
	}

	// CompletePayload is carried by a "complete" event.
	CompletePayload struct {
		Output         map[string]any `json:"output"`
		LatencySeconds *float64       `json:"latency_seconds,omitempty"`
		Metadata       map[string]any `json:"metadata,omitempty"`
	}

	// ErrorPayload is carried by an "error" event.
	ErrorPayload struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details,omitempty"`
	}

	// CancelledPayload is carried by a "cancelled" event.
	CancelledPayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// HeartbeatPayload is carried by a "heartbeat" event. It has no fields.
	HeartbeatPayload struct{}

	// CustomPayload is carried by a "custom:<name>" event.
	CustomPayload struct {
		Data map[string]any `json:"data"`
	}
)

func (StartedPayload) isPayload()    {}
func (ProgressPayload) isPayload()   {}
func (CheckpointPayload) isPayload() {}
func (TokenPayload) isPayload()      {}
func (StepPayload) isPayload()       {}
func (CompletePayload) isPayload()   {}
func (ErrorPayload) isPayload()      {}
func (CancelledPayload) isPayload()  {}
func (HeartbeatPayload) isPayload()  {}
func (CustomPayload) isPayload()     {}

// Event is an immutable record describing one happening within a run. Once
// constructed, an Event's fields must never be mutated by callers; the sink
// that stores it owns the only copy of record.
type Event struct {
	ID        string
	Type      EventType
	RunID     string
	Sequence  int64
	Timestamp time.Time
	Payload   Payload
}

// newEvent stamps a new immutable event. Sequence assignment is the caller's
// responsibility (see StreamContext); this constructor never mutates a
// sequence counter itself.
func newEvent(eventType EventType, runID string, sequence int64, payload Payload) Event {
	return Event{
		ID:        "evt-" + uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		Sequence:  sequence,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// SSE formats the event as a server-sent-events record: "event: <type>\ndata:
// <json>\n\n". This is the exact wire framing the out-of-scope HTTP layer is
// expected to write verbatim.
func (e Event) SSE() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event for SSE: %w", err)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data), nil
}

// MarshalJSON flattens the envelope fields and the payload's own fields into
// a single JSON object, matching the on-wire shape {type, run_id, sequence,
// ts, ...payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	payloadBytes, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(payloadBytes, &merged); err != nil {
		return nil, fmt.Errorf("flatten event payload: %w", err)
	}
	if merged == nil {
		merged = map[string]json.RawMessage{}
	}
	envelope := map[string]any{
		"id":        e.ID,
		"type":      e.Type,
		"run_id":    e.RunID,
		"sequence":  e.Sequence,
		"ts":        e.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range envelope {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = b
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reconstructs an Event from its flattened wire form,
// dispatching the remaining fields to the payload type matching "type".
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}

	var envelope struct {
		ID       string    `json:"id"`
		Type     EventType `json:"type"`
		RunID    string    `json:"run_id"`
		Sequence int64     `json:"sequence"`
		TS       string    `json:"ts"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unmarshal event envelope: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, envelope.TS)
	if err != nil {
		return fmt.Errorf("parse event timestamp: %w", err)
	}

	for _, f := range []string{"id", "type", "run_id", "sequence", "ts"} {
		delete(raw, f)
	}
	payloadBytes, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	payload, err := unmarshalPayload(envelope.Type, payloadBytes)
	if err != nil {
		return err
	}

	e.ID = envelope.ID
	e.Type = envelope.Type
	e.RunID = envelope.RunID
	e.Sequence = envelope.Sequence
	e.Timestamp = ts
	e.Payload = payload
	return nil
}

func unmarshalPayload(t EventType, data []byte) (Payload, error) {
	var p Payload
	switch {
	case t == EventStarted:
		var pl StartedPayload
		p = &pl
	case t == EventProgress:
		var pl ProgressPayload
		p = &pl
	case t == EventCheckpoint:
		var pl CheckpointPayload
		p = &pl
	case t == EventToken:
		var pl TokenPayload
		p = &pl
	case t == EventStep:
		var pl StepPayload
		p = &pl
	case t == EventComplete:
		var pl CompletePayload
		p = &pl
	case t == EventError:
		var pl ErrorPayload
		p = &pl
	case t == EventCancelled:
		var pl CancelledPayload
		p = &pl
	case t == EventHeartbeat:
		var pl HeartbeatPayload
		p = &pl
	case t.IsCustom():
		var pl CustomPayload
		p = &pl
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
	}
	return derefPayload(p), nil
}

// derefPayload converts the pointer payload used for unmarshaling back into
// the value type stored on Event, keeping Event.Payload comparisons simple.
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *StartedPayload:
		return *v
	case *ProgressPayload:
		return *v
	case *CheckpointPayload:
		return *v
	case *TokenPayload:
		return *v
	case *StepPayload:
		return *v
	case *CompletePayload:
		return *v
	case *ErrorPayload:
		return *v
	case *CancelledPayload:
		return *v
	case *HeartbeatPayload:
		return *v
	case *CustomPayload:
		return *v
	default:
		return p
	}
}
