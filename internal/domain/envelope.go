package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Filter describes which events a session subscribes to, and on the broadcast side
// which attributes an event carries. Empty fields are wildcards.
type Filter struct {
	// EventType is a path.Match glob on the subscription side ("order.*") and a
	// literal event type on the broadcast side.
	EventType string `json:"eventType,omitempty"`
	EntityID  string `json:"entityId,omitempty"`
}

// Validate rejects glob patterns path.Match cannot evaluate.
func (f Filter) Validate() error {
	if f.EventType == "" {
		return nil
	}
	if _, err := path.Match(f.EventType, ""); err != nil {
		return fmt.Errorf("invalid eventType pattern %q: %w", f.EventType, err)
	}
	return nil
}

// IsZero reports whether no field is set.
func (f Filter) IsZero() bool {
	return f.EventType == "" && f.EntityID == ""
}

// Matches reports whether a subscription filter accepts an event with the given attributes.
func (f Filter) Matches(eventType, entityID string) bool {
	if f.EventType != "" {
		ok, err := path.Match(f.EventType, eventType)
		if err != nil || !ok {
			return false
		}
	}
	if f.EntityID != "" && f.EntityID != entityID {
		return false
	}
	return true
}

// TargetKind selects how the broadcaster resolves recipients.
type TargetKind int

const (
	TargetAll TargetKind = iota
	TargetSession
	TargetFilter
)

func (k TargetKind) String() string {
	switch k {
	case TargetAll:
		return "all"
	case TargetSession:
		return "session"
	case TargetFilter:
		return "filter"
	default:
		return "unknown"
	}
}

type Target struct {
	Kind      TargetKind
	SessionID uuid.UUID
	Filter    Filter
}

// Envelope is one outbound event plus its targeting instructions.
type Envelope struct {
	EventType string
	Payload   json.RawMessage
	Target    Target
}

// EventAttributes returns the event type and entity id the envelope is matched on.
// A filter target's eventType, when set, replaces the envelope's own type and is
// taken literally, not as a glob: a target of "order.*" reaches only sessions whose
// subscription pattern matches the string "order.*".
func (e Envelope) EventAttributes() (eventType, entityID string) {
	eventType = e.EventType
	if e.Target.Kind == TargetFilter {
		if e.Target.Filter.EventType != "" {
			eventType = e.Target.Filter.EventType
		}
		entityID = e.Target.Filter.EntityID
	}
	return eventType, entityID
}

type envelopeWire struct {
	EventType *string         `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Target    json.RawMessage `json:"target"`
}

type targetWire struct {
	SessionID *string `json:"sessionId"`
	Filter    *Filter `json:"filter"`
}

// ParseEnvelope decodes a broadcast request body:
//
//	{"eventType": string, "payload": any, "target"?: "all" | {"sessionId": string} | {"filter": object}}
//
// All failures wrap ErrMalformedBroadcast.
func ParseEnvelope(data []byte) (Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, malformed("body must be a JSON object: %v", err)
	}

	if wire.EventType == nil {
		return Envelope{}, malformed("eventType is required")
	}
	eventType := strings.TrimSpace(*wire.EventType)
	if eventType == "" {
		return Envelope{}, malformed("eventType must not be empty")
	}

	payload := wire.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	target, err := parseTarget(wire.Target)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{EventType: eventType, Payload: payload, Target: target}, nil
}

func parseTarget(raw json.RawMessage) (Target, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Target{Kind: TargetAll}, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Target{}, malformed("target: %v", err)
		}
		if s != "all" {
			return Target{}, malformed(`target string must be "all", got %q`, s)
		}
		return Target{Kind: TargetAll}, nil
	}

	var wire targetWire
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return Target{}, malformed("target must be \"all\", {sessionId} or {filter}: %v", err)
	}

	switch {
	case wire.SessionID != nil && wire.Filter != nil:
		return Target{}, malformed("target must set exactly one of sessionId or filter")
	case wire.SessionID != nil:
		id, err := uuid.Parse(*wire.SessionID)
		if err != nil {
			return Target{}, malformed("target.sessionId is not a valid session id")
		}
		return Target{Kind: TargetSession, SessionID: id}, nil
	case wire.Filter != nil:
		if err := wire.Filter.Validate(); err != nil {
			return Target{}, malformed("target.filter: %v", err)
		}
		return Target{Kind: TargetFilter, Filter: *wire.Filter}, nil
	default:
		return Target{}, malformed("target must set sessionId or filter")
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedBroadcast, fmt.Sprintf(format, args...))
}

// DeliveryReport summarises one broadcast.
type DeliveryReport struct {
	Attempted int
	Succeeded int
	Pruned    []uuid.UUID
}

func (r DeliveryReport) PrunedCount() int {
	return len(r.Pruned)
}
