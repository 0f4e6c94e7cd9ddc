package actor

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pscheid92/fanout/internal/domain"
)

const (
	frameWelcome = "welcome"
	framePing    = "ping"
	framePong    = "pong"
	frameEvent   = "event"
)

var pongFrame = []byte(`{"type":"pong"}`)

type welcomeMessage struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
}

type eventMessage struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

func encodeWelcome(id uuid.UUID) []byte {
	// Cannot fail: fixed struct of a string and a uuid.
	data, _ := json.Marshal(welcomeMessage{Type: frameWelcome, SessionID: id})
	return data
}

func encodeEvent(env domain.Envelope) ([]byte, error) {
	return json.Marshal(eventMessage{Type: frameEvent, EventType: env.EventType, Payload: env.Payload})
}

// isHeartbeat reports whether an inbound frame is an application ping.
func isHeartbeat(frame []byte) bool {
	if !bytes.Contains(frame, []byte(framePing)) {
		return false
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return false
	}
	return msg.Type == framePing
}

// EchoFrameHandler replies to every inbound frame with the frame itself. Diagnostic only.
type EchoFrameHandler struct{}

func (EchoFrameHandler) HandleFrame(_ context.Context, _ string, _ uuid.UUID, frame []byte) ([]byte, error) {
	return bytes.Clone(frame), nil
}

// DiscardFrameHandler drops inbound frames.
type DiscardFrameHandler struct{}

func (DiscardFrameHandler) HandleFrame(context.Context, string, uuid.UUID, []byte) ([]byte, error) {
	return nil, nil
}

var (
	_ domain.FrameHandler = EchoFrameHandler{}
	_ domain.FrameHandler = DiscardFrameHandler{}
)
