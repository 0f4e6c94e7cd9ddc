package domain

import "errors"

var (
	ErrHandshakeFailed    = errors.New("handshake failed")
	ErrDuplicateSession   = errors.New("duplicate session")
	ErrSendFailure        = errors.New("send failure")
	ErrMalformedBroadcast = errors.New("malformed broadcast request")
	ErrActorUnavailable   = errors.New("actor unavailable")
	ErrActorStopped       = errors.New("actor stopped")
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrInvalidKey         = errors.New("invalid actor key")
	ErrLeaseHeld          = errors.New("actor lease held by another instance")
	ErrLeaseLost          = errors.New("actor lease lost")
)
