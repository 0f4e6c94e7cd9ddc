package domain

import (
	"fmt"
	"regexp"
)

// SessionState is the lifecycle state of a single connection.
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const maxKeyLength = 128

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ValidateKey checks that an actor key (tenant/store id) is usable as a map key,
// a log attribute and a Redis key suffix.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: key contains unsupported characters", ErrInvalidKey)
	}
	return nil
}
