package domain

import (
	"context"

	"github.com/google/uuid"
)

// CloseCode is a WebSocket close status (RFC 6455 section 7.4).
type CloseCode int

const (
	CloseNormal        CloseCode = 1000
	CloseGoingAway     CloseCode = 1001
	ClosePolicy        CloseCode = 1008
	CloseInternalError CloseCode = 1011
	CloseServiceReset  CloseCode = 1012
	CloseTryAgainLater CloseCode = 1013
)

// Conn is the transport handle owned by exactly one session.
//
// Read and OnPong belong to the session's read pump; Write, Ping and Close are
// only ever called from the owning actor's goroutine.
type Conn interface {
	// Read blocks until the next data frame arrives.
	Read() ([]byte, error)
	// Write sends one data frame. It returns when ctx is done.
	Write(ctx context.Context, data []byte) error
	// Ping sends a liveness probe bounded by ctx.
	Ping(ctx context.Context) error
	// Close sends a best-effort close frame and releases the handle. Idempotent.
	Close(code CloseCode, reason string) error
	// OnPong registers fn to run whenever the peer answers a Ping.
	OnPong(fn func())
}

// FrameHandler lets the domain layer interpret inbound application frames.
// A non-nil reply is delivered back to the sending session only.
type FrameHandler interface {
	HandleFrame(ctx context.Context, key string, sessionID uuid.UUID, frame []byte) (reply []byte, err error)
}

// Lease is exclusive ownership of one actor key across instances.
type Lease interface {
	// Renew extends the lease. Returns ErrLeaseLost when another owner took over.
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Leaser grants leases. Acquire returns ErrLeaseHeld when another instance owns the key.
type Leaser interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}
