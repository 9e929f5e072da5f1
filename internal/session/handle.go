package session

import (
	"context"
	"time"
)

// EventKind enumerates handle lifecycle events.
type EventKind int

const (
	EventQR EventKind = iota
	EventAuthenticated
	EventReady
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Handle. Payload carries the QR token, the
// disconnect reason or the error message depending on Kind.
type Event struct {
	Kind    EventKind
	Payload string
	At      time.Time
}

// Document is one outbound attachment.
type Document struct {
	Path     string
	FileName string
	Caption  string
}

// Handle wraps one underlying messaging client process. A handle is
// bound to a single attempt and is never reused.
type Handle interface {
	// Connect launches the client and begins emitting events.
	Connect(ctx context.Context) error

	// Send delivers doc to a normalized destination.
	// Fails with ErrNotReady, ErrFileNotFound or a *TransportError.
	Send(ctx context.Context, destination string, doc Document) error

	// Destroy tears the client down. Safe to call repeatedly and after
	// the underlying process died; failures are logged, not returned.
	Destroy(ctx context.Context)
}

// Attempt describes the attempt a handle is created for.
type Attempt struct {
	Generation uint64
	ProfileDir string

	// Emit forwards a lifecycle event to the supervisor, tagged with
	// Generation. It never blocks past the attempt's lifetime.
	Emit func(Event)
}

// HandleFactory creates the handle for one attempt.
type HandleFactory func(a Attempt) (Handle, error)
