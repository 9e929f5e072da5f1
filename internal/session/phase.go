package session

import (
	"fmt"
	"time"
)

// Phase is the lifecycle stage of the current connection attempt.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseQRPending
	PhaseAuthenticated
	PhaseReady
	PhaseDisconnected
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseInitializing:  "initializing",
	PhaseQRPending:     "qr_pending",
	PhaseAuthenticated: "authenticated",
	PhaseReady:         "ready",
	PhaseDisconnected:  "disconnected",
	PhaseFailed:        "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// InProgress reports whether an attempt owns a live handle in this phase.
func (p Phase) InProgress() bool {
	switch p {
	case PhaseInitializing, PhaseQRPending, PhaseAuthenticated, PhaseReady:
		return true
	}
	return false
}

// State is a snapshot of the supervisor. Values handed out are copies.
type State struct {
	Phase      Phase     `json:"phase"`
	QRToken    string    `json:"-"`
	QRIssuedAt time.Time `json:"qrIssuedAt,omitempty"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	LastError  string    `json:"lastError,omitempty"`

	// Generation identifies the current attempt.
	Generation uint64 `json:"generation"`

	// RetryAt is set while a backoff-delayed start is pending.
	RetryAt   time.Time `json:"retryAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasQR reports whether a live pairing token is available.
func (s State) HasQR() bool {
	return s.Phase == PhaseQRPending && s.QRToken != ""
}

// Exhausted reports whether automatic retries are used up.
func (s State) Exhausted() bool {
	return s.RetryCount >= s.MaxRetries
}
