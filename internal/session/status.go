package session

import (
	"encoding/base64"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// StatusSource is the part of the Supervisor the façade reads from.
type StatusSource interface {
	Status() State
	RequestQR() (string, bool)
}

// StatusView is the caller-facing projection of the session state.
type StatusView struct {
	Phase      string     `json:"phase"`
	HasQR      bool       `json:"hasQr"`
	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`
	LastError  string     `json:"lastError,omitempty"`
	Message    string     `json:"message"`
	Generation uint64     `json:"generation"`
	RetryAt    *time.Time `json:"retryAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// QRView is a StatusView plus the rendered pairing code.
type QRView struct {
	StatusView
	QR     string `json:"qr,omitempty"`     // data:image/png;base64,...
	Format string `json:"format,omitempty"` // png or terminal
}

// QRFormat selects how the pairing code is rendered.
type QRFormat int

const (
	QRFormatPNG QRFormat = iota
	QRFormatTerminal
)

// ParseQRFormat maps "terminal" to QRFormatTerminal; anything else is PNG.
func ParseQRFormat(s string) QRFormat {
	if s == "terminal" || s == "text" {
		return QRFormatTerminal
	}
	return QRFormatPNG
}

func (f QRFormat) String() string {
	if f == QRFormatTerminal {
		return "terminal"
	}
	return "png"
}

// Facade is a read-only projection of the supervisor for request handlers.
type Facade struct {
	src    StatusSource
	qrSize int
}

// NewFacade creates a façade rendering QR codes at 256px.
func NewFacade(src StatusSource) *Facade {
	return &Facade{src: src, qrSize: 256}
}

// Status returns the current status view.
func (f *Facade) Status() StatusView {
	return NewStatusView(f.src.Status())
}

// QR requests the pairing code. When the session is idle this starts a new
// attempt and returns a view without a code; callers poll again.
func (f *Facade) QR(format QRFormat) (QRView, error) {
	token, ok := f.src.RequestQR()
	view := QRView{StatusView: f.Status()}
	if !ok {
		return view, nil
	}

	q, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return view, fmt.Errorf("render QR code: %w", err)
	}
	view.HasQR = true
	view.Format = format.String()

	if format == QRFormatTerminal {
		view.QR = q.ToSmallString(false)
		return view, nil
	}
	png, err := q.PNG(f.qrSize)
	if err != nil {
		return view, fmt.Errorf("render QR code: %w", err)
	}
	view.QR = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	return view, nil
}

// NewStatusView projects a state snapshot.
func NewStatusView(st State) StatusView {
	v := StatusView{
		Phase:      st.Phase.String(),
		HasQR:      st.HasQR(),
		RetryCount: st.RetryCount,
		MaxRetries: st.MaxRetries,
		LastError:  st.LastError,
		Message:    Describe(st),
		Generation: st.Generation,
		UpdatedAt:  st.UpdatedAt,
	}
	if !st.RetryAt.IsZero() {
		at := st.RetryAt
		v.RetryAt = &at
	}
	return v
}

// Describe renders a human status line.
func Describe(st State) string {
	switch st.Phase {
	case PhaseIdle:
		return "Not connected. Request a QR code to start pairing."
	case PhaseInitializing:
		if st.RetryCount > 0 {
			return fmt.Sprintf("Starting WhatsApp session (retry %d of %d)...", st.RetryCount, st.MaxRetries)
		}
		return "Starting WhatsApp session..."
	case PhaseQRPending:
		if st.QRToken == "" {
			return "QR code expired. Request a new one."
		}
		return "Scan the QR code with WhatsApp on your phone."
	case PhaseAuthenticated:
		return "Authenticated. Loading chats..."
	case PhaseReady:
		return "Connected and ready to send documents."
	case PhaseDisconnected:
		return fmt.Sprintf("%s. Restart the session to reconnect.", capitalize(st.LastError))
	case PhaseFailed:
		if !st.RetryAt.IsZero() {
			return fmt.Sprintf("Connection failed: %s. Retry %d of %d scheduled.", st.LastError, st.RetryCount, st.MaxRetries)
		}
		return fmt.Sprintf("Connection failed: %s. Restart the session to try again.", st.LastError)
	}
	return "Unknown session state."
}

func capitalize(s string) string {
	if s == "" {
		return "Disconnected"
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
