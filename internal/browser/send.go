package browser

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"invoicewa/internal/session"
)

// WhatsApp Web selectors.
const (
	selQR          = "div[data-ref]"
	selQRReload    = "div[data-ref] button, span[data-icon='refresh-large']"
	selLoading     = "progress, #startup, div[data-testid='intro-title']"
	selChatList    = "#pane-side"
	selCompose     = "footer div[contenteditable='true']"
	selInvalidChat = "div[data-animate-modal-popup='true']"
	selAttach      = "span[data-icon='plus'], span[data-icon='attach-menu-plus'], span[data-icon='clip']"
	selFileInput   = "input[type='file'][accept='*']"
	selCaption     = "div[role='dialog'] div[contenteditable='true'], div[data-testid='media-caption-input-container'] div[contenteditable='true']"
	selSendButton  = "span[data-icon='send'], div[aria-label='Send']"
)

const captionWait = 3 * time.Second

var errUnknownNumber = errors.New("phone number is not on WhatsApp")

// sendDocument walks the chat UI: open chat, attach, caption, send, wait.
// Every UI failure is a *session.TransportError.
func sendDocument(p *rod.Page, chatURL string, doc session.Document) error {
	if err := p.Navigate(chatURL); err != nil {
		return &session.TransportError{Op: "open chat", Err: err}
	}

	invalid := false
	race := p.Race()
	race.Element(selCompose)
	race.Element(selInvalidChat).Handle(func(*rod.Element) error {
		invalid = true
		return nil
	})
	if _, err := race.Do(); err != nil {
		return &session.TransportError{Op: "open chat", Err: err}
	}
	if invalid {
		return &session.TransportError{Op: "open chat", Err: errUnknownNumber}
	}

	attach, err := p.Element(selAttach)
	if err != nil {
		return &session.TransportError{Op: "attach", Err: err}
	}
	if err := attach.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &session.TransportError{Op: "attach", Err: err}
	}
	input, err := p.Element(selFileInput)
	if err != nil {
		return &session.TransportError{Op: "attach", Err: err}
	}
	if err := input.SetFiles([]string{doc.Path}); err != nil {
		return &session.TransportError{Op: "attach", Err: err}
	}

	if doc.Caption != "" {
		// The caption box is optional in some layouts.
		if box, err := p.Timeout(captionWait).Element(selCaption); err == nil {
			if err := box.Input(doc.Caption); err != nil {
				return &session.TransportError{Op: "caption", Err: err}
			}
		}
	}

	send, err := p.Element(selSendButton)
	if err != nil {
		return &session.TransportError{Op: "send", Err: err}
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &session.TransportError{Op: "send", Err: err}
	}

	// The preview closes once the upload is queued.
	gone := fmt.Sprintf(`() => document.querySelector(%q) === null`, selSendButton)
	if err := p.Wait(rod.Eval(gone)); err != nil {
		return &session.TransportError{Op: "confirm", Err: err}
	}
	return nil
}
