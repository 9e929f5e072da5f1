package browser

import (
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"invoicewa/internal/session"
)

// Consecutive probe failures before the page is considered lost.
const maxProbeFailures = 3

// pageState is what one DOM probe sees.
type pageState struct {
	QR      string `json:"qr"`
	Reload  bool   `json:"reload"`
	Loading bool   `json:"loading"`
	Chats   bool   `json:"chats"`
}

var probeJS = fmt.Sprintf(`() => {
	const qr = document.querySelector(%q);
	return {
		qr: qr ? (qr.getAttribute("data-ref") || "") : "",
		reload: document.querySelector(%q) !== null,
		loading: document.querySelector(%q) !== null,
		chats: document.querySelector(%q) !== null,
	};
}`, selQR, selQRReload, selLoading, selChatList)

// tracker turns successive probes into lifecycle events.
type tracker struct {
	lastQR    string
	seenQR    bool
	authed    bool
	ready     bool
	loggedOut bool
}

func (t *tracker) observe(st pageState) []session.Event {
	if t.loggedOut {
		return nil
	}
	now := time.Now()
	var events []session.Event

	switch {
	case st.Chats:
		if !t.authed {
			t.authed = true
			events = append(events, session.Event{Kind: session.EventAuthenticated, At: now})
		}
		if !t.ready {
			t.ready = true
			events = append(events, session.Event{Kind: session.EventReady, At: now})
		}
		t.lastQR = ""

	case st.QR != "":
		if t.authed {
			// Back on the pairing screen after login: the phone unlinked us.
			t.loggedOut = true
			t.ready = false
			events = append(events, session.Event{Kind: session.EventDisconnected, Payload: "LOGOUT", At: now})
			break
		}
		if st.QR != t.lastQR {
			t.lastQR = st.QR
			t.seenQR = true
			events = append(events, session.Event{Kind: session.EventQR, Payload: st.QR, At: now})
		}

	case st.Loading && t.seenQR && !t.authed:
		t.authed = true
		events = append(events, session.Event{Kind: session.EventAuthenticated, At: now})
	}
	return events
}

// watch polls the page until the client is destroyed, the phone logs out
// or the page stops answering.
func (c *Client) watch(page *rod.Page) {
	defer c.watching.Done()

	ticker := time.NewTicker(c.cfg.GetPollInterval())
	defer ticker.Stop()

	var t tracker
	failures := 0
	for {
		select {
		case <-c.life.Done():
			return
		case <-ticker.C:
		}

		// A send owns the page; its navigation would look like a logout.
		if !c.pageMu.TryLock() {
			continue
		}
		st, err := c.probe(page)
		if err == nil && st.Reload {
			c.reloadQR(page)
		}
		c.pageMu.Unlock()

		if err != nil {
			if c.life.Err() != nil {
				return
			}
			failures++
			c.logger.Debug("page probe failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= maxProbeFailures {
				c.ready.Store(false)
				c.emit(session.Event{Kind: session.EventError, Payload: fmt.Sprintf("browser disconnected: %v", err)})
				return
			}
			continue
		}
		failures = 0

		for _, ev := range t.observe(st) {
			switch ev.Kind {
			case session.EventReady:
				c.ready.Store(true)
			case session.EventDisconnected:
				c.ready.Store(false)
			}
			c.logger.Debug("page event", zap.Stringer("kind", ev.Kind))
			c.emit(ev)
		}
		if t.loggedOut {
			return
		}
	}
}

func (c *Client) probe(page *rod.Page) (pageState, error) {
	var st pageState
	res, err := page.Context(c.life).Timeout(c.cfg.GetNavigationTimeout()).Eval(probeJS)
	if err != nil {
		return st, err
	}
	if err := res.Value.Unmarshal(&st); err != nil {
		return st, fmt.Errorf("decode probe: %w", err)
	}
	return st, nil
}

// reloadQR clicks the "click to reload QR code" button so the code keeps rotating.
func (c *Client) reloadQR(page *rod.Page) {
	el, err := page.Context(c.life).Timeout(5 * time.Second).Element(selQRReload)
	if err != nil {
		return
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		c.logger.Debug("QR reload click failed", zap.Error(err))
		return
	}
	c.logger.Info("requested fresh QR code")
}
