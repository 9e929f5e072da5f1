package browser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoicewa/internal/session"
)

func kinds(events []session.Event) []session.EventKind {
	out := make([]session.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestTracker_PairingFlow(t *testing.T) {
	var tr tracker

	assert.Empty(t, tr.observe(pageState{Loading: true}), "startup splash before any QR")

	evs := tr.observe(pageState{QR: "ref-1"})
	require.Len(t, evs, 1)
	assert.Equal(t, session.EventQR, evs[0].Kind)
	assert.Equal(t, "ref-1", evs[0].Payload)

	assert.Empty(t, tr.observe(pageState{QR: "ref-1"}), "same code is not re-emitted")

	evs = tr.observe(pageState{QR: "ref-2", Reload: true})
	require.Len(t, evs, 1)
	assert.Equal(t, "ref-2", evs[0].Payload)

	assert.Equal(t, []session.EventKind{session.EventAuthenticated}, kinds(tr.observe(pageState{Loading: true})))
	assert.Equal(t, []session.EventKind{session.EventReady}, kinds(tr.observe(pageState{Chats: true})))
	assert.Empty(t, tr.observe(pageState{Chats: true}))
}

func TestTracker_RestoredSessionSkipsQR(t *testing.T) {
	var tr tracker
	assert.Empty(t, tr.observe(pageState{Loading: true}))
	assert.Equal(t,
		[]session.EventKind{session.EventAuthenticated, session.EventReady},
		kinds(tr.observe(pageState{Chats: true})))
}

func TestTracker_LogoutAfterReady(t *testing.T) {
	var tr tracker
	tr.observe(pageState{QR: "ref-1"})
	tr.observe(pageState{Chats: true})

	evs := tr.observe(pageState{QR: "ref-9"})
	require.Len(t, evs, 1)
	assert.Equal(t, session.EventDisconnected, evs[0].Kind)
	assert.Equal(t, "LOGOUT", evs[0].Payload)
	assert.True(t, tr.loggedOut)

	assert.Empty(t, tr.observe(pageState{Chats: true}), "nothing after logout")
}

func TestNewLauncher(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "auth")
	cfg := DefaultConfig()
	cfg.Bin = "/usr/bin/chromium"
	cfg.ExtraFlags = []string{"--lang=en-US", "--disable-translate", "--"}

	l := newLauncher(context.Background(), cfg, profile)

	assert.Equal(t, profile, l.Get(flags.UserDataDir))
	assert.Equal(t, "/usr/bin/chromium", l.Get(flags.Bin))
	assert.True(t, l.Has(flags.Headless))
	for _, f := range hardenedFlags {
		assert.True(t, l.Has(f), string(f))
	}
	assert.Equal(t, "en-US", l.Get("lang"))
	assert.True(t, l.Has("disable-translate"))
}

func TestNewLauncher_Headful(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Headless = false
	l := newLauncher(context.Background(), cfg, t.TempDir())
	assert.False(t, l.Has(flags.Headless))
}

func TestConfigGetters(t *testing.T) {
	var zero Config
	assert.Equal(t, "https://web.whatsapp.com", zero.GetURL())
	assert.Equal(t, time.Second, zero.GetPollInterval())
	assert.Equal(t, 60*time.Second, zero.GetNavigationTimeout())
	assert.Equal(t, 90*time.Second, zero.GetSendTimeout())

	cfg := Config{URL: "http://localhost:9000", SendTimeout: time.Minute}
	assert.Equal(t, "http://localhost:9000", cfg.GetURL())
	assert.Equal(t, time.Minute, cfg.GetSendTimeout())
}

func TestClient_SendPreconditions(t *testing.T) {
	c := NewClient(DefaultConfig(), session.Attempt{Generation: 1, Emit: func(session.Event) {}})
	defer c.Destroy(context.Background())

	err := c.Send(context.Background(), "919876543210", session.Document{Path: filepath.Join(t.TempDir(), "missing.pdf")})
	assert.ErrorIs(t, err, session.ErrFileNotFound)

	doc := filepath.Join(t.TempDir(), "invoice.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.4"), 0o644))
	err = c.Send(context.Background(), "919876543210", session.Document{Path: doc})
	assert.ErrorIs(t, err, session.ErrNotReady)
}

func TestClient_DestroyIsIdempotent(t *testing.T) {
	var emitted []session.Event
	c := NewClient(DefaultConfig(), session.Attempt{Generation: 7, Emit: func(ev session.Event) {
		emitted = append(emitted, ev)
	}})

	c.Destroy(context.Background())
	c.Destroy(context.Background())

	assert.Error(t, c.Connect(context.Background()))
	c.emit(session.Event{Kind: session.EventReady})
	assert.Empty(t, emitted, "destroyed clients emit nothing")
}

func TestClient_ChatURL(t *testing.T) {
	c := NewClient(Config{URL: "https://web.whatsapp.com"}, session.Attempt{})
	defer c.Destroy(context.Background())
	assert.Equal(t, "https://web.whatsapp.com/send?phone=919876543210&type=phone_number", c.chatURL("919876543210"))
}

func TestNewFactory(t *testing.T) {
	factory := NewFactory(DefaultConfig())
	h, err := factory(session.Attempt{Generation: 3, ProfileDir: t.TempDir()})
	require.NoError(t, err)
	defer h.Destroy(context.Background())

	c, ok := h.(*Client)
	require.True(t, ok)
	assert.Equal(t, uint64(3), c.attempt.Generation)
}
