package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoicewa/internal/api"
	"invoicewa/internal/config"
	"invoicewa/internal/session"
)

// pairingHandle shows a QR code on connect and records sends.
type pairingHandle struct {
	attempt session.Attempt

	mu   sync.Mutex
	sent []string
}

func (h *pairingHandle) Connect(context.Context) error {
	h.attempt.Emit(session.Event{Kind: session.EventQR, Payload: "2@pairing-token"})
	return nil
}

func (h *pairingHandle) Send(_ context.Context, destination string, doc session.Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, destination+"/"+doc.FileName)
	return nil
}

func (h *pairingHandle) Destroy(context.Context) {}

func (h *pairingHandle) deliveries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func testServiceConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.Server.Addr = "127.0.0.1:0"
	c.Session.DataDir = filepath.Join(dir, "whatsapp")
	c.Session.PurgeSettle = "0s"
	c.Session.RestartSettle = "0s"
	c.Session.KillStrayProcesses = false
	c.Delivery.SpoolDir = filepath.Join(dir, "spool")
	c.Journal.Path = filepath.Join(dir, "deliveries.db")
	return c
}

func TestServiceEndToEnd(t *testing.T) {
	logger = zap.NewNop()
	c := testServiceConfig(t)

	var (
		mu      sync.Mutex
		handles []*pairingHandle
	)
	factory := func(a session.Attempt) (session.Handle, error) {
		mu.Lock()
		defer mu.Unlock()
		h := &pairingHandle{attempt: a}
		handles = append(handles, h)
		return h, nil
	}

	svc, err := buildService(c, factory)
	require.NoError(t, err)
	defer svc.journal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.supervisor.Run(ctx)

	srv := httptest.NewServer(svc.server.Handler)
	defer srv.Close()
	defer svc.handler.Close()

	serverURL = srv.URL
	timeout = 5 * time.Second
	client := newAPIClient()

	// The first QR request starts an idle session.
	view, err := client.QR(ctx, session.QRFormatTerminal)
	require.NoError(t, err)
	assert.False(t, view.HasQR)

	require.Eventually(t, func() bool {
		v, err := client.QR(ctx, session.QRFormatTerminal)
		return err == nil && v.HasQR && v.Format == "terminal"
	}, 2*time.Second, 10*time.Millisecond)

	// Not ready yet: send is refused.
	_, err = client.SendDocument(ctx, api.SendDocumentRequest{Destination: "9876543210", Content: []byte("%PDF"), FileName: "inv.pdf"})
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusServiceUnavailable, ae.Code)

	mu.Lock()
	h := handles[0]
	mu.Unlock()
	h.attempt.Emit(session.Event{Kind: session.EventAuthenticated})
	h.attempt.Emit(session.Event{Kind: session.EventReady})

	require.Eventually(t, func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Phase == "ready"
	}, 2*time.Second, 10*time.Millisecond)

	receipt, err := client.SendDocument(ctx, api.SendDocumentRequest{Destination: "9876543210", Content: []byte("%PDF"), FileName: "inv.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "919876543210", receipt.Destination)
	assert.Equal(t, []string{"919876543210/inv.pdf"}, h.deliveries())

	entries, err := svc.journal.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sent", entries[0].Status)
	assert.Equal(t, "not_ready", entries[1].Status)

	require.NoError(t, client.Restart(ctx))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handles) == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	logger = zap.NewNop()
	c := testServiceConfig(t)
	c.Journal.Enabled = false

	svc, err := buildService(c, func(a session.Attempt) (session.Handle, error) {
		return &pairingHandle{attempt: a}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, svc.journal)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.run(ctx, time.Second, true) }()

	require.Eventually(t, func() bool {
		return svc.supervisor.Status().Phase == session.PhaseQRPending
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, session.PhaseIdle, svc.supervisor.Status().Phase)
}

func TestGetBrowserConfig(t *testing.T) {
	c := config.DefaultConfig()
	c.Browser.Bin = "/usr/bin/chromium"
	c.Browser.URL = ""
	c.Browser.PollInterval = "250ms"
	c.Browser.ExtraFlags = []string{"--lang=en"}

	bc := getBrowserConfig(c)
	assert.Equal(t, "/usr/bin/chromium", bc.Bin)
	assert.Equal(t, "https://web.whatsapp.com", bc.GetURL())
	assert.Equal(t, 250*time.Millisecond, bc.GetPollInterval())
	assert.Equal(t, []string{"--lang=en"}, bc.ExtraFlags)

	sc := sessionConfig(c)
	assert.Equal(t, 3, sc.MaxRetries)
	assert.Equal(t, 90*time.Second, sc.InitTimeout)
	assert.Equal(t, 10*time.Second, sc.DestroyTimeout)
}

func TestAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"delivery failed","details":"attach: timeout"}`))
	}))
	defer srv.Close()

	serverURL = srv.URL
	timeout = time.Second
	err := newAPIClient().Restart(context.Background())

	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadGateway, ae.Code)
	assert.Equal(t, "delivery failed (HTTP 502): attach: timeout", err.Error())
}

type stubQRClient struct {
	view       session.QRView
	err        error
	restarts   int
	restartErr error
}

func (s *stubQRClient) QR(context.Context, session.QRFormat) (session.QRView, error) {
	return s.view, s.err
}

func (s *stubQRClient) Restart(context.Context) error {
	s.restarts++
	return s.restartErr
}

func TestWatchModel(t *testing.T) {
	stub := &stubQRClient{view: session.QRView{
		StatusView: session.StatusView{Phase: "qr_pending", HasQR: true, MaxRetries: 3, Message: "Scan the QR code"},
		QR:         "█▀▀▀▀▀█\n█ ███ █\n",
	}}
	m := newWatchModel(stub, time.Second)

	msg := m.fetch()()
	updated, cmd := m.Update(msg)
	m = updated.(watchModel)
	assert.NotNil(t, cmd)
	assert.True(t, m.loaded)
	out := m.View()
	assert.Contains(t, out, "█ ███ █")
	assert.Contains(t, out, "qr_pending")

	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = updated.(watchModel)
	require.NotNil(t, cmd)
	assert.True(t, m.restarting)
	assert.Contains(t, m.View(), "Restarting")

	updated, _ = m.Update(cmd())
	m = updated.(watchModel)
	assert.False(t, m.restarting)
	assert.Equal(t, 1, stub.restarts)

	stub.err = errors.New("connection refused")
	updated, _ = m.Update(m.fetch()())
	m = updated.(watchModel)
	assert.Contains(t, m.View(), "connection refused")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestConfigWarnings(t *testing.T) {
	c := config.DefaultConfig()
	path := filepath.Join(t.TempDir(), "invoicewa.yaml")

	warnings := configWarnings(c, path)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "not found")

	require.NoError(t, c.Save(path))
	assert.Empty(t, configWarnings(c, path))

	c.Session.MaxRetries = 0
	c.Browser.Headless = false
	c.Journal.Enabled = false
	assert.Len(t, configWarnings(c, path), 3)
}

func TestInProgress(t *testing.T) {
	assert.True(t, inProgress("initializing"))
	assert.False(t, inProgress("failed"))
	assert.False(t, inProgress("bogus"))
	assert.True(t, strings.HasPrefix(defaultServerURL(), "http"))
}
