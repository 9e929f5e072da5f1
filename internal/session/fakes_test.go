package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHandle records what the supervisor does with it.
type fakeHandle struct {
	attempt    Attempt
	connectErr error
	block      chan struct{} // Connect waits on this when non-nil

	mu        sync.Mutex
	destroyed int
	sent      []string
	sendErr   error
}

func (h *fakeHandle) Connect(ctx context.Context) error {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return h.connectErr
}

func (h *fakeHandle) Send(_ context.Context, destination string, doc Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, destination+":"+doc.Path)
	return nil
}

func (h *fakeHandle) Destroy(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
}

func (h *fakeHandle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed > 0
}

func (h *fakeHandle) emit(kind EventKind, payload string) {
	h.attempt.Emit(Event{Kind: kind, Payload: payload})
}

// fakeFactory hands out fakeHandles and keeps an ordered journal shared
// with fakeStore so tests can assert purge-before-create.
type fakeFactory struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	err       error
	configure func(*fakeHandle)
	journal   *journal
	maxLive   int
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

func (f *fakeFactory) New(a Attempt) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := &fakeHandle{attempt: a}
	if f.configure != nil {
		f.configure(h)
	}
	f.handles = append(f.handles, h)
	f.journal.add(fmt.Sprintf("create:%d", a.Generation))

	live := 0
	for _, other := range f.handles {
		if !other.Destroyed() {
			live++
		}
	}
	if live > f.maxLive {
		f.maxLive = live
	}
	return h, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *fakeFactory) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func (f *fakeFactory) peakLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

type fakeStore struct {
	mu      sync.Mutex
	purges  int
	err     error
	journal *journal
}

func (s *fakeStore) Purge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	s.journal.add("purge")
	return s.err
}

func (s *fakeStore) ProfileDir() string { return "/tmp/invoicewa-test/auth" }

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purges
}

type harness struct {
	sup     *Supervisor
	factory *fakeFactory
	store   *fakeStore
}

func testConfig() Config {
	return Config{
		MaxRetries:     3,
		InitTimeout:    time.Minute,
		QRExpiry:       time.Minute,
		BackoffBase:    10 * time.Millisecond,
		BackoffCap:     40 * time.Millisecond,
		PurgeSettle:    0,
		RestartSettle:  0,
		EventBuffer:    16,
		DestroyTimeout: time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newMeteredHarness(t, cfg, nil)
}

func newMeteredHarness(t *testing.T, cfg Config, metrics *Metrics) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		factory: &fakeFactory{journal: j},
		store:   &fakeStore{journal: j},
	}
	h.sup = NewSupervisor(cfg, h.store, h.factory.New, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) waitPhase(t *testing.T, phase Phase) State {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sup.Status().Phase == phase
	}, 2*time.Second, 2*time.Millisecond, "want phase %s, have %s", phase, h.sup.Status().Phase)
	return h.sup.Status()
}

func (h *harness) waitHandles(t *testing.T, n int) *fakeHandle {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.factory.count() >= n && h.sup.Status().Phase == PhaseInitializing
	}, 2*time.Second, 2*time.Millisecond, "want %d handles", n)
	return h.factory.handle(n - 1)
}

var errBoom = errors.New("boom")
