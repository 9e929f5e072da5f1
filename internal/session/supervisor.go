// Package session supervises the lifecycle of the single messaging client
// used to deliver documents: pairing by QR code, authentication, readiness,
// disconnection, bounded retry with backoff, and artifact cleanup between
// attempts.
//
// The Supervisor is an actor. Run drains one command channel and one bounded
// event channel; every state mutation happens on that goroutine. Handle events
// and timers are tagged with the attempt generation they belong to and are
// dropped once that attempt has been superseded.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"invoicewa/internal/logging"
)

// Config holds supervisor tuning.
type Config struct {
	MaxRetries    int
	InitTimeout   time.Duration
	QRExpiry      time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	PurgeSettle   time.Duration
	RestartSettle time.Duration
	EventBuffer   int

	// DestroyTimeout bounds one handle teardown.
	DestroyTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitTimeout:    90 * time.Second,
		QRExpiry:       60 * time.Second,
		BackoffBase:    5 * time.Second,
		BackoffCap:     60 * time.Second,
		PurgeSettle:    2 * time.Second,
		RestartSettle:  time.Second,
		EventBuffer:    64,
		DestroyTimeout: 15 * time.Second,
	}
}

// Purger is the artifact store the supervisor cleans before each attempt.
type Purger interface {
	Purge(ctx context.Context) error
	ProfileDir() string
}

var retryableMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"navigation failed",
	"browser disconnected",
}

// IsRetryable reports whether a failure message belongs to a transient
// connection class eligible for automatic retry.
func IsRetryable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range retryableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdRestart
)

type command struct {
	kind commandKind
	done chan struct{}
}

type envelopeKind int

const (
	envHandleEvent envelopeKind = iota
	envConnected
	envInitTimeout
	envQRExpiry
	envRetry
	envSettle
)

type envelope struct {
	kind  envelopeKind
	gen   uint64
	token string // envQRExpiry: the code it expires
	seq   uint64 // envInitTimeout: the arming it belongs to
	event Event
	err   error
}

// Supervisor owns the connection phase and the one live Handle.
type Supervisor struct {
	cfg     Config
	store   Purger
	factory HandleFactory
	logger  *zap.Logger
	metrics *Metrics
	subs    *broadcaster

	cmds    chan command
	events  chan envelope
	done    chan struct{}
	running atomic.Bool

	// Published view, read by any goroutine.
	mu     sync.RWMutex
	snap   State
	active Handle

	// Loop-owned below this line.
	ctx           context.Context
	state         State
	handle        Handle
	attemptCancel context.CancelFunc
	backoff       *backoff.ExponentialBackOff
	initTimer     *time.Timer
	initSeq       uint64
	qrTimer       *time.Timer
	retryTimer    *time.Timer
	settleTimer   *time.Timer
}

// NewSupervisor creates a supervisor in PhaseIdle. Call Run to start its loop.
func NewSupervisor(cfg Config, store Purger, factory HandleFactory, metrics *Metrics) *Supervisor {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 15 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.BackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	s := &Supervisor{
		cfg:     cfg,
		store:   store,
		factory: factory,
		logger:  logging.Get(logging.CategorySession),
		metrics: metrics,
		subs:    newBroadcaster(16),
		cmds:    make(chan command, 16),
		events:  make(chan envelope, cfg.EventBuffer),
		done:    make(chan struct{}),
		backoff: bo,
		state: State{
			Phase:      PhaseIdle,
			MaxRetries: cfg.MaxRetries,
			UpdatedAt:  time.Now(),
		},
	}
	s.snap = s.state
	return s
}

// Run drives the supervisor until ctx is cancelled, then tears down any
// live handle. It may be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session supervisor already running")
	}
	s.ctx = ctx
	defer close(s.done)

	s.metrics.setPhase(s.state.Phase)
	s.logger.Info("session supervisor started", zap.Int("max_retries", s.cfg.MaxRetries))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case cmd := <-s.cmds:
			s.handleCommand(cmd)
		case env := <-s.events:
			s.handleEnvelope(env)
		}
		s.publish()
	}
}

// Done is closed once Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start requests a new connection attempt. It returns immediately; an
// attempt already in progress turns the request into a logged no-op.
func (s *Supervisor) Start() error {
	return s.send(command{kind: cmdStart})
}

// Restart resets the retry budget, force-destroys any live handle and
// schedules a fresh attempt after the restart settle delay. It returns once
// the old handle is fully torn down.
func (s *Supervisor) Restart(ctx context.Context) error {
	cmd := command{kind: cmdRestart, done: make(chan struct{})}
	if err := s.send(cmd); err != nil {
		return err
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestQR returns the live pairing token, if any. In PhaseIdle it kicks
// off a new attempt and returns none; during a restart's settle delay that
// request is folded into the pending attempt.
func (s *Supervisor) RequestQR() (string, bool) {
	st := s.Status()
	switch st.Phase {
	case PhaseIdle:
		if err := s.Start(); err != nil {
			s.logger.Warn("could not start session for QR request", zap.Error(err))
		}
	case PhaseQRPending:
		if st.QRToken != "" {
			return st.QRToken, true
		}
	}
	return "", false
}

// Status returns a copy of the latest published state.
func (s *Supervisor) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ActiveHandle returns the live handle while the session is ready.
func (s *Supervisor) ActiveHandle() (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.Phase != PhaseReady || s.active == nil {
		return nil, fmt.Errorf("%w (phase %s)", ErrNotReady, s.snap.Phase)
	}
	return s.active, nil
}

// Subscribe streams every published state change. Call the returned
// function to unsubscribe.
func (s *Supervisor) Subscribe() (<-chan State, func()) {
	sub, cancel := s.subs.subscribe()
	return sub.ch, cancel
}

func (s *Supervisor) send(cmd command) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// post delivers a timer or connect result into the loop.
func (s *Supervisor) post(env envelope, attemptDone <-chan struct{}) {
	select {
	case s.events <- env:
	case <-attemptDone:
	case <-s.done:
	}
}

func (s *Supervisor) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStart:
		s.start("request")
	case cmdRestart:
		s.restart()
		close(cmd.done)
	}
}

func (s *Supervisor) handleEnvelope(env envelope) {
	if env.gen != s.state.Generation {
		s.metrics.staleEvent()
		s.logger.Debug("dropping stale session event",
			zap.Uint64("event_generation", env.gen),
			zap.Uint64("generation", s.state.Generation),
			zap.Int("kind", int(env.kind)))
		return
	}

	switch env.kind {
	case envHandleEvent:
		s.handleEvent(env.event)
	case envConnected:
		if env.err != nil {
			s.fail(fmt.Sprintf("connect: %v", env.err))
			return
		}
		s.logger.Debug("client connected", zap.Uint64("generation", env.gen))
	case envInitTimeout:
		if s.initTimer == nil || env.seq != s.initSeq {
			s.metrics.staleEvent()
			return
		}
		s.initTimer = nil
		if s.state.Phase == PhaseInitializing || s.state.Phase == PhaseAuthenticated {
			s.fail(fmt.Sprintf("timeout: session not ready within %s", s.cfg.InitTimeout))
		}
	case envQRExpiry:
		s.onQRExpired(env.token)
	case envRetry:
		s.retryTimer = nil
		s.start("retry")
	case envSettle:
		s.settleTimer = nil
		s.start("restart")
	}
}

func (s *Supervisor) handleEvent(ev Event) {
	if s.handle == nil {
		return
	}
	switch ev.Kind {
	case EventQR:
		s.onQR(ev.Payload)
	case EventAuthenticated:
		s.onAuthenticated()
	case EventReady:
		s.onReady()
	case EventDisconnected:
		s.onDisconnected(ev.Payload)
	case EventError:
		s.fail(ev.Payload)
	}
}

func (s *Supervisor) start(reason string) {
	log := s.logger.With(zap.String("reason", reason))

	if s.state.Phase.InProgress() {
		log.Info("session start ignored", zap.Error(ErrAlreadyInProgress), zap.Stringer("phase", s.state.Phase))
		return
	}
	if s.state.Phase == PhaseFailed && s.state.Exhausted() {
		if !strings.HasPrefix(s.state.LastError, ErrRetriesExhausted.Error()) {
			s.state.LastError = fmt.Sprintf("%v: %s", ErrRetriesExhausted, s.state.LastError)
		}
		log.Warn("session start refused", zap.Error(ErrRetriesExhausted), zap.Int("retry_count", s.state.RetryCount))
		return
	}
	if reason == "request" && s.settleTimer != nil {
		log.Info("session start folded into pending restart")
		return
	}

	s.stopTimers()
	s.state.RetryAt = time.Time{}

	began := time.Now()
	if err := s.store.Purge(s.ctx); err != nil {
		log.Warn("session artifact purge incomplete", zap.Error(err))
	}
	if !sleepCtx(s.ctx, s.cfg.PurgeSettle) {
		return
	}
	s.metrics.observePurge(time.Since(began))

	s.state.Generation++
	gen := s.state.Generation
	attemptCtx, cancel := context.WithCancel(s.ctx)

	h, err := s.factory(Attempt{
		Generation: gen,
		ProfileDir: s.store.ProfileDir(),
		Emit:       s.emitter(gen, attemptCtx.Done()),
	})
	if err != nil {
		cancel()
		s.state.Phase = PhaseInitializing
		s.fail(fmt.Sprintf("create client: %v", err))
		return
	}

	s.handle = h
	s.attemptCancel = cancel
	s.state.Phase = PhaseInitializing
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	s.metrics.attempt()
	s.armInit(attemptCtx.Done())
	s.publish()

	log.Info("session attempt started",
		zap.Uint64("generation", gen),
		zap.Int("retry_count", s.state.RetryCount))

	go func() {
		ctx, cancelConnect := context.WithTimeout(attemptCtx, s.cfg.InitTimeout)
		defer cancelConnect()
		err := h.Connect(ctx)
		s.post(envelope{kind: envConnected, gen: gen, err: err}, attemptCtx.Done())
	}()
}

func (s *Supervisor) restart() {
	s.logger.Info("session restart requested",
		zap.Stringer("phase", s.state.Phase),
		zap.Uint64("generation", s.state.Generation))

	s.stopTimers()
	s.backoff.Reset()
	s.state.RetryCount = 0
	s.state.LastError = ""
	s.state.RetryAt = time.Time{}
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	s.state.Phase = PhaseIdle
	s.teardown()

	s.settleTimer = s.arm(s.cfg.RestartSettle, envelope{kind: envSettle, gen: s.state.Generation}, nil)
}

func (s *Supervisor) onQR(token string) {
	s.stopTimer(&s.initTimer)
	s.stopTimer(&s.qrTimer)
	s.backoff.Reset()

	s.state.Phase = PhaseQRPending
	s.state.QRToken = token
	s.state.QRIssuedAt = time.Now()
	s.state.RetryCount = 0

	s.qrTimer = s.arm(s.cfg.QRExpiry, envelope{kind: envQRExpiry, gen: s.state.Generation, token: token}, nil)
	s.logger.Info("QR code issued", zap.Uint64("generation", s.state.Generation))
}

func (s *Supervisor) onQRExpired(token string) {
	s.qrTimer = nil
	if s.state.Phase != PhaseQRPending || s.state.QRToken != token {
		s.metrics.staleEvent()
		return
	}
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	s.logger.Info("QR code expired", zap.Uint64("generation", s.state.Generation))
}

func (s *Supervisor) onAuthenticated() {
	s.stopTimer(&s.qrTimer)
	s.state.Phase = PhaseAuthenticated
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	if s.initTimer == nil {
		s.armInit(nil)
	}
	s.logger.Info("session authenticated", zap.Uint64("generation", s.state.Generation))
}

func (s *Supervisor) onReady() {
	s.stopTimers()
	s.backoff.Reset()
	s.state.Phase = PhaseReady
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	s.state.LastError = ""
	s.state.RetryCount = 0
	s.state.RetryAt = time.Time{}
	s.logger.Info("session ready", zap.Uint64("generation", s.state.Generation))
}

func (s *Supervisor) onDisconnected(reason string) {
	s.stopTimers()
	s.state.Phase = PhaseDisconnected
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	s.state.LastError = "disconnected: " + reason
	s.teardown()
	s.logger.Warn("session disconnected", zap.String("reason", reason))
}

// fail ends the current attempt and either schedules a retry or leaves the
// session in PhaseFailed until Restart.
func (s *Supervisor) fail(msg string) {
	retryable := IsRetryable(msg)
	s.metrics.failure(retryable)

	s.stopTimers()
	s.state.Phase = PhaseFailed
	s.state.LastError = msg
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	s.state.RetryAt = time.Time{}
	s.teardown()

	log := s.logger.With(
		zap.String("error", msg),
		zap.Bool("retryable", retryable),
		zap.Uint64("generation", s.state.Generation))

	if !retryable || s.state.RetryCount >= s.cfg.MaxRetries {
		log.Error("session failed", zap.Int("retry_count", s.state.RetryCount))
		return
	}

	s.state.RetryCount++
	if s.state.Exhausted() {
		log.Error("session failed, retries exhausted",
			zap.Int("retry_count", s.state.RetryCount),
			zap.NamedError("cause", ErrRetriesExhausted))
		return
	}

	delay := s.backoff.NextBackOff()
	s.state.RetryAt = time.Now().Add(delay)
	s.retryTimer = s.arm(delay, envelope{kind: envRetry, gen: s.state.Generation}, nil)
	s.metrics.retry()
	log.Warn("session failed, retry scheduled",
		zap.Int("retry_count", s.state.RetryCount),
		zap.Duration("delay", delay))
}

// teardown detaches and destroys the live handle and moves to a new
// generation so nothing from the old attempt is acted on.
func (s *Supervisor) teardown() {
	s.state.Generation++

	h, cancel := s.handle, s.attemptCancel
	s.handle, s.attemptCancel = nil, nil
	s.publish()

	if cancel != nil {
		cancel()
	}
	if h == nil {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), s.cfg.DestroyTimeout)
	defer done()
	h.Destroy(ctx)
}

func (s *Supervisor) shutdown() {
	s.stopTimers()
	s.state.QRToken = ""
	s.state.QRIssuedAt = time.Time{}
	if s.state.Phase.InProgress() {
		s.state.Phase = PhaseIdle
	}
	s.teardown()
	s.publish()
	s.logger.Info("session supervisor stopped")
}

func (s *Supervisor) emitter(gen uint64, attemptDone <-chan struct{}) func(Event) {
	return func(ev Event) {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		s.post(envelope{kind: envHandleEvent, gen: gen, event: ev}, attemptDone)
	}
}

func (s *Supervisor) arm(d time.Duration, env envelope, attemptDone <-chan struct{}) *time.Timer {
	return time.AfterFunc(d, func() { s.post(env, attemptDone) })
}

// armInit starts a fresh init timeout. Envelopes from earlier armings are
// dropped even when they share the generation.
func (s *Supervisor) armInit(attemptDone <-chan struct{}) {
	s.stopTimer(&s.initTimer)
	s.initSeq++
	s.initTimer = s.arm(s.cfg.InitTimeout, envelope{kind: envInitTimeout, gen: s.state.Generation, seq: s.initSeq}, attemptDone)
}

func (s *Supervisor) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Supervisor) stopTimers() {
	s.stopTimer(&s.initTimer)
	s.stopTimer(&s.qrTimer)
	s.stopTimer(&s.retryTimer)
	s.stopTimer(&s.settleTimer)
}

// publish exposes the loop state to readers and subscribers.
func (s *Supervisor) publish() {
	s.mu.Lock()
	prev := s.snap
	cur := s.state
	cur.UpdatedAt = prev.UpdatedAt
	changed := cur != prev || s.active != s.handle
	if changed {
		cur.UpdatedAt = time.Now()
		s.snap = cur
		s.active = s.handle
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	s.state.UpdatedAt = cur.UpdatedAt
	if prev.Phase != cur.Phase {
		s.metrics.setPhase(cur.Phase)
		s.logger.Debug("session phase changed",
			zap.Stringer("from", prev.Phase),
			zap.Stringer("to", cur.Phase))
	}
	s.subs.broadcast(cur)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
