// Package browser drives WhatsApp Web in a headless Chrome instance and
// exposes it as a session.Handle.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"invoicewa/internal/logging"
	"invoicewa/internal/session"
)

// Config holds browser configuration.
type Config struct {
	Bin               string        // empty = rod-managed Chromium
	Headless          bool          // run without a window
	URL               string        // WhatsApp Web origin
	UserAgent         string        // optional override
	PollInterval      time.Duration // DOM watcher cadence
	NavigationTimeout time.Duration
	SendTimeout       time.Duration
	ExtraFlags        []string // additional Chrome switches, "--name=value"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		URL:               "https://web.whatsapp.com",
		PollInterval:      time.Second,
		NavigationTimeout: 60 * time.Second,
		SendTimeout:       90 * time.Second,
	}
}

// GetURL returns the WhatsApp Web origin.
func (c Config) GetURL() string {
	if c.URL == "" {
		return "https://web.whatsapp.com"
	}
	return c.URL
}

// GetPollInterval returns the watcher cadence.
func (c Config) GetPollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return time.Second
	}
	return c.PollInterval
}

// GetNavigationTimeout returns the navigation timeout.
func (c Config) GetNavigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 60 * time.Second
	}
	return c.NavigationTimeout
}

// GetSendTimeout bounds one document send.
func (c Config) GetSendTimeout() time.Duration {
	if c.SendTimeout <= 0 {
		return 90 * time.Second
	}
	return c.SendTimeout
}

// NewFactory returns a session.HandleFactory producing browser clients.
func NewFactory(cfg Config) session.HandleFactory {
	return func(a session.Attempt) (session.Handle, error) {
		return NewClient(cfg, a), nil
	}
}

// Client owns one Chrome process bound to one session attempt.
type Client struct {
	cfg     Config
	attempt session.Attempt
	logger  *zap.Logger

	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	launch   *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	watching sync.WaitGroup

	// pageMu serialises page access between the watcher and Send.
	pageMu sync.Mutex

	ready     atomic.Bool
	destroyed atomic.Bool
	destroy   sync.Once
}

// NewClient creates an unconnected client for one attempt.
func NewClient(cfg Config, a session.Attempt) *Client {
	life, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		attempt: a,
		logger:  logging.Get(logging.CategoryBrowser).With(zap.Uint64("generation", a.Generation)),
		life:    life,
		cancel:  cancel,
	}
}

// Connect launches Chrome against the attempt's profile, opens WhatsApp Web
// and starts the DOM watcher. ctx bounds the launch and first navigation
// only; the browser lives until Destroy.
func (c *Client) Connect(ctx context.Context) error {
	if c.destroyed.Load() {
		return errors.New("browser client already destroyed")
	}

	// The process belongs to the client, not to the connect deadline.
	l := newLauncher(c.life, c.cfg, c.attempt.ProfileDir)
	c.mu.Lock()
	c.launch = l
	c.mu.Unlock()

	controlURL, err := launchWithin(ctx, l)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(c.life)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser disconnected: connect: %w", err)
	}
	c.mu.Lock()
	c.browser = b
	c.mu.Unlock()

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("browser disconnected: open page: %w", err)
	}
	if c.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.cfg.UserAgent}); err != nil {
			c.logger.Warn("failed to set user agent", zap.Error(err))
		}
	}

	nav := page.Context(ctx).Timeout(c.cfg.GetNavigationTimeout())
	if err := nav.Navigate(c.cfg.GetURL()); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	if err := nav.WaitLoad(); err != nil {
		return fmt.Errorf("navigation failed: wait load: %w", err)
	}

	c.mu.Lock()
	if c.destroyed.Load() {
		c.mu.Unlock()
		return errors.New("browser client destroyed during connect")
	}
	c.page = page
	c.watching.Add(1)
	c.mu.Unlock()

	c.logger.Info("whatsapp web opened", zap.String("url", c.cfg.GetURL()))
	go c.watch(page)
	return nil
}

// Send opens the chat for destination and sends doc as an attachment.
func (c *Client) Send(ctx context.Context, destination string, doc session.Document) error {
	if _, err := os.Stat(doc.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", session.ErrFileNotFound, doc.Path)
		}
		return fmt.Errorf("stat attachment: %w", err)
	}
	if !c.ready.Load() || c.destroyed.Load() {
		return session.ErrNotReady
	}

	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page == nil {
		return session.ErrNotReady
	}

	c.pageMu.Lock()
	defer c.pageMu.Unlock()

	started := time.Now()
	p := page.Context(ctx).Timeout(c.cfg.GetSendTimeout())
	if err := sendDocument(p, c.chatURL(destination), doc); err != nil {
		c.logger.Warn("document send failed", zap.String("destination", destination), zap.Error(err))
		return err
	}
	c.logger.Info("document sent",
		zap.String("destination", destination),
		zap.String("file", doc.Path),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// Destroy closes the browser and kills its process tree. Safe to call
// repeatedly and on a client that never connected.
func (c *Client) Destroy(ctx context.Context) {
	c.destroy.Do(func() {
		c.destroyed.Store(true)
		c.ready.Store(false)
		c.cancel()

		c.mu.Lock()
		b, l := c.browser, c.launch
		c.browser, c.page = nil, nil
		c.mu.Unlock()

		if b != nil {
			closed := make(chan error, 1)
			go func() { closed <- b.Close() }()
			select {
			case err := <-closed:
				if err != nil {
					c.logger.Debug("browser close failed", zap.Error(err))
				}
			case <-ctx.Done():
				c.logger.Warn("browser close timed out, killing process")
			}
		}
		if l != nil {
			l.Kill()
		}

		waited := make(chan struct{})
		go func() {
			c.watching.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
		}
		c.logger.Info("browser client destroyed")
	})
}

func (c *Client) chatURL(destination string) string {
	q := url.Values{}
	q.Set("phone", destination)
	q.Set("type", "phone_number")
	return c.cfg.GetURL() + "/send?" + q.Encode()
}

func (c *Client) emit(ev session.Event) {
	if c.destroyed.Load() {
		return
	}
	c.attempt.Emit(ev)
}
