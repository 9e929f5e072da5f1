package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"invoicewa/internal/api"
	"invoicewa/internal/browser"
	"invoicewa/internal/config"
	"invoicewa/internal/delivery"
	"invoicewa/internal/journal"
	"invoicewa/internal/logging"
	"invoicewa/internal/session"
)

var serveStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session supervisor and the HTTP API",
	Long: `Starts the WhatsApp session supervisor and serves the REST API.

The session stays idle until a QR code is requested (or --start is given).
Send SIGINT or SIGTERM to shut down; the browser is torn down before exit.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStart, "start", false, "Start a session attempt immediately")
}

// service is everything serve wires together.
type service struct {
	supervisor *session.Supervisor
	handler    *api.Handler
	journal    *journal.Journal
	server     *http.Server
}

func sessionConfig(c *config.Config) session.Config {
	return session.Config{
		MaxRetries:     c.Session.MaxRetries,
		InitTimeout:    c.Session.GetInitTimeout(),
		QRExpiry:       c.Session.GetQRExpiry(),
		BackoffBase:    c.Session.GetBackoffBase(),
		BackoffCap:     c.Session.GetBackoffCap(),
		PurgeSettle:    c.Session.GetPurgeSettle(),
		RestartSettle:  c.Session.GetRestartSettle(),
		EventBuffer:    c.Session.EventBuffer,
		DestroyTimeout: c.Browser.GetDestroyTimeout(),
	}
}

// getBrowserConfig maps the YAML browser section onto the rod client config.
func getBrowserConfig(c *config.Config) browser.Config {
	bc := browser.DefaultConfig()
	bc.Bin = c.Browser.Bin
	bc.Headless = c.Browser.Headless
	if c.Browser.URL != "" {
		bc.URL = c.Browser.URL
	}
	bc.UserAgent = c.Browser.UserAgent
	bc.PollInterval = c.Browser.GetPollInterval()
	bc.NavigationTimeout = c.Browser.GetNavigationTimeout()
	bc.SendTimeout = c.Browser.GetSendTimeout()
	bc.ExtraFlags = c.Browser.ExtraFlags
	return bc
}

func newStore(c *config.Config) *session.Store {
	return session.NewStore(c.Session.ProfileDir(), []string{c.Session.CacheDir()}, c.Session.KillStrayProcesses)
}

func buildService(c *config.Config, factory session.HandleFactory) (*service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sup := session.NewSupervisor(sessionConfig(c), newStore(c), factory, session.NewMetrics(reg))

	var (
		j        *journal.Journal
		recorder delivery.Recorder
		lister   api.DeliveryLister
	)
	if c.Journal.Enabled {
		opened, err := journal.Open(c.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open delivery journal: %w", err)
		}
		j, recorder, lister = opened, opened, opened
		logging.Boot("delivery journal at %s", opened.Path())
	}

	gateway := delivery.NewGateway(delivery.Config{
		CountryCode:    c.Delivery.CountryCode,
		SpoolDir:       c.Delivery.SpoolDir,
		MaxInlineBytes: c.Delivery.MaxInlineBytes,
	}, sup, recorder, delivery.NewMetrics(reg))

	handler := api.NewHandler(api.Deps{
		Status:         session.NewFacade(sup),
		Control:        sup,
		Sender:         gateway,
		Deliveries:     lister,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		MaxInlineBytes: c.Delivery.MaxInlineBytes,
	})

	return &service{
		supervisor: sup,
		handler:    handler,
		journal:    j,
		server: &http.Server{
			Addr:              c.Server.Addr,
			Handler:           api.NewRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run blocks until ctx is cancelled or a component fails.
func (s *service) run(ctx context.Context, shutdownTimeout time.Duration, start bool) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.handler.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(sctx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if start {
		if err := s.supervisor.Start(); err != nil {
			logger.Warn("initial session start failed", zap.Error(err))
		}
	}

	err := g.Wait()
	if s.journal != nil {
		if cerr := s.journal.Close(); cerr != nil {
			logger.Warn("journal close failed", zap.Error(cerr))
		}
	}
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(cfg, browser.NewFactory(getBrowserConfig(cfg)))
	if err != nil {
		return err
	}

	logger.Info("invoicewa starting",
		zap.String("data_dir", cfg.Session.DataDir),
		zap.Int("max_retries", cfg.Session.MaxRetries),
		zap.Bool("journal", cfg.Journal.Enabled))

	if err := svc.run(ctx, cfg.GetShutdownTimeout(), serveStart); err != nil {
		return err
	}
	logger.Info("invoicewa stopped")
	return nil
}
