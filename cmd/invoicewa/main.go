// Command invoicewa runs the WhatsApp document-delivery service and talks
// to a running instance.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"invoicewa/internal/config"
	"invoicewa/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	serverURL  string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "invoicewa",
	Short: "WhatsApp document delivery for invoices",
	Long: `invoicewa keeps one WhatsApp Web session alive in headless Chrome and
sends invoice documents through it.

Run "invoicewa serve" to start the service, then pair it by scanning the QR
code shown by "invoicewa watch" or served at /api/whatsapp/qr.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		opts := cfg.Logging.Options()
		if verbose {
			opts.Level = "debug"
		}
		if err := logging.Initialize(opts); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Get(logging.CategoryBoot)
		for _, w := range configWarnings(cfg, configPath) {
			logging.BootWarn("%s", w)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "invoicewa.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "Base URL of a running invoicewa (or set INVOICEWA_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Client request timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configWarnings lists settings that are valid but probably unintended.
func configWarnings(c *config.Config, path string) []string {
	var warnings []string
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, fmt.Sprintf("config file %s not found, using defaults", path))
	}
	if c.Session.MaxRetries == 0 {
		warnings = append(warnings, "session.max_retries is 0; transient connection failures will not be retried")
	}
	if !c.Browser.Headless {
		warnings = append(warnings, "browser.headless is false; Chrome needs a display")
	}
	if !c.Journal.Enabled {
		warnings = append(warnings, "delivery journal disabled; /api/whatsapp/deliveries will be empty")
	}
	return warnings
}

func defaultServerURL() string {
	if u := os.Getenv("INVOICEWA_SERVER"); u != "" {
		return u
	}
	return "http://localhost:8085"
}
