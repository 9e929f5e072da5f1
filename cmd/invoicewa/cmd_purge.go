package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the stored WhatsApp session (forces a new QR pairing)",
	Long: `Kills any Chrome still bound to the session profile and deletes the
profile and cache directories. Run it while the service is stopped, or use
"invoicewa restart" against a running service instead.`,
	RunE: runPurge,
}

func runPurge(cmd *cobra.Command, args []string) error {
	store := newStore(cfg)
	err := store.Purge(cmd.Context())
	for _, dir := range store.Dirs() {
		fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", dir)
	}
	if err != nil {
		logger.Warn("purge incomplete", zap.Error(err))
		return fmt.Errorf("purge incomplete: %w", err)
	}
	return nil
}
