package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emperorhan/webhook-indexer/internal/tracing"
)

const (
	storeModePostgres = "postgres"
	storeModeMemory   = "memory"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var storeMode string

	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Webhook ingestion and indexing job runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch storeMode {
			case storeModePostgres, storeModeMemory:
				return nil
			}
			return fmt.Errorf("--store must be %s or %s", storeModePostgres, storeModeMemory)
		},
	}
	root.PersistentFlags().StringVar(&storeMode, "store", storeModePostgres, "state backend: postgres or memory (development only)")

	root.AddCommand(
		newServeCmd(&storeMode),
		newMigrateCmd(),
		newHousekeepCmd(&storeMode),
	)
	return root
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(tracing.NewLogHandler(handler))
}

// maskCredentials hides the userinfo part of a connection URL for logging.
func maskCredentials(rawURL string) string {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return rawURL
	}
	authority := rest
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority = rest[:i]
	}
	at := strings.LastIndex(authority, "@")
	if at < 0 {
		return rawURL
	}
	return scheme + "://***" + rest[at:]
}
