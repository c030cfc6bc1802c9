package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackmichael/pinakes/internal/config"
	"github.com/blackmichael/pinakes/internal/store"
)

// Build-time variables set via ldflags.
var (
	version = "0.1.0"
	commit  = ""
)

var flagDB string

func versionString() string {
	if commit != "" {
		return "pinakes version " + version + " (commit: " + commit + ")"
	}
	return "pinakes version " + version + "-dev"
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "pinakes",
		Short:        "pinakes — a personal, searchable index of your corner of Bluesky",
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", config.DefaultDBPath, "Database file path (env: PINAKES_DB)")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newEmbeddingsCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newExplainCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func textHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
}

func newLogger() *slog.Logger {
	return slog.New(textHandler())
}

func dbPath() string {
	if flagDB == config.DefaultDBPath {
		if v := os.Getenv("PINAKES_DB"); v != "" {
			return v
		}
	}
	return flagDB
}

func openStore() (*store.Store, error) {
	return store.Open(dbPath())
}

// truncate returns the first n characters of s, appending "..." if truncated.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
