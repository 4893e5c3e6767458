package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sitbon/magg-go/pkg/config"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var flagConfigPath string

var rootCmd = &cobra.Command{
	Use:   "magg",
	Short: "Aggregate MCP servers behind one endpoint",
	Long: `Magg mounts configured MCP servers behind a single frontend and
exposes their tools, prompts, and resources under per-server prefixes.
Servers are managed at runtime through magg's own tools or bundled as
kits; configuration lives in .magg/config.json.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "Config file path (default: discover .magg/config.json)")
}

// loadSettings captures the environment-derived settings with the --config
// flag applied on top.
func loadSettings() config.Settings {
	settings := config.LoadSettings()
	if flagConfigPath != "" {
		settings.ConfigPath = flagConfigPath
	}
	return settings
}

// newLogger builds the process logger. Diagnostics always go to stderr so
// that stdio transport mode keeps stdout clean for the protocol.
func newLogger(settings config.Settings) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.LogLevel}))
}

func main() {
	_ = godotenv.Load()
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
