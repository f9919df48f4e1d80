// Command ringdownd runs the Ringdown telephony voice-assistant backend: a
// WebSocket endpoint for PSTN calls relayed through a telephony provider and
// an HTTP surface for managed audio/video sessions, both driven by the same
// agent profiles, tool registry, conversation store, and LLM driver.
//
// # Basic Usage
//
// Start the server:
//
//	ringdownd serve --config ringdown.yaml
//
// # Environment Variables
//
// Agent credentials are read from the config file; ringdownd itself only
// reads:
//
//   - RINGDOWN_CONFIG: path to the configuration file (default: ringdown.yaml)
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional; a deployment may set ANTHROPIC_API_KEY etc. via its
	// own process supervisor instead. godotenv.Load never overrides a
	// variable already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with the serve subcommand attached.
// Separated from main so tests can exercise it without os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ringdownd",
		Short: "Ringdown - telephony and managed-AV voice assistant backend",
		Long: `Ringdown answers phone calls over a telephony WebSocket relay and
managed audio/video sessions over HTTP, routing both through the same agent
profiles, tool registry, and LLM streaming driver.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path == "" {
		if env := os.Getenv("RINGDOWN_CONFIG"); env != "" {
			return env
		}
		return "ringdown.yaml"
	}
	return path
}
