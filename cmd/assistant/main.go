// Assistant - personal assistant chat streaming server
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/assistant-stream/internal/config"
)

type rootFlags struct {
	port    string
	backend string
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:           "assistant",
		Short:         "Stream assistant chat responses",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			setupLogging()
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flags.port, "port", "", "HTTP port (overrides PORT)")
	cmd.PersistentFlags().StringVar(&flags.backend, "backend", "", "assistant backend URL (overrides BACKEND_URL)")

	cmd.AddCommand(serveCmd(&flags), askCmd(&flags))
	return cmd
}

func (f *rootFlags) load() (*config.Config, error) {
	return config.Load(config.WithPort(f.port), config.WithBackendURL(f.backend))
}

// setupLogging installs the JSON logger at LOG_LEVEL before the full
// configuration is validated.
func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
