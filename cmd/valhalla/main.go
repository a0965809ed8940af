// Command valhalla serves the AI co-founder chat hub over HTTP.
//
// Usage:
//
//	GCP_PROJECT_ID=my-project VERTEX_ACCESS_TOKEN=$(gcloud auth print-access-token) valhalla serve
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/valhalla/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "valhalla",
		Short: "AI co-founder chat hub",
		Long: `Valhalla is a chat hub for a small portfolio of software projects.

Each turn pairs the user's message with the current project's stored context,
sends it to Claude on Vertex AI and keeps the transcript, usage log and
project records in the document store.

Configuration comes from the environment (GCP_PROJECT_ID, GCP_REGION,
CLAUDE_MODEL, DATABASE_PATH, AUTH_MODE, ...).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	cmd.AddCommand(serveCmd(), healthCmd(), usageCmd(), seedCmd())
	return cmd
}

// setup loads config and builds the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		return nil, logger, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid configuration: %w", err)
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, logger, nil
}
