package main

import (
	"encoding/json"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/valhalla/internal/api"
	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/project"
	"github.com/p-blackswan/valhalla/internal/session"
)

const (
	sweepInterval   = time.Minute
	shutdownTimeout = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Bool("project_configured", cfg.ProjectConfigured()).
		Str("auth_mode", cfg.AuthMode).
		Msg("starting valhalla")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := buildServices(ctx, cfg, logger)
	defer svc.Close()

	sessions := session.NewManager(session.ManagerConfig{
		DefaultProject: cfg.DefaultProject,
		IdleTTL:        cfg.SessionTTL,
		MaxSessions:    cfg.MaxSessions,
	}, svc.store, svc.gateway, logger, session.WithMetrics(svc.metrics))

	srv := api.NewServer(api.ServerConfigFrom(cfg), api.Deps{
		Sessions: sessions,
		Store:    svc.store,
		Model:    svc.gateway,
		Checker:  svc.checker,
		Metrics:  svc.metrics,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx, sweepInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.runRetention(ctx, cfg, logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("chat API server error")
		}
		cancel()
	}

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("chat API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("valhalla stopped")
	return nil
}

// healthReport is the output of the health command.
type healthReport struct {
	Store project.StoreHealth `json:"firestore"`
	Model llm.ModelHealth     `json:"vertex_ai"`
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the document store and model endpoint, print both reports as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc := buildServices(ctx, cfg, logger)
			defer svc.Close()

			return printJSON(cmd, healthReport{
				Store: svc.store.HealthCheck(ctx),
				Model: svc.gateway.HealthCheck(ctx),
			})
		},
	}
}

func usageCmd() *cobra.Command {
	var (
		projectName string
		days        int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print usage statistics from the execution log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc := buildServices(ctx, cfg, logger)
			defer svc.Close()

			return printJSON(cmd, svc.store.UsageStats(ctx, projectName, days))
		},
	}

	cmd.Flags().StringVar(&projectName, "project", "", "Only count entries for this project")
	cmd.Flags().IntVar(&days, "days", 1, "Look back this many days")
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the mission and default projects if absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			// NewStore bootstraps on connect.
			svc := buildServices(cmd.Context(), cfg, logger)
			defer svc.Close()

			if !svc.store.Online() {
				logger.Warn().Msg("document store not available - nothing seeded")
				return nil
			}
			return printJSON(cmd, svc.store.ListProjects(cmd.Context()))
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
