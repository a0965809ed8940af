package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/valhalla/internal/config"
	"github.com/p-blackswan/valhalla/internal/health"
	"github.com/p-blackswan/valhalla/internal/llm"
	"github.com/p-blackswan/valhalla/internal/metrics"
	"github.com/p-blackswan/valhalla/internal/project"
	"github.com/p-blackswan/valhalla/internal/store"
)

// services are the two gateways plus their shared collaborators.
type services struct {
	docs    *store.Store
	store   *project.Store
	gateway *llm.Gateway
	checker *health.Checker
	metrics *metrics.Metrics
}

// Close releases the document store.
func (s *services) Close() error {
	if s.docs == nil {
		return nil
	}
	return s.docs.Close()
}

// buildServices wires the gateways. Without GCP_PROJECT_ID neither the model
// nor the document store is attached and both run degraded.
func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *services {
	svc := &services{metrics: metrics.New()}

	var backend project.Backend
	if cfg.ProjectConfigured() {
		docs, err := store.New(cfg.DatabasePath, logger)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.DatabasePath).Msg("document store unavailable - running in offline mode")
		} else {
			svc.docs = docs
			backend = docs
		}
	}

	svc.store = project.NewStore(ctx, backend, project.Config{
		ProjectID: cfg.GCPProjectID,
		CacheTTL:  cfg.CacheTTL,
		CacheSize: cfg.CacheSize,
	}, logger, project.WithMetrics(svc.metrics))

	info := llm.EndpointInfo{
		ProjectID: cfg.GCPProjectID,
		Region:    cfg.GCPRegion,
		Model:     cfg.ClaudeModel,
	}
	var provider llm.Provider
	if cfg.ProjectConfigured() {
		provider = llm.NewVertexProvider(info, llm.StaticToken(cfg.VertexAccessToken), cfg.ModelTimeout,
			llm.WithEndpoint(cfg.Endpoint()),
			llm.WithLogger(logger),
		)
	}
	svc.gateway = llm.NewGateway(provider, info, logger, llm.WithMetrics(svc.metrics))

	svc.checker = health.NewChecker(svc.store, svc.gateway, logger)

	return svc
}

// runRetention prunes old history and execution documents every interval
// until ctx is done. It is a no-op while the store is offline.
func (s *services) runRetention(ctx context.Context, cfg *config.Config, logger zerolog.Logger) {
	if s.docs == nil {
		return
	}
	policy := store.RetentionPolicy{
		store.CollectionConversationHistory: cfg.HistoryRetention,
		store.CollectionExecutions:          cfg.ExecutionRetention,
	}
	interval := cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}

	sweep := func() {
		if _, err := s.docs.RunRetention(ctx, policy); err != nil {
			logger.Error().Err(err).Msg("retention sweep failed")
		}
		if size, err := s.docs.DBSizeBytes(); err == nil {
			logger.Debug().Int64("bytes", size).Msg("document store size")
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
