// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/config"
	"github.com/xkilldash9x/vulndigest/internal/digest"
	"github.com/xkilldash9x/vulndigest/internal/network"
	"github.com/xkilldash9x/vulndigest/internal/observability"
	"github.com/xkilldash9x/vulndigest/internal/publish"
)

// ComponentFactory builds the components for a run. Commands depend on the
// interface so they can be tested without network or database access.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires configuration into a ready pipeline.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. State store
	store, pool, err := InitializeStore(ctx, cfg.State, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize state store: %w", err)
		return nil, initializationErr
	}
	components.Store = store
	components.DBPool = pool

	// 2. Shared HTTP settings
	clientCfg := network.NewClientConfig(cfg.Network, logger)
	logger.Debug("HTTP client settings prepared.", zap.Duration("timeout", clientCfg.RequestTimeout))

	// 3. Feeds
	feedSet := InitializeFeeds(cfg.Feeds, cfg.Digest.LookbackDays, clientCfg, logger)
	logger.Debug("Feed adapters initialized.", zap.Int("secondaries", len(feedSet.Secondaries)))

	// 4. Summarization model (optional)
	llm, err := InitializeLLMClient(ctx, cfg.LLM, clientWithTimeout(clientCfg, cfg.LLM.APITimeout), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	// 5. Enrichment
	enricher := InitializeEnricher(cfg.Enrich, llm, clientCfg, logger)
	logger.Debug("Enricher initialized.", zap.Bool("summarizer", llm != nil))

	// 6. Publisher. Credentials are checked on first use, so a dry run works without them.
	publisher := publish.NewWordPress(cfg.Publish, clientWithTimeout(clientCfg, cfg.Publish.Timeout), logger)

	// 7. Metrics and pipeline
	components.Metrics = observability.NewMetrics()
	components.Pipeline = digest.New(digest.Options{
		Primary:      feedSet.Primary,
		Secondaries:  feedSet.Secondaries,
		KEV:          feedSet.KEV,
		Store:        store,
		Enricher:     enricher,
		Publisher:    publisher,
		Metrics:      components.Metrics,
		Logger:       logger,
		LookbackDays: cfg.Digest.LookbackDays,
		HeroImageURL: cfg.Publish.HeroImageURL,
		DryRun:       cfg.Digest.DryRun,
		MetricsPath:  cfg.Metrics.TextfilePath,
	})

	logger.Debug("All digest components initialized successfully.")
	return components, nil
}
