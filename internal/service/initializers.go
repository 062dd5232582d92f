// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/config"
	"github.com/xkilldash9x/vulndigest/internal/enrich"
	"github.com/xkilldash9x/vulndigest/internal/feeds"
	"github.com/xkilldash9x/vulndigest/internal/llmclient"
	"github.com/xkilldash9x/vulndigest/internal/network"
	"github.com/xkilldash9x/vulndigest/internal/state"
)

// InitializeDBPool parses the connection string, applies the pool settings
// and makes sure the database answers before anything depends on it.
func InitializeDBPool(ctx context.Context, databaseURL string, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	// A run makes a handful of sequential state writes; a small pool is plenty.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Debug("Database connection pool initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, nil
}

// InitializeStore opens the configured state backend. The returned pool is
// non-nil only for the postgres backend and is owned by the caller.
func InitializeStore(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (state.Store, *pgxpool.Pool, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.StateBackendFile, "":
		logger.Info("Using file state store.", zap.String("path", cfg.Path))
		return state.NewFileStore(cfg.Path, logger), nil, nil

	case config.StateBackendPostgres:
		pool, err := InitializeDBPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		store := state.NewPostgresStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Using PostgreSQL state store.")
		return store, pool, nil
	}
	return nil, nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
}

// InitializeLLMClient builds the summarization client. Missing credentials
// are not an error: enrichment then falls back to the rendered article, so
// a nil client is returned.
func InitializeLLMClient(ctx context.Context, cfg config.LLMModelConfig, httpClient *network.Client, logger *zap.Logger) (llmclient.Client, error) {
	client, err := llmclient.NewClient(ctx, cfg, httpClient.Client, logger)
	if errors.Is(err, llmclient.ErrNoCredentials) {
		logger.Warn("No LLM credentials configured. Articles will use the built-in template.", zap.String("provider", string(cfg.Provider)))
		return nil, nil
	}
	if err != nil {
		logger.Error("Failed to initialize LLM client.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	return client, nil
}

// FeedSet is the configured advisory sources in merge order.
type FeedSet struct {
	Primary     feeds.Feed
	Secondaries []feeds.Feed
	KEV         feeds.IDFeed
}

// InitializeFeeds builds the enabled feed adapters, each with a client
// bounded by its own timeout.
func InitializeFeeds(cfg config.FeedsConfig, lookbackDays int, base *network.ClientConfig, logger *zap.Logger) FeedSet {
	var set FeedSet
	if cfg.NVD.Enabled {
		set.Primary = feeds.NewNVD(cfg.NVD, lookbackDays, clientWithTimeout(base, cfg.NVD.Timeout), logger)
	} else {
		logger.Warn("NVD feed is disabled; merged records will come from secondary feeds only.")
	}
	if cfg.SecGemini.Enabled {
		set.Secondaries = append(set.Secondaries, feeds.NewSecGemini(cfg.SecGemini, clientWithTimeout(base, cfg.SecGemini.Timeout), logger))
	}
	if cfg.JVN.Enabled {
		set.Secondaries = append(set.Secondaries, feeds.NewJVN(cfg.JVN, lookbackDays, clientWithTimeout(base, cfg.JVN.Timeout), logger))
	}
	if cfg.KEV.Enabled {
		set.KEV = feeds.NewKEV(cfg.KEV, clientWithTimeout(base, cfg.KEV.Timeout), logger)
	}
	return set
}

// InitializeEnricher wires the search chain and the summarizer. Without an
// LLM client it still returns an enricher that orders references.
func InitializeEnricher(cfg config.EnrichConfig, llm llmclient.Client, base *network.ClientConfig, logger *zap.Logger) *enrich.Enricher {
	client := clientWithTimeout(base, cfg.Timeout)
	chain := enrich.NewChain(logger,
		enrich.NewSerpAPI(cfg.SerpAPIKey, client),
		enrich.NewBing(cfg.BingAPIKey, client),
	)
	if chain.Len() == 0 {
		logger.Info("No search provider configured. Enrichment will not search the web.")
	}

	var summarizer enrich.Summarizer
	if llm != nil {
		summarizer = enrich.NewLLMSummarizer(llm, cfg.MaxPages, cfg.MaxBlobSize, logger)
	}
	return enrich.NewEnricher(chain, client, summarizer, cfg.MaxPages, cfg.MaxBlobSize, logger)
}

// clientWithTimeout derives a client from base with a different request
// timeout. A non-positive timeout keeps the base setting.
func clientWithTimeout(base *network.ClientConfig, timeout time.Duration) *network.Client {
	cfg := *base
	if timeout > 0 {
		cfg.RequestTimeout = timeout
	}
	return network.NewClient(&cfg)
}
