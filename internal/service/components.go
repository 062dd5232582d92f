// File: internal/service/components.go
package service

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xkilldash9x/vulndigest/internal/digest"
	"github.com/xkilldash9x/vulndigest/internal/observability"
	"github.com/xkilldash9x/vulndigest/internal/state"
)

// Components holds everything a digest run needs, so the command layer
// manages a single lifecycle.
type Components struct {
	Pipeline *digest.Pipeline
	Store    state.Store
	Metrics  *observability.Metrics

	// DBPool is only set when state lives in Postgres.
	DBPool *pgxpool.Pool
}

// Shutdown releases pooled resources. It is safe to call on a partially
// initialized value.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.DBPool != nil {
		c.DBPool.Close()
		c.DBPool = nil
		logger.Debug("Database connection pool closed.")
	}

	logger.Debug("All components shut down.")
}
