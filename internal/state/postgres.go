// File: internal/state/postgres.go
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool is the subset of pgxpool.Pool the store needs. It lets tests
// substitute a mock pool.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	defaultStateID = "default"
	maxSaveRetries = 3

	sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS vulndigest_state (
            id       TEXT PRIMARY KEY,
            doc      JSONB NOT NULL,
            revision BIGINT NOT NULL
        );
    `
	sqlSelectState = `SELECT doc, revision FROM vulndigest_state WHERE id = $1;`
	sqlInsertState = `
        INSERT INTO vulndigest_state (id, doc, revision)
        VALUES ($1, $2, 1)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlUpdateState = `
        UPDATE vulndigest_state
        SET doc = $2, revision = revision + 1
        WHERE id = $1 AND revision = $3;
    `
)

// PostgresStore keeps the state document in a single row and guards writes
// with a revision counter. A writer that loses the race merges the stored
// document into its own and tries again.
type PostgresStore struct {
	pool DBPool
	id   string
	log  *zap.Logger
}

// NewPostgresStore wraps pool. Call EnsureSchema before first use.
func NewPostgresStore(pool DBPool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, id: defaultStateID, log: logger.Named("state.postgres")}
}

// EnsureSchema creates the state table when it does not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create state table: %w", err)
	}
	return nil
}

// Load returns the stored state, or an empty one when no row exists yet.
func (p *PostgresStore) Load(ctx context.Context) (*State, error) {
	var (
		doc      []byte
		revision int64
	)
	err := p.pool.QueryRow(ctx, sqlSelectState, p.id).Scan(&doc, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	st, err := Decode(doc)
	if err != nil {
		return nil, err
	}
	st.revision = revision
	return st, nil
}

// Save writes st if nobody else wrote since it was loaded. On a lost race
// the stored document is folded into st and the write is retried.
func (p *PostgresStore) Save(ctx context.Context, st *State) error {
	for attempt := 1; attempt <= maxSaveRetries; attempt++ {
		data, err := Encode(st)
		if err != nil {
			return err
		}

		var tag pgconn.CommandTag
		if st.revision == 0 {
			tag, err = p.pool.Exec(ctx, sqlInsertState, p.id, data)
		} else {
			tag, err = p.pool.Exec(ctx, sqlUpdateState, p.id, data, st.revision)
		}
		if err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
		if tag.RowsAffected() == 1 {
			st.revision++
			return nil
		}

		p.log.Info("State changed underneath us, merging and retrying.",
			zap.Int("attempt", attempt), zap.Int64("revision", st.revision))

		current, err := p.Load(ctx)
		if err != nil {
			return err
		}
		st.Union(current)
	}
	return fmt.Errorf("%w after %d attempts", ErrConflict, maxSaveRetries)
}
