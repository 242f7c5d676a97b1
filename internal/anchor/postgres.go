package anchor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"go.uber.org/zap"
)

const schema = `CREATE TABLE IF NOT EXISTS ledger_checkpoints (
	id          UUID PRIMARY KEY,
	segment     TEXT NOT NULL UNIQUE,
	merkle_root TEXT NOT NULL,
	last_id     BIGINT NOT NULL,
	entries     INTEGER NOT NULL,
	sealed_at   TIMESTAMPTZ NOT NULL,
	anchored_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresSink records checkpoints in a PostgreSQL table. A segment is
// anchored at most once; re-anchoring the same checkpoint is a no-op.
type PostgresSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSink creates a PostgresSink backed by the given connection pool.
func NewPostgresSink(pool *pgxpool.Pool, logger *zap.Logger) *PostgresSink {
	return &PostgresSink{pool: pool, logger: logger}
}

// EnsureSchema creates the ledger_checkpoints table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create ledger_checkpoints: %w", err)
	}
	return nil
}

// Anchor implements Sink.
func (s *PostgresSink) Anchor(ctx context.Context, cp ledger.Checkpoint) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_checkpoints (id, segment, merkle_root, last_id, entries, sealed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (segment) DO NOTHING`,
		uuid.New(), cp.Segment, cp.MerkleRoot, int64(cp.LastID), cp.Entries, cp.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.Segment, err)
	}

	s.logger.Debug("checkpoint anchored",
		zap.String("segment", cp.Segment),
		zap.String("merkle_root", cp.MerkleRoot),
		zap.Bool("inserted", tag.RowsAffected() == 1),
	)
	return nil
}

// Lookup returns the anchored root for segment, or ErrNotAnchored.
func (s *PostgresSink) Lookup(ctx context.Context, segment string) (string, error) {
	var root string
	err := s.pool.QueryRow(ctx,
		"SELECT merkle_root FROM ledger_checkpoints WHERE segment = $1", segment,
	).Scan(&root)
	if err != nil {
		if isNoRows(err) {
			return "", fmt.Errorf("%s: %w", segment, ErrNotAnchored)
		}
		return "", fmt.Errorf("lookup checkpoint %s: %w", segment, err)
	}
	return root, nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
