package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
)

// SnapshotStore persists the last known per-provider quotes to the cache
// database. After a restart the engine loads them to price portfolios and
// NAVs before the first live quote arrives; loaded quotes are stale by
// definition and never satisfy freshness checks.
type SnapshotStore struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSnapshotStore wraps the cache database.
func NewSnapshotStore(db *database.DB, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		db:  db,
		log: log.With().Str("component", "quote_snapshots").Logger(),
	}
}

// Save writes the given quotes, replacing any previous snapshot for the
// same (symbol, provider).
func (s *SnapshotStore) Save(ctx context.Context, quotes []domain.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO quote_snapshots (symbol, provider, bid, ask, last, volume, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot upsert: %w", err)
		}
		defer stmt.Close()

		for _, q := range quotes {
			_, err := stmt.ExecContext(ctx,
				strings.ToUpper(q.Symbol), q.Provider,
				q.Bid, q.Ask, q.Last, q.Volume,
				q.Timestamp.UTC().UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert snapshot for %s/%s: %w", q.Symbol, q.Provider, err)
			}
		}
		return nil
	})
}

// Load returns all snapshots taken at or after the cutoff, newest last.
// A zero cutoff loads everything.
func (s *SnapshotStore) Load(ctx context.Context, cutoff time.Time) ([]domain.Quote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, provider, bid, ask, last, volume, ts
		FROM quote_snapshots
		WHERE ts >= ?
		ORDER BY ts ASC`, cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query quote snapshots: %w", err)
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		var q domain.Quote
		var ts int64
		if err := rows.Scan(&q.Symbol, &q.Provider, &q.Bid, &q.Ask, &q.Last, &q.Volume, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan quote snapshot: %w", err)
		}
		q.Timestamp = time.UnixMilli(ts).UTC()
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quote snapshots: %w", err)
	}
	return quotes, nil
}

// PruneBefore removes snapshots older than the cutoff.
func (s *SnapshotStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM quote_snapshots WHERE ts < ?", cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune quote snapshots: %w", err)
	}
	return res.RowsAffected()
}
