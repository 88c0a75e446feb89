package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
)

// HistoryStore is the on-disk candle archive. Fetched series are upserted
// here so backfills and correlation windows survive provider outages and
// restarts. It keeps its own connection separate from the engine databases.
type HistoryStore struct {
	db  *sql.DB
	log zerolog.Logger
}

const historySchema = `
CREATE TABLE IF NOT EXISTS candles (
    symbol     TEXT NOT NULL,
    timeframe  TEXT NOT NULL,
    ts         INTEGER NOT NULL,
    open       REAL NOT NULL,
    high       REAL NOT NULL,
    low        REAL NOT NULL,
    close      REAL NOT NULL,
    volume     REAL NOT NULL,
    PRIMARY KEY (symbol, timeframe, ts)
);
CREATE INDEX IF NOT EXISTS idx_candles_symbol_tf ON candles(symbol, timeframe, ts DESC);
`

// NewHistoryStore opens (or creates) the candle archive at path.
func NewHistoryStore(path string, log zerolog.Logger) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &HistoryStore{
		db:  db,
		log: log.With().Str("component", "history_store").Logger(),
	}, nil
}

// Close closes the underlying database.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// UpsertCandles writes a batch of candles, replacing rows that already
// exist for the same (symbol, timeframe, ts).
func (h *HistoryStore) UpsertCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx,
			strings.ToUpper(c.Symbol), string(c.Timeframe), c.Timestamp.UTC().Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert candle %s %s: %w", c.Symbol, c.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candle batch: %w", err)
	}

	h.log.Debug().Int("count", len(candles)).
		Str("symbol", candles[0].Symbol).
		Str("timeframe", string(candles[0].Timeframe)).
		Msg("Upserted candles")
	return nil
}

// GetCandles returns up to limit most recent candles, oldest first.
func (h *HistoryStore) GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT symbol, timeframe, ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC
		LIMIT ?`, strings.ToUpper(symbol), string(timeframe), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tf string
		var ts int64
		if err := rows.Scan(&c.Symbol, &tf, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(tf)
		c.Timestamp = time.Unix(ts, 0).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candles: %w", err)
	}

	// Query returned newest first; callers want oldest first.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// GetCandlesSince returns all candles at or after the given time, oldest first.
func (h *HistoryStore) GetCandlesSince(ctx context.Context, symbol string, timeframe domain.Timeframe, since time.Time) ([]domain.Candle, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT symbol, timeframe, ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND ts >= ?
		ORDER BY ts ASC`, strings.ToUpper(symbol), string(timeframe), since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var tf string
		var ts int64
		if err := rows.Scan(&c.Symbol, &tf, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(tf)
		c.Timestamp = time.Unix(ts, 0).UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candles: %w", err)
	}
	return candles, nil
}

// LatestTimestamp returns the open time of the newest stored candle for the
// series, or ok=false when the series has no rows.
func (h *HistoryStore) LatestTimestamp(ctx context.Context, symbol string, timeframe domain.Timeframe) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := h.db.QueryRowContext(ctx,
		"SELECT MAX(ts) FROM candles WHERE symbol = ? AND timeframe = ?",
		strings.ToUpper(symbol), string(timeframe),
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest candle: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

// DailyCloses returns the last n daily closing prices, oldest first. Used
// to build return series for correlation and VaR checks.
func (h *HistoryStore) DailyCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT close FROM candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC
		LIMIT ?`, strings.ToUpper(symbol), string(domain.Timeframe1d), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily closes: %w", err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan close: %w", err)
		}
		closes = append(closes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate closes: %w", err)
	}

	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, nil
}

// PruneBefore deletes candles older than the cutoff, returning rows removed.
func (h *HistoryStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.db.ExecContext(ctx, "DELETE FROM candles WHERE ts < ?", cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune candles: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned candle history")
	}
	return n, nil
}
