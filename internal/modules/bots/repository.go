package bots

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
)

// Repository handles bot rows in the state database. Identity, config
// and status persist here; performance and daily counters are rebuilt
// from ledger replay.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new bot repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "bots").Logger(),
	}
}

// configDoc is the JSON document stored in the config column.
type configDoc struct {
	Config      domain.BotConfig      `json:"config"`
	Fingerprint domain.BotFingerprint `json:"fingerprint"`
}

// Get retrieves a bot by id. Returns nil if the bot doesn't exist (not
// an error).
func (r *Repository) Get(id string) (*domain.Bot, error) {
	row := r.db.QueryRow(`
		SELECT id, owner_id, name, status, strategy_id, strategy_ver, config, created_at, updated_at
		FROM bots WHERE id = ?
	`, id)

	bot, err := scanBot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %s: %w", id, err)
	}
	return bot, nil
}

// GetAll retrieves every bot, used to warm the registry at boot.
func (r *Repository) GetAll() ([]*domain.Bot, error) {
	rows, err := r.db.Query(`
		SELECT id, owner_id, name, status, strategy_id, strategy_ver, config, created_at, updated_at
		FROM bots ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	bots := make([]*domain.Bot, 0)
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan bot row")
			continue
		}
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bots: %w", err)
	}
	return bots, nil
}

// Upsert creates or replaces a bot row.
func (r *Repository) Upsert(bot *domain.Bot) error {
	now := time.Now().UTC()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	bot.UpdatedAt = now

	doc, err := json.Marshal(configDoc{Config: bot.Config, Fingerprint: bot.Fingerprint})
	if err != nil {
		return fmt.Errorf("failed to marshal bot config: %w", err)
	}

	var strategyID, strategyVer interface{}
	if bot.StrategyID != "" {
		strategyID = bot.StrategyID
		strategyVer = bot.StrategyVersion
	}

	_, err = r.db.Exec(`
		INSERT INTO bots (id, owner_id, name, status, strategy_id, strategy_ver, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			status = excluded.status,
			strategy_id = excluded.strategy_id,
			strategy_ver = excluded.strategy_ver,
			config = excluded.config,
			updated_at = excluded.updated_at
	`, bot.ID, bot.OwnerID, bot.Name, string(bot.Status), strategyID, strategyVer,
		string(doc), bot.CreatedAt.Unix(), bot.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert bot %s: %w", bot.ID, err)
	}
	return nil
}

// UpdateStatus writes a lifecycle transition.
func (r *Repository) UpdateStatus(id string, status domain.BotStatus) error {
	res, err := r.db.Exec(`
		UPDATE bots SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update status for bot %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewInputError(domain.CodeNotFound, "unknown bot "+id)
	}
	return nil
}

func scanBot(row rowScanner) (*domain.Bot, error) {
	var b domain.Bot
	var status, doc string
	var strategyID sql.NullString
	var strategyVer sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &status, &strategyID, &strategyVer,
		&doc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	b.Status = domain.BotStatus(status)
	if strategyID.Valid {
		b.StrategyID = strategyID.String
		b.StrategyVersion = int(strategyVer.Int64)
	}
	var cd configDoc
	if err := json.Unmarshal([]byte(doc), &cd); err != nil {
		return nil, fmt.Errorf("invalid config document for bot %s: %w", b.ID, err)
	}
	b.Config = cd.Config
	b.Fingerprint = cd.Fingerprint
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
