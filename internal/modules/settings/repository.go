// Package settings stores operator-tunable platform knobs in the state
// database. Settings are key-value pairs read fresh by the components
// they steer, so changes apply without a restart.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
)

// Repository handles settings rows. Values are stored as strings and
// converted by the typed getters.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new settings repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key. Returns nil if the setting
// doesn't exist (not an error).
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts a setting value.
func (r *Repository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetFloat retrieves a setting as float64, falling back to def when the
// key is missing or not numeric.
func (r *Repository) GetFloat(key string, def float64) float64 {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return def
	}
	f, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Setting is not a number, using default")
		return def
	}
	return f
}

// GetString retrieves a setting as string with a default.
func (r *Repository) GetString(key, def string) string {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return def
	}
	return *value
}

// GetBool retrieves a setting as bool with a default.
func (r *Repository) GetBool(key string, def bool) bool {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return def
	}
	b, err := strconv.ParseBool(*value)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", *value).Msg("Setting is not a bool, using default")
		return def
	}
	return b
}

// All retrieves every stored setting.
func (r *Repository) All() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}
	return out, nil
}
