package strategies

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
)

// Repository persists strategy versions in the state database. A row is
// one (id, version) pair; deployed rows never change, so version history
// doubles as an audit trail of what bots have run.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new strategy repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "strategies").Logger(),
	}
}

// Insert adds a new version row. Inserting an existing (id, version) is
// an error; version numbers are assigned by the service.
func (r *Repository) Insert(s *domain.Strategy) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO strategies (id, version, user_id, name, description, definition, deployed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Version, s.UserID, s.Name, s.Description, string(s.Definition),
		boolToInt(s.Deployed), s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert strategy %s v%d: %w", s.ID, s.Version, err)
	}
	return nil
}

// Update rewrites an undeployed version in place. Zero rows affected
// means the version is gone or was deployed since the caller loaded it.
func (r *Repository) Update(s *domain.Strategy) error {
	res, err := r.db.Exec(`
		UPDATE strategies SET name = ?, description = ?, definition = ?
		WHERE id = ? AND version = ? AND deployed = 0
	`, s.Name, s.Description, string(s.Definition), s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("failed to update strategy %s v%d: %w", s.ID, s.Version, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewStateError(domain.CodeDeployed,
			fmt.Sprintf("strategy %s v%d is deployed or missing", s.ID, s.Version))
	}
	return nil
}

// Get retrieves one version. Returns nil if it doesn't exist (not an
// error).
func (r *Repository) Get(id string, version int) (*domain.Strategy, error) {
	row := r.db.QueryRow(`
		SELECT id, version, user_id, name, description, definition, deployed, created_at
		FROM strategies WHERE id = ? AND version = ?
	`, id, version)

	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy %s v%d: %w", id, version, err)
	}
	return s, nil
}

// Latest retrieves the newest version of a strategy, nil when none exist.
func (r *Repository) Latest(id string) (*domain.Strategy, error) {
	row := r.db.QueryRow(`
		SELECT id, version, user_id, name, description, definition, deployed, created_at
		FROM strategies WHERE id = ? ORDER BY version DESC LIMIT 1
	`, id)

	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest strategy %s: %w", id, err)
	}
	return s, nil
}

// ListLatest returns the newest version of each strategy, optionally
// filtered by owner, ordered by creation time.
func (r *Repository) ListLatest(userID string) ([]*domain.Strategy, error) {
	query := `
		SELECT s.id, s.version, s.user_id, s.name, s.description, s.definition, s.deployed, s.created_at
		FROM strategies s
		WHERE s.version = (SELECT MAX(version) FROM strategies WHERE id = s.id)
	`
	args := make([]any, 0, 1)
	if userID != "" {
		query += " AND s.user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY s.created_at, s.id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.Strategy, 0)
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan strategy row")
			continue
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return list, nil
}

// MarkDeployed freezes a version. Deployment is one-way; there is no
// corresponding unmark.
func (r *Repository) MarkDeployed(id string, version int) error {
	res, err := r.db.Exec(`
		UPDATE strategies SET deployed = 1 WHERE id = ? AND version = ?
	`, id, version)
	if err != nil {
		return fmt.Errorf("failed to deploy strategy %s v%d: %w", id, version, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewInputError(domain.CodeNotFound,
			fmt.Sprintf("unknown strategy %s v%d", id, version))
	}
	return nil
}

// DeployedCount reports how many versions of a strategy are deployed.
func (r *Repository) DeployedCount(id string) (int, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM strategies WHERE id = ? AND deployed = 1
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deployed versions of %s: %w", id, err)
	}
	return n, nil
}

// Delete removes every version of a strategy. The service refuses this
// for strategies with deployed versions; bots reference them by id.
func (r *Repository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy %s: %w", id, err)
	}
	return nil
}

func scanStrategy(row rowScanner) (*domain.Strategy, error) {
	var s domain.Strategy
	var definition string
	var deployed int
	var createdAt int64

	if err := row.Scan(&s.ID, &s.Version, &s.UserID, &s.Name, &s.Description,
		&definition, &deployed, &createdAt); err != nil {
		return nil, err
	}

	s.Definition = json.RawMessage(definition)
	s.Deployed = deployed != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}
