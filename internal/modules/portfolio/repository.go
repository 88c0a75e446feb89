package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
)

// AccountRepository handles account rows in the state database. The
// stored balance is the funding seed; live balances are derived by the
// Store from the seed plus ledger activity.
type AccountRepository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewAccountRepository creates a new account repository.
func NewAccountRepository(db *database.DB, log zerolog.Logger) *AccountRepository {
	return &AccountRepository{
		db:  db,
		log: log.With().Str("repository", "accounts").Logger(),
	}
}

// Get retrieves an account by user id. Returns nil if the account
// doesn't exist (not an error).
func (r *AccountRepository) Get(userID string) (*domain.Account, error) {
	row := r.db.QueryRow(`
		SELECT user_id, balance, accredited, operator, jurisdiction, created_at, updated_at
		FROM accounts WHERE user_id = ?
	`, userID)

	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", userID, err)
	}
	return account, nil
}

// GetAll retrieves every account, used to seed the store at boot.
func (r *AccountRepository) GetAll() ([]*domain.Account, error) {
	rows, err := r.db.Query(`
		SELECT user_id, balance, accredited, operator, jurisdiction, created_at, updated_at
		FROM accounts ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan account row")
			continue
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// Upsert creates or replaces an account seed row.
func (r *AccountRepository) Upsert(account *domain.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO accounts (user_id, balance, accredited, operator, jurisdiction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			accredited = excluded.accredited,
			operator = excluded.operator,
			jurisdiction = excluded.jurisdiction,
			updated_at = excluded.updated_at
	`, account.UserID, account.Balance.String(), boolToInt(account.Accredited),
		boolToInt(account.Operator), account.Jurisdiction,
		account.CreatedAt.Unix(), account.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.UserID, err)
	}
	return nil
}

// GetReinvestPrefs loads every stored reinvestment preference, keyed
// userID + "/" + assetID. Positions rebuilt from replay pick their flag
// up from here.
func (r *AccountRepository) GetReinvestPrefs() (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT user_id, asset_id, reinvest FROM reinvest_prefs`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reinvest prefs: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]bool)
	for rows.Next() {
		var userID, assetID string
		var reinvest int
		if err := rows.Scan(&userID, &assetID, &reinvest); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan reinvest pref row")
			continue
		}
		prefs[userID+"/"+assetID] = reinvest == 1
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reinvest prefs: %w", err)
	}
	return prefs, nil
}

// SetReinvestPref stores one reinvestment preference.
func (r *AccountRepository) SetReinvestPref(userID, assetID string, reinvest bool) error {
	_, err := r.db.Exec(`
		INSERT INTO reinvest_prefs (user_id, asset_id, reinvest, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, asset_id) DO UPDATE SET
			reinvest = excluded.reinvest,
			updated_at = excluded.updated_at
	`, userID, assetID, boolToInt(reinvest), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set reinvest pref %s/%s: %w", userID, assetID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var balance string
	var accredited, operator int
	var createdAt, updatedAt int64

	if err := row.Scan(&a.UserID, &balance, &accredited, &operator,
		&a.Jurisdiction, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", balance, err)
	}
	a.Balance = b
	a.Accredited = accredited == 1
	a.Operator = operator == 1
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
