package assets

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/tradecore/internal/database"
	"github.com/quantfold/tradecore/internal/domain"
)

// assetColumns is the scan order shared by every SELECT; keep it in
// sync with scanAsset.
const assetColumns = `id, symbol, name, class, min_investment, min_trade, decimals,
total_supply, price, nav, holders, volume_24h, ath, atl, fee_bps_override,
accredited_only, jurisdiction, active, yield_frequency, yield_annual_rate,
next_distribution, created_at, updated_at`

// Repository handles asset catalog rows in the state database.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new asset repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "assets").Logger(),
	}
}

// Get retrieves an asset by id. Returns nil if the asset doesn't exist
// (not an error).
func (r *Repository) Get(id string) (*domain.Asset, error) {
	row := r.db.QueryRow("SELECT "+assetColumns+" FROM assets WHERE id = ?", id)

	asset, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset %s: %w", id, err)
	}
	return asset, nil
}

// GetBySymbol retrieves an asset by its (unique) symbol.
func (r *Repository) GetBySymbol(symbol string) (*domain.Asset, error) {
	row := r.db.QueryRow("SELECT "+assetColumns+" FROM assets WHERE symbol = ?",
		strings.ToUpper(strings.TrimSpace(symbol)))

	asset, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset by symbol %s: %w", symbol, err)
	}
	return asset, nil
}

// GetAll retrieves the whole catalog ordered by symbol, used to warm
// the service cache at boot.
func (r *Repository) GetAll() ([]*domain.Asset, error) {
	rows, err := r.db.Query("SELECT " + assetColumns + " FROM assets ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := make([]*domain.Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan asset row")
			continue
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}
	return assets, nil
}

// Upsert creates or replaces a catalog row.
func (r *Repository) Upsert(asset *domain.Asset) error {
	now := time.Now().UTC()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now

	var feeBps interface{}
	if asset.FeeBpsOverride != nil {
		feeBps = *asset.FeeBpsOverride
	}
	var frequency, rate, next interface{}
	if asset.Yield.Frequency != "" {
		frequency = string(asset.Yield.Frequency)
		rate = asset.Yield.AnnualRate
		if !asset.Yield.NextDistribution.IsZero() {
			next = asset.Yield.NextDistribution.Unix()
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO assets (id, symbol, name, class, min_investment, min_trade, decimals,
			total_supply, price, nav, holders, volume_24h, ath, atl, fee_bps_override,
			accredited_only, jurisdiction, active, yield_frequency, yield_annual_rate,
			next_distribution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			class = excluded.class,
			min_investment = excluded.min_investment,
			min_trade = excluded.min_trade,
			decimals = excluded.decimals,
			total_supply = excluded.total_supply,
			price = excluded.price,
			nav = excluded.nav,
			holders = excluded.holders,
			volume_24h = excluded.volume_24h,
			ath = excluded.ath,
			atl = excluded.atl,
			fee_bps_override = excluded.fee_bps_override,
			accredited_only = excluded.accredited_only,
			jurisdiction = excluded.jurisdiction,
			active = excluded.active,
			yield_frequency = excluded.yield_frequency,
			yield_annual_rate = excluded.yield_annual_rate,
			next_distribution = excluded.next_distribution,
			updated_at = excluded.updated_at
	`, asset.ID, strings.ToUpper(asset.Symbol), asset.Name, string(asset.Class),
		asset.MinInvest.String(), asset.MinTrade, asset.Decimals,
		asset.TotalSupply, asset.Price, asset.NAV, asset.Holders,
		asset.Volume24h, asset.ATH, asset.ATL, feeBps,
		boolToInt(asset.AccreditedOnly), asset.Jurisdiction, boolToInt(asset.Active),
		frequency, rate, next, asset.CreatedAt.Unix(), asset.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", asset.ID, err)
	}
	return nil
}

// UpdateStats writes the trade-derived columns for one asset.
func (r *Repository) UpdateStats(id string, price, volume24h, ath, atl float64) error {
	_, err := r.db.Exec(`
		UPDATE assets SET price = ?, volume_24h = ?, ath = ?, atl = ?, updated_at = ?
		WHERE id = ?
	`, price, volume24h, ath, atl, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update stats for asset %s: %w", id, err)
	}
	return nil
}

// SetHolders writes the holder count for one asset.
func (r *Repository) SetHolders(id string, holders int) error {
	_, err := r.db.Exec(`
		UPDATE assets SET holders = ?, updated_at = ? WHERE id = ?
	`, holders, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update holders for asset %s: %w", id, err)
	}
	return nil
}

// SetNextDistribution advances the yield schedule for one asset.
func (r *Repository) SetNextDistribution(id string, next time.Time) error {
	_, err := r.db.Exec(`
		UPDATE assets SET next_distribution = ?, updated_at = ? WHERE id = ?
	`, next.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update next distribution for asset %s: %w", id, err)
	}
	return nil
}

// SetActive flips the trading flag for one asset.
func (r *Repository) SetActive(id string, active bool) error {
	res, err := r.db.Exec(`
		UPDATE assets SET active = ?, updated_at = ? WHERE id = ?
	`, boolToInt(active), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update active flag for asset %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewInputError(domain.CodeNotFound, "unknown asset "+id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*domain.Asset, error) {
	var a domain.Asset
	var minInvest, class string
	var feeBps sql.NullInt64
	var accredited, active int
	var frequency sql.NullString
	var rate sql.NullFloat64
	var next sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&a.ID, &a.Symbol, &a.Name, &class, &minInvest, &a.MinTrade,
		&a.Decimals, &a.TotalSupply, &a.Price, &a.NAV, &a.Holders, &a.Volume24h,
		&a.ATH, &a.ATL, &feeBps, &accredited, &a.Jurisdiction, &active,
		&frequency, &rate, &next, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	m, err := decimal.NewFromString(minInvest)
	if err != nil {
		return nil, fmt.Errorf("invalid min_investment %q: %w", minInvest, err)
	}
	a.MinInvest = m
	a.Class = domain.AssetClass(class)
	if feeBps.Valid {
		v := int(feeBps.Int64)
		a.FeeBpsOverride = &v
	}
	a.AccreditedOnly = accredited == 1
	a.Active = active == 1
	if frequency.Valid && frequency.String != "" {
		a.Yield.Frequency = domain.YieldFrequency(frequency.String)
		a.Yield.AnnualRate = rate.Float64
		if next.Valid {
			a.Yield.NextDistribution = time.Unix(next.Int64, 0).UTC()
		}
	}
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
