package settings

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/events"
)

// Recognized keys. Unknown keys are rejected on write so a typo cannot
// silently configure nothing.
const (
	KeyMaxOwnershipPct = "max_ownership_pct" // single-holder cap as % of supply, 0 disables
	KeyIssuerAccountID = "issuer_account_id" // receives distribution rounding drift
	KeyTradingPaused   = "trading_paused"    // operator-level signal mute, softer than the brake
)

// Service exposes typed accessors over the repository. It implements
// the distribution engine's Settings dependency.
type Service struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewService creates a settings service. bus may be nil in tests.
func NewService(repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("component", "settings").Logger(),
	}
}

// MaxOwnershipPct caps any single holder's stake as a percentage of
// total supply. Zero disables the cap.
func (s *Service) MaxOwnershipPct() float64 {
	pct := s.repo.GetFloat(KeyMaxOwnershipPct, 0)
	if pct < 0 || pct > 100 {
		s.log.Warn().Float64("pct", pct).Msg("max_ownership_pct out of range, cap disabled")
		return 0
	}
	return pct
}

// IssuerAccountID receives each distribution period's rounding
// remainder. Empty drops the remainder.
func (s *Service) IssuerAccountID() string {
	return s.repo.GetString(KeyIssuerAccountID, "")
}

// TradingPaused reports the operator-level signal mute.
func (s *Service) TradingPaused() bool {
	return s.repo.GetBool(KeyTradingPaused, false)
}

// All returns every recognized key with its effective value, including
// defaults for keys never written.
func (s *Service) All() (map[string]string, error) {
	stored, err := s.repo.All()
	if err != nil {
		return nil, err
	}
	out := map[string]string{
		KeyMaxOwnershipPct: strconv.FormatFloat(s.MaxOwnershipPct(), 'f', -1, 64),
		KeyIssuerAccountID: s.IssuerAccountID(),
		KeyTradingPaused:   strconv.FormatBool(s.TradingPaused()),
	}
	// Stored values win; unknown stored keys surface too, marked as-is,
	// so an operator can see leftovers from older releases.
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

// Update validates and persists one setting, then announces the change.
func (s *Service) Update(key, value string) error {
	if err := ValidateSetting(key, value); err != nil {
		return err
	}
	if err := s.repo.Set(key, value); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish("settings", &events.SettingsChangedData{Key: key, Value: value})
	}
	s.log.Info().Str("key", key).Str("value", value).Msg("Setting updated")
	return nil
}

// ValidateSetting checks one key/value pair without writing it.
func ValidateSetting(key, value string) error {
	switch key {
	case KeyMaxOwnershipPct:
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil || pct < 0 || pct > 100 {
			return domain.NewInputError(domain.CodeInvalidInput,
				fmt.Sprintf("%s must be a percentage in [0,100], got %q", key, value))
		}
	case KeyIssuerAccountID:
		// Any string, empty included (empty disables drift crediting).
	case KeyTradingPaused:
		if _, err := strconv.ParseBool(value); err != nil {
			return domain.NewInputError(domain.CodeInvalidInput,
				fmt.Sprintf("%s must be a boolean, got %q", key, value))
		}
	default:
		return domain.NewInputError(domain.CodeInvalidInput, "unknown setting key "+key)
	}
	return nil
}

// Keys lists the recognized keys, sorted, for the settings endpoint.
func Keys() []string {
	keys := []string{KeyMaxOwnershipPct, KeyIssuerAccountID, KeyTradingPaused}
	sort.Strings(keys)
	return keys
}
