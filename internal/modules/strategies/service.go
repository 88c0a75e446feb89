// Package strategies implements the strategy builder: versioned CRUD
// over stored condition trees, validation and deployment, backtesting
// against stored history, and the cached definition source the
// evaluator reads on every tick.
//
// Versions are immutable once deployed. Editing a deployed strategy
// inserts the next version instead of touching the running one, so a
// bot pinned to (id, version) can never have its rules change mid-day.
package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/evaluation"
)

// CandleSource feeds backtests. The live implementation is the market
// history store.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol string, timeframe domain.Timeframe, limit int) ([]domain.Candle, error)
}

// defKey identifies one parsed definition in the cache.
type defKey struct {
	id      string
	version int
}

// Service is the strategy builder behind /strategies.
type Service struct {
	repo    *Repository
	candles CandleSource
	log     zerolog.Logger

	mu    sync.RWMutex
	cache map[defKey]*evaluation.Definition
}

// NewService creates the strategy service. candles may be nil in
// reduced setups; backtests then report NOT_READY.
func NewService(repo *Repository, candles CandleSource, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		candles: candles,
		log:     log.With().Str("service", "strategies").Logger(),
		cache:   make(map[defKey]*evaluation.Definition),
	}
}

// Create validates and stores a new strategy as version 1.
func (s *Service) Create(userID, name, description string, raw json.RawMessage) (*domain.Strategy, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "strategy owner required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "strategy name required")
	}
	if len(raw) == 0 {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "strategy definition required")
	}
	if _, err := evaluation.ParseDefinition(raw); err != nil {
		return nil, err
	}

	strat := &domain.Strategy{
		ID:          uuid.NewString(),
		Version:     1,
		UserID:      userID,
		Name:        name,
		Description: description,
		Definition:  raw,
	}
	if err := s.repo.Insert(strat); err != nil {
		return nil, err
	}
	s.log.Info().Str("strategy_id", strat.ID).Str("user_id", userID).
		Str("name", name).Msg("Strategy created")
	return strat, nil
}

// Get retrieves one version; version <= 0 means the latest.
func (s *Service) Get(id string, version int) (*domain.Strategy, error) {
	var strat *domain.Strategy
	var err error
	if version <= 0 {
		strat, err = s.repo.Latest(id)
	} else {
		strat, err = s.repo.Get(id, version)
	}
	if err != nil {
		return nil, err
	}
	if strat == nil {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown strategy "+id)
	}
	return strat, nil
}

// List returns the latest version of each strategy, optionally filtered
// by owner.
func (s *Service) List(userID string) ([]*domain.Strategy, error) {
	return s.repo.ListLatest(userID)
}

// Update replaces the latest version's content. If that version is
// deployed the change lands as a new undeployed version instead; the
// returned strategy carries the version that now holds the content.
func (s *Service) Update(id, name, description string, raw json.RawMessage) (*domain.Strategy, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "strategy name required")
	}
	if len(raw) == 0 {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "strategy definition required")
	}
	if _, err := evaluation.ParseDefinition(raw); err != nil {
		return nil, err
	}

	latest, err := s.repo.Latest(id)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, domain.NewInputError(domain.CodeNotFound, "unknown strategy "+id)
	}

	if latest.Deployed {
		next := &domain.Strategy{
			ID:          id,
			Version:     latest.Version + 1,
			UserID:      latest.UserID,
			Name:        name,
			Description: description,
			Definition:  raw,
		}
		if err := s.repo.Insert(next); err != nil {
			return nil, err
		}
		s.log.Info().Str("strategy_id", id).Int("version", next.Version).
			Msg("New strategy version created")
		return next, nil
	}

	latest.Name = name
	latest.Description = description
	latest.Definition = raw
	if err := s.repo.Update(latest); err != nil {
		return nil, err
	}
	s.invalidate(id, latest.Version)
	return latest, nil
}

// Delete removes a strategy and all its versions. Strategies with a
// deployed version are refused; bots reference them by (id, version).
func (s *Service) Delete(id string) error {
	latest, err := s.repo.Latest(id)
	if err != nil {
		return err
	}
	if latest == nil {
		return domain.NewInputError(domain.CodeNotFound, "unknown strategy "+id)
	}

	deployed, err := s.repo.DeployedCount(id)
	if err != nil {
		return err
	}
	if deployed > 0 {
		return domain.NewStateError(domain.CodeDeployed,
			fmt.Sprintf("strategy %s has %d deployed version(s)", id, deployed))
	}

	if err := s.repo.Delete(id); err != nil {
		return err
	}
	s.purge(id)
	s.log.Info().Str("strategy_id", id).Msg("Strategy deleted")
	return nil
}

// Deploy freezes a version for live use; version <= 0 means the latest.
// Deploying an already-deployed version is a no-op.
func (s *Service) Deploy(id string, version int) (*domain.Strategy, error) {
	strat, err := s.Get(id, version)
	if err != nil {
		return nil, err
	}
	if strat.Deployed {
		return strat, nil
	}
	if _, err := evaluation.ParseDefinition(strat.Definition); err != nil {
		return nil, err
	}

	if err := s.repo.MarkDeployed(strat.ID, strat.Version); err != nil {
		return nil, err
	}
	strat.Deployed = true
	s.log.Info().Str("strategy_id", strat.ID).Int("version", strat.Version).
		Msg("Strategy deployed")
	return strat, nil
}

// ValidationReport is the builder's pre-deploy analysis of a stored
// definition.
type ValidationReport struct {
	Valid      bool                     `json:"valid"`
	Error      string                   `json:"error,omitempty"`
	EntryRules int                      `json:"entry_rules"`
	ExitRules  int                      `json:"exit_rules"`
	Indicators []evaluation.Requirement `json:"indicators"`
	Warnings   []string                 `json:"warnings,omitempty"`
}

// Validate analyzes a stored version: structural validity, the
// indicators its rules read, and soft warnings (a strategy can deploy
// with warnings, they exist to catch footguns before real money moves).
func (s *Service) Validate(id string, version int) (*ValidationReport, error) {
	strat, err := s.Get(id, version)
	if err != nil {
		return nil, err
	}

	def, err := evaluation.ParseDefinition(strat.Definition)
	if err != nil {
		return &ValidationReport{Valid: false, Error: err.Error()}, nil
	}

	reqs := def.Indicators()
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Name != reqs[j].Name {
			return reqs[i].Name < reqs[j].Name
		}
		return reqs[i].Period < reqs[j].Period
	})

	report := &ValidationReport{
		Valid:      true,
		EntryRules: len(def.EntryRules),
		ExitRules:  len(def.ExitRules),
		Indicators: reqs,
	}
	for i := range def.EntryRules {
		rule := &def.EntryRules[i]
		if rule.Action.StopLossPct == 0 && len(def.ExitRules) == 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("entry rule %q has no stop loss and the strategy defines no exit rules", rule.Name))
		}
		if rule.CooldownMinutes == 0 && rule.MaxPerDay == 0 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("entry rule %q has no cooldown or daily cap", rule.Name))
		}
	}
	return report, nil
}

// Definition resolves a strategy reference to its parsed condition
// trees. This is the evaluator's tick path: hits are served from an
// in-memory cache, safe because deployed versions never change and
// undeployed edits invalidate their entry.
func (s *Service) Definition(id string, version int) (*evaluation.Definition, error) {
	if version < 1 {
		return nil, domain.NewInputError(domain.CodeInvalidInput,
			"strategy version required for "+id)
	}

	key := defKey{id: id, version: version}
	s.mu.RLock()
	def, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return def, nil
	}

	strat, err := s.repo.Get(id, version)
	if err != nil {
		return nil, err
	}
	if strat == nil {
		return nil, domain.NewInputError(domain.CodeNotFound,
			fmt.Sprintf("unknown strategy %s v%d", id, version))
	}
	def, err = evaluation.ParseDefinition(strat.Definition)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = def
	s.mu.Unlock()
	return def, nil
}

func (s *Service) invalidate(id string, version int) {
	s.mu.Lock()
	delete(s.cache, defKey{id: id, version: version})
	s.mu.Unlock()
}

func (s *Service) purge(id string) {
	s.mu.Lock()
	for key := range s.cache {
		if key.id == id {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}
