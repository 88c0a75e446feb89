package evaluation

import (
	"encoding/json"
	"strings"

	"github.com/quantfold/tradecore/internal/domain"
)

// Action is what a fired rule asks the risk pipeline to do. Stop-loss
// and take-profit percentages, when set, have protective orders attached
// once the entry fills.
type Action struct {
	Side          domain.Side      `json:"side"`
	OrderType     domain.OrderType `json:"order_type,omitempty"` // defaults to market
	StopLossPct   float64          `json:"stop_loss_pct,omitempty"`
	TakeProfitPct float64          `json:"take_profit_pct,omitempty"`
}

// Rule is one entry or exit rule: a condition tree plus firing limits.
type Rule struct {
	Name            string    `json:"name"`
	Condition       Condition `json:"-"`
	Action          Action    `json:"action"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	MaxPerDay       int       `json:"max_executions_per_day"` // 0 = unlimited
}

// ruleJSON carries Rule across JSON; the condition goes through the
// discriminated codec.
type ruleJSON struct {
	Name            string          `json:"name"`
	Condition       json.RawMessage `json:"condition"`
	Action          Action          `json:"action"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	MaxPerDay       int             `json:"max_executions_per_day"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	cond, err := MarshalCondition(r.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		Name:            r.Name,
		Condition:       cond,
		Action:          r.Action,
		CooldownMinutes: r.CooldownMinutes,
		MaxPerDay:       r.MaxPerDay,
	})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var aux ruleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	cond, err := UnmarshalCondition(aux.Condition)
	if err != nil {
		return err
	}
	r.Name = aux.Name
	r.Condition = cond
	r.Action = aux.Action
	r.CooldownMinutes = aux.CooldownMinutes
	r.MaxPerDay = aux.MaxPerDay
	return nil
}

// Definition is a strategy version's executable content: ordered entry
// rules and exit rules. Exit rules run first while a position is open.
type Definition struct {
	EntryRules []Rule `json:"entry_rules"`
	ExitRules  []Rule `json:"exit_rules"`
}

// ParseDefinition decodes and validates a stored strategy definition.
func ParseDefinition(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, domain.NewInputError(domain.CodeInvalidInput,
			"strategy definition is not valid JSON: "+err.Error())
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural soundness: at least one entry rule, unique
// rule names, well-formed condition trees and actions.
func (d *Definition) Validate() error {
	if len(d.EntryRules) == 0 {
		return domain.NewInputError(domain.CodeInvalidInput, "strategy needs at least one entry rule")
	}
	seen := make(map[string]bool)
	for _, rules := range [][]Rule{d.EntryRules, d.ExitRules} {
		for i := range rules {
			r := &rules[i]
			if strings.TrimSpace(r.Name) == "" {
				return domain.NewInputError(domain.CodeInvalidInput, "rule name must not be empty")
			}
			if seen[r.Name] {
				return domain.NewInputError(domain.CodeInvalidInput, "duplicate rule name "+r.Name)
			}
			seen[r.Name] = true
			if r.Action.Side != domain.SideBuy && r.Action.Side != domain.SideSell {
				return domain.NewInputError(domain.CodeInvalidInput,
					"rule "+r.Name+" action side must be buy or sell")
			}
			if r.Action.OrderType != "" && !r.Action.OrderType.Valid() {
				return domain.NewInputError(domain.CodeInvalidInput,
					"rule "+r.Name+" has invalid order type "+string(r.Action.OrderType))
			}
			if r.Action.StopLossPct < 0 || r.Action.TakeProfitPct < 0 {
				return domain.NewInputError(domain.CodeInvalidInput,
					"rule "+r.Name+" protective percentages must not be negative")
			}
			if r.CooldownMinutes < 0 || r.MaxPerDay < 0 {
				return domain.NewInputError(domain.CodeInvalidInput,
					"rule "+r.Name+" limits must not be negative")
			}
			if err := validateCondition(r.Condition); err != nil {
				return domain.NewInputError(domain.CodeInvalidInput,
					"rule "+r.Name+": "+err.Error())
			}
		}
	}
	return nil
}

// Indicators lists every indicator requirement the definition reads, so
// callers can pre-register them on the cache before the first tick.
func (d *Definition) Indicators() []Requirement {
	set := make(map[Requirement]bool)
	for _, rules := range [][]Rule{d.EntryRules, d.ExitRules} {
		for i := range rules {
			collectIndicators(rules[i].Condition, set)
		}
	}
	out := make([]Requirement, 0, len(set))
	for req := range set {
		out = append(out, req)
	}
	return out
}

// Requirement mirrors the indicator cache's registration unit.
type Requirement struct {
	Name   string `json:"name"`
	Period int    `json:"period"`
}

func collectIndicators(c Condition, set map[Requirement]bool) {
	switch v := c.(type) {
	case *Group:
		for _, child := range v.Children {
			collectIndicators(child, set)
		}
	case *PriceAbove:
		set[Requirement{v.Indicator, v.Period}] = true
	case *PriceBelow:
		set[Requirement{v.Indicator, v.Period}] = true
	case *PriceCrossesAbove:
		set[Requirement{v.Indicator, v.Period}] = true
	case *PriceCrossesBelow:
		set[Requirement{v.Indicator, v.Period}] = true
	case *IndicatorAbove:
		set[Requirement{v.Indicator, v.Period}] = true
	case *IndicatorBelow:
		set[Requirement{v.Indicator, v.Period}] = true
	case *IndicatorCrossesAbove:
		set[Requirement{v.Indicator, v.Period}] = true
		set[Requirement{v.CompareIndicator, v.ComparePeriod}] = true
	case *IndicatorCrossesBelow:
		set[Requirement{v.Indicator, v.Period}] = true
		set[Requirement{v.CompareIndicator, v.ComparePeriod}] = true
	case *VolumeSpike:
		set[Requirement{"volume_sma", volumeSpikePeriod}] = true
	case *VolatilityAbove, *VolatilityBelow:
		set[Requirement{"atr", volatilityATRPeriod}] = true
	}
}

// validateCondition walks a tree checking the parameters eval would
// reject, so broken strategies fail at save time instead of at tick time.
func validateCondition(c Condition) error {
	if c == nil {
		return domain.NewInputError(domain.CodeInvalidInput, "missing condition")
	}
	switch v := c.(type) {
	case *Group:
		if v.Logic != LogicAnd && v.Logic != LogicOr {
			return domain.NewInputError(domain.CodeInvalidInput, "unknown group logic "+string(v.Logic))
		}
		if len(v.Children) == 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "empty condition group")
		}
		for _, child := range v.Children {
			if err := validateCondition(child); err != nil {
				return err
			}
		}
	case *PriceAbove:
		return checkIndicatorRef(v.Indicator, v.Period)
	case *PriceBelow:
		return checkIndicatorRef(v.Indicator, v.Period)
	case *PriceCrossesAbove:
		return checkIndicatorRef(v.Indicator, v.Period)
	case *PriceCrossesBelow:
		return checkIndicatorRef(v.Indicator, v.Period)
	case *IndicatorAbove:
		return checkIndicatorRef(v.Indicator, v.Period)
	case *IndicatorBelow:
		return checkIndicatorRef(v.Indicator, v.Period)
	case *IndicatorCrossesAbove:
		if err := checkIndicatorRef(v.Indicator, v.Period); err != nil {
			return err
		}
		return checkIndicatorRef(v.CompareIndicator, v.ComparePeriod)
	case *IndicatorCrossesBelow:
		if err := checkIndicatorRef(v.Indicator, v.Period); err != nil {
			return err
		}
		return checkIndicatorRef(v.CompareIndicator, v.ComparePeriod)
	case *VolumeSpike:
		if v.Factor <= 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "volume_spike factor must be positive")
		}
	case *TimeOfDay:
		if _, err := parseClock(v.Start); err != nil {
			return err
		}
		if _, err := parseClock(v.End); err != nil {
			return err
		}
	case *DayOfWeek:
		if len(v.Days) == 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "day_of_week requires at least one day")
		}
		for _, name := range v.Days {
			if _, ok := weekdayNames[strings.ToLower(name)]; !ok {
				return domain.NewInputError(domain.CodeInvalidInput, "unknown weekday "+name)
			}
		}
	case *RegimeIs:
		if v.Tag == "" {
			return domain.NewInputError(domain.CodeInvalidInput, "regime_is requires a tag")
		}
	case *VolatilityAbove:
		if v.Value < 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "volatility threshold must not be negative")
		}
	case *VolatilityBelow:
		if v.Value < 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "volatility threshold must not be negative")
		}
	case *DrawdownExceeds:
		if v.Pct < 0 {
			return domain.NewInputError(domain.CodeInvalidInput, "drawdown threshold must not be negative")
		}
	case *ProfitTargetHit:
		// any target is meaningful, including negative (cut losses early)
	case *ConsecutiveLosses:
		if v.Count < 1 {
			return domain.NewInputError(domain.CodeInvalidInput, "consecutive_losses count must be at least 1")
		}
	case *ConsecutiveWins:
		if v.Count < 1 {
			return domain.NewInputError(domain.CodeInvalidInput, "consecutive_wins count must be at least 1")
		}
	}
	return nil
}

func checkIndicatorRef(name string, period int) error {
	if name == "" {
		return domain.NewInputError(domain.CodeInvalidInput, "missing indicator name")
	}
	// MACD and Bollinger outputs have fixed parameters; a period on them
	// is ignored rather than rejected, matching the cache's normalization.
	switch name {
	case "macd", "macd_signal", "macd_hist", "bb_upper", "bb_middle", "bb_lower":
		return nil
	}
	if period < 1 {
		return domain.NewInputError(domain.CodeInvalidInput, "indicator "+name+" requires a positive period")
	}
	return nil
}

// PatternKeyFor derives the knowledge-base bucket from a rule name:
// uppercased with spaces collapsed to underscores, "rsi oversold bounce"
// becomes "RSI_OVERSOLD_BOUNCE".
func PatternKeyFor(ruleName string) string {
	key := strings.TrimSpace(ruleName)
	key = strings.Join(strings.Fields(key), "_")
	return strings.ToUpper(key)
}
