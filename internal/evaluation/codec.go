package evaluation

import (
	"encoding/json"

	"github.com/quantfold/tradecore/internal/domain"
)

// newCondition returns the zero value for a discriminator, nil for an
// unknown kind.
func newCondition(kind string) Condition {
	switch kind {
	case KindGroup:
		return &Group{}
	case KindPriceAbove:
		return &PriceAbove{}
	case KindPriceBelow:
		return &PriceBelow{}
	case KindPriceCrossesAbove:
		return &PriceCrossesAbove{}
	case KindPriceCrossesBelow:
		return &PriceCrossesBelow{}
	case KindIndicatorAbove:
		return &IndicatorAbove{}
	case KindIndicatorBelow:
		return &IndicatorBelow{}
	case KindIndicatorCrossesAbove:
		return &IndicatorCrossesAbove{}
	case KindIndicatorCrossesBelow:
		return &IndicatorCrossesBelow{}
	case KindVolumeSpike:
		return &VolumeSpike{}
	case KindTimeOfDay:
		return &TimeOfDay{}
	case KindDayOfWeek:
		return &DayOfWeek{}
	case KindRegimeIs:
		return &RegimeIs{}
	case KindVolatilityAbove:
		return &VolatilityAbove{}
	case KindVolatilityBelow:
		return &VolatilityBelow{}
	case KindDrawdownExceeds:
		return &DrawdownExceeds{}
	case KindProfitTargetHit:
		return &ProfitTargetHit{}
	case KindConsecutiveLosses:
		return &ConsecutiveLosses{}
	case KindConsecutiveWins:
		return &ConsecutiveWins{}
	default:
		return nil
	}
}

// UnmarshalCondition decodes one node by its kind discriminator.
func UnmarshalCondition(raw []byte) (Condition, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "condition is not valid JSON: "+err.Error())
	}
	c := newCondition(probe.Kind)
	if c == nil {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "unknown condition kind "+probe.Kind)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "invalid "+probe.Kind+" condition: "+err.Error())
	}
	return c, nil
}

// MarshalCondition encodes one node with its kind discriminator.
func MarshalCondition(c Condition) ([]byte, error) {
	if c == nil {
		return nil, domain.NewInputError(domain.CodeInvalidInput, "nil condition")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(c.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// groupJSON is Group's wire form; children round-trip through the
// discriminated codec.
type groupJSON struct {
	Logic    Logic             `json:"logic"`
	Children []json.RawMessage `json:"children"`
}

func (g *Group) MarshalJSON() ([]byte, error) {
	aux := groupJSON{Logic: g.Logic, Children: make([]json.RawMessage, 0, len(g.Children))}
	for _, child := range g.Children {
		raw, err := MarshalCondition(child)
		if err != nil {
			return nil, err
		}
		aux.Children = append(aux.Children, raw)
	}
	return json.Marshal(aux)
}

func (g *Group) UnmarshalJSON(data []byte) error {
	var aux groupJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	g.Logic = aux.Logic
	g.Children = make([]Condition, 0, len(aux.Children))
	for _, raw := range aux.Children {
		child, err := UnmarshalCondition(raw)
		if err != nil {
			return err
		}
		g.Children = append(g.Children, child)
	}
	return nil
}
