package evaluation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
)

func TestConditionRoundTrip(t *testing.T) {
	tree := &Group{
		Logic: LogicAnd,
		Children: []Condition{
			&IndicatorBelow{Indicator: "rsi", Period: 14, Value: 30},
			&PriceAbove{Indicator: "sma", Period: 200},
			&Group{
				Logic: LogicOr,
				Children: []Condition{
					&VolumeSpike{Factor: 2.0},
					&RegimeIs{Tag: "trending_up"},
				},
			},
		},
	}

	raw, err := MarshalCondition(tree)
	require.NoError(t, err)

	back, err := UnmarshalCondition(raw)
	require.NoError(t, err)

	group, ok := back.(*Group)
	require.True(t, ok)
	assert.Equal(t, LogicAnd, group.Logic)
	require.Len(t, group.Children, 3)

	rsi, ok := group.Children[0].(*IndicatorBelow)
	require.True(t, ok)
	assert.Equal(t, "rsi", rsi.Indicator)
	assert.Equal(t, 14, rsi.Period)
	assert.Equal(t, 30.0, rsi.Value)

	nested, ok := group.Children[2].(*Group)
	require.True(t, ok)
	assert.Equal(t, LogicOr, nested.Logic)
	require.Len(t, nested.Children, 2)
	assert.Equal(t, KindVolumeSpike, nested.Children[0].Kind())
	assert.Equal(t, KindRegimeIs, nested.Children[1].Kind())
}

func TestUnmarshalConditionRejectsUnknownKind(t *testing.T) {
	_, err := UnmarshalCondition([]byte(`{"kind":"phase_of_moon"}`))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}

func TestMarshalConditionEmitsKind(t *testing.T) {
	raw, err := MarshalCondition(&TimeOfDay{Start: "09:30", End: "16:00"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "time_of_day", m["kind"])
	assert.Equal(t, "09:30", m["start"])
}

func TestDefinitionRoundTripAndValidate(t *testing.T) {
	def := &Definition{
		EntryRules: []Rule{
			{
				Name: "rsi oversold bounce",
				Condition: &Group{
					Logic: LogicAnd,
					Children: []Condition{
						&IndicatorBelow{Indicator: "rsi", Period: 14, Value: 30},
						&PriceAbove{Indicator: "sma", Period: 200},
					},
				},
				Action:          Action{Side: domain.SideBuy, StopLossPct: 2, TakeProfitPct: 3},
				CooldownMinutes: 60,
				MaxPerDay:       3,
			},
		},
		ExitRules: []Rule{
			{
				Name:      "rsi normalized",
				Condition: &IndicatorAbove{Indicator: "rsi", Period: 14, Value: 55},
				Action:    Action{Side: domain.SideSell},
			},
		},
	}
	require.NoError(t, def.Validate())

	raw, err := json.Marshal(def)
	require.NoError(t, err)

	parsed, err := ParseDefinition(raw)
	require.NoError(t, err)
	require.Len(t, parsed.EntryRules, 1)
	require.Len(t, parsed.ExitRules, 1)
	assert.Equal(t, "rsi oversold bounce", parsed.EntryRules[0].Name)
	assert.Equal(t, domain.SideBuy, parsed.EntryRules[0].Action.Side)
	assert.Equal(t, 2.0, parsed.EntryRules[0].Action.StopLossPct)
	assert.Equal(t, 60, parsed.EntryRules[0].CooldownMinutes)
	assert.Equal(t, KindGroup, parsed.EntryRules[0].Condition.Kind())
}

func TestDefinitionValidateRejects(t *testing.T) {
	base := func() *Definition {
		return &Definition{
			EntryRules: []Rule{{
				Name:      "r1",
				Condition: &IndicatorBelow{Indicator: "rsi", Period: 14, Value: 30},
				Action:    Action{Side: domain.SideBuy},
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"no entry rules", func(d *Definition) { d.EntryRules = nil }},
		{"blank rule name", func(d *Definition) { d.EntryRules[0].Name = "  " }},
		{"bad action side", func(d *Definition) { d.EntryRules[0].Action.Side = "hold" }},
		{"negative cooldown", func(d *Definition) { d.EntryRules[0].CooldownMinutes = -1 }},
		{"negative stop", func(d *Definition) { d.EntryRules[0].Action.StopLossPct = -2 }},
		{"nil condition", func(d *Definition) { d.EntryRules[0].Condition = nil }},
		{"zero period", func(d *Definition) {
			d.EntryRules[0].Condition = &IndicatorBelow{Indicator: "rsi", Period: 0, Value: 30}
		}},
		{"empty group", func(d *Definition) {
			d.EntryRules[0].Condition = &Group{Logic: LogicAnd}
		}},
		{"bad weekday", func(d *Definition) {
			d.EntryRules[0].Condition = &DayOfWeek{Days: []string{"smonday"}}
		}},
		{"bad clock", func(d *Definition) {
			d.EntryRules[0].Condition = &TimeOfDay{Start: "25:00", End: "26:00"}
		}},
		{"duplicate names", func(d *Definition) {
			d.ExitRules = []Rule{{
				Name:      "r1",
				Condition: &IndicatorAbove{Indicator: "rsi", Period: 14, Value: 60},
				Action:    Action{Side: domain.SideSell},
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
		})
	}
}

func TestDefinitionIndicators(t *testing.T) {
	def := &Definition{
		EntryRules: []Rule{{
			Name: "macd cross with volume",
			Condition: &Group{
				Logic: LogicAnd,
				Children: []Condition{
					&IndicatorCrossesAbove{Indicator: "macd", CompareIndicator: "macd_signal"},
					&VolumeSpike{Factor: 1.5},
					&VolatilityBelow{Value: 0.05},
				},
			},
			Action: Action{Side: domain.SideBuy},
		}},
	}

	reqs := def.Indicators()
	assert.ElementsMatch(t, []Requirement{
		{Name: "macd", Period: 0},
		{Name: "macd_signal", Period: 0},
		{Name: "volume_sma", Period: 20},
		{Name: "atr", Period: 14},
	}, reqs)
}

func TestPatternKeyFor(t *testing.T) {
	assert.Equal(t, "RSI_OVERSOLD_BOUNCE", PatternKeyFor("rsi oversold bounce"))
	assert.Equal(t, "MACD_BULLISH_CROSSOVER", PatternKeyFor("MACD_bullish_crossover"))
	assert.Equal(t, "A_B", PatternKeyFor("  a   b  "))
}
