package embedded

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	"github.com/quantfold/tradecore/internal/evaluation"
)

func TestTemplatesLoadAndParse(t *testing.T) {
	templates, err := Templates()
	require.NoError(t, err)
	require.Len(t, templates, 5)

	ids := make([]string, 0, len(templates))
	for _, tpl := range templates {
		ids = append(ids, tpl.ID)
		assert.NotEmpty(t, tpl.Name, "template %s has no name", tpl.ID)
		assert.NotEmpty(t, tpl.Description, "template %s has no description", tpl.ID)

		def, err := evaluation.ParseDefinition(tpl.Definition)
		require.NoError(t, err, "template %s", tpl.ID)
		assert.NotEmpty(t, def.EntryRules, "template %s", tpl.ID)
		assert.NotEmpty(t, def.Indicators(), "template %s reads no indicators", tpl.ID)
	}

	assert.True(t, sort.StringsAreSorted(ids))
	assert.ElementsMatch(t, ids, []string{
		"bollinger_breakout", "macd_crossover", "rsi_mean_reversion",
		"trend_following", "volume_breakout",
	})
}

func TestLookup(t *testing.T) {
	tpl, ok, err := Lookup("rsi_mean_reversion")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RSI Mean Reversion", tpl.Name)

	_, ok, err = Lookup("martingale")
	require.NoError(t, err)
	assert.False(t, ok)
}

// The mean-reversion template is the one the docs walk through: long
// entries only, protected by a 2% stop and a 3% target.
func TestMeanReversionTemplateAction(t *testing.T) {
	tpl, ok, err := Lookup("rsi_mean_reversion")
	require.NoError(t, err)
	require.True(t, ok)

	def, err := evaluation.ParseDefinition(tpl.Definition)
	require.NoError(t, err)
	require.Len(t, def.EntryRules, 1)

	action := def.EntryRules[0].Action
	assert.Equal(t, domain.SideBuy, action.Side)
	assert.InDelta(t, 2.0, action.StopLossPct, 1e-9)
	assert.InDelta(t, 3.0, action.TakeProfitPct, 1e-9)

	require.Len(t, def.ExitRules, 1)
	assert.Equal(t, domain.SideSell, def.ExitRules[0].Action.Side)
}
