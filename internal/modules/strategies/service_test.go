package strategies

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/domain"
	testhelpers "github.com/quantfold/tradecore/internal/testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)
	return NewService(NewRepository(db, testLogger()), nil, testLogger())
}

// defWithRule builds a one-rule definition whose entry rule carries the
// given name, so tests can tell definitions apart after a parse.
func defWithRule(ruleName string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"entry_rules": []map[string]interface{}{
			{
				"name": ruleName,
				"condition": map[string]interface{}{
					"kind":      "indicator_below",
					"indicator": "rsi",
					"period":    14,
					"value":     30,
				},
				"action":           map[string]interface{}{"side": "buy", "stop_loss_pct": 2},
				"cooldown_minutes": 60,
			},
		},
	})
	return raw
}

func TestServiceCreateAndGet(t *testing.T) {
	svc := newTestService(t)

	s, err := svc.Create("user-1", "dip buyer", "buys dips", simpleDefinition(30))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, s.Version)
	assert.False(t, s.Deployed)

	latest, err := svc.Get(s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, "dip buyer", latest.Name)

	exact, err := svc.Get(s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, s.ID, exact.ID)

	_, err = svc.Get("ghost", 0)
	require.Error(t, err)
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeNotFound, derr.Code)
}

func TestServiceCreateRejectsBadInput(t *testing.T) {
	svc := newTestService(t)

	cases := []struct {
		name   string
		userID string
		title  string
		def    json.RawMessage
	}{
		{"missing owner", "", "dip buyer", simpleDefinition(30)},
		{"missing name", "user-1", "  ", simpleDefinition(30)},
		{"missing definition", "user-1", "dip buyer", nil},
		{"no entry rules", "user-1", "dip buyer", json.RawMessage(`{"entry_rules":[]}`)},
		{"malformed json", "user-1", "dip buyer", json.RawMessage(`{`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(tc.userID, tc.title, "", tc.def)
			require.Error(t, err)
			derr, ok := domain.AsError(err)
			require.True(t, ok)
			assert.Equal(t, domain.ErrorClassInput, derr.Class)
		})
	}
}

func TestServiceUpdateInPlaceBeforeDeploy(t *testing.T) {
	svc := newTestService(t)
	s, err := svc.Create("user-1", "dip buyer", "", simpleDefinition(30))
	require.NoError(t, err)

	updated, err := svc.Update(s.ID, "dip buyer tuned", "tighter entry", simpleDefinition(25))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)

	got, err := svc.Get(s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "dip buyer tuned", got.Name)
	assert.JSONEq(t, string(simpleDefinition(25)), string(got.Definition))
}

func TestServiceUpdateAfterDeployCreatesVersion(t *testing.T) {
	svc := newTestService(t)
	s, err := svc.Create("user-1", "dip buyer", "", simpleDefinition(30))
	require.NoError(t, err)

	_, err = svc.Deploy(s.ID, 1)
	require.NoError(t, err)

	updated, err := svc.Update(s.ID, "dip buyer v2", "", simpleDefinition(25))
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.False(t, updated.Deployed)

	// The deployed version is untouched.
	v1, err := svc.Get(s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "dip buyer", v1.Name)
	assert.True(t, v1.Deployed)
	assert.JSONEq(t, string(simpleDefinition(30)), string(v1.Definition))

	latest, err := svc.Get(s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
}

func TestServiceUpdateUnknownStrategy(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Update("ghost", "name", "", simpleDefinition(30))
	require.Error(t, err)
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeNotFound, derr.Code)
}

func TestServiceDeployIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	s, err := svc.Create("user-1", "dip buyer", "", simpleDefinition(30))
	require.NoError(t, err)

	first, err := svc.Deploy(s.ID, 1)
	require.NoError(t, err)
	assert.True(t, first.Deployed)

	again, err := svc.Deploy(s.ID, 1)
	require.NoError(t, err)
	assert.True(t, again.Deployed)

	_, err = svc.Deploy("ghost", 1)
	require.Error(t, err)
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeNotFound, derr.Code)
}

func TestServiceDeployRefusesCorruptDefinition(t *testing.T) {
	svc := newTestService(t)

	// Plant a row the service's own Create could never produce.
	bad := storedStrategy("corrupt", 1)
	bad.Definition = json.RawMessage(`{"entry_rules":[{"name":"x"}]}`)
	require.NoError(t, svc.repo.Insert(bad))

	_, err := svc.Deploy("corrupt", 1)
	require.Error(t, err)
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrorClassInput, derr.Class)
}

func TestServiceDeleteRefusedWhileDeployed(t *testing.T) {
	svc := newTestService(t)
	s, err := svc.Create("user-1", "dip buyer", "", simpleDefinition(30))
	require.NoError(t, err)

	_, err = svc.Deploy(s.ID, 1)
	require.NoError(t, err)

	err = svc.Delete(s.ID)
	require.Error(t, err)
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeDeployed, derr.Code)

	// A strategy with no deployed versions deletes cleanly.
	other, err := svc.Create("user-1", "scratch", "", simpleDefinition(40))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(other.ID))

	_, err = svc.Get(other.ID, 0)
	require.Error(t, err)
}

func TestServiceValidateReport(t *testing.T) {
	svc := newTestService(t)

	raw := json.RawMessage(`{
		"entry_rules": [
			{
				"name": "guarded entry",
				"condition": {"kind": "indicator_below", "indicator": "rsi", "period": 14, "value": 30},
				"action": {"side": "buy", "stop_loss_pct": 2},
				"cooldown_minutes": 60
			},
			{
				"name": "naked entry",
				"condition": {"kind": "price_above", "indicator": "sma", "period": 50},
				"action": {"side": "buy"}
			}
		]
	}`)
	s, err := svc.Create("user-1", "mixed", "", raw)
	require.NoError(t, err)

	report, err := svc.Validate(s.ID, 0)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Error)
	assert.Equal(t, 2, report.EntryRules)
	assert.Equal(t, 0, report.ExitRules)

	require.Len(t, report.Indicators, 2)
	assert.Equal(t, "rsi", report.Indicators[0].Name)
	assert.Equal(t, 14, report.Indicators[0].Period)
	assert.Equal(t, "sma", report.Indicators[1].Name)
	assert.Equal(t, 50, report.Indicators[1].Period)

	assert.Contains(t, report.Warnings,
		`entry rule "naked entry" has no stop loss and the strategy defines no exit rules`)
	assert.Contains(t, report.Warnings,
		`entry rule "naked entry" has no cooldown or daily cap`)
}

func TestServiceValidateReportsCorruptDefinition(t *testing.T) {
	svc := newTestService(t)

	bad := storedStrategy("corrupt", 1)
	bad.Definition = json.RawMessage(`{"entry_rules":[{"name":""}]}`)
	require.NoError(t, svc.repo.Insert(bad))

	report, err := svc.Validate("corrupt", 1)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Error)
}

func TestServiceDefinitionCaching(t *testing.T) {
	svc := newTestService(t)
	s, err := svc.Create("user-1", "dip buyer", "", defWithRule("first"))
	require.NoError(t, err)

	d1, err := svc.Definition(s.ID, 1)
	require.NoError(t, err)
	require.Len(t, d1.EntryRules, 1)
	assert.Equal(t, "first", d1.EntryRules[0].Name)

	// Rewrite the row behind the service's back. The cache must keep
	// serving the parse it already handed out.
	edited := storedStrategy(s.ID, 1)
	edited.Definition = defWithRule("second")
	require.NoError(t, svc.repo.Update(edited))

	d2, err := svc.Definition(s.ID, 1)
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	// An update through the service invalidates the entry.
	_, err = svc.Update(s.ID, "dip buyer", "", defWithRule("third"))
	require.NoError(t, err)

	d3, err := svc.Definition(s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "third", d3.EntryRules[0].Name)
}

func TestServiceDefinitionRequiresVersion(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Definition("any", 0)
	require.Error(t, err)
	derr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInvalidInput, derr.Code)

	_, err = svc.Definition("ghost", 3)
	require.Error(t, err)
	derr, ok = domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeNotFound, derr.Code)
}

func TestServiceListFiltersByUser(t *testing.T) {
	svc := newTestService(t)

	for i := 0; i < 2; i++ {
		_, err := svc.Create("user-1", fmt.Sprintf("strategy %d", i), "", simpleDefinition(30))
		require.NoError(t, err)
	}
	_, err := svc.Create("user-2", "other", "", simpleDefinition(30))
	require.NoError(t, err)

	all, err := svc.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := svc.List("user-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
