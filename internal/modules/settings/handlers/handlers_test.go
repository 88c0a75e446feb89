package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/modules/settings"
	testhelpers "github.com/quantfold/tradecore/internal/testing"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "state")
	t.Cleanup(cleanup)

	svc := settings.NewService(settings.NewRepository(db, testLogger()), nil, testLogger())
	h := NewHandler(svc, testLogger())

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestGetSettingsServesDefaults(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/settings", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Settings map[string]string `json:"settings"`
			Keys     []string          `json:"keys"`
		} `json:"data"`
		Metadata struct {
			Timestamp string `json:"timestamp"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "0", resp.Data.Settings[settings.KeyMaxOwnershipPct])
	assert.NotEmpty(t, resp.Data.Keys)
	assert.NotEmpty(t, resp.Metadata.Timestamp)
}

func TestUpdateSettingsRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	body := `{"max_ownership_pct": "20", "issuer_account_id": "issuer-1"}`
	req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/settings", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp struct {
		Data struct {
			Settings map[string]string `json:"settings"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "20", resp.Data.Settings[settings.KeyMaxOwnershipPct])
	assert.Equal(t, "issuer-1", resp.Data.Settings[settings.KeyIssuerAccountID])
}

func TestUpdateSettingsRejectsBadKeyWithoutPartialWrite(t *testing.T) {
	router := newTestRouter(t)

	// One good pair and one bad pair: nothing should be written.
	body := `{"max_ownership_pct": "20", "bogus": "1"}`
	req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/settings", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp struct {
		Data struct {
			Settings map[string]string `json:"settings"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "0", resp.Data.Settings[settings.KeyMaxOwnershipPct])
}

func TestUpdateSettingsRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
