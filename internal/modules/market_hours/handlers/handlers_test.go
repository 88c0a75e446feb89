package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/modules/market_hours"
)

func TestHandleStatus(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	h := NewHandler(market_hours.NewService(log), log)

	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/market-hours/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Timestamp string `json:"timestamp"`
			Markets   []struct {
				Class string `json:"class"`
				Open  bool   `json:"open"`
			} `json:"markets"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Timestamp)
	require.Len(t, resp.Data.Markets, 6)

	classes := make(map[string]bool)
	for _, m := range resp.Data.Markets {
		classes[m.Class] = m.Open
	}
	assert.True(t, classes["crypto"])
}
