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

	"github.com/quantfold/tradecore/internal/modules/risk"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func setup() (*Handler, *risk.Brake) {
	brake := risk.NewBrake(nil, testLogger())
	return NewHandler(brake, testLogger()), brake
}

func decodeEnvelope(t *testing.T, body []byte) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &envelope))
	data, ok := envelope["data"].(map[string]interface{})
	require.True(t, ok, "response missing data envelope")
	return data
}

func TestHandleBrakeEngages(t *testing.T) {
	h, brake := setup()

	req := httptest.NewRequest(http.MethodPost, "/emergency/brake",
		strings.NewReader(`{"reason":"suspicious fills"}`))
	w := httptest.NewRecorder()
	h.HandleBrake(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, true, data["engaged"])
	assert.Equal(t, true, data["changed"])

	assert.True(t, brake.Engaged())
	assert.Equal(t, "suspicious fills", brake.State().Reason)
	assert.Equal(t, "operator", brake.State().Source)
}

func TestHandleBrakeDefaultsReason(t *testing.T) {
	h, brake := setup()

	req := httptest.NewRequest(http.MethodPost, "/emergency/brake", nil)
	w := httptest.NewRecorder()
	h.HandleBrake(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual operator stop", brake.State().Reason)
}

func TestHandleBrakeIdempotent(t *testing.T) {
	h, brake := setup()
	brake.Engage("first", "operator")

	req := httptest.NewRequest(http.MethodPost, "/emergency/brake",
		strings.NewReader(`{"reason":"second"}`))
	w := httptest.NewRecorder()
	h.HandleBrake(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, false, data["changed"])
	assert.Equal(t, "first", brake.State().Reason)
}

func TestHandleReleaseRequiresExactPhrase(t *testing.T) {
	h, brake := setup()
	brake.Engage("drill", "operator")

	for _, confirmation := range []string{"", "release", "RELEASE_BRAKE", "release_emergency_brake"} {
		body, _ := json.Marshal(map[string]string{"confirmation": confirmation})
		req := httptest.NewRequest(http.MethodPost, "/emergency/release", strings.NewReader(string(body)))
		w := httptest.NewRecorder()
		h.HandleRelease(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "confirmation %q", confirmation)
		assert.True(t, brake.Engaged(), "brake released by %q", confirmation)
	}
}

func TestHandleReleaseWithConfirmation(t *testing.T) {
	h, brake := setup()
	brake.Engage("drill", "operator")

	req := httptest.NewRequest(http.MethodPost, "/emergency/release",
		strings.NewReader(`{"confirmation":"RELEASE_EMERGENCY_BRAKE"}`))
	w := httptest.NewRecorder()
	h.HandleRelease(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, false, data["engaged"])
	assert.False(t, brake.Engaged())
}

func TestHandleState(t *testing.T) {
	h, brake := setup()
	brake.Engage("rolling restart", "operator")

	req := httptest.NewRequest(http.MethodGet, "/emergency/state", nil)
	w := httptest.NewRecorder()
	h.HandleState(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, true, data["engaged"])
	assert.Equal(t, "rolling restart", data["reason"])
}

func TestRouteIntegration(t *testing.T) {
	h, _ := setup()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	cases := []struct {
		method, path, body string
		status             int
	}{
		{http.MethodPost, "/emergency/brake", `{"reason":"x"}`, http.StatusOK},
		{http.MethodGet, "/emergency/state", "", http.StatusOK},
		{http.MethodPost, "/emergency/release", `{"confirmation":"RELEASE_EMERGENCY_BRAKE"}`, http.StatusOK},
		{http.MethodPost, "/emergency/release", `{"confirmation":"nope"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		var req *http.Request
		if tc.body != "" {
			req = httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		} else {
			req = httptest.NewRequest(tc.method, tc.path, nil)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.status, w.Code, "%s %s", tc.method, tc.path)
	}
}
