package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradecore/internal/events"
	"github.com/quantfold/tradecore/internal/reliability"
	"github.com/quantfold/tradecore/internal/scheduler"
)

type pingModule struct{}

func (pingModule) RegisterRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

type fakeSchedulerStats struct{}

func (fakeSchedulerStats) Stats() scheduler.Stats {
	return scheduler.Stats{Cycles: 7, Signals: 3}
}

func newTestServer(t *testing.T, system *SystemHandlers) *Server {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return New(Config{
		Port:    0,
		DevMode: true,
		Log:     log,
		System:  system,
		Modules: []RouteRegistrar{pingModule{}},
	})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestModuleRoutesMountedUnderAPI(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSystemStatus(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	system := NewSystemHandlers(SystemDeps{
		Scheduler: fakeSchedulerStats{},
		DiskFree:  func() (float64, error) { return 42.5, nil },
	}, log)
	s := newTestServer(t, system)

	req := httptest.NewRequest(http.MethodGet, "/api/system/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Version    string  `json:"version"`
			Goroutines int     `json:"goroutines"`
			DiskFreeGB float64 `json:"disk_free_gb"`
			Scheduler  struct {
				Cycles uint64 `json:"cycles"`
			} `json:"scheduler"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Version)
	assert.Greater(t, resp.Data.Goroutines, 0)
	assert.Equal(t, 42.5, resp.Data.DiskFreeGB)
	assert.Equal(t, uint64(7), resp.Data.Scheduler.Cycles)
}

type fakeBackupRunner struct {
	ran     bool
	backups []reliability.BackupInfo
}

func (f *fakeBackupRunner) Run(_ context.Context) error { f.ran = true; return nil }

func (f *fakeBackupRunner) ListBackups(_ context.Context) ([]reliability.BackupInfo, error) {
	return f.backups, nil
}

func TestSystemBackup(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	t.Run("not configured", func(t *testing.T) {
		s := newTestServer(t, NewSystemHandlers(SystemDeps{}, log))
		req := httptest.NewRequest(http.MethodPost, "/api/system/backup", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("runs backup", func(t *testing.T) {
		runner := &fakeBackupRunner{backups: []reliability.BackupInfo{{Filename: "a"}}}
		s := newTestServer(t, NewSystemHandlers(SystemDeps{Backup: runner}, log))

		req := httptest.NewRequest(http.MethodPost, "/api/system/backup", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, runner.ran)

		req = httptest.NewRequest(http.MethodGet, "/api/system/backups", nil)
		rec = httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"count":1`)
	})
}

func TestEventsStreamDeliversEvents(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.New(log)
	defer bus.Close()

	h := NewEventsStreamHandler(bus, log)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?types=brake_engaged", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	bus.Publish("risk", &events.BrakeChangedData{Engaged: true, Reason: "test", Source: "operator"})
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not stop on disconnect")
	}

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, `"type":"brake_engaged"`)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
