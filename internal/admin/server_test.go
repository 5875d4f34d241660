package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habitsync/internal/backup"
	"habitsync/internal/legacy"
	"habitsync/internal/metrics"
	"habitsync/internal/migrate"
	"habitsync/internal/remote"
)

func newTestServer(t *testing.T) (*Server, *migrate.RemoteStateStore, *backup.Engine) {
	t.Helper()

	store, err := legacy.Open(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := remote.NewMemoryClient()
	states := migrate.NewRemoteStateStore(client)
	collector := metrics.New()

	coordinator := migrate.NewCoordinator(migrate.Options{
		States:     states,
		Enumerator: legacy.NewEnumerator(store),
		Mapper:     migrate.NewMapper("1"),
		Client:     client,
		Metrics:    collector,
	})
	engine := backup.NewEngine(backup.Options{
		Dir:     t.TempDir(),
		Store:   store,
		Metrics: collector,
	})

	return NewServer(":0", coordinator, engine, collector, zap.NewNop()), states, engine
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMigrationStatusEndpoint(t *testing.T) {
	srv, states, _ := newTestServer(t)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	state := migrate.NewState()
	state.Status = migrate.StatusRunning
	state.ItemsProcessed = 12
	state.TotalItems = 40
	require.NoError(t, states.Save(context.Background(), state, "user-1"))

	resp, err := http.Get(ts.URL + "/api/migration/user-1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got migrate.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, migrate.StatusRunning, got.Status)
	assert.Equal(t, 12, got.ItemsProcessed)
	assert.Equal(t, 40, got.TotalItems)
}

func TestMigrationStatusEndpoint_UnknownUserIsNotStarted(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/migration/nobody/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got migrate.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, migrate.StatusNotStarted, got.Status)
}

func TestBackupsEndpoint_EmptyListIsArray(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/backups/user-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snaps []backup.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
	assert.Empty(t, snaps)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
