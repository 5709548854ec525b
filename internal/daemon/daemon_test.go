package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterlane/engram/internal/config"
	"github.com/asterlane/engram/internal/logger"
	"github.com/asterlane/engram/pkg/registry"
	"github.com/asterlane/engram/pkg/store"
	"github.com/asterlane/engram/pkg/vectorcache"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "scars.db")
	cfg.Store.Dimension = 32
	cfg.Cache.ExportPath = filepath.Join(dir, "export.json")
	cfg.Locks.Dir = filepath.Join(dir, "locks")
	cfg.Registry.Path = filepath.Join(dir, "registry.json")
	cfg.Registry.SessionsDir = filepath.Join(dir, "sessions")
	cfg.Gateway.Port = 0
	cfg.Embedding.Provider = "mock"
	return cfg
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(testConfig(t), log)
	require.NoError(t, err)
	return d
}

func TestNew_RejectsOpenAIWithoutKey(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Console: false})
	require.NoError(t, err)
	defer log.Close()

	cfg := testConfig(t)
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.APIKey = ""

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestDaemon_StartStop(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start must fail")

	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Gateway)

	require.NoError(t, d.Stop())
	assert.NoError(t, d.Stop(), "stop is idempotent")
}

func TestDaemon_InitialLoadWarmsCache(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return d.cache.IsReady()
	}, 5*time.Second, 20*time.Millisecond)

	meta := d.cache.GetMetadata()
	assert.True(t, meta.Success)
	assert.Equal(t, 0, meta.ItemCount)
}

func TestDaemon_GatewayServesStatus(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	defer d.Stop()

	require.Eventually(t, func() bool {
		return d.cache.IsReady()
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + d.gatewayServer.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status vectorcache.StatusInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Initialized)
}

func TestDaemon_RecallAfterUpsert(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	defer d.Stop()

	ctx := context.Background()

	vec, err := d.embedder.Embed(ctx, "forgot to close the response body")
	require.NoError(t, err)
	require.NoError(t, d.store.UpsertScar(ctx, store.Scar{
		ID:          "scar-body",
		Title:       "forgot to close the response body",
		Description: "leaked connections under load",
		Severity:    "high",
		Embedding:   vec,
		UpdatedAt:   time.Now(),
	}))

	// Pick up the new scar before recalling.
	_, err = d.cache.Reload(ctx)
	require.NoError(t, err)

	results, err := d.recaller.Recall(ctx, "agent-1", "response body not closed", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "scar-body", results[0].ID)
	assert.NotEmpty(t, results[0].VariantID)
}

func TestDaemon_PruneSessions(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.Start())
	defer d.Stop()

	// A registered session with its directory intact survives pruning.
	require.NoError(t, d.sessions.Register(registry.Entry{
		SessionID:  "sess-live",
		AgentLabel: "coder",
		StartedAt:  time.Now(),
	}))
	d.pruneSessions()

	entries, err := d.sessions.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
