package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlquota/internal/config"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return &cfg
}

func TestBuildWithMemoryBackends(t *testing.T) {
	cfg := defaultConfig(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)

	require.Nil(t, app.consumer, "usage consumer needs the kafka backend")
	require.Equal(t, cfg.Worker.Concurrency, app.dispatch.Size())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"urls":["https://example.com"]}`))
	req.Header.Set("X-User-ID", "nobody")
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	report, err := app.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Users)
}

func TestBuildWithRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := defaultConfig(t)
	cfg.Redis.Addr = mr.Addr()

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(app.Close)
	require.NotNil(t, app.redis)
	require.NoError(t, app.ready(context.Background()))

	mr.Close()
	require.Error(t, app.ready(context.Background()))
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := defaultConfig(t)
	cfg.Redis.Addr = addr
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "redis ping")
}

func TestDomainPolicyToggle(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.DomainPolicy.Enabled = false
	app := &App{cfg: cfg, logger: zap.NewNop()}

	allowed, err := app.domainPolicy().IsAllowed(context.Background(), "http://127.0.0.1/", "free", "student")
	require.NoError(t, err)
	require.True(t, allowed)

	cfg.DomainPolicy.Enabled = true
	allowed, err = app.domainPolicy().IsAllowed(context.Background(), "http://127.0.0.1/", "free", "student")
	require.NoError(t, err)
	require.False(t, allowed)
}
