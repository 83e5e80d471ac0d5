package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/dispatch"
	"github.com/llmgate/keygateway/internal/keycache"
	"github.com/llmgate/keygateway/internal/repository"
	"github.com/llmgate/keygateway/internal/taxonomy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, repo repository.Repository) *Server {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
gateway:
  listen: ":8080"
  metrics:
    enabled: true
    path: /metrics
providers:
  openai:
    kind: openai_like
    base_url: https://api.example.com
    models: [gpt-4]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	mgr, err := config.NewManager(path, discardLogger())
	require.NoError(t, err)

	cache := keycache.New(repo)
	d, err := dispatch.New(mgr, cache, discardLogger())
	require.NoError(t, err)

	return New(mgr, d, repo, discardLogger())
}

func TestHealthzReportsOKWhenRepositoryReachable(t *testing.T) {
	srv := newTestServer(t, repository.NewMemory())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReportsUnhealthyWhenRepositoryDown(t *testing.T) {
	srv := newTestServer(t, brokenRepository{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	srv := newTestServer(t, repository.NewMemory())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

// brokenRepository always fails Ping, exercising the unhealthy branch
// without wiring an actual unreachable database.
type brokenRepository struct{}

func (brokenRepository) ListEligible(ctx context.Context, provider, resolvedModel string, now time.Time) ([]repository.KeyRow, error) {
	return nil, errors.New("unreachable")
}

func (brokenRepository) ListAll(ctx context.Context, provider, resolvedModel string) ([]repository.KeyRow, error) {
	return nil, errors.New("unreachable")
}

func (brokenRepository) UpdateKeyStatus(ctx context.Context, provider, keyHash, resolvedModel string, status repository.Status, reason *taxonomy.ErrorReason, penaltyUntil *time.Time) error {
	return errors.New("unreachable")
}

func (brokenRepository) TouchChecked(ctx context.Context, provider, keyHash, resolvedModel string, now time.Time) error {
	return errors.New("unreachable")
}

func (brokenRepository) Ping(ctx context.Context) error {
	return errors.New("unreachable")
}
