package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
gateway:
  listen: ":8080"
providers:
  test-provider:
    kind: openai_like
    base_url: https://api.example.com
    models: [gpt-4]
`

func TestManagerStatus(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	require.NoError(t, err)

	status := mgr.Status()
	require.Equal(t, path, status.Path)
	require.NotEmpty(t, status.Checksum)
	require.False(t, status.LoadedAt.IsZero())
	require.Equal(t, 1, status.ReloadCount)
}

func TestManagerReloadUpdatesChecksum(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	require.NoError(t, err)

	before := mgr.Status()

	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  listen: ":9090"
providers:
  test-provider:
    kind: openai_like
    base_url: https://api.example.com
    models: [gpt-4]
`), 0644))

	require.NoError(t, mgr.Reload())

	after := mgr.Status()
	require.NotEqual(t, before.Checksum, after.Checksum)
	require.Equal(t, before.ReloadCount+1, after.ReloadCount)
	require.Equal(t, ":9090", mgr.Get().Gateway.Listen)
}

func TestManagerReloadKeepsCurrentOnParseFailure(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: [["), 0644))
	require.Error(t, mgr.Reload())
	require.Equal(t, ":8080", mgr.Get().Gateway.Listen)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
