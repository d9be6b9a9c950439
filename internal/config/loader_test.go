package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 200*time.Millisecond, cfg.Queue.PollTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Buffer.TTL())
	assert.Equal(t, 3*time.Minute, cfg.Stream.Timeout())
	assert.Equal(t, "echo", cfg.Graph.Backend)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
queue:
  backend: "redis"
  max_size: 42
executor:
  workers: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 42, cfg.Queue.MaxSize)
	assert.Equal(t, 8, cfg.Executor.Workers)
	// Untouched sections keep their defaults.
	assert.Equal(t, "memory", cfg.Buffer.Backend)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":7070")
	t.Setenv("GRAPH_BACKEND", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CHAT_WORKERS", "12")
	t.Setenv("CHAT_QUEUE_MAX_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "openai", cfg.Graph.Backend)
	assert.Equal(t, "sk-test", cfg.Graph.APIKey)
	assert.Equal(t, 12, cfg.Executor.Workers)
	assert.Equal(t, 1000, cfg.Queue.MaxSize, "malformed env value keeps the default")
}

func TestClamp(t *testing.T) {
	t.Setenv("CHAT_WORKERS", "-3")
	t.Setenv("CHAT_QUEUE_MAX_SIZE", "-1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Executor.Workers)
	assert.Equal(t, 0, cfg.Queue.MaxSize, "negative size becomes unbounded")
}
