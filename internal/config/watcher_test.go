package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcpgw.yaml")
	writeConfig(t, path, "pool:\n  max_connections: 2\n")

	var reloaded atomic.Pointer[Config]
	var failures atomic.Int32

	w, err := NewWatcher(path,
		func(cfg *Config) { reloaded.Store(cfg) },
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(error) { failures.Add(1) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, 2, w.LastConfig().Pool.MaxConnections)

	writeConfig(t, path, "pool:\n  max_connections: 7\n")

	require.Eventually(t, func() bool {
		cfg := reloaded.Load()
		return cfg != nil && cfg.Pool.MaxConnections == 7
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, w.LastConfig().Pool.MaxConnections)

	writeConfig(t, path, "pool:\n  max_connections: -1\n")

	require.Eventually(t, func() bool { return failures.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, w.LastConfig().Pool.MaxConnections)
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcpgw.yaml")
	writeConfig(t, path, "")

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*Config) { calls.Add(1) })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
	assert.NotNil(t, w.LastConfig())
}

func TestWatcher_StartFailsOnInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mcpgw.yaml")
	writeConfig(t, path, "pool: [")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	assert.Error(t, w.Start(context.Background()))
}
