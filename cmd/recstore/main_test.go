package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/maker"
)

// TestGetenv checks getenv prefers a non-empty variable and otherwise
// falls back to the default, including when the variable is set but empty.
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    *string
		def      string
		expected string
	}{
		{"set", "RECSTORE_TEST_VAR", ptr("/var/lib/recstore.db"), "", "/var/lib/recstore.db"},
		{"unset", "RECSTORE_UNSET_VAR", nil, "heap", "heap"},
		{"set but empty", "RECSTORE_EMPTY_VAR", ptr(""), "direct", "direct"},
		{"set and default empty", "RECSTORE_BOTH_VAR", ptr("lru"), "", "lru"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != nil {
				t.Setenv(tt.key, *tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

func ptr(s string) *string { return &s }

// runCmd runs one command against the engine described by cfg and returns its
// trimmed output.
func runCmd(t *testing.T, cfg maker.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), cfg, zaptest.NewLogger(t), args, &out)
	return strings.TrimSpace(out.String()), err
}

func TestRunCommandsPersist(t *testing.T) {
	cfg := maker.Default()
	cfg.Path = filepath.Join(t.TempDir(), "cli.db")
	cfg.Checksum = true

	recid, err := runCmd(t, cfg, "put", "hello")
	require.NoError(t, err)

	got, err := runCmd(t, cfg, "get", recid)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = runCmd(t, cfg, "update", recid, "world")
	require.NoError(t, err)
	_, err = runCmd(t, cfg, "name", "greeting", recid)
	require.NoError(t, err)

	got, err = runCmd(t, cfg, "name", "greeting")
	require.NoError(t, err)
	assert.Equal(t, recid, got)
	got, err = runCmd(t, cfg, "get", recid)
	require.NoError(t, err)
	assert.Equal(t, "world", got)

	_, err = runCmd(t, cfg, "delete", recid)
	require.NoError(t, err)
	got, err = runCmd(t, cfg, "get", recid)
	require.NoError(t, err)
	assert.Equal(t, "<null>", got)

	got, err = runCmd(t, cfg, "stat")
	require.NoError(t, err)
	assert.Contains(t, got, "free recids: 1")
	assert.Contains(t, got, "max recid:   "+recid)
}

func TestRunErrors(t *testing.T) {
	cfg := maker.Default()

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no command", nil, errUsage},
		{"unknown command", []string{"frobnicate"}, errUsage},
		{"put without value", []string{"put"}, errUsage},
		{"bad recid", []string{"get", "abc"}, errUsage},
		{"update arity", []string{"update", "8"}, errUsage},
		{"missing recid", []string{"get", "999"}, engine.ErrRecidNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, cfg, tt.args...)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRunBench(t *testing.T) {
	t.Setenv("RECSTORE_BENCH_WORKERS", "4")
	t.Setenv("RECSTORE_BENCH_OPS", "50")

	cfg := maker.Default()
	cfg.Cache = maker.CacheLRU
	cfg.CacheSize = 32
	cfg.Compress = true

	got, err := runCmd(t, cfg, "bench")
	require.NoError(t, err)
	assert.Contains(t, got, "rounds:      200")
	assert.Contains(t, got, "cache:")
}

func TestRunBenchStopsOnCancel(t *testing.T) {
	t.Setenv("RECSTORE_BENCH_OPS", "1000000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := run(ctx, maker.Default(), zaptest.NewLogger(t), []string{"bench"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "rounds:      0")
}
