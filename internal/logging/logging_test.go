package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithOperation_AttachesID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(InitDefault)

	ctx := WithOperation(context.Background(), String("node", "n1"))
	id := OperationID(ctx)
	require.NotEmpty(t, id)

	WithContext(ctx).Info("downloaded")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id, fields["op"])
	assert.Equal(t, "n1", fields["node"])
}

func TestWithContext_FallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SetLogger(zap.New(core))
	t.Cleanup(InitDefault)

	assert.Empty(t, OperationID(context.Background()))
	WithContext(context.Background()).Info("plain")
	assert.Equal(t, 1, logs.Len())
}

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmiscopy.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", OutputPath: path}))
	t.Cleanup(InitDefault)

	Debug("registry loaded", Int("entries", 3))
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"entries":3`), "log line missing: %s", data)
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "level.log")
	require.NoError(t, Init(Config{Level: "info", OutputPath: path}))
	t.Cleanup(InitDefault)

	Debug("hidden")
	SetLevel("debug")
	Debug("shown")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
