package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet_AttachesCategory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core), Options{})
	t.Cleanup(func() { SetBase(nil, Options{}) })

	Get(CategorySession).Info("phase changed")
	Boot("listening on %s", ":8085")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "session", entries[0].LoggerName)
	assert.Equal(t, "session", entries[0].ContextMap()["category"])
	assert.Equal(t, "listening on :8085", entries[1].Message)
	assert.Equal(t, "boot", entries[1].ContextMap()["category"])
}

func TestGet_DisabledCategoryIsNop(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core), Options{Categories: map[string]bool{"browser": false}})
	t.Cleanup(func() { SetBase(nil, Options{}) })

	assert.False(t, IsCategoryEnabled(CategoryBrowser))
	assert.True(t, IsCategoryEnabled(CategoryDelivery), "unlisted categories default to enabled")

	Get(CategoryBrowser).Warn("should be dropped")
	Get(CategoryDelivery).Warn("kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestGet_CachesPerCategory(t *testing.T) {
	SetBase(zap.NewNop(), Options{})
	assert.Same(t, Get(CategoryAPI), Get(CategoryAPI))
}

func TestInitialize_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "invoicewa.log")
	require.NoError(t, Initialize(Options{Level: "debug", File: path}))
	t.Cleanup(func() { SetBase(nil, Options{}) })

	Get(CategoryStore).Debug("purged", zap.Int("dirs", 2))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"category":"store"`), "log line: %s", data)
}

func TestInitialize_RejectsUnknownLevel(t *testing.T) {
	err := Initialize(Options{Level: "chatty"})
	require.Error(t, err)
}
