package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncHandler(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	handler := NewAsyncHandler(dir, slog.LevelInfo, &console)
	log := slog.New(handler)

	log.Debug("hidden")
	log.Info("store loaded", "store", "wills")
	log.With("client", "c1").WithGroup("will").Warn("replaced", "qos", 1)
	require.NoError(t, handler.Close())
	// closing twice is harmless
	require.NoError(t, handler.Close())

	out := console.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "store loaded")
	assert.Contains(t, out, "store=wills")
	assert.Contains(t, out, " client=c1")
	assert.NotContains(t, out, "will.client")
	assert.Contains(t, out, "will.qos=1")

	file, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Equal(t, out, string(file))
}

func TestConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	handler := NewAsyncHandler("", slog.LevelDebug, &console)
	slog.New(handler).Debug("visible")
	require.NoError(t, handler.Close())
	assert.Contains(t, console.String(), "visible")
}
