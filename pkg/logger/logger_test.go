package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	Component(l, "wal").Info("checkpoint finished")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"gojolite"`)
	require.Contains(t, string(data), `"logger":"wal"`)
	require.Contains(t, string(data), "checkpoint finished")
}

func TestComponentWithoutBase(t *testing.T) {
	l := Component(nil, "disk")
	require.NotNil(t, l)
	l.Info("discarded")
}
