package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojolite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
filename: /tmp/app.db
timeout: 5s
collation: en-US/IgnoreCase
checkpoint_size: 0
auto_id: guid
logger:
  level: debug
  format: json
telemetry:
  enabled: true
  prometheus_port: 9100
`), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/app.db", s.Filename)
	require.Equal(t, 5*time.Second, s.Timeout)
	require.Equal(t, "en-US/IgnoreCase", s.Collation)
	require.Zero(t, s.CheckpointSize)
	require.Equal(t, AutoIDGUID, s.AutoID)
	require.Equal(t, "debug", s.Logger.Level)
	require.True(t, s.Telemetry.Enabled)
	require.Equal(t, 9100, s.Telemetry.PrometheusPort)
	// Untouched fields keep their defaults.
	require.Equal(t, 5000, s.CacheSize)
	require.Equal(t, 1000, s.MaxTransactionSize)
}

func TestValidate(t *testing.T) {
	s := Default()
	require.ErrorIs(t, s.Validate(), dberror.ErrInvalidPragma)

	s.Filename = "x.db"
	require.NoError(t, s.Validate())

	s.AutoID = "uuid4"
	require.ErrorIs(t, s.Validate(), dberror.ErrInvalidPragma)

	s.AutoID = AutoIDInt64
	s.Timeout = -time.Second
	require.Error(t, s.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
