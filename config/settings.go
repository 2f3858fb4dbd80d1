// Package config loads the engine settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// AutoIDKind selects how missing _id values are generated.
type AutoIDKind string

const (
	AutoIDInt64 AutoIDKind = "int64"
	AutoIDGUID  AutoIDKind = "guid"
)

// Settings configures one open database.
type Settings struct {
	Filename string `yaml:"filename"`
	Password string `yaml:"password"`
	ReadOnly bool   `yaml:"read_only"`

	// Timeout bounds every lock wait. Stored in the file header.
	Timeout   time.Duration `yaml:"timeout"`
	Collation string        `yaml:"collation"`

	// CacheSize is the number of clean pages kept in memory.
	CacheSize      int `yaml:"cache_size"`
	ReaderPoolSize int `yaml:"reader_pool_size"`
	// MaxTransactionSize is the number of staged pages that triggers a
	// safepoint.
	MaxTransactionSize int `yaml:"max_transaction_size"`
	// CheckpointSize is the log size in pages that triggers an automatic
	// checkpoint after commit. Zero disables it.
	CheckpointSize uint32 `yaml:"checkpoint_size"`
	// DisableAutoRebuild makes Open fail on a damaged file instead of
	// rebuilding it.
	DisableAutoRebuild bool       `yaml:"disable_auto_rebuild"`
	MaxDocumentSize    int        `yaml:"max_document_size"`
	AutoID             AutoIDKind `yaml:"auto_id"`
	// BackupRate throttles the copy taken before a rebuild, in bytes per
	// second. Zero means unlimited.
	BackupRate int64 `yaml:"backup_rate"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the settings used when a field is left empty.
func Default() Settings {
	return Settings{
		Timeout:            time.Minute,
		CacheSize:          5000,
		ReaderPoolSize:     8,
		MaxTransactionSize: 1000,
		CheckpointSize:     1000,
		AutoID:             AutoIDInt64,
		Logger:             logger.DefaultConfig(),
	}
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	var errs []error
	if s.Filename == "" {
		errs = append(errs, errors.New("filename is required"))
	}
	if s.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s is negative", s.Timeout))
	}
	if s.CacheSize < 0 || s.ReaderPoolSize < 0 || s.MaxTransactionSize < 0 || s.MaxDocumentSize < 0 {
		errs = append(errs, errors.New("sizes must not be negative"))
	}
	switch s.AutoID {
	case "", AutoIDInt64, AutoIDGUID:
	default:
		errs = append(errs, fmt.Errorf("auto_id %q is not %q or %q", s.AutoID, AutoIDInt64, AutoIDGUID))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", dberror.ErrInvalidPragma, err)
	}
	return nil
}

// Load reads settings from a YAML file on top of Default.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return s, s.Validate()
}
