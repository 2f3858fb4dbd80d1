// Package engine is the embedded database: it opens a data file with its
// write-ahead log and runs transactions of document operations against it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/config"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/security/encryption"
	"github.com/sushant-115/gojolite/core/transaction"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// Engine is an open database. It is safe for concurrent use; each goroutine
// works through its own transaction.
type Engine struct {
	settings config.Settings
	id       uuid.UUID

	baseLogger *zap.Logger
	logger     *zap.Logger
	metrics    *telemetry.StorageMetrics
	shutdown   telemetry.ShutdownFunc

	// mu guards rt and closed. Rebuild swaps rt under exclusive access.
	mu     sync.RWMutex
	rt     *transaction.Runtime
	closed bool
}

// Option customizes Open.
type Option func(*Engine)

// WithLogger makes the engine log through l instead of building a logger from
// the settings.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.baseLogger = l }
}

// WithMetrics records storage metrics into m instead of the telemetry
// configured in the settings.
func WithMetrics(m *telemetry.StorageMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func withDefaults(s config.Settings) config.Settings {
	d := config.Default()
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.CacheSize == 0 {
		s.CacheSize = d.CacheSize
	}
	if s.ReaderPoolSize == 0 {
		s.ReaderPoolSize = d.ReaderPoolSize
	}
	if s.MaxTransactionSize == 0 {
		s.MaxTransactionSize = d.MaxTransactionSize
	}
	if s.AutoID == "" {
		s.AutoID = d.AutoID
	}
	if s.Logger.Level == "" {
		s.Logger = d.Logger
	}
	return s
}

// Open opens or creates the database file named in s. A file found corrupted
// is rebuilt first unless s.DisableAutoRebuild is set.
func Open(ctx context.Context, s config.Settings, opts ...Option) (*Engine, error) {
	s = withDefaults(s)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{settings: s, id: uuid.New(), shutdown: func(context.Context) error { return nil }}
	for _, opt := range opts {
		opt(e)
	}
	if e.baseLogger == nil {
		l, err := logger.New(s.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		e.baseLogger = l
	}
	e.logger = logger.Component(e.baseLogger, "engine").With(zap.String("instance", e.id.String()))
	if e.metrics == nil {
		tel, shutdown, err := telemetry.New(s.Telemetry)
		if err != nil {
			return nil, err
		}
		m, err := telemetry.NewStorageMetrics(tel.Meter, tel.Tracer)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		e.metrics, e.shutdown = m, shutdown
	}

	rt, err := e.openRuntime(ctx, s.Filename, nil)
	if err != nil && !s.DisableAutoRebuild && !s.ReadOnly && dberror.Is(err, dberror.CodeStructuralCorruption) {
		e.logger.Warn("data file is damaged, rebuilding", zap.String("file", s.Filename), zap.Error(err))
		if _, rerr := e.rebuildFile(ctx, s.Filename, nil); rerr != nil {
			err = errors.Join(err, rerr)
		} else {
			rt, err = e.openRuntime(ctx, s.Filename, nil)
		}
	}
	if err != nil {
		_ = e.shutdown(ctx)
		return nil, err
	}
	e.rt = rt
	e.logger.Info("database opened", zap.String("file", s.Filename), zap.Bool("readOnly", s.ReadOnly))
	return e, nil
}

// openRuntime opens path. A missing file is created with pragmas, or with the
// settings' pragmas when pragmas is nil.
func (e *Engine) openRuntime(ctx context.Context, path string, pragmas *pagemanager.Pragmas) (*transaction.Runtime, error) {
	disk, created, err := flushmanager.Open(path, flushmanager.Options{
		ReadOnly:       e.settings.ReadOnly,
		CacheSize:      e.settings.CacheSize,
		ReaderPoolSize: e.settings.ReaderPoolSize,
		Logger:         logger.Component(e.baseLogger, "disk"),
		Metrics:        e.metrics,
	})
	if err != nil {
		return nil, err
	}

	var header *pagemanager.HeaderPage
	if created {
		if pragmas == nil {
			pragmas = &pagemanager.Pragmas{
				Timeout:        e.settings.Timeout,
				Collation:      e.settings.Collation,
				CheckpointSize: e.settings.CheckpointSize,
			}
		}
		header, err = e.initFile(disk, *pragmas)
	} else {
		header, err = e.loadHeader(disk)
	}
	if err != nil {
		disk.Close()
		return nil, err
	}

	collation, err := document.NewCollation(header.Pragmas.Collation)
	if err != nil {
		disk.Close()
		return nil, err
	}
	lm := wal.NewLogManager(disk, logger.Component(e.baseLogger, "wal"), e.metrics)
	if err := lm.RestoreIndex(header); err != nil {
		disk.Close()
		return nil, err
	}
	rt := transaction.NewRuntime(transaction.RuntimeConfig{
		Disk:               disk,
		WAL:                lm,
		Header:             header,
		Collation:          collation,
		MaxTransactionSize: e.settings.MaxTransactionSize,
		MaxDocumentSize:    e.settings.MaxDocumentSize,
		ReadOnly:           e.settings.ReadOnly || header.Pragmas.ReadOnly,
		Logger:             logger.Component(e.baseLogger, "transaction"),
		Metrics:            e.metrics,
	})
	if !rt.ReadOnly {
		if _, err := rt.Checkpoint(ctx); err != nil {
			disk.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (e *Engine) initFile(disk *flushmanager.DiskService, pragmas pagemanager.Pragmas) (*pagemanager.HeaderPage, error) {
	header := pagemanager.NewHeaderPage(pragmas)
	if e.settings.Password != "" {
		salt, err := encryption.NewSalt()
		if err != nil {
			return nil, err
		}
		key := encryption.DeriveKey(e.settings.Password, salt[:])
		cipher, err := encryption.NewPageCipher(key)
		if err != nil {
			return nil, err
		}
		header.Encrypted = true
		header.Salt = salt
		header.KeyCheck = encryption.KeyCheck(key)
		disk.SetCipher(cipher)
	}
	if err := disk.WriteDataPages([]pagemanager.Page{header}); err != nil {
		return nil, err
	}
	if err := disk.Sync(pagemanager.OriginData); err != nil {
		return nil, err
	}
	e.logger.Info("database file created", zap.String("file", disk.DataPath()), zap.Bool("encrypted", header.Encrypted))
	return header, nil
}

func (e *Engine) loadHeader(disk *flushmanager.DiskService) (*pagemanager.HeaderPage, error) {
	p, err := disk.ReadPage(pagemanager.OriginData, 0)
	if err != nil {
		return nil, err
	}
	header, ok := p.(*pagemanager.HeaderPage)
	if !ok {
		return nil, fmt.Errorf("%w: page 0 is %s", dberror.ErrInvalidHeader, p.Header().PageType)
	}
	if err := e.unlock(disk, header); err != nil {
		return nil, err
	}
	return header, nil
}

// unlock installs the page cipher of an encrypted file after checking the
// password against the header.
func (e *Engine) unlock(disk *flushmanager.DiskService, header *pagemanager.HeaderPage) error {
	password := e.settings.Password
	if !header.Encrypted {
		if password != "" {
			return fmt.Errorf("%w: file is not encrypted", dberror.ErrInvalidPassword)
		}
		return nil
	}
	if password == "" {
		return fmt.Errorf("%w: file is encrypted", dberror.ErrInvalidPassword)
	}
	key := encryption.DeriveKey(password, header.Salt[:])
	if !encryption.VerifyKey(key, header.KeyCheck) {
		return dberror.ErrInvalidPassword
	}
	cipher, err := encryption.NewPageCipher(key)
	if err != nil {
		return err
	}
	disk.SetCipher(cipher)
	return nil
}

func (e *Engine) runtime() (*transaction.Runtime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, dberror.ErrEngineClosed
	}
	return e.rt, nil
}

func (e *Engine) current(rt *transaction.Runtime) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rt == rt
}

// ID identifies this open instance in logs.
func (e *Engine) ID() uuid.UUID { return e.id }

// Settings returns the settings the engine was opened with.
func (e *Engine) Settings() config.Settings { return e.settings }

// Begin starts a transaction. ctx bounds its lock waits.
func (e *Engine) Begin(ctx context.Context) (*Txn, error) {
	for {
		rt, err := e.runtime()
		if err != nil {
			return nil, err
		}
		tx, err := rt.Begin(ctx)
		if !e.current(rt) {
			// The file was rebuilt while waiting.
			if tx != nil {
				_ = tx.Dispose()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Txn{e: e, rt: rt, tx: tx}, nil
	}
}

// Update runs fn in a transaction and commits it when fn succeeds.
func (e *Engine) Update(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Dispose()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn in a transaction that refuses writes.
func (e *Engine) View(ctx context.Context, fn func(tx *Txn) error) error {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	tx.readOnly = true
	defer tx.Dispose()
	return fn(tx)
}

// Close checkpoints and releases the files. It waits for running
// transactions.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	rt := e.rt
	e.mu.Unlock()

	var errs []error
	if err := rt.Locker.EnterExclusive(ctx); err != nil {
		errs = append(errs, err)
	} else {
		if !rt.ReadOnly {
			if _, err := rt.CheckpointLocked(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		rt.Locker.ExitExclusive()
	}
	errs = append(errs, rt.Disk.Close(), e.shutdown(ctx))
	e.logger.Info("database closed", zap.String("file", e.settings.Filename))
	_ = e.baseLogger.Sync()
	return errors.Join(errs...)
}
