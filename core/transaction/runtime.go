package transaction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// DefaultMaxTransactionSize is the number of staged pages that makes a
// safepoint flush them to the log.
const DefaultMaxTransactionSize = 1000

// DefaultMaxDocumentSize bounds a stored record: 2047 full data pages.
const DefaultMaxDocumentSize = 2047 * pagemanager.MaxDataBytesPerPage

// Runtime is the state shared by every transaction of one open database. It
// lives from open to close and is passed explicitly wherever a transaction,
// the header or the page cache is needed.
type Runtime struct {
	Disk   *flushmanager.DiskService
	WAL    *wal.LogManager
	Locker *LockService

	// Header is the live header page. Guard with HeaderMu.
	Header   *pagemanager.HeaderPage
	HeaderMu sync.Mutex

	Collation          *document.Collation
	MaxTransactionSize int
	MaxDocumentSize    int
	ReadOnly           bool

	Logger  *zap.Logger
	Metrics *telemetry.StorageMetrics
}

// RuntimeConfig carries the collaborators of a Runtime.
type RuntimeConfig struct {
	Disk               *flushmanager.DiskService
	WAL                *wal.LogManager
	Header             *pagemanager.HeaderPage
	Collation          *document.Collation
	MaxTransactionSize int
	MaxDocumentSize    int
	ReadOnly           bool
	Logger             *zap.Logger
	Metrics            *telemetry.StorageMetrics
}

// NewRuntime wires a Runtime together. The lock timeout comes from the header
// pragmas.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopStorageMetrics()
	}
	if cfg.MaxTransactionSize <= 0 {
		cfg.MaxTransactionSize = DefaultMaxTransactionSize
	}
	if cfg.MaxDocumentSize <= 0 {
		cfg.MaxDocumentSize = DefaultMaxDocumentSize
	}
	if cfg.Collation == nil {
		cfg.Collation = document.BinaryCollation
	}
	return &Runtime{
		Disk:               cfg.Disk,
		WAL:                cfg.WAL,
		Locker:             NewLockService(cfg.Header.Pragmas.Timeout, cfg.Logger.Named("lock"), cfg.Metrics),
		Header:             cfg.Header,
		Collation:          cfg.Collation,
		MaxTransactionSize: cfg.MaxTransactionSize,
		MaxDocumentSize:    cfg.MaxDocumentSize,
		ReadOnly:           cfg.ReadOnly,
		Logger:             cfg.Logger,
		Metrics:            cfg.Metrics,
	}
}

// readPage resolves pageID as seen at version: the newest log copy visible at
// that version, else the data file.
func (rt *Runtime) readPage(pageID, version uint32) (pagemanager.Page, error) {
	if pos, ok := rt.WAL.GetPageIndex(pageID, version); ok {
		return rt.Disk.ReadPage(pagemanager.OriginLog, pos)
	}
	return rt.Disk.ReadPage(pagemanager.OriginData, int64(pageID)*pagemanager.PageSize)
}

// ReadLatestPage reads the newest confirmed version of pageID.
func (rt *Runtime) ReadLatestPage(pageID uint32) (pagemanager.Page, error) {
	return rt.readPage(pageID, rt.WAL.CurrentReadVersion())
}

// Checkpoint waits for exclusive access and then checkpoints.
func (rt *Runtime) Checkpoint(ctx context.Context) (int, error) {
	if rt.ReadOnly {
		return 0, dberror.ErrReadOnly
	}
	if err := rt.Locker.EnterExclusive(ctx); err != nil {
		return 0, err
	}
	defer rt.Locker.ExitExclusive()
	return rt.CheckpointLocked(ctx)
}

// CheckpointLocked checkpoints; the caller holds exclusive access.
func (rt *Runtime) CheckpointLocked(ctx context.Context) (int, error) {
	rt.HeaderMu.Lock()
	defer rt.HeaderMu.Unlock()
	return rt.WAL.Checkpoint(ctx, rt.Header)
}

// TryCheckpoint checkpoints when the log has grown past checkpointSize pages
// and exclusive access is free without waiting.
func (rt *Runtime) TryCheckpoint(ctx context.Context) {
	rt.HeaderMu.Lock()
	size := int64(rt.Header.Pragmas.CheckpointSize)
	rt.HeaderMu.Unlock()
	if rt.ReadOnly || size == 0 || rt.WAL.LogPages() < size {
		return
	}
	if !rt.Locker.TryEnterExclusive() {
		return
	}
	defer rt.Locker.ExitExclusive()
	if _, err := rt.CheckpointLocked(ctx); err != nil {
		rt.Logger.Error("auto checkpoint failed", zap.Error(err))
	}
}

// detectExternalChange runs when the first transaction opens. If another
// process rewrote the data file, the cache is dropped and header and log
// index are reloaded.
func (rt *Runtime) detectExternalChange() error {
	changed, err := rt.Disk.ExternallyModified()
	if err != nil || !changed {
		return err
	}
	rt.Disk.Cache().Invalidate(pagemanager.OriginData, 0)
	p, err := rt.Disk.ReadPage(pagemanager.OriginData, 0)
	if err != nil {
		return fmt.Errorf("failed to reload header: %w", err)
	}
	hp, ok := p.(*pagemanager.HeaderPage)
	if !ok {
		return fmt.Errorf("%w: page 0 is %s", dberror.ErrUnexpectedPageType, p.Header().PageType)
	}

	rt.HeaderMu.Lock()
	defer rt.HeaderMu.Unlock()
	if hp.ChangeID == rt.Header.ChangeID {
		return nil
	}
	rt.Logger.Warn("data file changed outside this engine, reloading",
		zap.Uint32("changeID", rt.Header.ChangeID), zap.Uint32("diskChangeID", hp.ChangeID))
	rt.Disk.Cache().PurgeAll()
	rt.Header.Update(hp)
	rt.WAL.Clear()
	return rt.WAL.RestoreIndex(rt.Header)
}
