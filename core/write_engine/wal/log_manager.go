package wal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/pkg/telemetry"
)

// versionItem maps one confirmed page version to its position in the log.
type versionItem struct {
	pageID   uint32
	version  uint32
	position int64
}

func (a versionItem) Less(than btree.Item) bool {
	b := than.(versionItem)
	if a.pageID != b.pageID {
		return a.pageID < b.pageID
	}
	return a.version < b.version
}

// LogManager keeps the in-memory index of confirmed page versions held in the
// log file and moves them into the data file on checkpoint.
type LogManager struct {
	disk *flushmanager.DiskService

	mu          sync.RWMutex // guards index and readVersion
	index       *btree.BTree
	readVersion uint32

	lastTransactionID atomic.Uint32

	logger  *zap.Logger
	metrics *telemetry.StorageMetrics
}

// NewLogManager creates an empty index over disk's log file.
func NewLogManager(disk *flushmanager.DiskService, logger *zap.Logger, metrics *telemetry.StorageMetrics) *LogManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NoopStorageMetrics()
	}
	return &LogManager{
		disk:    disk,
		index:   btree.New(16),
		logger:  logger,
		metrics: metrics,
	}
}

// CurrentReadVersion is the highest confirmed version.
func (lm *LogManager) CurrentReadVersion() uint32 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.readVersion
}

// NextTransactionID hands out a new, never reused transaction id.
func (lm *LogManager) NextTransactionID() uint32 {
	return lm.lastTransactionID.Add(1)
}

// LastTransactionID is the most recently issued transaction id.
func (lm *LogManager) LastTransactionID() uint32 {
	return lm.lastTransactionID.Load()
}

// SeedTransactionID makes sure future ids are greater than id.
func (lm *LogManager) SeedTransactionID(id uint32) {
	for {
		cur := lm.lastTransactionID.Load()
		if cur >= id || lm.lastTransactionID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// GetPageIndex returns the log position of the newest version of pageID that
// is visible at version.
func (lm *LogManager) GetPageIndex(pageID uint32, version uint32) (int64, bool) {
	if version == 0 {
		return 0, false
	}
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var (
		position int64
		found    bool
	)
	lm.index.DescendLessOrEqual(versionItem{pageID: pageID, version: version}, func(i btree.Item) bool {
		item := i.(versionItem)
		if item.pageID == pageID {
			position, found = item.position, true
		}
		return false
	})
	return position, found
}

// ConfirmTransaction publishes the positions of a committed transaction under
// a new version. confirm is the header page stamped with the transaction id;
// it is appended to the log as the commit marker and flushed to stable storage
// before the index changes.
func (lm *LogManager) ConfirmTransaction(confirm *pagemanager.HeaderPage, positions []pagemanager.PagePosition) error {
	confirm.IsConfirmed = true
	if _, err := lm.disk.WriteLogPages([]pagemanager.Page{confirm}); err != nil {
		return fmt.Errorf("failed to write confirm page of transaction %d: %w", confirm.TransactionID, err)
	}
	if err := lm.disk.Sync(pagemanager.OriginLog); err != nil {
		return fmt.Errorf("failed to sync log of transaction %d: %w", confirm.TransactionID, err)
	}
	lm.publish(positions)
	return nil
}

func (lm *LogManager) publish(positions []pagemanager.PagePosition) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.readVersion++
	for _, pos := range positions {
		lm.index.ReplaceOrInsert(versionItem{pageID: pos.PageID, version: lm.readVersion, position: pos.Position})
	}
}

// LogPages is the number of pages currently in the log file.
func (lm *LogManager) LogPages() int64 {
	return lm.disk.Length(pagemanager.OriginLog) / pagemanager.PageSize
}

// RestoreIndex rebuilds the index from the log file after open. Pages of
// transactions that never wrote a confirm page are ignored, and a torn tail is
// cut off. header receives the last confirmed header state.
func (lm *LogManager) RestoreIndex(header *pagemanager.HeaderPage) error {
	pending := make(map[uint32][]pagemanager.PagePosition)
	confirmed := 0
	var lastConfirm *pagemanager.HeaderPage

	valid, err := lm.disk.ScanLog(func(position int64, p pagemanager.Page) error {
		h := p.Header()
		pending[h.TransactionID] = append(pending[h.TransactionID], pagemanager.PagePosition{PageID: h.PageID, Position: position})
		lm.SeedTransactionID(h.TransactionID)

		if hp, ok := p.(*pagemanager.HeaderPage); ok && h.IsConfirmed {
			positions := pending[h.TransactionID]
			// The confirm page is a marker, not a header version.
			lm.publish(positions[:len(positions)-1])
			delete(pending, h.TransactionID)
			lastConfirm = hp
			confirmed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if valid < lm.disk.Length(pagemanager.OriginLog) {
		lm.logger.Warn("discarding torn log tail",
			zap.Int64("validBytes", valid), zap.Int64("logBytes", lm.disk.Length(pagemanager.OriginLog)))
		if err := lm.disk.SetLength(pagemanager.OriginLog, valid); err != nil {
			return err
		}
	}
	if lastConfirm != nil {
		header.Update(lastConfirm)
		header.IsConfirmed = false
	}
	lm.SeedTransactionID(header.LastTransactionID)
	lm.logger.Info("log index restored",
		zap.Int("confirmedTransactions", confirmed),
		zap.Int("discardedTransactions", len(pending)),
		zap.Uint32("readVersion", lm.CurrentReadVersion()))
	return nil
}

// Checkpoint copies the newest confirmed version of every page from the log
// into the data file in PageID order, writes header as page 0, truncates the
// log and clears the index. The caller must hold exclusive access and the
// header lock. It returns the number of pages copied.
func (lm *LogManager) Checkpoint(ctx context.Context, header *pagemanager.HeaderPage) (int, error) {
	_, span := lm.metrics.Tracer.Start(ctx, "wal.Checkpoint")
	defer span.End()

	if lm.disk.Length(pagemanager.OriginLog) == 0 {
		return 0, nil
	}

	latest := lm.latestPositions()
	const batchSize = 100
	batch := make([]pagemanager.Page, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := lm.disk.WriteDataPages(batch)
		batch = batch[:0]
		return err
	}

	copied := 0
	for _, pos := range latest {
		// The live header is written below.
		if pos.PageID == 0 {
			continue
		}
		p, err := lm.disk.ReadPage(pagemanager.OriginLog, pos.Position)
		if err != nil {
			return copied, fmt.Errorf("checkpoint read of page %d: %w", pos.PageID, err)
		}
		h := p.Header()
		h.TransactionID = 0
		h.IsConfirmed = false
		batch = append(batch, p)
		copied++
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return copied, err
			}
		}
	}

	header.ChangeID++
	hdr := header.Clone()
	hdr.TransactionID = 0
	hdr.IsConfirmed = false
	batch = append(batch, hdr)
	if err := flush(); err != nil {
		return copied, err
	}
	if err := lm.disk.Sync(pagemanager.OriginData); err != nil {
		return copied, err
	}
	if err := lm.disk.SetLength(pagemanager.OriginLog, 0); err != nil {
		return copied, err
	}

	lm.mu.Lock()
	lm.index = btree.New(16)
	lm.mu.Unlock()

	lm.metrics.Checkpoints.Add(ctx, 1)
	lm.metrics.CheckpointPages.Add(ctx, int64(copied))
	span.SetAttributes(attribute.Int("pages", copied))
	lm.logger.Info("checkpoint completed", zap.Int("pages", copied), zap.Uint32("changeID", header.ChangeID))
	return copied, nil
}

// latestPositions returns, in PageID order, the position of the newest
// version of each page in the index.
func (lm *LogManager) latestPositions() []pagemanager.PagePosition {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]pagemanager.PagePosition, 0, lm.index.Len())
	lm.index.Ascend(func(i btree.Item) bool {
		item := i.(versionItem)
		if n := len(out); n > 0 && out[n-1].PageID == item.pageID {
			out[n-1].Position = item.position
		} else {
			out = append(out, pagemanager.PagePosition{PageID: item.pageID, Position: item.position})
		}
		return true
	})
	return out
}

// Clear drops the index without touching the files.
func (lm *LogManager) Clear() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.index = btree.New(16)
}
