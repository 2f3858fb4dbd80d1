package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/pkg/logger"
)

// RebuildOptions change the file while it is rebuilt.
type RebuildOptions struct {
	// Collation replaces the collation pragma when set.
	Collation *string
}

// RebuildReport summarizes a rebuild.
type RebuildReport struct {
	BackupPath   string
	Collections  int
	Documents    int
	SkippedPages int
	SkippedDocs  int
}

// Rebuild rewrites the database into a fresh file: every collection, index
// definition and document is read back and inserted again, reclaiming all
// free space. A verified copy of the old file is kept next to it. Running
// transactions finish first; new ones wait.
func (e *Engine) Rebuild(ctx context.Context, opts RebuildOptions) (RebuildReport, error) {
	rt, err := e.runtime()
	if err != nil {
		return RebuildReport{}, err
	}
	if rt.ReadOnly {
		return RebuildReport{}, dberror.ErrReadOnly
	}
	ctx, span := e.metrics.Tracer.Start(ctx, "engine.Rebuild")
	defer span.End()

	if err := rt.Locker.EnterExclusive(ctx); err != nil {
		return RebuildReport{}, err
	}
	defer rt.Locker.ExitExclusive()
	if _, err := rt.CheckpointLocked(ctx); err != nil {
		return RebuildReport{}, err
	}

	rt.HeaderMu.Lock()
	pragmas := rt.Header.Pragmas
	rt.HeaderMu.Unlock()
	if opts.Collation != nil {
		pragmas.Collation = *opts.Collation
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.rt != rt {
		return RebuildReport{}, dberror.ErrEngineClosed
	}
	path := rt.Disk.DataPath()
	if err := rt.Disk.Close(); err != nil {
		return RebuildReport{}, err
	}
	report, rerr := e.rebuildFile(ctx, path, &pragmas)

	// The old file is still in place when the rebuild failed.
	next, err := e.openRuntime(ctx, path, nil)
	if err != nil {
		e.closed = true
		return report, errors.Join(rerr, err)
	}
	e.rt = next
	return report, rerr
}

// salvage is what a tolerant scan of a damaged file recovered.
type salvage struct {
	header      *pagemanager.HeaderPage
	collections map[string]*pagemanager.CollectionPage
	// data holds each collection's data pages by collection page id.
	data    map[uint32][]*pagemanager.DataPage
	extend  map[uint32]*pagemanager.ExtendPage
	skipped int
}

// rebuildFile rebuilds the closed database at path. A nil pragmas keeps the
// pragmas found in the file.
func (e *Engine) rebuildFile(ctx context.Context, path string, pragmas *pagemanager.Pragmas) (RebuildReport, error) {
	var report RebuildReport
	e.logger.Info("rebuild started", zap.String("file", path))

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	report.BackupPath = fmt.Sprintf("%s-backup-%s%s", base, uuid.NewString()[:8], ext)
	digest, err := common.CopyThrottled(ctx, path, report.BackupPath, e.settings.BackupRate, true)
	if err != nil {
		return report, fmt.Errorf("backup before rebuild: %w", err)
	}
	if fi, err := os.Stat(flushmanager.LogPath(path)); err == nil && fi.Size() > 0 {
		if _, err := common.CopyThrottled(ctx, flushmanager.LogPath(path), flushmanager.LogPath(report.BackupPath), e.settings.BackupRate, true); err != nil {
			return report, fmt.Errorf("backup log before rebuild: %w", err)
		}
	}
	e.logger.Info("rebuild backup written", zap.String("backup", report.BackupPath), zap.String("blake3", fmt.Sprintf("%x", digest)))

	src, _, err := flushmanager.Open(path, flushmanager.Options{
		ReadOnly:       true,
		CacheSize:      e.settings.CacheSize,
		ReaderPoolSize: e.settings.ReaderPoolSize,
		Logger:         logger.Component(e.baseLogger, "disk"),
		Metrics:        e.metrics,
	})
	if err != nil {
		return report, err
	}
	found, err := e.salvage(src)
	src.Close()
	if err != nil {
		return report, err
	}
	report.SkippedPages = found.skipped

	if pragmas == nil {
		p := pagemanager.Pragmas{Timeout: e.settings.Timeout, Collation: e.settings.Collation, CheckpointSize: e.settings.CheckpointSize}
		if found.header != nil {
			p = found.header.Pragmas
		}
		pragmas = &p
	}

	tmp := base + "-rebuild" + ext
	for _, p := range []string{tmp, flushmanager.LogPath(tmp)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return report, dberror.IO("remove stale rebuild file", err)
		}
	}
	rt, err := e.openRuntime(ctx, tmp, pragmas)
	if err != nil {
		return report, err
	}
	err = e.restore(ctx, rt, found, &report)
	if err == nil {
		_, err = rt.Checkpoint(ctx)
	}
	if cerr := rt.Disk.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		os.Remove(flushmanager.LogPath(tmp))
		return report, err
	}

	if err := os.Rename(tmp, path); err != nil {
		return report, dberror.IO("replace data file", err)
	}
	for _, p := range []string{flushmanager.LogPath(path), flushmanager.LogPath(tmp)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return report, dberror.IO("remove log file", err)
		}
	}
	e.logger.Info("rebuild completed",
		zap.String("file", path),
		zap.Int("collections", report.Collections),
		zap.Int("documents", report.Documents),
		zap.Int("skippedPages", report.SkippedPages),
		zap.Int("skippedDocuments", report.SkippedDocs))
	return report, nil
}

// salvage scans every page of src ignoring checksums. Committed log versions
// win over the data file.
func (e *Engine) salvage(src *flushmanager.DiskService) (*salvage, error) {
	found := &salvage{
		collections: make(map[string]*pagemanager.CollectionPage),
		data:        make(map[uint32][]*pagemanager.DataPage),
		extend:      make(map[uint32]*pagemanager.ExtendPage),
	}

	if p, err := src.ReadPageTolerant(pagemanager.OriginData, 0); err == nil {
		if h, ok := p.(*pagemanager.HeaderPage); ok {
			found.header = h
		}
	}
	if found.header == nil {
		if e.settings.Password != "" {
			return nil, fmt.Errorf("%w: the header holding the salt is unreadable", dberror.ErrInvalidHeader)
		}
		e.logger.Warn("header unreadable, recovering collections by page scan")
	} else if err := e.unlock(src, found.header); err != nil {
		return nil, err
	}

	latest, confirm := scanCommittedLog(src)
	if confirm != nil {
		found.header = confirm
	}

	var last uint32
	if n := src.Length(pagemanager.OriginData) / pagemanager.PageSize; n > 0 {
		last = uint32(n - 1)
	}
	for id := range latest {
		last = max(last, id)
	}
	for id := uint32(1); id <= last && id != pagemanager.NoPage; id++ {
		var (
			p   pagemanager.Page
			err error
		)
		if pos, ok := latest[id]; ok {
			p, err = src.ReadPageTolerant(pagemanager.OriginLog, pos)
		} else {
			p, err = src.ReadPageTolerant(pagemanager.OriginData, int64(id)*pagemanager.PageSize)
		}
		if err != nil || p.Header().PageID != id {
			found.skipped++
			continue
		}
		switch page := p.(type) {
		case *pagemanager.CollectionPage:
			name := page.Name
			if found.header != nil {
				// The header is authoritative for live collections.
				if pid, ok := found.header.GetCollectionPageID(name); !ok || pid != id {
					continue
				}
			}
			if _, dup := found.collections[name]; dup || name == "" {
				found.skipped++
				continue
			}
			found.collections[name] = page
		case *pagemanager.DataPage:
			found.data[page.ColID] = append(found.data[page.ColID], page)
		case *pagemanager.ExtendPage:
			found.extend[id] = page
		}
	}
	return found, nil
}

// scanCommittedLog maps each page to its newest committed log position and
// returns the last committed header.
func scanCommittedLog(src *flushmanager.DiskService) (map[uint32]int64, *pagemanager.HeaderPage) {
	latest := make(map[uint32]int64)
	pending := make(map[uint32][]pagemanager.PagePosition)
	var confirm *pagemanager.HeaderPage
	_, _ = src.ScanLog(func(position int64, p pagemanager.Page) error {
		h := p.Header()
		if hp, ok := p.(*pagemanager.HeaderPage); ok && h.IsConfirmed {
			for _, pos := range pending[h.TransactionID] {
				latest[pos.PageID] = pos.Position
			}
			delete(pending, h.TransactionID)
			confirm = hp
			return nil
		}
		pending[h.TransactionID] = append(pending[h.TransactionID], pagemanager.PagePosition{PageID: h.PageID, Position: position})
		return nil
	})
	delete(latest, 0)
	return latest, confirm
}

// restore inserts the salvaged collections into rt.
func (e *Engine) restore(ctx context.Context, rt *transaction.Runtime, found *salvage, report *RebuildReport) error {
	names := make([]string, 0, len(found.collections))
	for name := range found.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		old := found.collections[name]
		docs := 0
		err := e.restoreTxn(ctx, rt, func(t *Txn) error {
			snap, err := t.writeSnapshot(name, true)
			if err != nil {
				return err
			}
			pages := found.data[old.PageID]
			sort.Slice(pages, func(i, j int) bool { return pages[i].PageID < pages[j].PageID })
			for _, page := range pages {
				for _, block := range page.Blocks() {
					doc, ok := found.document(block)
					if !ok {
						report.SkippedDocs++
						continue
					}
					id, _, _ := doc.ID()
					if exists, err := t.exists(snap, id); err != nil || exists {
						if err != nil {
							return err
						}
						report.SkippedDocs++
						continue
					}
					if _, err := t.insertDocument(snap, doc); err != nil {
						return err
					}
					docs++
					if err := t.tx.Safepoint(); err != nil {
						return err
					}
				}
			}
			cp := snap.CollectionPage()
			if old.Sequence > cp.Sequence {
				cp.Sequence = old.Sequence
				snap.SetDirty(cp)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("restore collection %q: %w", name, err)
		}
		report.Collections++
		report.Documents += docs

		for _, idx := range old.GetIndexes()[1:] {
			err := e.restoreTxn(ctx, rt, func(t *Txn) error {
				_, err := t.EnsureIndex(name, idx.Name, idx.Expression, idx.Unique)
				return err
			})
			if err != nil && idx.Unique && dberror.Is(err, dberror.CodeConstraintViolation) {
				e.logger.Warn("unique index no longer holds, restoring it as non-unique",
					zap.String("collection", name), zap.String("index", idx.Name), zap.Error(err))
				err = e.restoreTxn(ctx, rt, func(t *Txn) error {
					_, err := t.EnsureIndex(name, idx.Name, idx.Expression, false)
					return err
				})
			}
			if err != nil {
				return fmt.Errorf("restore index %s.%s: %w", name, idx.Name, err)
			}
		}
	}
	return nil
}

func (e *Engine) restoreTxn(ctx context.Context, rt *transaction.Runtime, fn func(t *Txn) error) error {
	tx, err := rt.Begin(ctx)
	if err != nil {
		return err
	}
	t := &Txn{e: e, rt: rt, tx: tx}
	defer t.Dispose()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// document reassembles the record of block, following its extend chain.
func (s *salvage) document(block *pagemanager.DataBlock) (document.Document, bool) {
	payload := append([]byte(nil), block.Data...)
	seen := make(map[uint32]bool)
	for next := block.ExtendPageID; next != pagemanager.NoPage; {
		page, ok := s.extend[next]
		if !ok || seen[next] {
			return nil, false
		}
		seen[next] = true
		payload = append(payload, page.Data...)
		next = page.NextPageID
	}
	doc, err := document.Unmarshal(payload)
	if err != nil {
		return nil, false
	}
	if id, ok, err := doc.ID(); err != nil || !ok || checkID(id) != nil {
		return nil, false
	}
	return doc, true
}
