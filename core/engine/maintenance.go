package engine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Checkpoint copies every committed page from the log into the data file and
// empties the log. It waits for running transactions. It returns the number
// of pages copied.
func (e *Engine) Checkpoint(ctx context.Context) (int, error) {
	rt, err := e.runtime()
	if err != nil {
		return 0, err
	}
	return rt.Checkpoint(ctx)
}

// Shrink checkpoints and cuts the trailing run of free pages off the data
// file. It returns the number of pages removed.
func (e *Engine) Shrink(ctx context.Context) (int, error) {
	rt, err := e.runtime()
	if err != nil {
		return 0, err
	}
	if rt.ReadOnly {
		return 0, dberror.ErrReadOnly
	}
	if err := rt.Locker.EnterExclusive(ctx); err != nil {
		return 0, err
	}
	defer rt.Locker.ExitExclusive()
	if _, err := rt.CheckpointLocked(ctx); err != nil {
		return 0, err
	}

	rt.HeaderMu.Lock()
	defer rt.HeaderMu.Unlock()
	header := rt.Header

	free := make(map[uint32]bool)
	for id := header.FreeEmptyPageList; id != pagemanager.NoPage; {
		if free[id] || id > header.LastPageID {
			return 0, fmt.Errorf("%w: free list revisits page %d", dberror.ErrInvalidPageData, id)
		}
		p, err := rt.Disk.ReadPage(pagemanager.OriginData, int64(id)*pagemanager.PageSize)
		if err != nil {
			return 0, err
		}
		if p.Header().PageType != pagemanager.PageTypeEmpty {
			return 0, fmt.Errorf("%w: free list holds %s", dberror.ErrUnexpectedPageType, p.Header())
		}
		free[id] = true
		id = p.Header().NextPageID
	}

	last := header.LastPageID
	for last > 0 && free[last] {
		last--
	}
	removed := int(header.LastPageID - last)
	if removed == 0 {
		return 0, nil
	}

	kept := make([]uint32, 0, len(free))
	for id := range free {
		if id <= last {
			kept = append(kept, id)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })
	pages := make([]pagemanager.Page, 0, len(kept)+1)
	for i, id := range kept {
		p := pagemanager.NewEmptyPage(id)
		if i > 0 {
			p.PrevPageID = kept[i-1]
		}
		if i+1 < len(kept) {
			p.NextPageID = kept[i+1]
		}
		pages = append(pages, p)
	}

	header.FreeEmptyPageList = pagemanager.NoPage
	if len(kept) > 0 {
		header.FreeEmptyPageList = kept[0]
	}
	header.LastPageID = last
	header.ChangeID++
	hdr := header.Clone()
	hdr.TransactionID = 0
	hdr.IsConfirmed = false
	pages = append(pages, hdr)

	if err := rt.Disk.WriteDataPages(pages); err != nil {
		return 0, err
	}
	if err := rt.Disk.SetLength(pagemanager.OriginData, int64(last+1)*pagemanager.PageSize); err != nil {
		return 0, err
	}
	if err := rt.Disk.Sync(pagemanager.OriginData); err != nil {
		return 0, err
	}
	e.logger.Info("data file shrunk", zap.Int("pagesRemoved", removed), zap.Uint32("lastPageID", last))
	return removed, nil
}

// Backup checkpoints and streams an xz compressed copy of the data file to w.
// Writers wait until it finishes. It returns the uncompressed byte count.
func (e *Engine) Backup(ctx context.Context, w io.Writer) (int64, error) {
	rt, err := e.runtime()
	if err != nil {
		return 0, err
	}
	if err := rt.Locker.EnterExclusive(ctx); err != nil {
		return 0, err
	}
	defer rt.Locker.ExitExclusive()
	if !rt.ReadOnly {
		if _, err := rt.CheckpointLocked(ctx); err != nil {
			return 0, err
		}
	}
	n, err := common.CompressTo(ctx, w, rt.Disk.DataPath())
	if err != nil {
		return n, err
	}
	e.logger.Info("backup written", zap.String("file", rt.Disk.DataPath()), zap.Int64("bytes", n))
	return n, nil
}
