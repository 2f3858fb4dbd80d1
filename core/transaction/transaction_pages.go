package transaction

import (
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// TransactionPages is the per-transaction bookkeeping of pages.
type TransactionPages struct {
	// TransactionSize counts pages staged in memory since the last flush.
	TransactionSize int

	// DirtyPages maps pages already flushed to the log to their position.
	DirtyPages map[uint32]pagemanager.PagePosition

	// NewPages are ids taken from the free list or the end of the file. On
	// rollback they are handed back to the free list.
	NewPages []uint32

	// Deleted pages form a chain through NextPageID, spliced onto the
	// header free list at commit.
	FirstDeletedPageID uint32
	LastDeletedPageID  uint32
	DeletedPages       int
	lastDeleted        *pagemanager.EmptyPage

	// Catalog changes applied to the header at commit.
	NewCollections     map[string]uint32
	DroppedCollections map[string]struct{}
	headerEdits        []func(*pagemanager.HeaderPage)
}

func newTransactionPages() *TransactionPages {
	return &TransactionPages{
		DirtyPages:         make(map[uint32]pagemanager.PagePosition),
		FirstDeletedPageID: pagemanager.NoPage,
		LastDeletedPageID:  pagemanager.NoPage,
		NewCollections:     make(map[string]uint32),
		DroppedCollections: make(map[string]struct{}),
	}
}

// HeaderChanged reports whether commit must publish a new header.
func (tp *TransactionPages) HeaderChanged() bool {
	return tp.DeletedPages > 0 || len(tp.NewCollections) > 0 || len(tp.DroppedCollections) > 0 || len(tp.headerEdits) > 0
}

// addDeleted threads an emptied page onto the transaction's deleted chain.
func (tp *TransactionPages) addDeleted(p *pagemanager.EmptyPage) {
	if tp.FirstDeletedPageID == pagemanager.NoPage {
		tp.LastDeletedPageID = p.PageID
		tp.lastDeleted = p
	} else {
		p.NextPageID = tp.FirstDeletedPageID
	}
	tp.FirstDeletedPageID = p.PageID
	tp.DeletedPages++
}

// applyCatalog writes the collection changes and header edits into h.
func (tp *TransactionPages) applyCatalog(h *pagemanager.HeaderPage) {
	for name := range tp.DroppedCollections {
		h.DeleteCollection(name)
	}
	for name, pageID := range tp.NewCollections {
		h.InsertCollection(name, pageID)
	}
	for _, edit := range tp.headerEdits {
		edit(h)
	}
}
