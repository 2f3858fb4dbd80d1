package transaction

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// LockMode is the access mode of a snapshot.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	if m == LockWrite {
		return "write"
	}
	return "read"
}

// Snapshot is a transaction's view of one collection at a fixed read version.
// Pages are staged in the snapshot; a write snapshot marks them dirty and the
// transaction flushes them to the log.
type Snapshot struct {
	tx          *Transaction
	mode        LockMode
	collection  string
	readVersion uint32

	collectionPage *pagemanager.CollectionPage
	localPages     map[uint32]pagemanager.Page
}

// Mode is the snapshot's lock mode.
func (s *Snapshot) Mode() LockMode { return s.mode }

// CollectionName is the collection the snapshot covers.
func (s *Snapshot) CollectionName() string { return s.collection }

// ReadVersion is the log version the snapshot reads at.
func (s *Snapshot) ReadVersion() uint32 { return s.readVersion }

// Transaction returns the owning transaction.
func (s *Snapshot) Transaction() *Transaction { return s.tx }

// Runtime returns the engine context.
func (s *Snapshot) Runtime() *Runtime { return s.tx.rt }

// CollectionPage is nil when the collection does not exist.
func (s *Snapshot) CollectionPage() *pagemanager.CollectionPage { return s.collectionPage }

// NewCollectionPage allocates the page of a collection created in this
// transaction and records it in the transaction's catalog changes.
func (s *Snapshot) NewCollectionPage() (*pagemanager.CollectionPage, error) {
	if s.collectionPage != nil {
		return nil, fmt.Errorf("%w: %q", dberror.ErrCollectionExists, s.collection)
	}
	p, err := s.NewPage(pagemanager.PageTypeCollection)
	if err != nil {
		return nil, err
	}
	cp := p.(*pagemanager.CollectionPage)
	cp.Name = s.collection
	cp.CreationTime = time.Now().UTC()
	delete(s.localPages, cp.PageID)
	s.collectionPage = cp
	s.tx.RegisterCollection(s.collection, cp.PageID)
	return cp, nil
}

func (s *Snapshot) load(pageID uint32) error {
	if pageID == pagemanager.NoPage {
		return nil
	}
	p, err := s.GetPage(pageID)
	if err != nil {
		return err
	}
	cp, ok := p.(*pagemanager.CollectionPage)
	if !ok {
		return fmt.Errorf("%w: collection %q points at %s", dberror.ErrUnexpectedPageType, s.collection, p.Header())
	}
	delete(s.localPages, pageID)
	s.collectionPage = cp
	return nil
}

// GetPage resolves a page: staged copy, then the transaction's flushed pages,
// then the log at the read version, then the data file.
func (s *Snapshot) GetPage(pageID uint32) (pagemanager.Page, error) {
	if s.collectionPage != nil && s.collectionPage.PageID == pageID {
		return s.collectionPage, nil
	}
	if p, ok := s.localPages[pageID]; ok {
		return p, nil
	}

	var (
		p   pagemanager.Page
		err error
	)
	if pos, ok := s.tx.pages.DirtyPages[pageID]; ok {
		p, err = s.tx.rt.Disk.ReadPage(pagemanager.OriginLog, pos.Position)
	} else {
		p, err = s.tx.rt.readPage(pageID, s.readVersion)
	}
	if err != nil {
		return nil, err
	}
	if id := p.Header().PageID; id != pageID {
		return nil, fmt.Errorf("%w: expected page %d, read page %d", dberror.ErrInvalidPageData, pageID, id)
	}
	s.localPages[pageID] = p
	return p, nil
}

// GetIndexPage reads an index page.
func (s *Snapshot) GetIndexPage(pageID uint32) (*pagemanager.IndexPage, error) {
	p, err := s.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	ip, ok := p.(*pagemanager.IndexPage)
	if !ok {
		return nil, fmt.Errorf("%w: expected index page, got %s", dberror.ErrUnexpectedPageType, p.Header())
	}
	return ip, nil
}

// GetDataPage reads a data page.
func (s *Snapshot) GetDataPage(pageID uint32) (*pagemanager.DataPage, error) {
	p, err := s.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	dp, ok := p.(*pagemanager.DataPage)
	if !ok {
		return nil, fmt.Errorf("%w: expected data page, got %s", dberror.ErrUnexpectedPageType, p.Header())
	}
	return dp, nil
}

// GetExtendPage reads an extend page.
func (s *Snapshot) GetExtendPage(pageID uint32) (*pagemanager.ExtendPage, error) {
	p, err := s.GetPage(pageID)
	if err != nil {
		return nil, err
	}
	ep, ok := p.(*pagemanager.ExtendPage)
	if !ok {
		return nil, fmt.Errorf("%w: expected extend page, got %s", dberror.ErrUnexpectedPageType, p.Header())
	}
	return ep, nil
}

// SetDirty stages a page for writing.
func (s *Snapshot) SetDirty(p pagemanager.Page) {
	h := p.Header()
	if !h.Dirty {
		h.Dirty = true
		s.tx.pages.TransactionSize++
	}
}

func (s *Snapshot) checkWrite() error {
	if s.mode != LockWrite {
		return fmt.Errorf("%w: collection %q is open for read", dberror.ErrTransactionState, s.collection)
	}
	return nil
}

// NewPage allocates a page of type t owned by this collection, reusing the
// head of the header free list when there is one.
func (s *Snapshot) NewPage(t pagemanager.PageType) (pagemanager.Page, error) {
	if err := s.checkWrite(); err != nil {
		return nil, err
	}
	rt := s.tx.rt
	rt.HeaderMu.Lock()
	pageID, err := s.takePageID()
	rt.HeaderMu.Unlock()
	if err != nil {
		return nil, err
	}

	p, err := pagemanager.NewPage(pageID, t)
	if err != nil {
		return nil, err
	}
	h := p.Header()
	h.TransactionID = s.tx.ID
	if s.collectionPage != nil {
		h.ColID = s.collectionPage.PageID
	} else if t == pagemanager.PageTypeCollection {
		h.ColID = pageID
	}
	s.tx.pages.NewPages = append(s.tx.pages.NewPages, pageID)
	s.localPages[pageID] = p
	s.SetDirty(p)
	return p, nil
}

// takePageID pops the free list or grows the file. The caller holds HeaderMu.
func (s *Snapshot) takePageID() (uint32, error) {
	rt := s.tx.rt
	header := rt.Header
	if header.FreeEmptyPageList != pagemanager.NoPage {
		pageID := header.FreeEmptyPageList
		// Free list pages are read at the newest version: another
		// transaction may have freed them after this snapshot started.
		free, err := rt.ReadLatestPage(pageID)
		if err != nil {
			return 0, fmt.Errorf("free list page %d: %w", pageID, err)
		}
		if free.Header().PageType != pagemanager.PageTypeEmpty {
			return 0, fmt.Errorf("%w: free list page %d is %s", dberror.ErrUnexpectedPageType, pageID, free.Header().PageType)
		}
		header.FreeEmptyPageList = free.Header().NextPageID
		return pageID, nil
	}
	if header.LastPageID >= pagemanager.NoPage-1 {
		return 0, dberror.ErrFileSizeExceeded
	}
	header.LastPageID++
	return header.LastPageID, nil
}

// DeletePage turns a page into an empty page on the transaction's deleted
// chain.
func (s *Snapshot) DeletePage(pageID uint32) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	if s.collectionPage != nil && s.collectionPage.PageID == pageID {
		s.collectionPage = nil
	}
	empty := pagemanager.NewEmptyPage(pageID)
	empty.TransactionID = s.tx.ID
	s.tx.pages.addDeleted(empty)
	if old, ok := s.localPages[pageID]; ok && old.Header().Dirty {
		// The page was already counted.
		empty.Dirty = true
	}
	s.localPages[pageID] = empty
	s.SetDirty(empty)
	return nil
}

// GetFreeDataPage returns a page with room for a block of length payload
// bytes: the head of the fullest bucket guaranteed to fit, else a new page.
func (s *Snapshot) GetFreeDataPage(length int) (*pagemanager.DataPage, error) {
	need := length + pagemanager.DataBlockHeaderSize
	for slot := pagemanager.MinimumDataListSlot(need); slot >= 0; slot-- {
		pageID := s.collectionPage.FreeDataPageList[slot]
		if pageID == pagemanager.NoPage {
			continue
		}
		page, err := s.GetDataPage(pageID)
		if err != nil {
			return nil, err
		}
		if page.FreeBytes() >= need {
			return page, nil
		}
		s.tx.rt.Logger.Debug("free data page smaller than its bucket",
			zap.Uint32("page", pageID), zap.Int("slot", slot), zap.Int("need", need))
	}
	p, err := s.NewPage(pagemanager.PageTypeData)
	if err != nil {
		return nil, err
	}
	return p.(*pagemanager.DataPage), nil
}

// AddOrRemoveFreeDataList moves a data page to the bucket matching its free
// space, or deletes it once it is empty.
func (s *Snapshot) AddOrRemoveFreeDataList(page *pagemanager.DataPage) error {
	newSlot := pagemanager.FreeDataListSlot(page.FreeBytes())
	initialSlot := page.PageListSlot
	empty := len(page.Blocks()) == 0

	if newSlot == initialSlot && !empty {
		return nil
	}
	if initialSlot != pagemanager.NoSlot {
		if err := s.RemoveFromList(page, &s.collectionPage.FreeDataPageList[initialSlot]); err != nil {
			return err
		}
	}
	if empty {
		return s.DeletePage(page.PageID)
	}
	if err := s.AddToList(page, &s.collectionPage.FreeDataPageList[newSlot]); err != nil {
		return err
	}
	page.PageListSlot = newSlot
	return nil
}

// GetFreeIndexPage returns an index page from the index's free list, which
// only holds pages with room for a node of any size.
func (s *Snapshot) GetFreeIndexPage(freeList *uint32) (*pagemanager.IndexPage, error) {
	if *freeList != pagemanager.NoPage {
		return s.GetIndexPage(*freeList)
	}
	p, err := s.NewPage(pagemanager.PageTypeIndex)
	if err != nil {
		return nil, err
	}
	page := p.(*pagemanager.IndexPage)
	if err := s.AddToList(page, freeList); err != nil {
		return nil, err
	}
	page.PageListSlot = 0
	return page, nil
}

// AddOrRemoveFreeIndexList keeps an index page on its free list while a node
// of any size still fits, and deletes the page once it is empty.
func (s *Snapshot) AddOrRemoveFreeIndexList(page *pagemanager.IndexPage, freeList *uint32) error {
	newSlot := pagemanager.FreeIndexListSlot(page.FreeBytes())
	onList := page.PageListSlot == 0
	keep := newSlot == 0

	if len(page.Nodes()) == 0 {
		if onList {
			if err := s.RemoveFromList(page, freeList); err != nil {
				return err
			}
		}
		return s.DeletePage(page.PageID)
	}
	switch {
	case onList && !keep:
		if err := s.RemoveFromList(page, freeList); err != nil {
			return err
		}
	case !onList && keep:
		if err := s.AddToList(page, freeList); err != nil {
			return err
		}
	}
	if keep {
		page.PageListSlot = 0
	} else {
		page.PageListSlot = pagemanager.NoSlot
	}
	s.SetDirty(page)
	return nil
}

// AddToList pushes page in front of the list headed by *start.
func (s *Snapshot) AddToList(page pagemanager.Page, start *uint32) error {
	h := page.Header()
	if *start != pagemanager.NoPage {
		next, err := s.GetPage(*start)
		if err != nil {
			return err
		}
		next.Header().PrevPageID = h.PageID
		s.SetDirty(next)
	}
	h.PrevPageID = pagemanager.NoPage
	h.NextPageID = *start
	s.SetDirty(page)
	*start = h.PageID
	s.SetDirty(s.collectionPage)
	return nil
}

// RemoveFromList unlinks page from the list headed by *start.
func (s *Snapshot) RemoveFromList(page pagemanager.Page, start *uint32) error {
	h := page.Header()
	if h.PrevPageID != pagemanager.NoPage {
		prev, err := s.GetPage(h.PrevPageID)
		if err != nil {
			return err
		}
		prev.Header().NextPageID = h.NextPageID
		s.SetDirty(prev)
	}
	if h.NextPageID != pagemanager.NoPage {
		next, err := s.GetPage(h.NextPageID)
		if err != nil {
			return err
		}
		next.Header().PrevPageID = h.PrevPageID
		s.SetDirty(next)
	}
	if *start == h.PageID {
		*start = h.NextPageID
		s.SetDirty(s.collectionPage)
	}
	h.PrevPageID = pagemanager.NoPage
	h.NextPageID = pagemanager.NoPage
	h.PageListSlot = pagemanager.NoSlot
	s.SetDirty(page)
	return nil
}

// writablePages lists the dirty staged pages, and the collection page when
// includeCollection is set.
func (s *Snapshot) writablePages(includeCollection bool) []pagemanager.Page {
	if s.mode != LockWrite {
		return nil
	}
	var out []pagemanager.Page
	for _, p := range s.localPages {
		if p.Header().Dirty {
			out = append(out, p)
		}
	}
	if includeCollection && s.collectionPage != nil && s.collectionPage.Dirty {
		out = append(out, s.collectionPage)
	}
	return out
}

// clear drops staged pages after they were flushed. The collection page stays.
func (s *Snapshot) clear() {
	s.localPages = make(map[uint32]pagemanager.Page)
}
