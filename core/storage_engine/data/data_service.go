// Package data stores record payloads as blocks in data pages, spilling
// records larger than a page into chains of extend pages.
package data

import (
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Service allocates data blocks in the collection bound to a snapshot.
type Service struct {
	snapshot *transaction.Snapshot
	maxSize  int
}

// NewService binds a data service to a write snapshot.
func NewService(s *transaction.Snapshot) *Service {
	return &Service{snapshot: s, maxSize: s.Runtime().MaxDocumentSize}
}

func (s *Service) checkSize(data []byte) error {
	if len(data) > s.maxSize {
		return fmt.Errorf("%w: record is %d bytes, limit is %d", dberror.ErrDocumentTooLarge, len(data), s.maxSize)
	}
	return nil
}

// Insert stores data and returns the address of its block.
func (s *Service) Insert(data []byte) (pagemanager.PageAddress, error) {
	if err := s.checkSize(data); err != nil {
		return pagemanager.EmptyAddress, err
	}
	extend := len(data) > pagemanager.MaxDataBytesPerPage
	inline := data
	if extend {
		inline = nil
	}

	page, err := s.snapshot.GetFreeDataPage(len(inline))
	if err != nil {
		return pagemanager.EmptyAddress, err
	}
	block, err := page.InsertBlock(inline)
	if err != nil {
		return pagemanager.EmptyAddress, err
	}
	if extend {
		if block.ExtendPageID, err = s.writeExtend(data); err != nil {
			return pagemanager.EmptyAddress, err
		}
	}
	s.snapshot.SetDirty(page)
	if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
		return pagemanager.EmptyAddress, err
	}
	return block.Position, nil
}

func (s *Service) block(addr pagemanager.PageAddress) (*pagemanager.DataBlock, error) {
	page, err := s.snapshot.GetDataPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	block, ok := page.Block(addr.Index)
	if !ok {
		return nil, fmt.Errorf("%w: no data block at %s", dberror.ErrInvalidPageData, addr)
	}
	return block, nil
}

// Read returns a copy of the record stored at addr.
func (s *Service) Read(addr pagemanager.PageAddress) ([]byte, error) {
	block, err := s.block(addr)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), block.Data...)
	for next := block.ExtendPageID; next != pagemanager.NoPage; {
		page, err := s.snapshot.GetExtendPage(next)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Data...)
		next = page.NextPageID
	}
	return out, nil
}

// Update replaces the record at addr in place. The address never changes:
// a record that no longer fits inline moves its payload to extend pages.
func (s *Service) Update(addr pagemanager.PageAddress, data []byte) error {
	if err := s.checkSize(data); err != nil {
		return err
	}
	block, err := s.block(addr)
	if err != nil {
		return err
	}
	page := block.Page()

	if block.ExtendPageID != pagemanager.NoPage {
		if err := s.freeExtend(block.ExtendPageID); err != nil {
			return err
		}
		block.ExtendPageID = pagemanager.NoPage
	}

	fits := len(data) <= pagemanager.MaxDataBytesPerPage && len(data)-len(block.Data) <= page.FreeBytes()
	if fits {
		if err := page.SetBlockData(block, data); err != nil {
			return err
		}
	} else {
		if err := page.SetBlockData(block, nil); err != nil {
			return err
		}
		if block.ExtendPageID, err = s.writeExtend(data); err != nil {
			return err
		}
	}
	s.snapshot.SetDirty(page)
	return s.snapshot.AddOrRemoveFreeDataList(page)
}

// Delete frees the record at addr. A page left without blocks goes back to
// the empty free list.
func (s *Service) Delete(addr pagemanager.PageAddress) error {
	block, err := s.block(addr)
	if err != nil {
		return err
	}
	if block.ExtendPageID != pagemanager.NoPage {
		if err := s.freeExtend(block.ExtendPageID); err != nil {
			return err
		}
	}
	page := block.Page()
	page.DeleteBlock(addr.Index)
	s.snapshot.SetDirty(page)
	return s.snapshot.AddOrRemoveFreeDataList(page)
}

// ExtendChain lists the extend pages of the block at addr.
func (s *Service) ExtendChain(addr pagemanager.PageAddress) ([]uint32, error) {
	block, err := s.block(addr)
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for next := block.ExtendPageID; next != pagemanager.NoPage; {
		page, err := s.snapshot.GetExtendPage(next)
		if err != nil {
			return nil, err
		}
		ids = append(ids, next)
		next = page.NextPageID
	}
	return ids, nil
}

func (s *Service) writeExtend(data []byte) (uint32, error) {
	first := pagemanager.NoPage
	var prev *pagemanager.ExtendPage
	for len(data) > 0 {
		n := min(len(data), pagemanager.ExtendPageCapacity)
		p, err := s.snapshot.NewPage(pagemanager.PageTypeExtend)
		if err != nil {
			return pagemanager.NoPage, err
		}
		page := p.(*pagemanager.ExtendPage)
		page.Data = append([]byte(nil), data[:n]...)
		data = data[n:]

		if prev == nil {
			first = page.PageID
		} else {
			prev.NextPageID = page.PageID
			page.PrevPageID = prev.PageID
			s.snapshot.SetDirty(prev)
		}
		s.snapshot.SetDirty(page)
		prev = page
	}
	return first, nil
}

func (s *Service) freeExtend(first uint32) error {
	for next := first; next != pagemanager.NoPage; {
		page, err := s.snapshot.GetExtendPage(next)
		if err != nil {
			return err
		}
		id := next
		next = page.NextPageID
		if err := s.snapshot.DeletePage(id); err != nil {
			return err
		}
	}
	return nil
}
