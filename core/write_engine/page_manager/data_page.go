package pagemanager

import (
	"fmt"
	"sort"

	"github.com/sushant-115/gojolite/core/dberror"
)

const (
	// DataBlockHeaderSize covers slot, extend page id and inline length.
	DataBlockHeaderSize = 2 + 4 + 2
	// MaxDataBytesPerPage is the largest payload a data page can hold inline.
	MaxDataBytesPerPage = PageAvailableBytes - DataBlockHeaderSize
	// ExtendPageCapacity is the payload carried by one extend page.
	ExtendPageCapacity = PageAvailableBytes
)

// freeDataSlots are the minimum free bytes of each free data page bucket.
var freeDataSlots = [FreeListSlots]int{
	PageAvailableBytes * 90 / 100,
	PageAvailableBytes * 75 / 100,
	PageAvailableBytes * 60 / 100,
	PageAvailableBytes * 30 / 100,
	0,
}

// FreeDataListSlot returns the bucket a page with freeBytes belongs to.
func FreeDataListSlot(freeBytes int) uint8 {
	for i, threshold := range freeDataSlots {
		if freeBytes >= threshold {
			return uint8(i)
		}
	}
	return FreeListSlots - 1
}

// MinimumDataListSlot returns the highest bucket whose pages are guaranteed to
// fit length bytes, or -1 when only a new page will do.
func MinimumDataListSlot(length int) int {
	return int(FreeDataListSlot(length)) - 1
}

// DataBlock is one record (or the head of an extended record) in a data page.
type DataBlock struct {
	Position     PageAddress
	ExtendPageID uint32
	Data         []byte

	page *DataPage
}

// Page returns the page holding the block.
func (b *DataBlock) Page() *DataPage { return b.page }

func (b *DataBlock) size() int { return DataBlockHeaderSize + len(b.Data) }

// DataPage stores data blocks of one collection.
type DataPage struct {
	PageHeader

	blocks map[uint16]*DataBlock
	used   int
}

func (p *DataPage) items() int { return len(p.blocks) }

// FreeBytes is the room left for new blocks, block headers included.
func (p *DataPage) FreeBytes() int { return PageAvailableBytes - p.used }

// Block returns the block at slot index.
func (p *DataPage) Block(index uint16) (*DataBlock, bool) {
	b, ok := p.blocks[index]
	return b, ok
}

// Blocks lists the blocks in slot order.
func (p *DataPage) Blocks() []*DataBlock {
	out := make([]*DataBlock, 0, len(p.blocks))
	for _, b := range p.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Index < out[j].Position.Index })
	return out
}

// InsertBlock stores data inline in a new block.
func (p *DataPage) InsertBlock(data []byte) (*DataBlock, error) {
	if DataBlockHeaderSize+len(data) > p.FreeBytes() {
		return nil, fmt.Errorf("%w: data page %d has %d free bytes, block needs %d", dberror.ErrPageFull, p.PageID, p.FreeBytes(), DataBlockHeaderSize+len(data))
	}
	var index uint16
	for {
		if _, ok := p.blocks[index]; !ok {
			break
		}
		index++
	}
	b := &DataBlock{
		Position:     PageAddress{PageID: p.PageID, Index: index},
		ExtendPageID: NoPage,
		Data:         append([]byte(nil), data...),
		page:         p,
	}
	p.blocks[index] = b
	p.used += b.size()
	return b, nil
}

// SetBlockData replaces the inline payload of b.
func (p *DataPage) SetBlockData(b *DataBlock, data []byte) error {
	if len(data)-len(b.Data) > p.FreeBytes() {
		return fmt.Errorf("%w: data page %d cannot grow block %d by %d bytes", dberror.ErrPageFull, p.PageID, b.Position.Index, len(data)-len(b.Data))
	}
	p.used += len(data) - len(b.Data)
	b.Data = append([]byte(nil), data...)
	return nil
}

// DeleteBlock removes the block at slot index.
func (p *DataPage) DeleteBlock(index uint16) {
	if b, ok := p.blocks[index]; ok {
		p.used -= b.size()
		delete(p.blocks, index)
	}
}

func (p *DataPage) encodeContent(w *pageWriter) {
	for _, b := range p.Blocks() {
		w.write(b.Position.Index)
		w.write(b.ExtendPageID)
		w.write(uint16(len(b.Data)))
		w.Write(b.Data)
	}
}

func (p *DataPage) decodeContent(r *pageReader) {
	for i := 0; i < int(p.itemCount) && r.err == nil; i++ {
		b := &DataBlock{page: p}
		b.Position = PageAddress{PageID: p.PageID, Index: r.u16()}
		b.ExtendPageID = r.u32()
		b.Data = r.bytes(int(r.u16()))
		if r.err == nil {
			p.blocks[b.Position.Index] = b
			p.used += b.size()
		}
	}
}

// --- Extend page ---

// ExtendPage carries one chunk of an extended record; chunks chain through
// NextPageID.
type ExtendPage struct {
	PageHeader

	Data []byte
}

func (p *ExtendPage) items() int { return 1 }

func (p *ExtendPage) encodeContent(w *pageWriter) {
	w.Write(p.Data)
}

func (p *ExtendPage) decodeContent(r *pageReader) {
	p.Data = r.bytes(r.Len())
}
