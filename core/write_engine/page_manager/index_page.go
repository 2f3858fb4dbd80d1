package pagemanager

import (
	"fmt"
	"sort"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
)

const (
	// MaxLevel caps the height of a skip list node.
	MaxLevel = 32

	indexNodeFixedSize = 2 + 1 + 1 + 3*PageAddressSize
	// MaxIndexNodeSize is the size of the largest possible node.
	MaxIndexNodeSize = indexNodeFixedSize + MaxLevel*2*PageAddressSize + document.MaxKeyLength
)

// IndexNode is one skip list entry. Links are addresses, never pointers.
type IndexNode struct {
	Position  PageAddress
	Slot      uint8
	Levels    uint8
	Key       document.Value
	DataBlock PageAddress
	// PrevNode/NextNode chain the nodes of every index that point at the same
	// data block, starting at the primary key node.
	PrevNode PageAddress
	NextNode PageAddress
	Prev     []PageAddress
	Next     []PageAddress

	page *IndexPage
}

// Page returns the page holding the node.
func (n *IndexNode) Page() *IndexPage { return n.page }

// NextPrev follows level forward when order is ascending, backward otherwise.
func (n *IndexNode) NextPrev(level int, ascending bool) PageAddress {
	if ascending {
		return n.Next[level]
	}
	return n.Prev[level]
}

func (n *IndexNode) size() int { return IndexNodeSize(int(n.Levels), n.Key) }

// IndexNodeSize is the encoded size of a node.
func IndexNodeSize(levels int, key document.Value) int {
	return indexNodeFixedSize + levels*2*PageAddressSize + key.EncodedSize()
}

// IndexPage stores skip list nodes of a single index.
type IndexPage struct {
	PageHeader

	nodes map[uint16]*IndexNode
	used  int
}

func (p *IndexPage) items() int { return len(p.nodes) }

// FreeBytes is the room left for new nodes.
func (p *IndexPage) FreeBytes() int { return PageAvailableBytes - p.used }

// Node returns the node at slot index.
func (p *IndexPage) Node(index uint16) (*IndexNode, bool) {
	n, ok := p.nodes[index]
	return n, ok
}

// Nodes lists the nodes in slot order.
func (p *IndexPage) Nodes() []*IndexNode {
	out := make([]*IndexNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Index < out[j].Position.Index })
	return out
}

// InsertNode places a new unlinked node in the page.
func (p *IndexPage) InsertNode(slot uint8, levels int, key document.Value, dataBlock PageAddress) (*IndexNode, error) {
	size := IndexNodeSize(levels, key)
	if size > p.FreeBytes() {
		return nil, fmt.Errorf("%w: index page %d has %d free bytes, node needs %d", dberror.ErrPageFull, p.PageID, p.FreeBytes(), size)
	}
	n := &IndexNode{
		Position:  PageAddress{PageID: p.PageID, Index: p.freeIndex()},
		Slot:      slot,
		Levels:    uint8(levels),
		Key:       key,
		DataBlock: dataBlock,
		PrevNode:  EmptyAddress,
		NextNode:  EmptyAddress,
		Prev:      make([]PageAddress, levels),
		Next:      make([]PageAddress, levels),
		page:      p,
	}
	for i := 0; i < levels; i++ {
		n.Prev[i] = EmptyAddress
		n.Next[i] = EmptyAddress
	}
	p.nodes[n.Position.Index] = n
	p.used += size
	return n, nil
}

// DeleteNode removes the node at slot index.
func (p *IndexPage) DeleteNode(index uint16) {
	if n, ok := p.nodes[index]; ok {
		p.used -= n.size()
		delete(p.nodes, index)
	}
}

func (p *IndexPage) freeIndex() uint16 {
	var i uint16
	for {
		if _, ok := p.nodes[i]; !ok {
			return i
		}
		i++
	}
}

func (p *IndexPage) encodeContent(w *pageWriter) {
	for _, n := range p.Nodes() {
		w.write(n.Position.Index)
		w.write(n.Slot)
		w.write(n.Levels)
		w.addr(n.DataBlock)
		w.addr(n.PrevNode)
		w.addr(n.NextNode)
		for i := 0; i < int(n.Levels); i++ {
			w.addr(n.Prev[i])
			w.addr(n.Next[i])
		}
		w.value(n.Key)
	}
}

func (p *IndexPage) decodeContent(r *pageReader) {
	for i := 0; i < int(p.itemCount) && r.err == nil; i++ {
		n := &IndexNode{page: p}
		n.Position = PageAddress{PageID: p.PageID, Index: r.u16()}
		n.Slot = r.u8()
		n.Levels = r.u8()
		if r.err == nil && (n.Levels == 0 || n.Levels > MaxLevel) {
			r.err = fmt.Errorf("%w: node level %d", dberror.ErrInvalidPageData, n.Levels)
			return
		}
		n.DataBlock = r.addr()
		n.PrevNode = r.addr()
		n.NextNode = r.addr()
		n.Prev = make([]PageAddress, n.Levels)
		n.Next = make([]PageAddress, n.Levels)
		for l := 0; l < int(n.Levels); l++ {
			n.Prev[l] = r.addr()
			n.Next[l] = r.addr()
		}
		n.Key = r.value()
		if r.err == nil {
			p.nodes[n.Position.Index] = n
			p.used += n.size()
		}
	}
}

// FreeIndexListSlot reports which index free list a page belongs on: 0 while
// any node still fits, 1 (off the list) otherwise.
func FreeIndexListSlot(freeBytes int) uint8 {
	if freeBytes >= MaxIndexNodeSize {
		return 0
	}
	return 1
}
