package pagemanager

import (
	"time"
)

const (
	// MaxIndexes is the number of index slots of a collection; slot 0 is the
	// primary key index.
	MaxIndexes = 16
	// FreeListSlots is the number of size-bucketed free data page lists.
	FreeListSlots = 5

	MaxCollectionNameLength = 60
	MaxIndexNameLength      = 32
	MaxExpressionLength     = 255

	PrimaryKeyIndexName = "_id"
)

// CollectionIndex describes one skip list index of a collection.
type CollectionIndex struct {
	Slot       uint8
	Name       string
	Expression string
	Unique     bool
	Head       PageAddress
	Tail       PageAddress
	MaxLevel   uint8

	KeyCount       uint32
	UniqueKeyCount uint32

	// FreeIndexPageList heads the index pages that still have room for a
	// node of any size.
	FreeIndexPageList uint32
}

func (i *CollectionIndex) IsPrimaryKey() bool { return i.Slot == 0 }

// CollectionPage holds one collection's metadata.
type CollectionPage struct {
	PageHeader

	// Name duplicates the header map entry so a damaged file can still be
	// rebuilt without page 0.
	Name             string
	CreationTime     time.Time
	Sequence         int64
	DocumentCount    int64
	FreeDataPageList [FreeListSlots]uint32
	Indexes          [MaxIndexes]*CollectionIndex
}

func (p *CollectionPage) reset() {
	for i := range p.FreeDataPageList {
		p.FreeDataPageList[i] = NoPage
	}
	p.Indexes = [MaxIndexes]*CollectionIndex{}
}

func (p *CollectionPage) items() int {
	n := 0
	for _, idx := range p.Indexes {
		if idx != nil {
			n++
		}
	}
	return n
}

// PrimaryKey returns the _id index.
func (p *CollectionPage) PrimaryKey() *CollectionIndex { return p.Indexes[0] }

// GetIndex finds an index by name.
func (p *CollectionPage) GetIndex(name string) *CollectionIndex {
	for _, idx := range p.Indexes {
		if idx != nil && idx.Name == name {
			return idx
		}
	}
	return nil
}

// GetIndexes lists the used index slots in slot order.
func (p *CollectionPage) GetIndexes() []*CollectionIndex {
	out := make([]*CollectionIndex, 0, MaxIndexes)
	for _, idx := range p.Indexes {
		if idx != nil {
			out = append(out, idx)
		}
	}
	return out
}

// FreeIndexSlot returns the first unused index slot, or -1.
func (p *CollectionPage) FreeIndexSlot() int {
	for i, idx := range p.Indexes {
		if idx == nil {
			return i
		}
	}
	return -1
}

func (p *CollectionPage) encodeContent(w *pageWriter) {
	w.str(p.Name)
	w.write(p.CreationTime.UnixNano())
	w.write(p.Sequence)
	w.write(p.DocumentCount)
	w.write(p.FreeDataPageList)
	w.write(uint8(p.items()))
	for _, idx := range p.GetIndexes() {
		w.write(idx.Slot)
		w.str(idx.Name)
		w.str(idx.Expression)
		w.write(idx.Unique)
		w.addr(idx.Head)
		w.addr(idx.Tail)
		w.write(idx.MaxLevel)
		w.write(idx.KeyCount)
		w.write(idx.UniqueKeyCount)
		w.write(idx.FreeIndexPageList)
	}
}

func (p *CollectionPage) decodeContent(r *pageReader) {
	p.Name = r.str()
	p.CreationTime = time.Unix(0, r.i64()).UTC()
	p.Sequence = r.i64()
	p.DocumentCount = r.i64()
	r.read(&p.FreeDataPageList)
	count := int(r.u8())
	for i := 0; i < count && r.err == nil; i++ {
		idx := &CollectionIndex{}
		idx.Slot = r.u8()
		idx.Name = r.str()
		idx.Expression = r.str()
		idx.Unique = r.u8() == 1
		idx.Head = r.addr()
		idx.Tail = r.addr()
		idx.MaxLevel = r.u8()
		idx.KeyCount = r.u32()
		idx.UniqueKeyCount = r.u32()
		idx.FreeIndexPageList = r.u32()
		if r.err == nil && int(idx.Slot) < MaxIndexes {
			p.Indexes[idx.Slot] = idx
		}
	}
}
