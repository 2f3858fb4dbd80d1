package pagemanager

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
)

const (
	// HeaderInfo identifies a data file. It is stored in a fixed 32-byte field.
	HeaderInfo     = "** This is a GojoLite file **"
	headerInfoSize = 32
	FileVersion    = 1

	SaltSize     = 16
	KeyCheckSize = 16
	// SaltOffset is the absolute byte offset of the salt inside page 0.
	SaltOffset = PageHeaderSize + headerInfoSize + 8

	maxCollationLength = 48
	// headerFixedSize is everything before the collections map.
	headerFixedSize = headerInfoSize + 8 + SaltSize + KeyCheckSize + 4 + 4 + 8 + 4 + 4 + 4 + 4 + 4 + 1 + 1 + maxCollationLength
	// HeaderCollectionsCapacity is the room left for the collections map.
	HeaderCollectionsCapacity = PageAvailableBytes - headerFixedSize - 2
)

// Pragmas are the user visible settings persisted in the header.
type Pragmas struct {
	UserVersion    int32
	Timeout        time.Duration
	Collation      string
	CheckpointSize uint32
	ReadOnly       bool
}

// HeaderPage is page 0, the root of the file.
type HeaderPage struct {
	PageHeader

	FileVersion       byte
	Encrypted         bool
	Salt              [SaltSize]byte
	KeyCheck          [KeyCheckSize]byte
	FreeEmptyPageList uint32
	LastPageID        uint32
	CreationTime      time.Time
	// ChangeID grows on every checkpoint; a different value on disk means
	// another process rewrote the file.
	ChangeID          uint32
	LastTransactionID uint32
	Pragmas           Pragmas

	collections map[string]uint32
}

func newHeaderPage() *HeaderPage {
	return &HeaderPage{
		FileVersion:       FileVersion,
		FreeEmptyPageList: NoPage,
		collections:       make(map[string]uint32),
	}
}

// NewHeaderPage builds the header of a brand new file.
func NewHeaderPage(pragmas Pragmas) *HeaderPage {
	h := newHeaderPage()
	h.PageHeader = newHeader(0, PageTypeHeader)
	h.CreationTime = time.Now().UTC()
	h.Pragmas = pragmas
	return h
}

func (p *HeaderPage) items() int { return len(p.collections) }

// GetCollectionPageID returns the collection page of name.
func (p *HeaderPage) GetCollectionPageID(name string) (uint32, bool) {
	id, ok := p.collections[name]
	return id, ok
}

// Collections returns a copy of the collections map.
func (p *HeaderPage) Collections() map[string]uint32 {
	out := make(map[string]uint32, len(p.collections))
	for k, v := range p.collections {
		out[k] = v
	}
	return out
}

// CollectionNames returns the collection names in sorted order.
func (p *HeaderPage) CollectionNames() []string {
	names := make([]string, 0, len(p.collections))
	for k := range p.collections {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *HeaderPage) InsertCollection(name string, pageID uint32) {
	p.collections[name] = pageID
}

func (p *HeaderPage) DeleteCollection(name string) {
	delete(p.collections, name)
}

// CollectionsSize is the encoded size of the collections map.
func (p *HeaderPage) CollectionsSize() int {
	n := 0
	for k := range p.collections {
		n += CollectionEntrySize(k)
	}
	return n
}

// CollectionEntrySize is the encoded size of one collections map entry.
func CollectionEntrySize(name string) int { return 1 + len(name) + 4 }

// Clone returns a deep copy, used as the confirm page of a commit.
func (p *HeaderPage) Clone() *HeaderPage {
	c := *p
	c.collections = p.Collections()
	return &c
}

// Update copies every persisted field of src into p, keeping p's identity.
func (p *HeaderPage) Update(src *HeaderPage) {
	dirty := p.Dirty
	*p = *src.Clone()
	p.Dirty = dirty
}

func (p *HeaderPage) encodeContent(w *pageWriter) {
	info := make([]byte, headerInfoSize)
	copy(info, HeaderInfo)
	w.Write(info)
	w.write(p.FileVersion)
	w.write(p.Encrypted)
	w.Write(make([]byte, 6))
	w.write(p.Salt)
	w.write(p.KeyCheck)
	w.write(p.FreeEmptyPageList)
	w.write(p.LastPageID)
	w.write(p.CreationTime.UnixNano())
	w.write(p.ChangeID)
	w.write(p.LastTransactionID)
	w.write(p.Pragmas.UserVersion)
	w.write(uint32(p.Pragmas.Timeout / time.Second))
	w.write(p.Pragmas.CheckpointSize)
	w.write(p.Pragmas.ReadOnly)
	if len(p.Pragmas.Collation) > maxCollationLength {
		w.err = fmt.Errorf("%w: collation %q", dberror.ErrNameTooLong, p.Pragmas.Collation)
		return
	}
	collation := make([]byte, maxCollationLength)
	copy(collation, p.Pragmas.Collation)
	w.write(uint8(len(p.Pragmas.Collation)))
	w.Write(collation)

	w.write(uint16(len(p.collections)))
	for _, name := range p.CollectionNames() {
		w.str(name)
		w.write(p.collections[name])
	}
}

func (p *HeaderPage) decodeContent(r *pageReader) {
	info := r.bytes(headerInfoSize)
	if r.err == nil && !bytes.Equal(bytes.TrimRight(info, "\x00"), []byte(HeaderInfo)) {
		r.err = fmt.Errorf("%w: header info %q", dberror.ErrInvalidHeader, bytes.TrimRight(info, "\x00"))
		return
	}
	p.FileVersion = r.u8()
	if r.err == nil && p.FileVersion != FileVersion {
		r.err = fmt.Errorf("%w: file version %d", dberror.ErrInvalidHeader, p.FileVersion)
		return
	}
	p.Encrypted = r.u8() == 1
	r.bytes(6)
	r.read(&p.Salt)
	r.read(&p.KeyCheck)
	p.FreeEmptyPageList = r.u32()
	p.LastPageID = r.u32()
	p.CreationTime = time.Unix(0, r.i64()).UTC()
	p.ChangeID = r.u32()
	p.LastTransactionID = r.u32()
	r.read(&p.Pragmas.UserVersion)
	p.Pragmas.Timeout = time.Duration(r.u32()) * time.Second
	p.Pragmas.CheckpointSize = r.u32()
	p.Pragmas.ReadOnly = r.u8() == 1
	n := int(r.u8())
	collation := r.bytes(maxCollationLength)
	if r.err == nil {
		if n > maxCollationLength {
			r.err = fmt.Errorf("%w: collation length %d", dberror.ErrInvalidHeader, n)
			return
		}
		p.Pragmas.Collation = string(collation[:n])
	}

	count := int(r.u16())
	p.collections = make(map[string]uint32, count)
	for i := 0; i < count && r.err == nil; i++ {
		name := r.str()
		p.collections[name] = r.u32()
	}
}
