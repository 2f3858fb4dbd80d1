package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/sushant-115/gojolite/core/dberror"
)

// --- Page Management ---

const (
	PageSize           = 8192
	PageHeaderSize     = 32
	PageAvailableBytes = PageSize - PageHeaderSize
)

// NoPage is the "none" sentinel for page links.
const NoPage uint32 = math.MaxUint32

// NoSlot marks a page that is not on any free list.
const NoSlot uint8 = math.MaxUint8

// PageType is the discriminant of the page variants.
type PageType byte

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeIndex
	PageTypeData
	PageTypeExtend
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeIndex:
		return "Index"
	case PageTypeData:
		return "Data"
	case PageTypeExtend:
		return "Extend"
	}
	return fmt.Sprintf("PageType(%d)", byte(t))
}

// Header region offsets.
const (
	offPageID        = 0
	offPageType      = 4
	offPrevPageID    = 5
	offNextPageID    = 9
	offPageListSlot  = 13
	offItemCount     = 14
	offUsedBytes     = 16
	offTransactionID = 18
	offIsConfirmed   = 22
	offColID         = 23
	offCRC           = 27
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// PageHeader is the fixed 32-byte region at the start of every page.
type PageHeader struct {
	PageID        uint32
	PageType      PageType
	PrevPageID    uint32
	NextPageID    uint32
	PageListSlot  uint8
	TransactionID uint32
	IsConfirmed   bool
	// ColID is the collection page owning this page, NoPage when unowned.
	ColID uint32
	CRC   uint32

	itemCount uint16
	usedBytes uint16

	// Dirty is in-memory only.
	Dirty bool
}

// Header gives access to the common header of any page variant.
func (h *PageHeader) Header() *PageHeader { return h }

// ItemCount is the number of items recorded when the page was last decoded or encoded.
func (h *PageHeader) ItemCount() int { return int(h.itemCount) }

func (h *PageHeader) String() string {
	return fmt.Sprintf("%s page %d (txn %d)", h.PageType, h.PageID, h.TransactionID)
}

// Page is the closed set of page variants: *EmptyPage, *HeaderPage,
// *CollectionPage, *IndexPage, *DataPage and *ExtendPage.
type Page interface {
	Header() *PageHeader
	encodeContent(w *pageWriter)
	decodeContent(r *pageReader)
	items() int
}

func newHeader(pageID uint32, t PageType) PageHeader {
	return PageHeader{
		PageID:       pageID,
		PageType:     t,
		PrevPageID:   NoPage,
		NextPageID:   NoPage,
		PageListSlot: NoSlot,
		ColID:        NoPage,
	}
}

// NewPage creates an empty page of the given type.
func NewPage(pageID uint32, t PageType) (Page, error) {
	var p Page
	switch t {
	case PageTypeEmpty:
		p = &EmptyPage{}
	case PageTypeHeader:
		p = newHeaderPage()
	case PageTypeCollection:
		p = &CollectionPage{}
	case PageTypeIndex:
		p = &IndexPage{nodes: make(map[uint16]*IndexNode)}
	case PageTypeData:
		p = &DataPage{blocks: make(map[uint16]*DataBlock)}
	case PageTypeExtend:
		p = &ExtendPage{}
	default:
		return nil, fmt.Errorf("%w: %s", dberror.ErrUnexpectedPageType, t)
	}
	*p.Header() = newHeader(pageID, t)
	if c, ok := p.(*CollectionPage); ok {
		c.reset()
	}
	return p, nil
}

// Encode serializes a page into a fresh PageSize buffer and stamps its CRC.
func Encode(p Page) ([]byte, error) {
	w := newPageWriter()
	p.encodeContent(w)
	if w.err != nil {
		return nil, w.err
	}
	content := w.Bytes()
	if len(content) > PageAvailableBytes {
		return nil, fmt.Errorf("%w: %s content is %d bytes", dberror.ErrInvalidPageData, p.Header(), len(content))
	}

	h := p.Header()
	h.itemCount = uint16(p.items())
	h.usedBytes = uint16(len(content))

	buf := make([]byte, PageSize)
	copy(buf[PageHeaderSize:], content)
	writeHeader(buf, h)
	h.CRC = Checksum(buf)
	binary.LittleEndian.PutUint32(buf[offCRC:], h.CRC)
	return buf, nil
}

// Decode parses a raw page, validating its checksum.
func Decode(buf []byte) (Page, error) {
	return decode(buf, true)
}

// DecodeTolerant parses a raw page without checksum validation. It is used by
// the rebuild reader on damaged files.
func DecodeTolerant(buf []byte) (Page, error) {
	return decode(buf, false)
}

// decode is the single dispatch point from raw bytes to a page variant.
func decode(buf []byte, verify bool) (Page, error) {
	if len(buf) != PageSize {
		return nil, fmt.Errorf("%w: page buffer has %d bytes", dberror.ErrInvalidPageData, len(buf))
	}
	h := readHeader(buf)
	if verify {
		if sum := Checksum(buf); sum != h.CRC {
			return nil, fmt.Errorf("%w: page %d stored %08x computed %08x", dberror.ErrChecksumMismatch, h.PageID, h.CRC, sum)
		}
	}
	if int(h.usedBytes) > PageAvailableBytes {
		return nil, fmt.Errorf("%w: page %d used bytes %d", dberror.ErrInvalidPageData, h.PageID, h.usedBytes)
	}

	p, err := NewPage(h.PageID, h.PageType)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", h.PageID, err)
	}
	*p.Header() = h

	r := newPageReader(buf[PageHeaderSize : PageHeaderSize+int(h.usedBytes)])
	p.decodeContent(r)
	if r.err != nil {
		return nil, fmt.Errorf("page %d: %w", h.PageID, r.err)
	}
	return p, nil
}

// Checksum computes the CRC32-Castagnoli of a page, skipping the CRC field.
func Checksum(buf []byte) uint32 {
	sum := crc32.Checksum(buf[:offCRC], crcTable)
	return crc32.Update(sum, crcTable, buf[offCRC+4:])
}

// PeekPageID reads the PageID field without decoding the page.
func PeekPageID(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[offPageID:])
}

func writeHeader(buf []byte, h *PageHeader) {
	binary.LittleEndian.PutUint32(buf[offPageID:], h.PageID)
	buf[offPageType] = byte(h.PageType)
	binary.LittleEndian.PutUint32(buf[offPrevPageID:], h.PrevPageID)
	binary.LittleEndian.PutUint32(buf[offNextPageID:], h.NextPageID)
	buf[offPageListSlot] = h.PageListSlot
	binary.LittleEndian.PutUint16(buf[offItemCount:], h.itemCount)
	binary.LittleEndian.PutUint16(buf[offUsedBytes:], h.usedBytes)
	binary.LittleEndian.PutUint32(buf[offTransactionID:], h.TransactionID)
	if h.IsConfirmed {
		buf[offIsConfirmed] = 1
	} else {
		buf[offIsConfirmed] = 0
	}
	binary.LittleEndian.PutUint32(buf[offColID:], h.ColID)
}

func readHeader(buf []byte) PageHeader {
	return PageHeader{
		PageID:        binary.LittleEndian.Uint32(buf[offPageID:]),
		PageType:      PageType(buf[offPageType]),
		PrevPageID:    binary.LittleEndian.Uint32(buf[offPrevPageID:]),
		NextPageID:    binary.LittleEndian.Uint32(buf[offNextPageID:]),
		PageListSlot:  buf[offPageListSlot],
		itemCount:     binary.LittleEndian.Uint16(buf[offItemCount:]),
		usedBytes:     binary.LittleEndian.Uint16(buf[offUsedBytes:]),
		TransactionID: binary.LittleEndian.Uint32(buf[offTransactionID:]),
		IsConfirmed:   buf[offIsConfirmed] == 1,
		ColID:         binary.LittleEndian.Uint32(buf[offColID:]),
		CRC:           binary.LittleEndian.Uint32(buf[offCRC:]),
	}
}

// --- Empty page ---

// EmptyPage is a freed page threaded on the header's free list by NextPageID.
type EmptyPage struct {
	PageHeader
}

func (p *EmptyPage) encodeContent(*pageWriter) {}
func (p *EmptyPage) decodeContent(*pageReader) {}
func (p *EmptyPage) items() int                { return 0 }

// NewEmptyPage builds the freed form of pageID.
func NewEmptyPage(pageID uint32) *EmptyPage {
	return &EmptyPage{PageHeader: newHeader(pageID, PageTypeEmpty)}
}

// FileOrigin tells which file a page position refers to.
type FileOrigin byte

const (
	OriginData FileOrigin = iota
	OriginLog
)

func (o FileOrigin) String() string {
	if o == OriginLog {
		return "log"
	}
	return "data"
}

// PagePosition is the physical location of one page version in the log.
type PagePosition struct {
	PageID   uint32
	Position int64
}
