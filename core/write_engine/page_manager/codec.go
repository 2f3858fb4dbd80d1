package pagemanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
)

// PageAddress locates an item inside a page: (PageID, slot index).
type PageAddress struct {
	PageID uint32
	Index  uint16
}

// PageAddressSize is the encoded size of a PageAddress.
const PageAddressSize = 6

// EmptyAddress is the "no item" address.
var EmptyAddress = PageAddress{PageID: NoPage, Index: math.MaxUint16}

func (a PageAddress) IsEmpty() bool { return a.PageID == NoPage }

func (a PageAddress) String() string {
	if a.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("(%d:%d)", a.PageID, a.Index)
}

// pageWriter accumulates little endian page content with a sticky error.
type pageWriter struct {
	bytes.Buffer
	err error
}

func newPageWriter() *pageWriter {
	w := &pageWriter{}
	w.Grow(PageAvailableBytes)
	return w
}

func (w *pageWriter) write(v any) {
	if w.err != nil {
		return
	}
	if err := binary.Write(&w.Buffer, binary.LittleEndian, v); err != nil {
		w.err = fmt.Errorf("%w: serialize: %v", dberror.ErrInvalidPageData, err)
	}
}

func (w *pageWriter) str(s string) {
	if len(s) > math.MaxUint8 {
		w.err = fmt.Errorf("%w: string %q too long for page field", dberror.ErrNameTooLong, s)
		return
	}
	w.write(uint8(len(s)))
	w.WriteString(s)
}

func (w *pageWriter) addr(a PageAddress) {
	w.write(a.PageID)
	w.write(a.Index)
}

func (w *pageWriter) value(v document.Value) {
	if w.err != nil {
		return
	}
	w.Write(v.AppendBinary(nil))
}

// pageReader mirrors pageWriter.
type pageReader struct {
	*bytes.Reader
	err error
}

func newPageReader(b []byte) *pageReader {
	return &pageReader{Reader: bytes.NewReader(b)}
}

func (r *pageReader) read(v any) {
	if r.err != nil {
		return
	}
	if err := binary.Read(r.Reader, binary.LittleEndian, v); err != nil {
		r.err = fmt.Errorf("%w: deserialize: %v", dberror.ErrInvalidPageData, err)
	}
}

func (r *pageReader) u8() uint8 {
	var v uint8
	r.read(&v)
	return v
}

func (r *pageReader) u16() uint16 {
	var v uint16
	r.read(&v)
	return v
}

func (r *pageReader) u32() uint32 {
	var v uint32
	r.read(&v)
	return v
}

func (r *pageReader) i64() int64 {
	var v int64
	r.read(&v)
	return v
}

func (r *pageReader) str() string {
	n := int(r.u8())
	return string(r.bytes(n))
}

func (r *pageReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.Reader, b); err != nil {
		r.err = fmt.Errorf("%w: deserialize: %v", dberror.ErrInvalidPageData, err)
		return nil
	}
	return b
}

func (r *pageReader) addr() PageAddress {
	pageID := r.u32()
	index := r.u16()
	return PageAddress{PageID: pageID, Index: index}
}

func (r *pageReader) value() document.Value {
	if r.err != nil {
		return document.Value{}
	}
	rest := r.bytes(r.Len())
	if r.err != nil {
		return document.Value{}
	}
	v, n, err := document.DecodeValue(rest)
	if err != nil {
		r.err = err
		return document.Value{}
	}
	// Unread the bytes that belong to the following fields.
	r.Reader = bytes.NewReader(rest[n:])
	return v
}
