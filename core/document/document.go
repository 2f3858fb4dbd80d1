package document

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/sushant-115/gojolite/core/dberror"
)

// IDField is the primary key field present in every stored document.
const IDField = "_id"

// Document is a schemaless record. Nested documents decode as Document values.
type Document map[string]any

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// Marshal serializes a document into the payload stored in a data block.
func Marshal(doc Document) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(map[string]any(doc)); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", dberror.ErrInvalidDocument, err)
	}
	return buf, nil
}

// Unmarshal decodes a data block payload.
func Unmarshal(data []byte) (Document, error) {
	var m map[string]any
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", dberror.ErrInvalidDocument, err)
	}
	return normalize(m).(Document), nil
}

func normalize(x any) any {
	switch t := x.(type) {
	case map[string]any:
		doc := make(Document, len(t))
		for k, v := range t {
			doc[k] = normalize(v)
		}
		return doc
	case Document:
		for k, v := range t {
			t[k] = normalize(v)
		}
		return t
	case []any:
		for i, v := range t {
			t[i] = normalize(v)
		}
		return t
	case uint64:
		if v := fromUint(t); v.typ == TypeInt {
			return v.i
		}
		return float64(t)
	case int8, int16, int32, int:
		v, _ := ValueOf(t)
		return v.i
	case float32:
		return float64(t)
	}
	return x
}

// ParsePath splits a field path like "$.a.b" or "a.b" into its segments.
func ParsePath(path string) []string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get resolves a field path. The second result is false when any segment is
// missing.
func (d Document) Get(path string) (any, bool) {
	segs := ParsePath(path)
	if len(segs) == 0 {
		return d, true
	}
	var cur any = d
	for _, s := range segs {
		var m map[string]any
		switch t := cur.(type) {
		case Document:
			m = t
		case map[string]any:
			m = t
		default:
			return nil, false
		}
		v, ok := m[s]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Key returns the index key for path. Missing fields index as Null.
func (d Document) Key(path string) (Value, error) {
	x, ok := d.Get(path)
	if !ok {
		return Null(), nil
	}
	return ValueOf(x)
}

// ID returns the document's primary key.
func (d Document) ID() (Value, bool, error) {
	x, ok := d[IDField]
	if !ok {
		return Value{}, false, nil
	}
	v, err := ValueOf(x)
	if err != nil {
		return Value{}, true, fmt.Errorf("%w: %v", dberror.ErrInvalidID, err)
	}
	return v, true, nil
}
