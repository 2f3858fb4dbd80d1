package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
)

// TestValueOrdering checks the cross-type order and the numeric rank shared by
// Int and Double.
func TestValueOrdering(t *testing.T) {
	ordered := []Value{
		MinValue(),
		Null(),
		Int(-5),
		Double(1.5),
		Int(2),
		String("a"),
		String("b"),
		Binary([]byte{0x01}),
		Bool(false),
		Bool(true),
		DateTime(time.Unix(10, 0)),
		MaxValue(),
	}
	for i := 0; i < len(ordered)-1; i++ {
		require.Equal(t, -1, Compare(ordered[i], ordered[i+1], nil), "%s < %s", ordered[i], ordered[i+1])
		require.Equal(t, 1, Compare(ordered[i+1], ordered[i], nil))
	}
	require.Equal(t, 0, Compare(Int(3), Double(3), nil))
}

func TestValueEncoding(t *testing.T) {
	values := []Value{
		MinValue(), MaxValue(), Null(), Int(42), Double(-0.25), String("hello"),
		Binary([]byte("raw")), Bool(true), DateTime(time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)),
	}
	var buf []byte
	for _, v := range values {
		buf = v.AppendBinary(buf)
	}
	for _, want := range values {
		got, n, err := DecodeValue(buf)
		require.NoError(t, err)
		require.Equal(t, want.EncodedSize(), n)
		require.True(t, Equal(want, got, nil), "want %s got %s", want, got)
		buf = buf[n:]
	}
	require.Empty(t, buf)

	_, _, err := DecodeValue([]byte{byte(TypeString), 10, 0, 'x'})
	require.ErrorIs(t, err, dberror.ErrInvalidPageData)
}

func TestCollationIgnoreCase(t *testing.T) {
	c, err := NewCollation("en-US/IgnoreCase")
	require.NoError(t, err)
	require.Equal(t, 0, Compare(String("Apple"), String("apple"), c))
	require.Equal(t, -1, Compare(String("apple"), String("Banana"), c))

	// Ordinal comparison puts upper case first.
	require.Equal(t, -1, Compare(String("Banana"), String("apple"), BinaryCollation))

	_, err = NewCollation("en-US/Loud")
	require.Error(t, err)
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := Document{
		"_id":  int64(7),
		"name": "b",
		"tags": []any{"x", "y"},
		"address": map[string]any{
			"city": "Pune",
			"zip":  411001,
		},
	}
	data, err := Marshal(doc)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, int64(7), got["_id"])
	require.Equal(t, "b", got["name"])

	city, ok := got.Get("$.address.city")
	require.True(t, ok)
	require.Equal(t, "Pune", city)

	zip, err := got.Key("address.zip")
	require.NoError(t, err)
	require.True(t, Equal(Int(411001), zip, nil))

	missing, err := got.Key("address.street")
	require.NoError(t, err)
	require.True(t, missing.IsNull())

	id, ok, err := got.ID()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, Equal(Int(7), id, nil))
}

func TestValueOfRejectsComposite(t *testing.T) {
	_, err := ValueOf([]any{1, 2})
	require.ErrorIs(t, err, dberror.ErrInvalidIndexKey)
	require.Equal(t, dberror.CodeConstraintViolation, dberror.CodeOf(err))
}
