package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/document"
)

func TestMatch(t *testing.T) {
	doc := document.Document{"_id": int64(1), "name": "bob", "age": int64(30), "addr": document.Document{"city": "Pune"}}

	tests := []struct {
		q    Query
		want bool
	}{
		{All(""), true},
		{EQ("name", "bob"), true},
		{EQ("$.name", "ann"), false},
		{GT("age", 29), true},
		{GT("age", 30), false},
		{GTE("age", 30.0), true},
		{LT("age", 31), true},
		{LTE("age", 29), false},
		{Between("age", 30, 40), true},
		{Between("age", 31, 40), false},
		{StartsWith("name", "bo"), true},
		{StartsWith("name", "x"), false},
		{EQ("addr.city", "Pune"), true},
		// Values of another type never match a range.
		{GT("name", 1), false},
		{EQ("missing", nil), true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.q.Match(doc, nil), "%s %s %s", tt.q.Field, tt.q.Op, tt.q.Value)
	}
}

func TestNormalizePath(t *testing.T) {
	require.Equal(t, "$.name", NormalizePath("name"))
	require.Equal(t, "$.name", NormalizePath("$.name"))
	require.Equal(t, "$.a.b", NormalizePath(" a.b "))
	require.Equal(t, "$._id", All("").Path())
}

func TestStartAndDone(t *testing.T) {
	q := Between("n", 10, 20)
	start, skip := q.Start()
	require.Equal(t, document.Int(10), *start)
	require.False(t, skip)
	require.False(t, q.Done(document.Int(20), nil))
	require.True(t, q.Done(document.Int(21), nil))

	q = q.Desc()
	start, _ = q.Start()
	require.Equal(t, document.Int(20), *start)
	require.True(t, q.Done(document.Int(9), nil))

	q = GT("n", 5)
	start, skip = q.Start()
	require.NotNil(t, start)
	require.True(t, skip)
	require.False(t, q.Done(document.Int(100), nil))

	q = GT("n", 5).Desc()
	start, _ = q.Start()
	require.Nil(t, start)
	require.True(t, q.Done(document.Int(5), nil))
	require.False(t, q.Done(document.Int(6), nil))

	q = LTE("n", 5)
	require.True(t, q.Done(document.Int(6), nil))
	require.False(t, q.Done(document.Int(5), nil))
}

func TestStartsWithWalkBounds(t *testing.T) {
	q := StartsWith("name", "ab")
	start, skip := q.Start()
	require.Equal(t, document.String("ab"), *start)
	require.False(t, skip)
	require.False(t, q.Done(document.String("abc"), nil))
	require.True(t, q.Done(document.String("b"), nil))
	require.True(t, q.Done(document.Int(1), nil))

	en, err := document.NewCollation("en")
	require.NoError(t, err)
	require.False(t, q.Done(document.String("Ab"), en))

	q = q.Desc()
	start, _ = q.Start()
	require.Nil(t, start)
	require.False(t, q.Done(document.String("b"), nil))
	require.False(t, q.Done(document.String("abd"), nil))
	require.False(t, q.Done(document.String("ab"), nil))
	require.True(t, q.Done(document.String("aa"), nil))
	require.True(t, q.Done(document.Int(5), nil))
}
