package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

func TestPageCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewPageCache(2, nil)
	require.NoError(t, err)

	c.Add(pagemanager.OriginData, 0, []byte{0})
	c.Add(pagemanager.OriginData, 8192, []byte{1})
	_, ok := c.Get(pagemanager.OriginData, 0)
	require.True(t, ok)

	// Position 8192 is now the least recently used entry.
	c.Add(pagemanager.OriginLog, 0, []byte{2})
	_, ok = c.Get(pagemanager.OriginData, 8192)
	require.False(t, ok)
	require.Equal(t, 2, c.Len())

	hits, misses := c.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestPageCachePurgeByOrigin(t *testing.T) {
	c, err := NewPageCache(10, nil)
	require.NoError(t, err)
	c.Add(pagemanager.OriginData, 0, []byte{0})
	c.Add(pagemanager.OriginLog, 0, []byte{1})
	c.Add(pagemanager.OriginLog, 8192, []byte{2})

	c.Purge(pagemanager.OriginLog)
	require.Equal(t, 1, c.Len())
	buf, ok := c.Get(pagemanager.OriginData, 0)
	require.True(t, ok)
	require.Equal(t, []byte{0}, buf)

	c.Invalidate(pagemanager.OriginData, 0)
	require.Equal(t, 0, c.Len())
}
