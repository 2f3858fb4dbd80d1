package flushmanager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/security/encryption"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

func openTestDisk(t *testing.T) (*DiskService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, created, err := Open(path, Options{CacheSize: 16, ReaderPoolSize: 2})
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { d.Close() })
	return d, path
}

func newDataPage(t *testing.T, id uint32, payload string) *pagemanager.DataPage {
	t.Helper()
	p, err := pagemanager.NewPage(id, pagemanager.PageTypeData)
	require.NoError(t, err)
	dp := p.(*pagemanager.DataPage)
	_, err = dp.InsertBlock([]byte(payload))
	require.NoError(t, err)
	return dp
}

func TestLogPath(t *testing.T) {
	require.Equal(t, "/tmp/app-log.db", LogPath("/tmp/app.db"))
	require.Equal(t, "data-log", LogPath("data"))
}

func TestWriteAndReadDataPages(t *testing.T) {
	d, _ := openTestDisk(t)

	require.NoError(t, d.WriteDataPages([]pagemanager.Page{
		pagemanager.NewHeaderPage(pagemanager.Pragmas{}),
		newDataPage(t, 2, "hello"),
	}))
	require.Equal(t, int64(3*pagemanager.PageSize), d.Length(pagemanager.OriginData))

	d.Cache().PurgeAll()
	p, err := d.ReadPage(pagemanager.OriginData, 2*pagemanager.PageSize)
	require.NoError(t, err)
	block, ok := p.(*pagemanager.DataPage).Block(0)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), block.Data)

	// Two reads never share an instance.
	again, err := d.ReadPage(pagemanager.OriginData, 2*pagemanager.PageSize)
	require.NoError(t, err)
	require.NotSame(t, p, again)
}

func TestWriteLogPagesReturnsPositions(t *testing.T) {
	d, _ := openTestDisk(t)

	positions, err := d.WriteLogPages([]pagemanager.Page{newDataPage(t, 5, "a"), newDataPage(t, 9, "b")})
	require.NoError(t, err)
	require.Equal(t, []pagemanager.PagePosition{
		{PageID: 5, Position: 0},
		{PageID: 9, Position: pagemanager.PageSize},
	}, positions)

	var seen []uint32
	valid, err := d.ScanLog(func(_ int64, p pagemanager.Page) error {
		seen = append(seen, p.Header().PageID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(2*pagemanager.PageSize), valid)
	require.Equal(t, []uint32{5, 9}, seen)
}

func TestScanLogStopsAtTornTail(t *testing.T) {
	d, path := openTestDisk(t)
	_, err := d.WriteLogPages([]pagemanager.Page{newDataPage(t, 1, "ok"), newDataPage(t, 2, "torn")})
	require.NoError(t, err)
	require.NoError(t, d.Sync(pagemanager.OriginLog))

	// Damage the second page on disk.
	f, err := os.OpenFile(LogPath(path), os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad}, pagemanager.PageSize+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	d.Cache().PurgeAll()

	valid, err := d.ScanLog(func(int64, pagemanager.Page) error { return nil })
	require.NoError(t, err)
	require.Equal(t, int64(pagemanager.PageSize), valid)

	_, err = d.ReadPage(pagemanager.OriginLog, pagemanager.PageSize)
	require.ErrorIs(t, err, dberror.ErrChecksumMismatch)

	p, err := d.ReadPageTolerant(pagemanager.OriginLog, pagemanager.PageSize)
	require.NoError(t, err)
	require.Equal(t, uint32(2), p.Header().PageID)
}

func TestSetLengthPurgesCache(t *testing.T) {
	d, _ := openTestDisk(t)
	_, err := d.WriteLogPages([]pagemanager.Page{newDataPage(t, 1, "x")})
	require.NoError(t, err)
	require.Equal(t, 1, d.Cache().Len())

	require.NoError(t, d.SetLength(pagemanager.OriginLog, 0))
	require.Equal(t, int64(0), d.Length(pagemanager.OriginLog))
	require.Equal(t, 0, d.Cache().Len())
	_, err = d.ReadPage(pagemanager.OriginLog, 0)
	require.ErrorIs(t, err, dberror.ErrIO)
}

func TestEncryptedPagesAreUnreadableWithoutKey(t *testing.T) {
	d, path := openTestDisk(t)
	salt, err := encryption.NewSalt()
	require.NoError(t, err)
	c, err := encryption.NewPageCipher(encryption.DeriveKey("secret", salt[:]))
	require.NoError(t, err)
	d.SetCipher(c)

	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{})
	header.Encrypted = true
	header.Salt = salt
	require.NoError(t, d.WriteDataPages([]pagemanager.Page{header, newDataPage(t, 1, "classified")}))
	require.NoError(t, d.Sync(pagemanager.OriginData))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// The header stays plaintext, salt included.
	require.Equal(t, salt[:], raw[pagemanager.SaltOffset:pagemanager.SaltOffset+pagemanager.SaltSize])
	require.NotContains(t, string(raw[pagemanager.PageSize:]), "classified")

	d.Cache().PurgeAll()
	p, err := d.ReadPage(pagemanager.OriginData, pagemanager.PageSize)
	require.NoError(t, err)
	block, _ := p.(*pagemanager.DataPage).Block(0)
	require.Equal(t, []byte("classified"), block.Data)

	d.SetCipher(nil)
	d.Cache().PurgeAll()
	_, err = d.ReadPage(pagemanager.OriginData, pagemanager.PageSize)
	require.Error(t, err)
}

func TestExternallyModified(t *testing.T) {
	d, path := openTestDisk(t)
	require.NoError(t, d.WriteDataPages([]pagemanager.Page{pagemanager.NewHeaderPage(pagemanager.Pragmas{})}))
	require.NoError(t, d.Sync(pagemanager.OriginData))

	changed, err := d.ExternallyModified()
	require.NoError(t, err)
	require.False(t, changed)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, pagemanager.PageSize))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	changed, err = d.ExternallyModified()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, int64(2*pagemanager.PageSize), d.Length(pagemanager.OriginData))
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	rw, _, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, rw.WriteDataPages([]pagemanager.Page{pagemanager.NewHeaderPage(pagemanager.Pragmas{})}))
	require.NoError(t, rw.Close())

	ro, created, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	require.False(t, created)
	defer ro.Close()

	_, err = ro.WriteLogPages([]pagemanager.Page{newDataPage(t, 1, "x")})
	require.ErrorIs(t, err, dberror.ErrReadOnly)
	_, err = ro.ReadPage(pagemanager.OriginData, 0)
	require.NoError(t, err)
}

func TestStreamPoolBoundsHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	p := NewStreamPool(path, 1)
	f, err := p.Get()
	require.NoError(t, err)

	got := make(chan *os.File)
	go func() {
		g, _ := p.Get()
		got <- g
	}()
	p.Put(f)
	require.Same(t, f, <-got)
	require.NoError(t, p.Close())
}
