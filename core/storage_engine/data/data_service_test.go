package data

import (
	"bytes"
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/transaction"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

func newRuntime(t *testing.T, maxDocumentSize int) *transaction.Runtime {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	disk, _, err := flushmanager.Open(path, flushmanager.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{Timeout: time.Second})
	require.NoError(t, disk.WriteDataPages([]pagemanager.Page{header}))
	return transaction.NewRuntime(transaction.RuntimeConfig{
		Disk:            disk,
		WAL:             wal.NewLogManager(disk, nil, nil),
		Header:          header,
		MaxDocumentSize: maxDocumentSize,
		Logger:          zap.NewNop(),
	})
}

func begin(t *testing.T, rt *transaction.Runtime) (*transaction.Transaction, *Service) {
	t.Helper()
	tx, err := rt.Begin(context.Background())
	require.NoError(t, err)
	s, err := tx.Snapshot(transaction.LockWrite, "col")
	require.NoError(t, err)
	if s.CollectionPage() == nil {
		require.NoError(t, tx.EnterReserved())
		_, err = s.NewCollectionPage()
		require.NoError(t, err)
	}
	return tx, NewService(s)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rand.IntN(256))
	}
	return b
}

func TestInsertReadRoundTrip(t *testing.T) {
	rt := newRuntime(t, 0)
	sizes := []int{
		0,
		100,
		pagemanager.MaxDataBytesPerPage,
		pagemanager.MaxDataBytesPerPage + 1,
		3*pagemanager.ExtendPageCapacity + 17,
	}

	tx, svc := begin(t, rt)
	addrs := make([]pagemanager.PageAddress, len(sizes))
	payloads := make([][]byte, len(sizes))
	for i, n := range sizes {
		payloads[i] = payload(n)
		addr, err := svc.Insert(payloads[i])
		require.NoError(t, err)
		addrs[i] = addr

		got, err := svc.Read(addr)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payloads[i], got), "size %d", n)
	}
	chain, err := svc.ExtendChain(addrs[4])
	require.NoError(t, err)
	require.Len(t, chain, 4)
	chain, err = svc.ExtendChain(addrs[2])
	require.NoError(t, err)
	require.Empty(t, chain)
	require.NoError(t, tx.Commit())

	tx, svc = begin(t, rt)
	defer tx.Dispose()
	for i, addr := range addrs {
		got, err := svc.Read(addr)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payloads[i], got), "size %d after commit", sizes[i])
	}
}

func TestSmallRecordsShareAPage(t *testing.T) {
	rt := newRuntime(t, 0)
	tx, svc := begin(t, rt)
	defer tx.Dispose()

	first, err := svc.Insert(payload(200))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		addr, err := svc.Insert(payload(200))
		require.NoError(t, err)
		require.Equal(t, first.PageID, addr.PageID)
	}
}

func TestUpdateKeepsAddress(t *testing.T) {
	rt := newRuntime(t, 0)
	tx, svc := begin(t, rt)
	defer tx.Dispose()

	addr, err := svc.Insert(payload(50))
	require.NoError(t, err)

	big := payload(2*pagemanager.ExtendPageCapacity + 1)
	require.NoError(t, svc.Update(addr, big))
	got, err := svc.Read(addr)
	require.NoError(t, err)
	require.Equal(t, big, got)
	chain, err := svc.ExtendChain(addr)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	small := payload(10)
	require.NoError(t, svc.Update(addr, small))
	got, err = svc.Read(addr)
	require.NoError(t, err)
	require.Equal(t, small, got)
	chain, err = svc.ExtendChain(addr)
	require.NoError(t, err)
	require.Empty(t, chain)
	require.Equal(t, 3, tx.Pages().DeletedPages)
}

func TestUpdateSpillsWhenPageIsFull(t *testing.T) {
	rt := newRuntime(t, 0)
	tx, svc := begin(t, rt)
	defer tx.Dispose()

	addr, err := svc.Insert(payload(100))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		filler, err := svc.Insert(payload(3000))
		require.NoError(t, err)
		require.Equal(t, addr.PageID, filler.PageID)
	}

	grown := payload(3000)
	require.NoError(t, svc.Update(addr, grown))
	got, err := svc.Read(addr)
	require.NoError(t, err)
	require.Equal(t, grown, got)
	chain, err := svc.ExtendChain(addr)
	require.NoError(t, err)
	require.Len(t, chain, 1)
}

func TestDeleteReturnsEmptyPages(t *testing.T) {
	rt := newRuntime(t, 0)
	tx, svc := begin(t, rt)
	a, err := svc.Insert(payload(100))
	require.NoError(t, err)
	b, err := svc.Insert(payload(pagemanager.ExtendPageCapacity + 1))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, svc = begin(t, rt)
	require.NoError(t, svc.Delete(a))
	require.NoError(t, svc.Delete(b))
	// Two extend pages and the data page.
	require.Equal(t, 3, tx.Pages().DeletedPages)
	require.NoError(t, tx.Commit())

	rt.HeaderMu.Lock()
	head := rt.Header.FreeEmptyPageList
	rt.HeaderMu.Unlock()
	var free []uint32
	for next := head; next != pagemanager.NoPage; {
		p, err := rt.ReadLatestPage(next)
		require.NoError(t, err)
		free = append(free, next)
		next = p.Header().NextPageID
	}
	require.Contains(t, free, a.PageID)
	require.Len(t, free, 3)

	tx, svc = begin(t, rt)
	defer tx.Dispose()
	_, err = svc.Read(a)
	require.Error(t, err)
}

func TestRecordSizeLimit(t *testing.T) {
	rt := newRuntime(t, 1024)
	tx, svc := begin(t, rt)
	defer tx.Dispose()

	_, err := svc.Insert(payload(1025))
	require.ErrorIs(t, err, dberror.ErrDocumentTooLarge)
	require.Equal(t, dberror.CodeCapacityExceeded, dberror.CodeOf(err))

	addr, err := svc.Insert(payload(1024))
	require.NoError(t, err)
	require.ErrorIs(t, svc.Update(addr, payload(2000)), dberror.ErrDocumentTooLarge)
}
