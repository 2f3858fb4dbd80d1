package transaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	flushmanager "github.com/sushant-115/gojolite/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
)

// --- Test Helpers ---

func newTestRuntime(t *testing.T, maxTransactionSize int) *Runtime {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txn.db")
	logger := zap.NewNop()
	disk, created, err := flushmanager.Open(path, flushmanager.Options{Logger: logger})
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { disk.Close() })

	header := pagemanager.NewHeaderPage(pagemanager.Pragmas{Timeout: time.Second})
	require.NoError(t, disk.WriteDataPages([]pagemanager.Page{header}))

	return NewRuntime(RuntimeConfig{
		Disk:               disk,
		WAL:                wal.NewLogManager(disk, logger, nil),
		Header:             header,
		MaxTransactionSize: maxTransactionSize,
		Logger:             logger,
	})
}

// createCollection does what the collection service does, minus the indexes.
func createCollection(t *testing.T, tx *Transaction, name string) *Snapshot {
	t.Helper()
	s, err := tx.Snapshot(LockWrite, name)
	require.NoError(t, err)
	require.Nil(t, s.CollectionPage())
	require.NoError(t, tx.EnterReserved())
	cp, err := s.NewCollectionPage()
	require.NoError(t, err)
	require.Equal(t, name, cp.Name)
	return s
}

func insertBlock(t *testing.T, s *Snapshot, payload string) pagemanager.PageAddress {
	t.Helper()
	page, err := s.GetFreeDataPage(len(payload))
	require.NoError(t, err)
	b, err := page.InsertBlock([]byte(payload))
	require.NoError(t, err)
	s.SetDirty(page)
	require.NoError(t, s.AddOrRemoveFreeDataList(page))
	return b.Position
}

func readBlock(t *testing.T, s *Snapshot, addr pagemanager.PageAddress) string {
	t.Helper()
	page, err := s.GetDataPage(addr.PageID)
	require.NoError(t, err)
	b, ok := page.Block(addr.Index)
	require.True(t, ok)
	return string(b.Data)
}

// --- Lock service ---

func TestLockServiceTimeout(t *testing.T) {
	l := NewLockService(50*time.Millisecond, nil, nil)
	ctx := context.Background()
	require.NoError(t, l.EnterLock(ctx, "users"))

	err := l.EnterLock(ctx, "users")
	require.ErrorIs(t, err, dberror.ErrLockTimeout)
	require.Equal(t, dberror.CodeConcurrencyTimeout, dberror.CodeOf(err))

	// Other collections are independent.
	require.NoError(t, l.EnterLock(ctx, "orders"))
	l.ExitLock("users")
	require.NoError(t, l.EnterLock(ctx, "users"))
}

func TestLockServiceExclusive(t *testing.T) {
	l := NewLockService(50*time.Millisecond, nil, nil)
	ctx := context.Background()

	calls := 0
	onFirst := func() error { calls++; return nil }
	require.NoError(t, l.EnterTransaction(ctx, onFirst))
	require.NoError(t, l.EnterTransaction(ctx, onFirst))
	require.Equal(t, 1, calls)
	require.Equal(t, 2, l.ActiveTransactions())

	require.False(t, l.TryEnterExclusive())
	require.ErrorIs(t, l.EnterExclusive(ctx), dberror.ErrLockTimeout)

	l.ExitTransaction()
	l.ExitTransaction()
	require.True(t, l.TryEnterExclusive())
	require.ErrorIs(t, l.EnterTransaction(ctx, nil), dberror.ErrLockTimeout)
	l.ExitExclusive()
}

func TestLockServiceReserved(t *testing.T) {
	l := NewLockService(20*time.Millisecond, nil, nil)
	require.NoError(t, l.EnterReserved(context.Background()))
	require.ErrorIs(t, l.EnterReserved(context.Background()), dberror.ErrLockTimeout)
	l.ExitReserved()
	require.NoError(t, l.EnterReserved(context.Background()))
}

// --- Transactions ---

func TestCommitIsVisibleToLaterTransactionsOnly(t *testing.T) {
	rt := newTestRuntime(t, 0)
	ctx := context.Background()

	tx, err := rt.Begin(ctx)
	require.NoError(t, err)
	s := createCollection(t, tx, "col")
	addr := insertBlock(t, s, "hello")

	// Started before the commit: must not see the collection.
	early, err := rt.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.Equal(t, TxnStateCommitted, tx.State())

	rs, err := early.Snapshot(LockRead, "col")
	require.NoError(t, err)
	require.Nil(t, rs.CollectionPage())
	require.NoError(t, early.Commit())

	late, err := rt.Begin(ctx)
	require.NoError(t, err)
	defer late.Dispose()
	rs, err = late.Snapshot(LockRead, "col")
	require.NoError(t, err)
	require.NotNil(t, rs.CollectionPage())
	require.Equal(t, "col", rs.CollectionPage().Name)
	require.Equal(t, "hello", readBlock(t, rs, addr))

	page, err := rs.GetDataPage(addr.PageID)
	require.NoError(t, err)
	require.Equal(t, rs.CollectionPage().PageID, page.ColID)
}

func TestRollbackReturnsNewPagesToFreeList(t *testing.T) {
	rt := newTestRuntime(t, 0)
	ctx := context.Background()

	tx, err := rt.Begin(ctx)
	require.NoError(t, err)
	s := createCollection(t, tx, "col")
	addr := insertBlock(t, s, "discard me")
	require.NoError(t, tx.Rollback())
	require.Equal(t, TxnStateAborted, tx.State())
	require.NoError(t, tx.Rollback(), "rollback is idempotent")

	rt.HeaderMu.Lock()
	freeHead := rt.Header.FreeEmptyPageList
	lastPageID := rt.Header.LastPageID
	_, exists := rt.Header.GetCollectionPageID("col")
	rt.HeaderMu.Unlock()
	require.False(t, exists)
	require.Equal(t, s.CollectionPage().PageID, freeHead)

	// The next allocations reuse both pages instead of growing the file.
	tx2, err := rt.Begin(ctx)
	require.NoError(t, err)
	s2 := createCollection(t, tx2, "col")
	addr2 := insertBlock(t, s2, "kept")
	require.ElementsMatch(t, []uint32{s.CollectionPage().PageID, addr.PageID}, []uint32{s2.CollectionPage().PageID, addr2.PageID})
	require.NoError(t, tx2.Commit())

	rt.HeaderMu.Lock()
	defer rt.HeaderMu.Unlock()
	require.Equal(t, lastPageID, rt.Header.LastPageID)
	require.Equal(t, pagemanager.NoPage, rt.Header.FreeEmptyPageList)
}

func TestDeletedPagesJoinFreeListOnCommit(t *testing.T) {
	rt := newTestRuntime(t, 0)
	ctx := context.Background()

	tx, err := rt.Begin(ctx)
	require.NoError(t, err)
	s := createCollection(t, tx, "col")
	addr := insertBlock(t, s, "short lived")
	require.NoError(t, tx.Commit())

	tx, err = rt.Begin(ctx)
	require.NoError(t, err)
	s, err = tx.Snapshot(LockWrite, "col")
	require.NoError(t, err)
	page, err := s.GetDataPage(addr.PageID)
	require.NoError(t, err)
	page.DeleteBlock(addr.Index)
	s.SetDirty(page)
	require.NoError(t, s.AddOrRemoveFreeDataList(page))
	require.Equal(t, pagemanager.NoPage, s.CollectionPage().FreeDataPageList[0])
	require.NoError(t, tx.Commit())

	rt.HeaderMu.Lock()
	require.Equal(t, addr.PageID, rt.Header.FreeEmptyPageList)
	rt.HeaderMu.Unlock()

	p, err := rt.ReadLatestPage(addr.PageID)
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageTypeEmpty, p.Header().PageType)
	require.Equal(t, pagemanager.NoPage, p.Header().NextPageID)
}

func TestNestedTransactionCommitsOnce(t *testing.T) {
	rt := newTestRuntime(t, 0)
	tx, err := rt.Begin(context.Background())
	require.NoError(t, err)
	createCollection(t, tx, "col")

	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Commit())
	require.Equal(t, TxnStateInUse, tx.State())
	require.Equal(t, uint32(0), rt.WAL.CurrentReadVersion())

	require.NoError(t, tx.Commit())
	require.Equal(t, TxnStateCommitted, tx.State())
	require.Equal(t, uint32(1), rt.WAL.CurrentReadVersion())

	err = tx.Commit()
	require.ErrorIs(t, err, dberror.ErrTransactionState)
	require.Equal(t, dberror.CodeStateError, dberror.CodeOf(err))
}

func TestInnerRollbackAbortsWholeTransaction(t *testing.T) {
	rt := newTestRuntime(t, 0)
	tx, err := rt.Begin(context.Background())
	require.NoError(t, err)
	createCollection(t, tx, "col")
	require.NoError(t, tx.Begin())
	require.NoError(t, tx.Rollback())
	require.ErrorIs(t, tx.Commit(), dberror.ErrTransactionState)
	require.Equal(t, 0, rt.Locker.ActiveTransactions())
}

func TestSafepointFlushesStagedPages(t *testing.T) {
	rt := newTestRuntime(t, 3)
	tx, err := rt.Begin(context.Background())
	require.NoError(t, err)
	s := createCollection(t, tx, "col")

	var addrs []pagemanager.PageAddress
	for i := 0; i < 4; i++ {
		// Large blocks force one data page each.
		payload := string(make([]byte, pagemanager.MaxDataBytesPerPage-10))
		addrs = append(addrs, insertBlock(t, s, payload))
		require.NoError(t, tx.Safepoint())
	}
	require.NotEmpty(t, tx.Pages().DirtyPages)
	require.Less(t, tx.Pages().TransactionSize, 3)
	require.Greater(t, rt.Disk.Length(pagemanager.OriginLog), int64(0))
	require.Equal(t, uint32(0), rt.WAL.CurrentReadVersion(), "safepoint does not confirm")

	// Flushed pages are read back from the log.
	for _, a := range addrs {
		require.Len(t, readBlock(t, s, a), pagemanager.MaxDataBytesPerPage-10)
	}
	require.NoError(t, tx.Commit())
}

func TestWriteSnapshotRequiresWriteLock(t *testing.T) {
	rt := newTestRuntime(t, 0)
	rt.Locker.SetTimeout(30 * time.Millisecond)
	ctx := context.Background()

	a, err := rt.Begin(ctx)
	require.NoError(t, err)
	_, err = a.Snapshot(LockWrite, "col")
	require.NoError(t, err)

	b, err := rt.Begin(ctx)
	require.NoError(t, err)
	rs, err := b.Snapshot(LockRead, "col")
	require.NoError(t, err)
	_, err = rs.NewPage(pagemanager.PageTypeData)
	require.ErrorIs(t, err, dberror.ErrTransactionState)

	_, err = b.Snapshot(LockWrite, "col")
	require.ErrorIs(t, err, dberror.ErrLockTimeout)

	require.NoError(t, a.Commit())
	ws, err := b.Snapshot(LockWrite, "col")
	require.NoError(t, err)
	require.Equal(t, LockWrite, ws.Mode())
	require.NoError(t, b.Dispose())
	require.Equal(t, TxnStateDisposed, b.State())
}

func TestEditHeaderAppliesOnCommit(t *testing.T) {
	rt := newTestRuntime(t, 0)
	tx, err := rt.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.EditHeader(func(h *pagemanager.HeaderPage) {
		h.Pragmas.UserVersion = 7
		h.Pragmas.Timeout = 2 * time.Second
	}))
	require.Equal(t, int32(0), rt.Header.Pragmas.UserVersion)
	require.NoError(t, tx.Commit())
	require.Equal(t, int32(7), rt.Header.Pragmas.UserVersion)
	require.Equal(t, 2*time.Second, rt.Locker.Timeout())
}

func TestCheckpointAfterCommit(t *testing.T) {
	rt := newTestRuntime(t, 0)
	ctx := context.Background()
	tx, err := rt.Begin(ctx)
	require.NoError(t, err)
	s := createCollection(t, tx, "col")
	addr := insertBlock(t, s, "durable")
	require.NoError(t, tx.Commit())

	_, err = rt.Checkpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), rt.Disk.Length(pagemanager.OriginLog))

	rt.Disk.Cache().PurgeAll()
	p, err := rt.Disk.ReadPage(pagemanager.OriginData, int64(addr.PageID)*pagemanager.PageSize)
	require.NoError(t, err)
	b, ok := p.(*pagemanager.DataPage).Block(addr.Index)
	require.True(t, ok)
	require.Equal(t, "durable", string(b.Data))
}
