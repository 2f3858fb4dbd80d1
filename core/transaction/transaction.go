package transaction

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	TxnStateNew       TransactionState = iota // Begun, no snapshot taken yet
	TxnStateInUse                             // At least one snapshot open
	TxnStateCommitted                         // Confirmed in the log
	TxnStateAborted                           // Rolled back
	TxnStateDisposed                          // Released, unusable
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateNew:
		return "new"
	case TxnStateInUse:
		return "in use"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	case TxnStateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("TransactionState(%d)", int(s))
}

// Transaction is a unit of work over one or more collections. It is not safe
// for concurrent use; open one transaction per goroutine.
type Transaction struct {
	ID uint32

	rt    *Runtime
	ctx   context.Context
	state TransactionState
	// depth counts nested Begin calls; only the outermost Commit confirms.
	depth int

	startVersion uint32
	catalog      map[string]uint32

	snapshots map[string]*Snapshot
	// locks are the collection locks held, released at the end.
	locks    []string
	pages    *TransactionPages
	reserved bool
	released bool

	logger *zap.Logger
}

// Begin opens a transaction. ctx bounds every lock wait of the transaction.
func (rt *Runtime) Begin(ctx context.Context) (*Transaction, error) {
	if err := rt.Locker.EnterTransaction(ctx, rt.detectExternalChange); err != nil {
		return nil, err
	}
	t := &Transaction{
		ID:        rt.WAL.NextTransactionID(),
		rt:        rt,
		ctx:       ctx,
		depth:     1,
		snapshots: make(map[string]*Snapshot),
		pages:     newTransactionPages(),
	}
	rt.HeaderMu.Lock()
	t.startVersion = rt.WAL.CurrentReadVersion()
	t.catalog = rt.Header.Collections()
	rt.HeaderMu.Unlock()
	t.logger = rt.Logger.With(zap.Uint32("txn", t.ID))
	t.logger.Debug("transaction started", zap.Uint32("readVersion", t.startVersion))
	return t, nil
}

// Begin enters a nested level of the transaction.
func (t *Transaction) Begin() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.depth++
	return nil
}

func (t *Transaction) State() TransactionState { return t.state }

func (t *Transaction) Context() context.Context { return t.ctx }

// Pages exposes the page bookkeeping of the transaction.
func (t *Transaction) Pages() *TransactionPages { return t.pages }

// Runtime returns the engine context.
func (t *Transaction) Runtime() *Runtime { return t.rt }

// StartVersion is the read version captured when the transaction began.
func (t *Transaction) StartVersion() uint32 { return t.startVersion }

func (t *Transaction) checkActive() error {
	if t.state != TxnStateNew && t.state != TxnStateInUse {
		return fmt.Errorf("%w: transaction %d is %s", dberror.ErrTransactionState, t.ID, t.state)
	}
	return nil
}

// Snapshot returns the transaction's view of a collection. Asking for write
// access on a collection opened for read re-creates the snapshot under the
// collection lock at the newest version.
func (t *Transaction) Snapshot(mode LockMode, collection string) (*Snapshot, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	if s, ok := t.snapshots[collection]; ok {
		if s.mode == LockWrite || mode == LockRead {
			return s, nil
		}
		delete(t.snapshots, collection)
	}
	if mode == LockWrite {
		if t.rt.ReadOnly {
			return nil, dberror.ErrReadOnly
		}
		if err := t.lockCollection(collection); err != nil {
			return nil, err
		}
	}

	s := &Snapshot{
		tx:         t,
		mode:       mode,
		collection: collection,
		localPages: make(map[uint32]pagemanager.Page),
	}
	pageID, found := pagemanager.NoPage, false
	if mode == LockWrite {
		// The read version is taken after the collection lock so no
		// committed write to this collection can be missed.
		t.rt.HeaderMu.Lock()
		s.readVersion = t.rt.WAL.CurrentReadVersion()
		pageID, found = t.collectionPageIDLocked(collection)
		t.rt.HeaderMu.Unlock()
	} else {
		s.readVersion = t.startVersion
		pageID, found = t.catalog[collection]
	}
	if found {
		if err := s.load(pageID); err != nil {
			return nil, err
		}
	}
	t.snapshots[collection] = s
	t.state = TxnStateInUse
	return s, nil
}

// lockCollection takes the collection lock once per transaction.
func (t *Transaction) lockCollection(name string) error {
	if slices.Contains(t.locks, name) {
		return nil
	}
	if err := t.rt.Locker.EnterLock(t.ctx, name); err != nil {
		return err
	}
	t.locks = append(t.locks, name)
	return nil
}

// collectionPageIDLocked looks a collection up in the live catalog with this
// transaction's own changes applied. The caller holds HeaderMu.
func (t *Transaction) collectionPageIDLocked(name string) (uint32, bool) {
	if id, ok := t.pages.NewCollections[name]; ok {
		return id, true
	}
	if _, ok := t.pages.DroppedCollections[name]; ok {
		return pagemanager.NoPage, false
	}
	return t.rt.Header.GetCollectionPageID(name)
}

// CollectionNames lists the collections visible to this transaction's writes.
func (t *Transaction) CollectionNames() []string {
	t.rt.HeaderMu.Lock()
	h := t.rt.Header.Clone()
	t.rt.HeaderMu.Unlock()
	for name := range t.pages.DroppedCollections {
		h.DeleteCollection(name)
	}
	for name, id := range t.pages.NewCollections {
		h.InsertCollection(name, id)
	}
	return h.CollectionNames()
}

// CatalogSize is the encoded size the collections map would have if this
// transaction committed now.
func (t *Transaction) CatalogSize() int {
	n := 0
	for _, name := range t.CollectionNames() {
		n += pagemanager.CollectionEntrySize(name)
	}
	return n
}

// EnterReserved takes the catalog lock for the rest of the transaction.
func (t *Transaction) EnterReserved() error {
	if t.reserved {
		return nil
	}
	if t.rt.ReadOnly {
		return dberror.ErrReadOnly
	}
	if err := t.rt.Locker.EnterReserved(t.ctx); err != nil {
		return err
	}
	t.reserved = true
	return nil
}

// RegisterCollection records a collection created in this transaction.
func (t *Transaction) RegisterCollection(name string, pageID uint32) {
	t.pages.NewCollections[name] = pageID
}

// UnregisterCollection records a dropped (or renamed away) collection.
func (t *Transaction) UnregisterCollection(name string) {
	if _, ok := t.pages.NewCollections[name]; ok {
		delete(t.pages.NewCollections, name)
		return
	}
	t.pages.DroppedCollections[name] = struct{}{}
}

// RenameCollection moves the write snapshot of oldName to newName and
// records the catalog change. The caller holds the catalog lock.
func (t *Transaction) RenameCollection(oldName, newName string) error {
	s, ok := t.snapshots[oldName]
	if !ok || s.mode != LockWrite || s.collectionPage == nil {
		return fmt.Errorf("%w: collection %q is not open for write", dberror.ErrTransactionState, oldName)
	}
	if err := t.lockCollection(newName); err != nil {
		return err
	}

	delete(t.snapshots, oldName)
	s.collection = newName
	t.snapshots[newName] = s

	s.collectionPage.Name = newName
	s.SetDirty(s.collectionPage)
	t.UnregisterCollection(oldName)
	t.RegisterCollection(newName, s.collectionPage.PageID)
	return nil
}

// EditHeader queues a change to the header, applied when the transaction
// commits. It takes the catalog lock.
func (t *Transaction) EditHeader(edit func(h *pagemanager.HeaderPage)) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.EnterReserved(); err != nil {
		return err
	}
	t.pages.headerEdits = append(t.pages.headerEdits, edit)
	t.state = TxnStateInUse
	return nil
}

// Safepoint flushes staged pages to the log once the transaction holds more
// than the configured number of them. Callers must not keep page references
// across a safepoint.
func (t *Transaction) Safepoint() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.pages.TransactionSize < t.rt.MaxTransactionSize {
		return nil
	}
	t.logger.Debug("safepoint", zap.Int("stagedPages", t.pages.TransactionSize))
	return t.persistDirtyPages(false)
}

// persistDirtyPages writes every dirty staged page to the log without
// confirming it, then drops the staged copies.
func (t *Transaction) persistDirtyPages(commit bool) error {
	var pages []pagemanager.Page
	for _, s := range t.snapshots {
		pages = append(pages, s.writablePages(commit)...)
	}
	if len(pages) > 0 {
		for _, p := range pages {
			h := p.Header()
			h.TransactionID = t.ID
			h.IsConfirmed = false
		}
		positions, err := t.rt.Disk.WriteLogPages(pages)
		if err != nil {
			return err
		}
		for i, pos := range positions {
			t.pages.DirtyPages[pos.PageID] = pos
			pages[i].Header().Dirty = false
		}
	}
	t.pages.TransactionSize = 0
	for _, s := range t.snapshots {
		s.clear()
	}
	return nil
}

func (t *Transaction) hasWrites() bool {
	if t.pages.HeaderChanged() || len(t.pages.NewPages) > 0 {
		return true
	}
	for _, s := range t.snapshots {
		if s.mode == LockWrite {
			return true
		}
	}
	return false
}

// Commit confirms the transaction. Inner levels of a nested transaction only
// leave their level. A failed commit rolls the transaction back.
func (t *Transaction) Commit() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.depth > 1 {
		t.depth--
		return nil
	}

	ctx, span := t.rt.Metrics.Tracer.Start(t.ctx, "transaction.Commit")
	defer span.End()
	span.SetAttributes(attribute.Int64("txn", int64(t.ID)))

	if t.hasWrites() {
		if err := t.persistDirtyPages(true); err != nil {
			return t.failCommit(err)
		}
		if len(t.pages.DirtyPages) > 0 || t.pages.HeaderChanged() {
			if err := t.confirm(); err != nil {
				return t.failCommit(err)
			}
		}
	}

	t.state = TxnStateCommitted
	t.depth = 0
	t.releaseLocks()
	t.rt.Metrics.Commits.Add(ctx, 1)
	t.logger.Debug("transaction committed", zap.Int("pages", len(t.pages.DirtyPages)))

	t.rt.TryCheckpoint(ctx)
	return nil
}

func (t *Transaction) failCommit(err error) error {
	t.logger.Error("commit failed, rolling back", zap.Error(err))
	if rbErr := t.Rollback(); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}

// confirm publishes the transaction: the deleted chain is spliced onto the
// free list and a header stamped with the transaction id goes to the log.
func (t *Transaction) confirm() error {
	rt := t.rt
	rt.HeaderMu.Lock()
	defer rt.HeaderMu.Unlock()

	if t.pages.DeletedPages > 0 {
		last := t.pages.lastDeleted
		last.NextPageID = rt.Header.FreeEmptyPageList
		last.TransactionID = t.ID
		positions, err := rt.Disk.WriteLogPages([]pagemanager.Page{last})
		if err != nil {
			return err
		}
		t.pages.DirtyPages[last.PageID] = positions[0]
	}

	confirm := rt.Header.Clone()
	confirm.TransactionID = t.ID
	confirm.LastTransactionID = rt.WAL.LastTransactionID()
	if t.pages.DeletedPages > 0 {
		confirm.FreeEmptyPageList = t.pages.FirstDeletedPageID
	}
	t.pages.applyCatalog(confirm)

	positions := make([]pagemanager.PagePosition, 0, len(t.pages.DirtyPages))
	for _, pos := range t.pages.DirtyPages {
		positions = append(positions, pos)
	}
	if err := rt.WAL.ConfirmTransaction(confirm, positions); err != nil {
		return err
	}

	rt.Header.Update(confirm)
	rt.Header.TransactionID = 0
	rt.Header.IsConfirmed = false
	rt.Locker.SetTimeout(rt.Header.Pragmas.Timeout)
	return nil
}

// Rollback discards the transaction. Pages it allocated are handed back to
// the free list under a fresh transaction id so no space leaks. Rolling back
// any nesting level aborts the whole transaction.
func (t *Transaction) Rollback() error {
	switch t.state {
	case TxnStateAborted:
		return nil
	case TxnStateCommitted, TxnStateDisposed:
		return fmt.Errorf("%w: rollback of %s transaction %d", dberror.ErrTransactionState, t.state, t.ID)
	}
	t.depth = 0

	var err error
	if len(t.pages.NewPages) > 0 && !t.rt.ReadOnly {
		err = t.returnNewPages()
	}
	t.state = TxnStateAborted
	t.releaseLocks()
	t.rt.Metrics.Rollbacks.Add(t.ctx, 1)
	t.logger.Debug("transaction rolled back", zap.Int("returnedPages", len(t.pages.NewPages)))
	return err
}

func (t *Transaction) returnNewPages() error {
	rt := t.rt
	id := rt.WAL.NextTransactionID()

	rt.HeaderMu.Lock()
	defer rt.HeaderMu.Unlock()

	pages := make([]pagemanager.Page, len(t.pages.NewPages))
	for i, pageID := range t.pages.NewPages {
		p := pagemanager.NewEmptyPage(pageID)
		p.TransactionID = id
		if i < len(t.pages.NewPages)-1 {
			p.NextPageID = t.pages.NewPages[i+1]
		} else {
			p.NextPageID = rt.Header.FreeEmptyPageList
		}
		pages[i] = p
	}
	positions, err := rt.Disk.WriteLogPages(pages)
	if err != nil {
		return err
	}

	confirm := rt.Header.Clone()
	confirm.TransactionID = id
	confirm.LastTransactionID = rt.WAL.LastTransactionID()
	confirm.FreeEmptyPageList = t.pages.NewPages[0]
	if err := rt.WAL.ConfirmTransaction(confirm, positions); err != nil {
		return err
	}
	rt.Header.Update(confirm)
	rt.Header.TransactionID = 0
	rt.Header.IsConfirmed = false
	return nil
}

// Dispose rolls back an unfinished transaction and makes it unusable.
func (t *Transaction) Dispose() error {
	var err error
	if t.state == TxnStateNew || t.state == TxnStateInUse {
		err = t.Rollback()
	}
	t.state = TxnStateDisposed
	return err
}

func (t *Transaction) releaseLocks() {
	if t.released {
		return
	}
	t.released = true
	for _, name := range t.locks {
		t.rt.Locker.ExitLock(name)
	}
	if t.reserved {
		t.rt.Locker.ExitReserved()
	}
	t.rt.Locker.ExitTransaction()
}
