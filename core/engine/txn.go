package engine

import (
	"errors"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/storage_engine/collection"
	"github.com/sushant-115/gojolite/core/transaction"
)

// Txn is a transaction over the engine's documents. It is not safe for
// concurrent use. A write that fails rolls the whole transaction back.
type Txn struct {
	e        *Engine
	rt       *transaction.Runtime
	tx       *transaction.Transaction
	readOnly bool
}

// ID is the transaction id.
func (t *Txn) ID() uint32 { return t.tx.ID }

// State is the transaction's lifecycle state.
func (t *Txn) State() transaction.TransactionState { return t.tx.State() }

// Begin enters a nested level. Only the outermost Commit confirms.
func (t *Txn) Begin() error { return t.tx.Begin() }

func (t *Txn) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction at every nesting level.
func (t *Txn) Rollback() error { return t.tx.Rollback() }

// Dispose rolls back unless committed and releases the transaction.
func (t *Txn) Dispose() error { return t.tx.Dispose() }

// fail aborts the transaction after a failed write: pages may already be
// staged.
func (t *Txn) fail(err error) error {
	if rbErr := t.tx.Rollback(); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}

func (t *Txn) writeSnapshot(name string, addIfMissing bool) (*transaction.Snapshot, error) {
	if t.readOnly {
		return nil, dberror.ErrReadOnly
	}
	return collection.NewService(t.tx).Get(name, transaction.LockWrite, addIfMissing)
}

// readSnapshot returns the write snapshot when this transaction already
// writes the collection, so reads observe its own changes.
func (t *Txn) readSnapshot(name string) (*transaction.Snapshot, error) {
	return t.tx.Snapshot(transaction.LockRead, name)
}

// CollectionNames lists the collections, including this transaction's
// uncommitted catalog changes.
func (t *Txn) CollectionNames() []string { return t.tx.CollectionNames() }

// DropCollection deletes a collection and its documents.
func (t *Txn) DropCollection(name string) (bool, error) {
	if t.readOnly {
		return false, dberror.ErrReadOnly
	}
	ok, err := collection.NewService(t.tx).Drop(name)
	if err != nil {
		return false, t.fail(err)
	}
	return ok, nil
}

// RenameCollection renames a collection.
func (t *Txn) RenameCollection(oldName, newName string) (bool, error) {
	if t.readOnly {
		return false, dberror.ErrReadOnly
	}
	ok, err := collection.NewService(t.tx).Rename(oldName, newName)
	if err != nil {
		return false, t.fail(err)
	}
	return ok, nil
}
