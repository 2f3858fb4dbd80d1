package engine

import (
	"context"

	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/query"
)

// The methods below run one operation in its own transaction.

func (e *Engine) Insert(ctx context.Context, col string, docs ...document.Document) (ids []document.Value, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		ids, err = tx.Insert(col, docs...)
		return err
	})
	return ids, err
}

func (e *Engine) Upsert(ctx context.Context, col string, docs ...document.Document) (n int, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		n, err = tx.Upsert(col, docs...)
		return err
	})
	return n, err
}

func (e *Engine) UpdateDocuments(ctx context.Context, col string, docs ...document.Document) (n int, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		n, err = tx.Update(col, docs...)
		return err
	})
	return n, err
}

func (e *Engine) Delete(ctx context.Context, col string, ids ...any) (n int, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		n, err = tx.Delete(col, ids...)
		return err
	})
	return n, err
}

func (e *Engine) FindByID(ctx context.Context, col string, id any) (doc document.Document, ok bool, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		doc, ok, err = tx.FindByID(col, id)
		return err
	})
	return doc, ok, err
}

func (e *Engine) Find(ctx context.Context, col string, q query.Query) (docs []document.Document, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		docs, err = tx.Find(col, q)
		return err
	})
	return docs, err
}

func (e *Engine) Count(ctx context.Context, col string, q query.Query) (n int, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		n, err = tx.Count(col, q)
		return err
	})
	return n, err
}

func (e *Engine) Min(ctx context.Context, col, field string) (v document.Value, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		v, err = tx.Min(col, field)
		return err
	})
	return v, err
}

func (e *Engine) Max(ctx context.Context, col, field string) (v document.Value, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		v, err = tx.Max(col, field)
		return err
	})
	return v, err
}

// EnsureIndex creates an index on expr unless an identical one exists. An
// empty expr indexes the field called name.
func (e *Engine) EnsureIndex(ctx context.Context, col, name, expr string, unique bool) (created bool, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		created, err = tx.EnsureIndex(col, name, expr, unique)
		return err
	})
	return created, err
}

func (e *Engine) DropIndex(ctx context.Context, col, name string) (ok bool, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		ok, err = tx.DropIndex(col, name)
		return err
	})
	return ok, err
}

func (e *Engine) GetIndexes(ctx context.Context, col string) (out []IndexInfo, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		out, err = tx.GetIndexes(col)
		return err
	})
	return out, err
}

func (e *Engine) GetCollectionNames(ctx context.Context) (names []string, err error) {
	err = e.View(ctx, func(tx *Txn) error {
		names = tx.CollectionNames()
		return nil
	})
	return names, err
}

func (e *Engine) DropCollection(ctx context.Context, name string) (ok bool, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		ok, err = tx.DropCollection(name)
		return err
	})
	return ok, err
}

func (e *Engine) RenameCollection(ctx context.Context, oldName, newName string) (ok bool, err error) {
	err = e.Update(ctx, func(tx *Txn) error {
		ok, err = tx.RenameCollection(oldName, newName)
		return err
	})
	return ok, err
}
