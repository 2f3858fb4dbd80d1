package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/query"
	"github.com/sushant-115/gojolite/core/storage_engine/collection"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// IndexInfo describes one index of a collection.
type IndexInfo struct {
	Name           string
	Expression     string
	Unique         bool
	KeyCount       uint32
	UniqueKeyCount uint32
	MaxLevel       uint8
}

// EnsureIndex creates an index on the field path expr and fills it from the
// existing documents. It reports false when an identical index exists.
func (t *Txn) EnsureIndex(col, name, expr string, unique bool) (bool, error) {
	if err := collection.ValidateIndexName(name); err != nil {
		return false, err
	}
	if expr == "" {
		expr = name
	}
	expr = query.NormalizePath(expr)
	if len(expr) > pagemanager.MaxExpressionLength {
		return false, fmt.Errorf("%w: expression %q exceeds %d bytes", dberror.ErrNameTooLong, expr, pagemanager.MaxExpressionLength)
	}

	snap, err := t.writeSnapshot(col, true)
	if err != nil {
		return false, t.fail(err)
	}
	cp := snap.CollectionPage()
	if existing := cp.GetIndex(name); existing != nil {
		if existing.Expression == expr && existing.Unique == unique {
			return false, nil
		}
		return false, t.fail(fmt.Errorf("%w: %s on %s", dberror.ErrIndexExists, name, existing.Expression))
	}

	indexes := skiplist.NewService(snap)
	idx, err := indexes.CreateIndex(name, expr, unique)
	if err != nil {
		return false, t.fail(err)
	}
	n := 0
	for pk, err := range indexes.FindAll(cp.PrimaryKey(), skiplist.Ascending) {
		if err != nil {
			return false, t.fail(err)
		}
		doc, err := readDocument(snap, pk.DataBlock)
		if err != nil {
			return false, t.fail(err)
		}
		key, err := doc.Key(expr)
		if err != nil {
			return false, t.fail(err)
		}
		nodes, err := indexes.GetNodeList(pk.Position)
		if err != nil {
			return false, t.fail(err)
		}
		if _, err := indexes.AddNode(idx, key, pk.DataBlock, nodes[len(nodes)-1]); err != nil {
			return false, t.fail(err)
		}
		n++
		if err := t.tx.Safepoint(); err != nil {
			return false, t.fail(err)
		}
	}
	t.e.logger.Info("index created",
		zap.String("collection", col), zap.String("index", name),
		zap.String("expression", expr), zap.Bool("unique", unique), zap.Int("documents", n))
	return true, nil
}

// DropIndex removes a secondary index. It reports false when the collection
// or the index does not exist.
func (t *Txn) DropIndex(col, name string) (bool, error) {
	if name == pagemanager.PrimaryKeyIndexName {
		return false, fmt.Errorf("%w: %q", dberror.ErrPrimaryIndexDrop, name)
	}
	snap, err := t.writeSnapshot(col, false)
	if err != nil {
		return false, t.fail(err)
	}
	cp := snap.CollectionPage()
	if cp == nil {
		return false, nil
	}
	idx := cp.GetIndex(name)
	if idx == nil {
		return false, nil
	}
	if err := skiplist.NewService(snap).DropIndex(idx); err != nil {
		return false, t.fail(err)
	}
	return true, nil
}

// GetIndexes lists the indexes of a collection, primary key first.
func (t *Txn) GetIndexes(col string) ([]IndexInfo, error) {
	snap, err := t.readSnapshot(col)
	if err != nil {
		return nil, err
	}
	cp := snap.CollectionPage()
	if cp == nil {
		return nil, fmt.Errorf("%w: %q", dberror.ErrCollectionNotFound, col)
	}
	var out []IndexInfo
	for _, idx := range cp.GetIndexes() {
		out = append(out, IndexInfo{
			Name:           idx.Name,
			Expression:     idx.Expression,
			Unique:         idx.Unique,
			KeyCount:       idx.KeyCount,
			UniqueKeyCount: idx.UniqueKeyCount,
			MaxLevel:       idx.MaxLevel,
		})
	}
	return out, nil
}
