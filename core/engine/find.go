package engine

import (
	"iter"

	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/query"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// indexFor finds the index whose expression is path.
func indexFor(cp *pagemanager.CollectionPage, path string) *pagemanager.CollectionIndex {
	for _, idx := range cp.GetIndexes() {
		if idx.Expression == path {
			return idx
		}
	}
	return nil
}

// FindIter lazily yields the documents matching q. With an index on the
// field the index is walked in q.Order; otherwise every document is read in
// primary key order and filtered.
func (t *Txn) FindIter(col string, q query.Query) iter.Seq2[document.Document, error] {
	return func(yield func(document.Document, error) bool) {
		snap, err := t.readSnapshot(col)
		if err != nil {
			yield(nil, err)
			return
		}
		if snap.CollectionPage() == nil {
			return
		}
		for addr, err := range t.scan(snap, q) {
			if err != nil {
				yield(nil, err)
				return
			}
			doc, err := readDocument(snap, addr.block)
			if err == nil && addr.filter && !q.Match(doc, t.rt.Collation) {
				continue
			}
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

type scanned struct {
	block pagemanager.PageAddress
	// filter is set when the document still has to be matched.
	filter bool
}

func (t *Txn) scan(snap *transaction.Snapshot, q query.Query) iter.Seq2[scanned, error] {
	return func(yield func(scanned, error) bool) {
		cp := snap.CollectionPage()
		indexes := skiplist.NewService(snap)
		order := skiplist.Order(q.Order)
		collation := t.rt.Collation

		idx := indexFor(cp, q.Path())
		if idx == nil {
			for node, err := range indexes.FindAll(cp.PrimaryKey(), order) {
				if err != nil {
					yield(scanned{}, err)
					return
				}
				if !yield(scanned{block: node.DataBlock, filter: true}, nil) {
					return
				}
			}
			return
		}

		nodes := indexes.FindAll(idx, order)
		start, skipEqual := q.Start()
		if start != nil {
			first, err := indexes.Seek(idx, *start, order)
			if err != nil {
				yield(scanned{}, err)
				return
			}
			nodes = indexes.Walk(first, order)
		}
		for node, err := range nodes {
			if err != nil {
				yield(scanned{}, err)
				return
			}
			if skipEqual && document.Compare(node.Key, *start, collation) == 0 {
				continue
			}
			if q.Done(node.Key, collation) {
				return
			}
			if !q.MatchKey(node.Key, collation) {
				continue
			}
			if !yield(scanned{block: node.DataBlock}, nil) {
				return
			}
		}
	}
}

// Find returns every document matching q.
func (t *Txn) Find(col string, q query.Query) ([]document.Document, error) {
	var out []document.Document
	for doc, err := range t.FindIter(col, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Count returns the number of documents matching q.
func (t *Txn) Count(col string, q query.Query) (int, error) {
	if q.Op == query.OpAll {
		snap, err := t.readSnapshot(col)
		if err != nil {
			return 0, err
		}
		if cp := snap.CollectionPage(); cp != nil {
			return int(cp.DocumentCount), nil
		}
		return 0, nil
	}
	n := 0
	for _, err := range t.FindIter(col, q) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Min returns the smallest non-null value of field, or Null when there is
// none. A field holding a value that cannot be a key fails like it would
// when indexed.
func (t *Txn) Min(col, field string) (document.Value, error) {
	return t.extreme(col, field, query.Ascending)
}

// Max returns the largest non-null value of field, or Null when there is
// none.
func (t *Txn) Max(col, field string) (document.Value, error) {
	return t.extreme(col, field, query.Descending)
}

func (t *Txn) extreme(col, field string, order query.Order) (document.Value, error) {
	snap, err := t.readSnapshot(col)
	if err != nil {
		return document.Null(), err
	}
	cp := snap.CollectionPage()
	if cp == nil {
		return document.Null(), nil
	}
	path := query.NormalizePath(field)
	if idx := indexFor(cp, path); idx != nil {
		for node, err := range skiplist.NewService(snap).FindAll(idx, skiplist.Order(order)) {
			if err != nil {
				return document.Null(), err
			}
			if !node.Key.IsNull() {
				return node.Key, nil
			}
		}
		return document.Null(), nil
	}

	best := document.Null()
	for doc, err := range t.FindIter(col, query.All("")) {
		if err != nil {
			return document.Null(), err
		}
		key, err := doc.Key(path)
		if err != nil {
			return document.Null(), err
		}
		if key.IsNull() {
			continue
		}
		if best.IsNull() || document.Compare(key, best, t.rt.Collation)*int(order) < 0 {
			best = key
		}
	}
	return best, nil
}
