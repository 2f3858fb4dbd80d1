package engine

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/sushant-115/gojolite/config"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/data"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

func checkID(id document.Value) error {
	if id.IsNull() || id.IsSentinel() {
		return fmt.Errorf("%w: %s cannot be a document id", dberror.ErrInvalidID, id)
	}
	return nil
}

// Insert stores docs in collection, creating it when missing. A document
// without _id gets one generated and written back into the map.
func (t *Txn) Insert(col string, docs ...document.Document) ([]document.Value, error) {
	snap, err := t.writeSnapshot(col, true)
	if err != nil {
		return nil, t.fail(err)
	}
	ids := make([]document.Value, 0, len(docs))
	for _, doc := range docs {
		id, err := t.insertDocument(snap, doc)
		if err != nil {
			return nil, t.fail(err)
		}
		ids = append(ids, id)
		if err := t.tx.Safepoint(); err != nil {
			return nil, t.fail(err)
		}
	}
	return ids, nil
}

func (t *Txn) insertDocument(snap *transaction.Snapshot, doc document.Document) (document.Value, error) {
	cp := snap.CollectionPage()
	id, ok, err := doc.ID()
	if err != nil {
		return id, err
	}
	if !ok {
		if id, err = t.autoID(snap); err != nil {
			return id, err
		}
		doc[document.IDField] = id.Interface()
	} else {
		if err := checkID(id); err != nil {
			return id, err
		}
		if n, isInt := id.AsInt64(); isInt && id.Type() == document.TypeInt && n > cp.Sequence {
			cp.Sequence = n
			snap.SetDirty(cp)
		}
	}

	payload, err := document.Marshal(doc)
	if err != nil {
		return id, err
	}
	addr, err := data.NewService(snap).Insert(payload)
	if err != nil {
		return id, err
	}
	if err := t.indexDocument(snap, doc, id, addr); err != nil {
		return id, err
	}
	cp.DocumentCount++
	snap.SetDirty(cp)
	return id, nil
}

func (t *Txn) indexDocument(snap *transaction.Snapshot, doc document.Document, id document.Value, addr pagemanager.PageAddress) error {
	cp := snap.CollectionPage()
	indexes := skiplist.NewService(snap)
	last, err := indexes.AddNode(cp.PrimaryKey(), id, addr, nil)
	if err != nil {
		return err
	}
	for _, idx := range cp.GetIndexes()[1:] {
		key, err := doc.Key(idx.Expression)
		if err != nil {
			return err
		}
		if last, err = indexes.AddNode(idx, key, addr, last); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) autoID(snap *transaction.Snapshot) (document.Value, error) {
	if t.e.settings.AutoID == config.AutoIDGUID {
		return document.String(uuid.NewString()), nil
	}
	cp := snap.CollectionPage()
	if cp.Sequence == 0 && cp.DocumentCount > 0 {
		// Resume after the largest integer id.
		last, err := skiplist.NewService(snap).Seek(cp.PrimaryKey(), document.Int(math.MaxInt64), skiplist.Descending)
		if err != nil {
			return document.Value{}, err
		}
		if last != nil && last.Key.Type() == document.TypeInt {
			cp.Sequence, _ = last.Key.AsInt64()
		}
	}
	cp.Sequence++
	snap.SetDirty(cp)
	return document.Int(cp.Sequence), nil
}

// Update replaces documents matched by _id and returns how many existed.
func (t *Txn) Update(col string, docs ...document.Document) (int, error) {
	snap, err := t.writeSnapshot(col, false)
	if err != nil {
		return 0, t.fail(err)
	}
	if snap.CollectionPage() == nil {
		return 0, nil
	}
	n := 0
	for _, doc := range docs {
		ok, err := t.updateDocument(snap, doc)
		if err != nil {
			return n, t.fail(err)
		}
		if ok {
			n++
		}
		if err := t.tx.Safepoint(); err != nil {
			return n, t.fail(err)
		}
	}
	return n, nil
}

// Upsert updates documents that exist and inserts the others. It returns
// the number inserted.
func (t *Txn) Upsert(col string, docs ...document.Document) (int, error) {
	snap, err := t.writeSnapshot(col, true)
	if err != nil {
		return 0, t.fail(err)
	}
	inserted := 0
	for _, doc := range docs {
		updated := false
		if _, ok, _ := doc.ID(); ok {
			if updated, err = t.updateDocument(snap, doc); err != nil {
				return inserted, t.fail(err)
			}
		}
		if !updated {
			if _, err := t.insertDocument(snap, doc); err != nil {
				return inserted, t.fail(err)
			}
			inserted++
		}
		if err := t.tx.Safepoint(); err != nil {
			return inserted, t.fail(err)
		}
	}
	return inserted, nil
}

func (t *Txn) updateDocument(snap *transaction.Snapshot, doc document.Document) (bool, error) {
	id, ok, err := doc.ID()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: document has no %s", dberror.ErrInvalidID, document.IDField)
	}
	if err := checkID(id); err != nil {
		return false, err
	}

	cp := snap.CollectionPage()
	indexes := skiplist.NewService(snap)
	pkNode, err := indexes.Find(cp.PrimaryKey(), id, false, skiplist.Ascending)
	if err != nil || pkNode == nil {
		return false, err
	}
	pkAddr, block := pkNode.Position, pkNode.DataBlock

	payload, err := document.Marshal(doc)
	if err != nil {
		return false, err
	}
	if err := data.NewService(snap).Update(block, payload); err != nil {
		return false, err
	}
	return true, t.reindexDocument(snap, doc, pkAddr, block)
}

// reindexDocument drops the secondary entries whose key changed and adds the
// new ones at the end of the document's node list.
func (t *Txn) reindexDocument(snap *transaction.Snapshot, doc document.Document, pkAddr, block pagemanager.PageAddress) error {
	cp := snap.CollectionPage()
	indexes := skiplist.NewService(snap)

	keys := make(map[uint8]document.Value)
	for _, idx := range cp.GetIndexes()[1:] {
		key, err := doc.Key(idx.Expression)
		if err != nil {
			return err
		}
		keys[idx.Slot] = key
	}

	nodes, err := indexes.GetNodeList(pkAddr)
	if err != nil {
		return err
	}
	toDelete := make(map[pagemanager.PageAddress]struct{})
	kept := make(map[uint8]bool)
	for _, node := range nodes[1:] {
		key, ok := keys[node.Slot]
		if ok && document.Compare(key, node.Key, t.rt.Collation) == 0 {
			kept[node.Slot] = true
			continue
		}
		toDelete[node.Position] = struct{}{}
	}
	last, err := indexes.DeleteList(pkAddr, toDelete)
	if err != nil {
		return err
	}
	for _, idx := range cp.GetIndexes()[1:] {
		if kept[idx.Slot] {
			continue
		}
		if last, err = indexes.AddNode(idx, keys[idx.Slot], block, last); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes documents by id and returns how many existed.
func (t *Txn) Delete(col string, ids ...any) (int, error) {
	snap, err := t.writeSnapshot(col, false)
	if err != nil {
		return 0, t.fail(err)
	}
	if snap.CollectionPage() == nil {
		return 0, nil
	}
	n := 0
	for _, x := range ids {
		id, err := document.ValueOf(x)
		if err != nil {
			return n, t.fail(fmt.Errorf("%w: %v", dberror.ErrInvalidID, err))
		}
		ok, err := t.deleteDocument(snap, id)
		if err != nil {
			return n, t.fail(err)
		}
		if ok {
			n++
		}
		if err := t.tx.Safepoint(); err != nil {
			return n, t.fail(err)
		}
	}
	return n, nil
}

func (t *Txn) deleteDocument(snap *transaction.Snapshot, id document.Value) (bool, error) {
	cp := snap.CollectionPage()
	indexes := skiplist.NewService(snap)
	pkNode, err := indexes.Find(cp.PrimaryKey(), id, false, skiplist.Ascending)
	if err != nil || pkNode == nil {
		return false, err
	}
	block := pkNode.DataBlock
	if err := indexes.DeleteAll(pkNode.Position); err != nil {
		return false, err
	}
	if err := data.NewService(snap).Delete(block); err != nil {
		return false, err
	}
	cp.DocumentCount--
	snap.SetDirty(cp)
	return true, nil
}

// FindByID returns the document with the given id.
func (t *Txn) FindByID(col string, id any) (document.Document, bool, error) {
	key, err := document.ValueOf(id)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", dberror.ErrInvalidID, err)
	}
	snap, err := t.readSnapshot(col)
	if err != nil {
		return nil, false, err
	}
	cp := snap.CollectionPage()
	if cp == nil {
		return nil, false, nil
	}
	node, err := skiplist.NewService(snap).Find(cp.PrimaryKey(), key, false, skiplist.Ascending)
	if err != nil || node == nil {
		return nil, false, err
	}
	doc, err := readDocument(snap, node.DataBlock)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func readDocument(snap *transaction.Snapshot, addr pagemanager.PageAddress) (document.Document, error) {
	payload, err := data.NewService(snap).Read(addr)
	if err != nil {
		return nil, err
	}
	return document.Unmarshal(payload)
}

func (t *Txn) exists(snap *transaction.Snapshot, id document.Value) (bool, error) {
	node, err := skiplist.NewService(snap).Find(snap.CollectionPage().PrimaryKey(), id, false, skiplist.Ascending)
	return node != nil, err
}
