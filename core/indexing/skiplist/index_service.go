// Package skiplist implements collection indexes as probabilistic skip lists
// stored in index pages. Nodes reference each other by PageAddress and are
// always re-resolved through the snapshot.
package skiplist

import (
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Order is the traversal direction.
type Order int

const (
	Ascending  Order = 1
	Descending Order = -1
)

func (o Order) ascending() bool { return o != Descending }

// Service operates on the indexes of the collection bound to a snapshot.
type Service struct {
	snapshot  *transaction.Snapshot
	collation *document.Collation
}

// NewService binds an index service to a snapshot.
func NewService(s *transaction.Snapshot) *Service {
	return &Service{snapshot: s, collation: s.Runtime().Collation}
}

func (s *Service) compare(a, b document.Value) int {
	return document.Compare(a, b, s.collation)
}

func (s *Service) collection() *pagemanager.CollectionPage {
	return s.snapshot.CollectionPage()
}

// flip picks a node level: each extra level has probability 1/2.
func flip() int {
	levels := 1
	for r := rand.Uint32(); levels < pagemanager.MaxLevel && r&1 == 1; r >>= 1 {
		levels++
	}
	return levels
}

// CreateIndex allocates a new index with its head and tail sentinels.
func (s *Service) CreateIndex(name, expression string, unique bool) (*pagemanager.CollectionIndex, error) {
	col := s.collection()
	slot := col.FreeIndexSlot()
	if slot < 0 {
		return nil, fmt.Errorf("%w: collection %q already has %d indexes", dberror.ErrIndexLimit, col.Name, pagemanager.MaxIndexes)
	}
	idx := &pagemanager.CollectionIndex{
		Slot:              uint8(slot),
		Name:              name,
		Expression:        expression,
		Unique:            unique,
		MaxLevel:          1,
		FreeIndexPageList: pagemanager.NoPage,
	}

	page, err := s.snapshot.GetFreeIndexPage(&idx.FreeIndexPageList)
	if err != nil {
		return nil, err
	}
	head, err := page.InsertNode(idx.Slot, pagemanager.MaxLevel, document.MinValue(), pagemanager.EmptyAddress)
	if err != nil {
		return nil, err
	}
	tail, err := page.InsertNode(idx.Slot, pagemanager.MaxLevel, document.MaxValue(), pagemanager.EmptyAddress)
	if err != nil {
		return nil, err
	}
	head.Next[0] = tail.Position
	tail.Prev[0] = head.Position

	idx.Head = head.Position
	idx.Tail = tail.Position
	col.Indexes[slot] = idx
	s.snapshot.SetDirty(page)
	s.snapshot.SetDirty(col)
	if err := s.snapshot.AddOrRemoveFreeIndexList(page, &idx.FreeIndexPageList); err != nil {
		return nil, err
	}
	return idx, nil
}

// GetNode resolves a node address.
func (s *Service) GetNode(addr pagemanager.PageAddress) (*pagemanager.IndexNode, error) {
	page, err := s.snapshot.GetIndexPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	node, ok := page.Node(addr.Index)
	if !ok {
		return nil, fmt.Errorf("%w: no index node at %s", dberror.ErrInvalidPageData, addr)
	}
	return node, nil
}

// AddNode inserts key pointing at dataBlock. When last is not nil the new node
// is appended to last's node list, chaining every index entry of a document.
func (s *Service) AddNode(idx *pagemanager.CollectionIndex, key document.Value, dataBlock pagemanager.PageAddress, last *pagemanager.IndexNode) (*pagemanager.IndexNode, error) {
	if key.IsSentinel() {
		return nil, fmt.Errorf("%w: %s cannot be stored in index %q", dberror.ErrInvalidIndexKey, key, idx.Name)
	}
	if size := key.EncodedSize(); size > document.MaxKeyLength {
		return nil, fmt.Errorf("%w: index %q key is %d bytes, limit is %d", dberror.ErrIndexKeyTooLong, idx.Name, size, document.MaxKeyLength)
	}

	levels := flip()
	if levels > int(idx.MaxLevel) {
		idx.MaxLevel = uint8(levels)
		s.snapshot.SetDirty(s.collection())
	}

	// Find the left neighbour of key on every level before touching any page,
	// so a duplicate leaves the index as it was.
	left := make([]*pagemanager.IndexNode, idx.MaxLevel)
	cur, err := s.GetNode(idx.Head)
	if err != nil {
		return nil, err
	}
	for i := int(idx.MaxLevel) - 1; i >= 0; i-- {
		for !cur.Next[i].IsEmpty() {
			next, err := s.GetNode(cur.Next[i])
			if err != nil {
				return nil, err
			}
			diff := s.compare(next.Key, key)
			if diff == 0 && idx.Unique {
				return nil, fmt.Errorf("%w: index %q already contains %s", dberror.ErrDuplicateKey, idx.Name, key)
			}
			if diff > 0 {
				break
			}
			cur = next
		}
		left[i] = cur
	}

	page, err := s.snapshot.GetFreeIndexPage(&idx.FreeIndexPageList)
	if err != nil {
		return nil, err
	}
	node, err := page.InsertNode(idx.Slot, levels, key, dataBlock)
	if err != nil {
		return nil, err
	}
	s.snapshot.SetDirty(page)

	for i := 0; i < levels; i++ {
		prev := left[i]
		node.Prev[i] = prev.Position
		node.Next[i] = prev.Next[i]
		prev.Next[i] = node.Position
		s.snapshot.SetDirty(prev.Page())
		if !node.Next[i].IsEmpty() {
			next, err := s.GetNode(node.Next[i])
			if err != nil {
				return nil, err
			}
			next.Prev[i] = node.Position
			s.snapshot.SetDirty(next.Page())
		}
	}

	unique, err := s.isUniqueKey(node)
	if err != nil {
		return nil, err
	}
	idx.KeyCount++
	if unique {
		idx.UniqueKeyCount++
	}
	s.snapshot.SetDirty(s.collection())

	if last != nil {
		last.NextNode = node.Position
		node.PrevNode = last.Position
		s.snapshot.SetDirty(last.Page())
	}

	if err := s.snapshot.AddOrRemoveFreeIndexList(page, &idx.FreeIndexPageList); err != nil {
		return nil, err
	}
	return node, nil
}

// isUniqueKey reports whether no level 0 neighbour of node has the same key.
func (s *Service) isUniqueKey(node *pagemanager.IndexNode) (bool, error) {
	for _, addr := range []pagemanager.PageAddress{node.Prev[0], node.Next[0]} {
		if addr.IsEmpty() {
			continue
		}
		n, err := s.GetNode(addr)
		if err != nil {
			return false, err
		}
		if s.compare(n.Key, node.Key) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// GetNodeList returns the node list starting at first: every index entry of
// one document, primary key node first.
func (s *Service) GetNodeList(first pagemanager.PageAddress) ([]*pagemanager.IndexNode, error) {
	var out []*pagemanager.IndexNode
	for addr := first; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
		addr = node.NextNode
	}
	return out, nil
}

// DeleteAll removes every index entry of the document whose primary key node
// is at pkAddr.
func (s *Service) DeleteAll(pkAddr pagemanager.PageAddress) error {
	for addr := pkAddr; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return err
		}
		addr = node.NextNode
		if err := s.DeleteSingleNode(node); err != nil {
			return err
		}
	}
	return nil
}

// DeleteList removes the nodes in toDelete from the node list starting at
// pkAddr and returns the last node that remains.
func (s *Service) DeleteList(pkAddr pagemanager.PageAddress, toDelete map[pagemanager.PageAddress]struct{}) (*pagemanager.IndexNode, error) {
	var last *pagemanager.IndexNode
	for addr := pkAddr; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return nil, err
		}
		addr = node.NextNode
		if _, ok := toDelete[node.Position]; ok {
			if err := s.DeleteSingleNode(node); err != nil {
				return nil, err
			}
			continue
		}
		last = node
	}
	return last, nil
}

// DeleteSingleNode unlinks node from every level and from its node list and
// frees its slot. The page is released when it becomes empty.
func (s *Service) DeleteSingleNode(node *pagemanager.IndexNode) error {
	idx := s.collection().Indexes[node.Slot]
	if idx == nil {
		return fmt.Errorf("%w: node %s belongs to unknown index slot %d", dberror.ErrInvalidPageData, node.Position, node.Slot)
	}

	unique, err := s.isUniqueKey(node)
	if err != nil {
		return err
	}

	for i := 0; i < int(node.Levels); i++ {
		if !node.Prev[i].IsEmpty() {
			prev, err := s.GetNode(node.Prev[i])
			if err != nil {
				return err
			}
			prev.Next[i] = node.Next[i]
			s.snapshot.SetDirty(prev.Page())
		}
		if !node.Next[i].IsEmpty() {
			next, err := s.GetNode(node.Next[i])
			if err != nil {
				return err
			}
			next.Prev[i] = node.Prev[i]
			s.snapshot.SetDirty(next.Page())
		}
	}

	if !node.PrevNode.IsEmpty() {
		prev, err := s.GetNode(node.PrevNode)
		if err != nil {
			return err
		}
		prev.NextNode = node.NextNode
		s.snapshot.SetDirty(prev.Page())
	}
	if !node.NextNode.IsEmpty() {
		next, err := s.GetNode(node.NextNode)
		if err != nil {
			return err
		}
		next.PrevNode = node.PrevNode
		s.snapshot.SetDirty(next.Page())
	}

	idx.KeyCount--
	if unique {
		idx.UniqueKeyCount--
	}
	s.snapshot.SetDirty(s.collection())

	page := node.Page()
	page.DeleteNode(node.Position.Index)
	s.snapshot.SetDirty(page)
	return s.snapshot.AddOrRemoveFreeIndexList(page, &idx.FreeIndexPageList)
}

// DropIndex removes a secondary index and frees all of its pages.
func (s *Service) DropIndex(idx *pagemanager.CollectionIndex) error {
	if idx.IsPrimaryKey() {
		return fmt.Errorf("%w: %q", dberror.ErrPrimaryIndexDrop, idx.Name)
	}
	pages := make(map[uint32]struct{})
	for addr := idx.Head; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return err
		}
		pages[addr.PageID] = struct{}{}
		addr = node.Next[0]

		// Keep the document's other entries chained.
		if !node.PrevNode.IsEmpty() {
			prev, err := s.GetNode(node.PrevNode)
			if err != nil {
				return err
			}
			prev.NextNode = node.NextNode
			s.snapshot.SetDirty(prev.Page())
		}
		if !node.NextNode.IsEmpty() {
			next, err := s.GetNode(node.NextNode)
			if err != nil {
				return err
			}
			next.PrevNode = node.PrevNode
			s.snapshot.SetDirty(next.Page())
		}
	}
	for pageID := range pages {
		if err := s.snapshot.DeletePage(pageID); err != nil {
			return err
		}
	}
	col := s.collection()
	col.Indexes[idx.Slot] = nil
	s.snapshot.SetDirty(col)
	return nil
}

// Find returns a node whose key equals key, or nil. With sibling set and no
// exact match, the first node past key in order is returned instead.
func (s *Service) Find(idx *pagemanager.CollectionIndex, key document.Value, sibling bool, order Order) (*pagemanager.IndexNode, error) {
	start := idx.Head
	if !order.ascending() {
		start = idx.Tail
	}
	cur, err := s.GetNode(start)
	if err != nil {
		return nil, err
	}
	for i := int(idx.MaxLevel) - 1; i >= 0; i-- {
		for {
			addr := cur.NextPrev(i, order.ascending())
			if addr.IsEmpty() {
				break
			}
			next, err := s.GetNode(addr)
			if err != nil {
				return nil, err
			}
			diff := s.compare(next.Key, key)
			if diff == int(order) {
				if i == 0 && sibling {
					if next.Key.IsSentinel() {
						return nil, nil
					}
					return next, nil
				}
				break
			}
			if diff == 0 {
				return next, nil
			}
			cur = next
		}
	}
	return nil, nil
}

// Seek returns the first node at or past key in order: the smallest key >= key
// when ascending, the largest key <= key when descending. Among equal keys
// the first one in order is returned. nil means no such node.
func (s *Service) Seek(idx *pagemanager.CollectionIndex, key document.Value, order Order) (*pagemanager.IndexNode, error) {
	start := idx.Head
	if !order.ascending() {
		start = idx.Tail
	}
	cur, err := s.GetNode(start)
	if err != nil {
		return nil, err
	}
	for i := int(idx.MaxLevel) - 1; i >= 0; i-- {
		for {
			addr := cur.NextPrev(i, order.ascending())
			if addr.IsEmpty() {
				break
			}
			next, err := s.GetNode(addr)
			if err != nil {
				return nil, err
			}
			// Stop in front of the first node that is not strictly before key.
			if s.compare(next.Key, key)*int(order) >= 0 {
				break
			}
			cur = next
		}
	}
	addr := cur.NextPrev(0, order.ascending())
	if addr.IsEmpty() {
		return nil, nil
	}
	node, err := s.GetNode(addr)
	if err != nil || node.Key.IsSentinel() {
		return nil, err
	}
	return node, nil
}

// Walk yields from (and including) start along level 0 in order, stopping at
// the sentinel. A nil start yields nothing.
func (s *Service) Walk(start *pagemanager.IndexNode, order Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		for node := start; node != nil && !node.Key.IsSentinel(); {
			if !yield(node, nil) {
				return
			}
			addr := node.NextPrev(0, order.ascending())
			if addr.IsEmpty() {
				return
			}
			next, err := s.GetNode(addr)
			if err != nil {
				yield(nil, err)
				return
			}
			node = next
		}
	}
}

// FindAll yields every key of the index in order, sentinels excluded. Each
// call starts a fresh scan.
func (s *Service) FindAll(idx *pagemanager.CollectionIndex, order Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		start := idx.Head
		if !order.ascending() {
			start = idx.Tail
		}
		sentinel, err := s.GetNode(start)
		if err != nil {
			yield(nil, err)
			return
		}
		addr := sentinel.NextPrev(0, order.ascending())
		if addr.IsEmpty() {
			return
		}
		first, err := s.GetNode(addr)
		if err != nil {
			yield(nil, err)
			return
		}
		for node, err := range s.Walk(first, order) {
			if !yield(node, err) {
				return
			}
		}
	}
}
