// Package collection creates, drops and renames collections inside a
// transaction.
package collection

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/data"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// ReservedPrefix starts the names of virtual collections.
const ReservedPrefix = "$"

// ValidateName checks a collection name.
func ValidateName(name string) error {
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: %q uses the reserved prefix %q", dberror.ErrInvalidName, name, ReservedPrefix)
	}
	if len(name) > pagemanager.MaxCollectionNameLength {
		return fmt.Errorf("%w: collection name %q exceeds %d bytes", dberror.ErrNameTooLong, name, pagemanager.MaxCollectionNameLength)
	}
	return validateWord(name)
}

// ValidateIndexName checks an index name.
func ValidateIndexName(name string) error {
	if len(name) > pagemanager.MaxIndexNameLength {
		return fmt.Errorf("%w: index name %q exceeds %d bytes", dberror.ErrNameTooLong, name, pagemanager.MaxIndexNameLength)
	}
	return validateWord(name)
}

// validateWord accepts a letter or underscore followed by letters, digits
// and underscores.
func validateWord(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", dberror.ErrInvalidName)
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return fmt.Errorf("%w: %q has invalid character %q", dberror.ErrInvalidName, name, c)
		}
	}
	return nil
}

// Service runs catalog operations for one transaction.
type Service struct {
	tx     *transaction.Transaction
	logger *zap.Logger
}

func NewService(tx *transaction.Transaction) *Service {
	return &Service{tx: tx, logger: tx.Runtime().Logger.Named("collection")}
}

// Get opens a snapshot on name. With addIfMissing a write snapshot creates
// the collection when it does not exist.
func (s *Service) Get(name string, mode transaction.LockMode, addIfMissing bool) (*transaction.Snapshot, error) {
	snap, err := s.tx.Snapshot(mode, name)
	if err != nil {
		return nil, err
	}
	if snap.CollectionPage() == nil && addIfMissing && mode == transaction.LockWrite {
		return s.Add(name)
	}
	return snap, nil
}

// Add creates a collection with its primary key index.
func (s *Service) Add(name string) (*transaction.Snapshot, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.tx.EnterReserved(); err != nil {
		return nil, err
	}
	snap, err := s.tx.Snapshot(transaction.LockWrite, name)
	if err != nil {
		return nil, err
	}
	if snap.CollectionPage() != nil {
		return nil, fmt.Errorf("%w: %q", dberror.ErrCollectionExists, name)
	}
	if size := s.tx.CatalogSize() + pagemanager.CollectionEntrySize(name); size > pagemanager.HeaderCollectionsCapacity {
		return nil, fmt.Errorf("%w: catalog would need %d bytes, header holds %d", dberror.ErrCollectionLimit, size, pagemanager.HeaderCollectionsCapacity)
	}

	if _, err := snap.NewCollectionPage(); err != nil {
		return nil, err
	}
	if _, err := skiplist.NewService(snap).CreateIndex(pagemanager.PrimaryKeyIndexName, "$."+pagemanager.PrimaryKeyIndexName, true); err != nil {
		return nil, err
	}
	s.logger.Debug("collection created", zap.String("collection", name))
	return snap, nil
}

// Drop deletes a collection and every page it owns. It reports false when
// the collection does not exist.
func (s *Service) Drop(name string) (bool, error) {
	if err := s.tx.EnterReserved(); err != nil {
		return false, err
	}
	snap, err := s.tx.Snapshot(transaction.LockWrite, name)
	if err != nil {
		return false, err
	}
	col := snap.CollectionPage()
	if col == nil {
		return false, nil
	}

	pages, err := s.ownedPages(snap)
	if err != nil {
		return false, err
	}
	for _, pageID := range pages {
		if err := snap.DeletePage(pageID); err != nil {
			return false, err
		}
		if err := s.tx.Safepoint(); err != nil {
			return false, err
		}
	}
	if err := snap.DeletePage(col.PageID); err != nil {
		return false, err
	}
	s.tx.UnregisterCollection(name)
	s.logger.Debug("collection dropped", zap.String("collection", name), zap.Int("pages", len(pages)+1))
	return true, nil
}

// ownedPages walks every index and the primary key's data blocks.
func (s *Service) ownedPages(snap *transaction.Snapshot) ([]uint32, error) {
	indexes := skiplist.NewService(snap)
	blocks := data.NewService(snap)

	pages := make(map[uint32]struct{})
	for _, idx := range snap.CollectionPage().GetIndexes() {
		for addr := idx.Head; !addr.IsEmpty(); {
			node, err := indexes.GetNode(addr)
			if err != nil {
				return nil, err
			}
			pages[addr.PageID] = struct{}{}
			if idx.IsPrimaryKey() && !node.Key.IsSentinel() {
				pages[node.DataBlock.PageID] = struct{}{}
				chain, err := blocks.ExtendChain(node.DataBlock)
				if err != nil {
					return nil, err
				}
				for _, id := range chain {
					pages[id] = struct{}{}
				}
			}
			addr = node.Next[0]
		}
	}
	return slices.Sorted(maps.Keys(pages)), nil
}

// Rename moves a collection to a new name. It reports false when oldName
// does not exist.
func (s *Service) Rename(oldName, newName string) (bool, error) {
	if err := ValidateName(newName); err != nil {
		return false, err
	}
	if err := s.tx.EnterReserved(); err != nil {
		return false, err
	}
	if slices.Contains(s.tx.CollectionNames(), newName) {
		return false, fmt.Errorf("%w: %q", dberror.ErrCollectionExists, newName)
	}
	snap, err := s.tx.Snapshot(transaction.LockWrite, oldName)
	if err != nil {
		return false, err
	}
	if snap.CollectionPage() == nil {
		return false, nil
	}
	if err := s.tx.RenameCollection(oldName, newName); err != nil {
		return false, err
	}
	return true, nil
}
