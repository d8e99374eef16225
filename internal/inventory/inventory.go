// Package inventory is the per-(store, SKU) record store. It is last-
// writer-wins on upsert; the mutation service is responsible for
// supplying the correct version.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shelfsync/shelfsync/internal/domain"
	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
)

type fileShape struct {
	Stores map[string]map[string]domain.InventoryRecord `json:"stores"`
}

// Store is the file-backed inventory record store, keyed by storeId then
// sku.
type Store struct {
	path  string
	guard *safeio.Guard

	mu     sync.RWMutex
	stores map[string]map[string]domain.InventoryRecord
}

// New loads (or initializes) the store at path.
func New(path string, guard *safeio.Guard) (*Store, error) {
	s := &Store{path: path, guard: guard, stores: make(map[string]map[string]domain.InventoryRecord)}

	if safeio.FileExists(path) {
		var shape fileShape
		if err := safeio.ReadJSON(path, &shape); err != nil {
			return nil, fmt.Errorf("load inventory store: %w", err)
		}
		if shape.Stores != nil {
			s.stores = shape.Stores
		}
	}
	return s, nil
}

func (s *Store) persist(ctx context.Context, snapshot map[string]map[string]domain.InventoryRecord) error {
	_, err := safeio.Do(ctx, s.guard, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, safeio.WriteJSONAtomic(s.path, fileShape{Stores: snapshot})
	})
	return err
}

func cloneStores(in map[string]map[string]domain.InventoryRecord) map[string]map[string]domain.InventoryRecord {
	out := make(map[string]map[string]domain.InventoryRecord, len(in))
	for store, skus := range in {
		inner := make(map[string]domain.InventoryRecord, len(skus))
		for sku, rec := range skus {
			inner[sku] = rec
		}
		out[store] = inner
	}
	return out
}

// Get returns the record for (storeID, sku), or apierr NotFound.
func (s *Store) Get(storeID, sku string) (domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skus, ok := s.stores[storeID]
	if !ok {
		return domain.InventoryRecord{}, apierr.NotFound("no inventory for store %q", storeID)
	}
	rec, ok := skus[sku]
	if !ok {
		return domain.InventoryRecord{}, apierr.NotFound("no inventory for %s/%s", storeID, sku)
	}
	return rec, nil
}

// Upsert writes record, last-writer-wins, creating the store mapping if
// needed.
func (s *Store) Upsert(ctx context.Context, record domain.InventoryRecord) error {
	s.mu.Lock()
	skus, ok := s.stores[record.StoreID]
	if !ok {
		skus = make(map[string]domain.InventoryRecord)
		s.stores[record.StoreID] = skus
	}
	skus[record.SKU] = record
	snapshot := cloneStores(s.stores)
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// ListByStore returns every record for storeID, sku-sorted.
func (s *Store) ListByStore(storeID string) []domain.InventoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skus := s.stores[storeID]
	out := make([]domain.InventoryRecord, 0, len(skus))
	for _, rec := range skus {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// Delete removes (storeID, sku). The store mapping itself is removed if
// this empties it.
func (s *Store) Delete(ctx context.Context, storeID, sku string) error {
	s.mu.Lock()
	skus, ok := s.stores[storeID]
	if !ok {
		s.mu.Unlock()
		return apierr.NotFound("no inventory for store %q", storeID)
	}
	if _, ok := skus[sku]; !ok {
		s.mu.Unlock()
		return apierr.NotFound("no inventory for %s/%s", storeID, sku)
	}
	delete(skus, sku)
	if len(skus) == 0 {
		delete(s.stores, storeID)
	}
	snapshot := cloneStores(s.stores)
	s.mu.Unlock()

	return s.persist(ctx, snapshot)
}

// ListStores returns every known storeID, sorted.
func (s *Store) ListStores() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stores))
	for store := range s.stores {
		out = append(out, store)
	}
	sort.Strings(out)
	return out
}

// GetTotalCount returns the total number of (store, sku) records.
func (s *Store) GetTotalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, skus := range s.stores {
		total += len(skus)
	}
	return total
}
