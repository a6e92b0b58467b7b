package metadata

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/models"
)

// Snapshot is an immutable view of all table metadata at one generation.
// Readers hold a snapshot for the duration of one query; writers never mutate
// a published snapshot, they swap in a new one.
type Snapshot struct {
	Generation uint64

	tables map[string]*FullTable
	byID   map[uuid.UUID]*FullTable
}

// Lookup returns the full metadata for a table name, or nil when unknown.
func (s *Snapshot) Lookup(name string) *FullTable {
	return s.tables[name]
}

// LookupByID returns the full metadata for a table id, or nil when unknown.
func (s *Snapshot) LookupByID(id uuid.UUID) *FullTable {
	return s.byID[id]
}

// Tables returns all tables in the snapshot.
func (s *Snapshot) Tables() []*FullTable {
	out := make([]*FullTable, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out
}

// InverseRelations returns the relations on other tables that target the
// given table. These are the derived back-reference sides that are never
// persisted on the target itself.
func (s *Snapshot) InverseRelations(tableID uuid.UUID) []*models.RelationDefinition {
	var out []*models.RelationDefinition
	for _, t := range s.byID {
		for _, r := range t.Relations {
			if r.TargetTableID == tableID {
				out = append(out, r)
			}
		}
	}
	return out
}

// Cache is the read-through metadata cache. Mutating callers Reload after a
// committed schema mutation ("reload on write"); readers always see an
// atomically swapped consistent snapshot and tolerate the brief staleness
// window between commit and reload.
type Cache struct {
	store    Store
	snapshot atomic.Pointer[Snapshot]
}

// NewCache builds a cache over the given store. The cache starts empty;
// call Reload during bootstrap.
func NewCache(store Store) *Cache {
	c := &Cache{store: store}
	c.snapshot.Store(&Snapshot{
		tables: map[string]*FullTable{},
		byID:   map[uuid.UUID]*FullTable{},
	})
	return c
}

// Snapshot returns the current metadata snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Lookup returns the full metadata for a table name from the current
// snapshot, or nil.
func (c *Cache) Lookup(name string) *FullTable {
	return c.Snapshot().Lookup(name)
}

// LookupByID returns the full metadata for a table id from the current
// snapshot, or nil.
func (c *Cache) LookupByID(id uuid.UUID) *FullTable {
	return c.Snapshot().LookupByID(id)
}

// InverseRelations returns the relations on other tables that target the
// given table, from the current snapshot.
func (c *Cache) InverseRelations(tableID uuid.UUID) []*models.RelationDefinition {
	return c.Snapshot().InverseRelations(tableID)
}

// Reload loads all metadata from the store and swaps in a new snapshot with
// an incremented generation.
func (c *Cache) Reload(ctx context.Context) error {
	tables, err := c.store.ListFullTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload metadata cache: %w", err)
	}

	next := &Snapshot{
		Generation: c.Snapshot().Generation + 1,
		tables:     make(map[string]*FullTable, len(tables)),
		byID:       make(map[uuid.UUID]*FullTable, len(tables)),
	}
	for _, t := range tables {
		next.tables[t.Table.Name] = t
		next.byID[t.Table.ID] = t
	}
	c.snapshot.Store(next)
	return nil
}
