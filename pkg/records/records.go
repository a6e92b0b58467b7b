// Package records is the generic data-plane repository over operator-created
// tables. The schema engine depends only on this narrow interface; transport
// and auth live elsewhere. The document implementation carries the
// application-level referential integrity that foreign keys provide for free
// on the relational backend.
package records

import (
	"context"

	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
)

// Record is one row or document, keyed by property name.
type Record map[string]any

// Managed timestamp fields, written by the repositories on every insert and
// update. Names match the physical columns the migrators maintain.
const (
	createdAtField = "createdAt"
	updatedAtField = "updatedAt"
)

func newUUID() string { return uuid.New().String() }

// Repository is the generic CRUD surface over one backend.
type Repository interface {
	FindOneWhere(ctx context.Context, table string, filter map[string]any) (Record, error)
	FindWhere(ctx context.Context, table string, filter map[string]any) ([]Record, error)
	InsertAndGet(ctx context.Context, table string, doc Record) (Record, error)
	UpdateByID(ctx context.Context, table string, id any, changes Record) (Record, error)
	DeleteByID(ctx context.Context, table string, id any) error
}

// MetadataSource supplies the table metadata the repositories need for
// payload validation and cascade cleanup. *metadata.Cache satisfies it.
type MetadataSource interface {
	Lookup(name string) *metadata.FullTable
	LookupByID(id uuid.UUID) *metadata.FullTable
	InverseRelations(tableID uuid.UUID) []*models.RelationDefinition
}

// computedFields returns the property names that are derived at read time
// and must never be written: the table's own one-to-many properties, and the
// inverse views of relations other tables declare against it. The stored
// inverse field of an inbound one-to-many is real data and stays writable.
func computedFields(full *metadata.FullTable, inbound []*models.RelationDefinition) map[string]struct{} {
	out := map[string]struct{}{}
	for _, rel := range full.Relations {
		if rel.Type == models.RelationOneToMany {
			out[rel.PropertyName] = struct{}{}
		}
	}
	for _, rel := range inbound {
		if rel.Type == models.RelationOneToMany {
			continue
		}
		if rel.InversePropertyName != nil {
			out[*rel.InversePropertyName] = struct{}{}
		}
	}
	return out
}

// stripComputed returns a copy of the payload without computed fields.
// Clients sometimes echo back read responses; silently dropping the derived
// fields beats rejecting the whole write.
func stripComputed(doc Record, computed map[string]struct{}) Record {
	out := make(Record, len(doc))
	for k, v := range doc {
		if _, skip := computed[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
