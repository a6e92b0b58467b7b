package models

import (
	"time"

	"github.com/google/uuid"
)

// RelationType is the closed set of relation kinds between two tables.
type RelationType string

const (
	RelationOneToOne   RelationType = "one-to-one"
	RelationManyToOne  RelationType = "many-to-one"
	RelationOneToMany  RelationType = "one-to-many"
	RelationManyToMany RelationType = "many-to-many"
)

var allRelationTypes = []RelationType{
	RelationOneToOne, RelationManyToOne, RelationOneToMany, RelationManyToMany,
}

// Valid reports whether t is a known relation type.
func (t RelationType) Valid() bool {
	for _, known := range allRelationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsToMany reports whether the declared side holds many target records.
func (t RelationType) IsToMany() bool {
	return t == RelationOneToMany || t == RelationManyToMany
}

// OwnsForeignKey reports whether the declared side carries the physical
// reference: an FK column on SQL, an ObjectId field or array on Mongo.
// one-to-many never owns; its data lives on the paired many-to-one side.
func (t RelationType) OwnsForeignKey() bool {
	return t == RelationManyToOne || t == RelationOneToOne || t == RelationManyToMany
}

// Inverse returns the relation type as seen from the target table.
func (t RelationType) Inverse() RelationType {
	switch t {
	case RelationManyToOne:
		return RelationOneToMany
	case RelationOneToMany:
		return RelationManyToOne
	default:
		return t
	}
}

// RelationTypes returns every known relation type.
func RelationTypes() []RelationType {
	out := make([]RelationType, len(allRelationTypes))
	copy(out, allRelationTypes)
	return out
}

// DeletePolicy is the referential action applied when a referenced row is
// deleted. On the relational backend this maps to ON DELETE clauses; on the
// document backend the cascade hooks enforce it in application code.
type DeletePolicy string

const (
	DeleteSetNull  DeletePolicy = "SET NULL"
	DeleteCascade  DeletePolicy = "CASCADE"
	DeleteRestrict DeletePolicy = "RESTRICT"
)

// RelationDefinition describes one declared relation. A relation is declared
// on exactly one side; the inverse side is derived, never persisted.
type RelationDefinition struct {
	ID                  uuid.UUID    `json:"id"`
	SourceTableID       uuid.UUID    `json:"sourceTableId"`
	TargetTableID       uuid.UUID    `json:"targetTableId"`
	PropertyName        string       `json:"propertyName"`
	Type                RelationType `json:"type"`
	InversePropertyName *string      `json:"inversePropertyName,omitempty"`
	IsNullable          bool         `json:"isNullable"`
	IsSystem            bool         `json:"isSystem"`
	OnDelete            DeletePolicy `json:"onDelete,omitempty"`
	Description         *string      `json:"description,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           *time.Time   `json:"updatedAt,omitempty"`
}

// EffectiveOnDelete resolves the delete policy, defaulting by nullability:
// nullable references are nulled out, required references block the delete.
func (r *RelationDefinition) EffectiveOnDelete() DeletePolicy {
	if r.OnDelete != "" {
		return r.OnDelete
	}
	if r.IsNullable {
		return DeleteSetNull
	}
	return DeleteRestrict
}
