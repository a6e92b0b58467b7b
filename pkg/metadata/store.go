// Package metadata owns the canonical schema model: table, column, and
// relation definitions. It validates operator specs, persists them on either
// backend, and serves them to the migrators and the query builder through a
// versioned snapshot cache.
package metadata

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// Metadata storage names, shared by both backends.
const (
	TableDefinitionCollection    = "table_definition"
	ColumnDefinitionCollection   = "column_definition"
	RelationDefinitionCollection = "relation_definition"
	RouteDefinitionCollection    = "route_definition"
	SettingDefinitionCollection  = "setting_definition"
)

// TableSpec is the operator-facing table mutation payload (transport-agnostic).
type TableSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Alias       *string        `json:"alias,omitempty" yaml:"alias,omitempty"`
	Description *string        `json:"description,omitempty" yaml:"description,omitempty"`
	IsSystem    bool           `json:"isSystem,omitempty" yaml:"isSystem,omitempty"`
	Uniques     [][]string     `json:"uniques,omitempty" yaml:"uniques,omitempty"`
	Indexes     [][]string     `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Columns     []ColumnSpec   `json:"columns" yaml:"columns"`
	Relations   []RelationSpec `json:"relations,omitempty" yaml:"relations,omitempty"`
}

// ColumnSpec describes one column in a table mutation payload. ID is set on
// update requests to carry column identity across the mutation; a matching id
// with a changed name is a rename, not a drop-and-add.
type ColumnSpec struct {
	ID           *uuid.UUID        `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string            `json:"name" yaml:"name"`
	Type         models.ColumnType `json:"type" yaml:"type"`
	IsPrimary    bool              `json:"isPrimary,omitempty" yaml:"isPrimary,omitempty"`
	IsGenerated  bool              `json:"isGenerated,omitempty" yaml:"isGenerated,omitempty"`
	IsNullable   bool              `json:"isNullable,omitempty" yaml:"isNullable,omitempty"`
	IsUnique     bool              `json:"isUnique,omitempty" yaml:"isUnique,omitempty"`
	IsHidden     bool              `json:"isHidden,omitempty" yaml:"isHidden,omitempty"`
	IsUpdatable  *bool             `json:"isUpdatable,omitempty" yaml:"isUpdatable,omitempty"` // nil means updatable
	IsSystem     bool              `json:"isSystem,omitempty" yaml:"isSystem,omitempty"`
	DefaultValue *string           `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Options      []string          `json:"options,omitempty" yaml:"options,omitempty"`
	Length       *int              `json:"length,omitempty" yaml:"length,omitempty"`
	Description  *string           `json:"description,omitempty" yaml:"description,omitempty"`
}

// Updatable resolves the tri-state IsUpdatable flag (absent means true).
func (c *ColumnSpec) Updatable() bool {
	return c.IsUpdatable == nil || *c.IsUpdatable
}

// TableRef identifies a relation target by id or name; either is accepted.
type TableRef struct {
	ID   *uuid.UUID `json:"id,omitempty" yaml:"id,omitempty"`
	Name string     `json:"name,omitempty" yaml:"name,omitempty"`
}

// RelationSpec describes one declared relation in a table mutation payload.
type RelationSpec struct {
	ID                  *uuid.UUID          `json:"id,omitempty" yaml:"id,omitempty"`
	PropertyName        string              `json:"propertyName" yaml:"propertyName"`
	Type                models.RelationType `json:"type" yaml:"type"`
	TargetTable         TableRef            `json:"targetTable" yaml:"targetTable"`
	InversePropertyName *string             `json:"inversePropertyName,omitempty" yaml:"inversePropertyName,omitempty"`
	IsNullable          bool                `json:"isNullable,omitempty" yaml:"isNullable,omitempty"`
	IsSystem            bool                `json:"isSystem,omitempty" yaml:"isSystem,omitempty"`
	OnDelete            models.DeletePolicy `json:"onDelete,omitempty" yaml:"onDelete,omitempty"`
	Description         *string             `json:"description,omitempty" yaml:"description,omitempty"`
}

// FullTable is the hydrated metadata for one table: the definition, its
// columns, and the relations declared on it (inverse sides are derived at
// read time, never stored).
type FullTable struct {
	Table     *models.TableDefinition     `json:"table"`
	Columns   []*models.ColumnDefinition  `json:"columns"`
	Relations []*models.RelationDefinition `json:"relations"`
}

// PrimaryColumn returns the table's primary-key column, or nil when the
// metadata is malformed (validation makes that unreachable for stored rows).
func (f *FullTable) PrimaryColumn() *models.ColumnDefinition {
	for _, c := range f.Columns {
		if c.IsPrimary {
			return c
		}
	}
	return nil
}

// Column returns the column with the given name, or nil.
func (f *FullTable) Column(name string) *models.ColumnDefinition {
	for _, c := range f.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Relation returns the declared relation with the given property name, or nil.
func (f *FullTable) Relation(property string) *models.RelationDefinition {
	for _, r := range f.Relations {
		if r.PropertyName == property {
			return r
		}
	}
	return nil
}

// PropertyNames returns all property names (columns plus relations),
// lowercased for case-insensitive uniqueness checks.
func (f *FullTable) PropertyNames() map[string]struct{} {
	out := make(map[string]struct{}, len(f.Columns)+len(f.Relations))
	for _, c := range f.Columns {
		out[strings.ToLower(c.Name)] = struct{}{}
	}
	for _, r := range f.Relations {
		out[strings.ToLower(r.PropertyName)] = struct{}{}
	}
	return out
}

// ForeignKeyColumnFor returns the physical FK column name a forward relation
// materializes on the relational backend.
func (f *FullTable) ForeignKeyColumnFor(rel *models.RelationDefinition) string {
	return naming.ForeignKeyColumn(rel.PropertyName)
}

// ColumnRename records a column whose stable id survived an update with a
// changed name.
type ColumnRename struct {
	ColumnID uuid.UUID
	OldName  string
	NewName  string
}

// ChangeSet describes the membership delta computed by UpdateTable, keyed by
// stable ids rather than positions. The migrators and the background rename
// task consume it.
type ChangeSet struct {
	AddedColumns     []*models.ColumnDefinition
	DroppedColumns   []*models.ColumnDefinition
	ModifiedColumns  []*models.ColumnDefinition
	RenamedColumns   []ColumnRename
	AddedRelations   []*models.RelationDefinition
	DroppedRelations []*models.RelationDefinition
}

// Empty reports whether the update changed no memberships.
func (c *ChangeSet) Empty() bool {
	return len(c.AddedColumns) == 0 && len(c.DroppedColumns) == 0 &&
		len(c.ModifiedColumns) == 0 && len(c.RenamedColumns) == 0 &&
		len(c.AddedRelations) == 0 && len(c.DroppedRelations) == 0
}

// Store is the canonical metadata persistence interface. Implementations
// validate before mutating (fail fast, no partial state) and keep table,
// column, relation, and route rows consistent as one atomic unit: the SQL
// store uses a transaction, the Mongo store compensates with reverse-order
// deletes.
type Store interface {
	CreateTable(ctx context.Context, spec *TableSpec) (*FullTable, error)
	UpdateTable(ctx context.Context, id uuid.UUID, spec *TableSpec) (*FullTable, *ChangeSet, error)
	DeleteTable(ctx context.Context, id uuid.UUID) (*FullTable, error)

	GetFullTable(ctx context.Context, id uuid.UUID) (*FullTable, error)
	FindTableByName(ctx context.Context, name string) (*FullTable, error)
	ListFullTables(ctx context.Context) ([]*FullTable, error)

	// Settings back the isInit bootstrap flag.
	GetSettings(ctx context.Context) (*models.SettingDefinition, error)
	MarkInitialized(ctx context.Context) error
}
