package migrator

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// Managed audit columns added to every relational table.
const (
	CreatedAtColumn = "createdAt"
	UpdatedAtColumn = "updatedAt"
)

// Resolver supplies metadata for relation targets and for the derived
// inverse sides that materialize on a table without being declared on it.
// *metadata.Cache satisfies it; tests use small fakes.
type Resolver interface {
	Lookup(name string) *metadata.FullTable
	LookupByID(id uuid.UUID) *metadata.FullTable
	InverseRelations(tableID uuid.UUID) []*models.RelationDefinition
}

// physicalColumn is one column the relational backend must materialize:
// a declared column, a relation-backing FK column, or a managed audit column.
type physicalColumn struct {
	Name        string
	Type        models.ColumnType
	Length      *int
	Options     []string
	Nullable    bool
	Default     *string
	IsPrimary   bool
	IsGenerated bool
	Managed     bool // createdAt/updatedAt, default now

	// Set when the column backs a forward relation.
	Relation  *models.RelationDefinition
	RefTable  string
	RefColumn string
}

// indexSpec is one index the table must carry, derived from unique/index
// groups, per-column uniqueness, and the automatic temporal indexes.
type indexSpec struct {
	Name    string
	Columns []string
	Unique  bool
}

// columnKey normalizes an index column set for order-insensitive comparison
// against live indexes.
func (i indexSpec) columnKey() string {
	cols := make([]string, len(i.Columns))
	for n, c := range i.Columns {
		cols[n] = strings.ToLower(c)
	}
	sort.Strings(cols)
	return strings.Join(cols, ",") + "|" + map[bool]string{true: "u", false: "i"}[i.Unique]
}

// junctionSpec is one junction table backing a many-to-many relation.
type junctionSpec struct {
	Name         string
	SourceColumn string
	SourceTable  string
	SourceType   models.ColumnType
	SourcePK     string
	TargetColumn string
	TargetTable  string
	TargetType   models.ColumnType
	TargetPK     string
}

// resolveTarget finds a relation's target table, checking the table under
// migration first so self-references and freshly created tables resolve
// before any cache reload.
func resolveTarget(self *metadata.FullTable, rel *models.RelationDefinition, resolve Resolver) (*metadata.FullTable, error) {
	if rel.TargetTableID == self.Table.ID {
		return self, nil
	}
	target := resolve.LookupByID(rel.TargetTableID)
	if target == nil {
		return nil, apperrors.NotFound("table", rel.TargetTableID.String()).
			WithRelation(rel.PropertyName)
	}
	return target, nil
}

// desiredColumns computes the full physical column set for a table: the
// primary first, declared columns in metadata order, FK columns for forward
// single-reference relations, then the managed audit pair.
func desiredColumns(full *metadata.FullTable, resolve Resolver) ([]physicalColumn, error) {
	cols := make([]physicalColumn, 0, len(full.Columns)+len(full.Relations)+2)

	for _, c := range full.Columns {
		if !c.IsPrimary {
			continue
		}
		cols = append(cols, fromDefinition(c))
	}
	for _, c := range full.Columns {
		if c.IsPrimary {
			continue
		}
		cols = append(cols, fromDefinition(c))
	}

	for _, rel := range full.Relations {
		if rel.Type != models.RelationManyToOne && rel.Type != models.RelationOneToOne {
			continue
		}
		target, err := resolveTarget(full, rel, resolve)
		if err != nil {
			return nil, err
		}
		pk := target.PrimaryColumn()
		if pk == nil {
			return nil, apperrors.Validation("relation %q targets table %q which has no primary column",
				rel.PropertyName, target.Table.Name)
		}
		cols = append(cols, physicalColumn{
			Name:      naming.ForeignKeyColumn(rel.PropertyName),
			Type:      pk.Type,
			Nullable:  rel.IsNullable,
			Relation:  rel,
			RefTable:  target.Table.Name,
			RefColumn: pk.Name,
		})
	}

	// A one-to-many materializes its FK column on the target side, under the
	// relation's inverse property name.
	for _, rel := range inverseOneToMany(full, resolve) {
		source := resolve.LookupByID(rel.SourceTableID)
		if source == nil && rel.SourceTableID == full.Table.ID {
			source = full
		}
		if source == nil {
			continue
		}
		pk := source.PrimaryColumn()
		if pk == nil {
			continue
		}
		cols = append(cols, physicalColumn{
			Name:      naming.ForeignKeyColumn(*rel.InversePropertyName),
			Type:      pk.Type,
			Nullable:  rel.IsNullable,
			Relation:  rel,
			RefTable:  source.Table.Name,
			RefColumn: pk.Name,
		})
	}

	cols = append(cols,
		physicalColumn{Name: CreatedAtColumn, Type: models.ColumnTypeTimestamp, Managed: true},
		physicalColumn{Name: UpdatedAtColumn, Type: models.ColumnTypeTimestamp, Managed: true},
	)
	return cols, nil
}

func fromDefinition(c *models.ColumnDefinition) physicalColumn {
	return physicalColumn{
		Name:        c.Name,
		Type:        c.Type,
		Length:      c.Length,
		Options:     c.Options,
		Nullable:    c.IsNullable,
		Default:     c.DefaultValue,
		IsPrimary:   c.IsPrimary,
		IsGenerated: c.IsGenerated,
	}
}

// desiredIndexes computes the index set for a table. Property names in
// unique/index groups that name a relation resolve to the relation's FK
// column. Timestamp-typed columns and the audit pair get automatic indexes.
func desiredIndexes(full *metadata.FullTable, limit int) []indexSpec {
	var specs []indexSpec
	seen := map[string]struct{}{}

	add := func(columns []string, unique bool) {
		s := indexSpec{
			Name:    naming.IndexName(full.Table.Name, columns, unique, limit),
			Columns: columns,
			Unique:  unique,
		}
		key := s.columnKey()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		specs = append(specs, s)
	}

	for _, c := range full.Columns {
		if c.IsUnique && !c.IsPrimary {
			add([]string{c.Name}, true)
		}
	}
	for _, group := range full.Table.Uniques {
		add(resolveGroup(full, group), true)
	}
	for _, group := range full.Table.Indexes {
		add(resolveGroup(full, group), false)
	}
	for _, c := range full.Columns {
		if c.Type.IsTemporal() && !c.IsPrimary {
			add([]string{c.Name}, false)
		}
	}
	add([]string{CreatedAtColumn}, false)
	add([]string{UpdatedAtColumn}, false)
	add([]string{CreatedAtColumn, UpdatedAtColumn}, false)

	return specs
}

// inverseOneToMany returns the one-to-many relations whose reference
// materializes on this table: relations targeting it from the snapshot plus
// its own self-referencing ones, deduplicated by relation id.
func inverseOneToMany(full *metadata.FullTable, resolve Resolver) []*models.RelationDefinition {
	candidates := resolve.InverseRelations(full.Table.ID)
	for _, rel := range full.Relations {
		if rel.TargetTableID == full.Table.ID {
			candidates = append(candidates, rel)
		}
	}
	var out []*models.RelationDefinition
	seen := map[uuid.UUID]struct{}{}
	for _, rel := range candidates {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		if _, dup := seen[rel.ID]; dup {
			continue
		}
		seen[rel.ID] = struct{}{}
		out = append(out, rel)
	}
	return out
}

// resolveGroup maps property names to physical column names: relation
// properties become their FK column, column names pass through.
func resolveGroup(full *metadata.FullTable, group []string) []string {
	out := make([]string, len(group))
	for i, prop := range group {
		if rel := full.Relation(prop); rel != nil && rel.Type.OwnsForeignKey() && rel.Type != models.RelationManyToMany {
			out[i] = naming.ForeignKeyColumn(prop)
			continue
		}
		out[i] = prop
	}
	return out
}

// desiredJunctions computes the junction tables backing the table's declared
// many-to-many relations, deduplicated by physical name so re-declared
// relations cannot produce duplicate tables.
func desiredJunctions(full *metadata.FullTable, resolve Resolver, limit int) ([]junctionSpec, error) {
	var specs []junctionSpec
	seen := map[string]struct{}{}

	for _, rel := range full.Relations {
		if rel.Type != models.RelationManyToMany {
			continue
		}
		target, err := resolveTarget(full, rel, resolve)
		if err != nil {
			return nil, err
		}
		sourcePK := full.PrimaryColumn()
		targetPK := target.PrimaryColumn()
		if sourcePK == nil || targetPK == nil {
			return nil, apperrors.Validation("relation %q requires primary columns on both sides", rel.PropertyName)
		}
		name := naming.JunctionTableName(full.Table.Name, rel.PropertyName, target.Table.Name, limit)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		targetColumn := naming.ForeignKeyColumn(target.Table.Name)
		// Self-referencing relations need distinct junction columns.
		if target.Table.ID == full.Table.ID {
			targetColumn += "_2"
		}
		specs = append(specs, junctionSpec{
			Name:         name,
			SourceColumn: naming.ForeignKeyColumn(full.Table.Name),
			SourceTable:  full.Table.Name,
			SourceType:   sourcePK.Type,
			SourcePK:     sourcePK.Name,
			TargetColumn: targetColumn,
			TargetTable:  target.Table.Name,
			TargetType:   targetPK.Type,
			TargetPK:     targetPK.Name,
		})
	}
	return specs, nil
}
