package migrator

import (
	"fmt"
	"strings"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// OpKind classifies one planned DDL operation.
type OpKind string

const (
	OpCreateTable    OpKind = "create_table"
	OpDropTable      OpKind = "drop_table"
	OpAddColumn      OpKind = "add_column"
	OpDropColumn     OpKind = "drop_column"
	OpAlterColumn    OpKind = "alter_column"
	OpRenameColumn   OpKind = "rename_column"
	OpAddForeignKey  OpKind = "add_foreign_key"
	OpDropForeignKey OpKind = "drop_foreign_key"
	OpCreateIndex    OpKind = "create_index"
	OpDropIndex      OpKind = "drop_index"
	OpCreateJunction OpKind = "create_junction"
	OpDropJunction   OpKind = "drop_junction"
)

// Operation is one planned DDL step: what it does and the statements that do
// it. Plans are computed without touching the database so tests can assert on
// them directly; an unchanged table always yields an empty plan.
type Operation struct {
	Kind   OpKind
	Table  string
	Detail string
	SQL    []string
}

// Plan is an ordered list of operations applied sequentially.
type Plan []Operation

// Empty reports whether the plan contains no work.
func (p Plan) Empty() bool { return len(p) == 0 }

// Statements flattens the plan into its SQL statements in order.
func (p Plan) Statements() []string {
	var out []string
	for _, op := range p {
		out = append(out, op.SQL...)
	}
	return out
}

// BuildCreatePlan plans the physical creation of a new table: the CREATE
// TABLE with all columns, the FK constraints as a second pass, junction
// tables for many-to-many relations, and the index set.
func BuildCreatePlan(d Dialect, full *metadata.FullTable, resolve Resolver) (Plan, error) {
	cols, err := desiredColumns(full, resolve)
	if err != nil {
		return nil, err
	}

	var plan Plan
	plan = append(plan, createTableOp(d, full.Table.Name, cols))

	for i := range cols {
		col := &cols[i]
		if col.Relation == nil {
			continue
		}
		plan = append(plan, addForeignKeyOp(d, full.Table.Name, col))
	}

	junctions, err := desiredJunctions(full, resolve, d.IdentifierLimit())
	if err != nil {
		return nil, err
	}
	for _, j := range junctions {
		plan = append(plan, createJunctionOp(d, j))
	}

	for _, idx := range desiredIndexes(full, d.IdentifierLimit()) {
		plan = append(plan, Operation{
			Kind:   OpCreateIndex,
			Table:  full.Table.Name,
			Detail: idx.Name,
			SQL:    []string{d.CreateIndexSQL(full.Table.Name, idx.Name, idx.Columns, idx.Unique)},
		})
	}
	return plan, nil
}

// BuildUpdatePlan diffs the desired shape against the live table and plans
// only the statements that close the gap. Renames from the change set are
// applied to the live view first so a renamed column is never seen as a
// drop-and-add. existingJunctions holds the physical junction tables already
// present, keyed by name.
func BuildUpdatePlan(d Dialect, full *metadata.FullTable, live *LiveTable, changes *metadata.ChangeSet, existingJunctions map[string]bool, resolve Resolver) (Plan, error) {
	cols, err := desiredColumns(full, resolve)
	if err != nil {
		return nil, err
	}
	table := full.Table.Name

	var plan Plan

	// Renames first, then diff against the renamed view.
	if changes != nil {
		for _, r := range changes.RenamedColumns {
			if live.Column(r.OldName) == nil {
				continue
			}
			plan = append(plan, Operation{
				Kind:   OpRenameColumn,
				Table:  table,
				Detail: r.OldName + " -> " + r.NewName,
				SQL: []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
					d.Quote(table), d.Quote(r.OldName), d.Quote(r.NewName))},
			})
			live.Column(r.OldName).Name = r.NewName
		}
	}

	desiredByName := make(map[string]*physicalColumn, len(cols))
	for i := range cols {
		desiredByName[cols[i].Name] = &cols[i]
	}

	// Drop FK constraints whose column or target no longer matches a desired
	// relation. Constraint names come from the live schema, never re-derived.
	liveFKNames := map[string]bool{}
	for _, fk := range live.ForeignKeys {
		liveFKNames[fk.ConstraintName] = true
		want := desiredByName[fk.Column]
		if want != nil && want.Relation != nil && want.RefTable == fk.RefTable && want.RefColumn == fk.RefColumn {
			continue
		}
		plan = append(plan, Operation{
			Kind:   OpDropForeignKey,
			Table:  table,
			Detail: fk.ConstraintName,
			SQL:    []string{d.DropForeignKeySQL(table, fk.ConstraintName)},
		})
	}

	// Column membership and shape.
	for i := range cols {
		col := &cols[i]
		lc := live.Column(col.Name)
		if lc == nil {
			plan = append(plan, Operation{
				Kind:   OpAddColumn,
				Table:  table,
				Detail: col.Name,
				SQL:    []string{d.AddColumnSQL(table, col)},
			})
			if col.Relation != nil {
				plan = append(plan, addForeignKeyOp(d, table, col))
			}
			continue
		}
		if columnNeedsAlter(lc, col) {
			plan = append(plan, Operation{
				Kind:   OpAlterColumn,
				Table:  table,
				Detail: col.Name,
				SQL:    d.AlterColumnSQL(table, col),
			})
		}
		if col.Relation != nil && live.ForeignKeyOn(col.Name) == nil {
			plan = append(plan, addForeignKeyOp(d, table, col))
		}
	}
	for _, lc := range live.Columns {
		if _, wanted := desiredByName[lc.Name]; wanted {
			continue
		}
		plan = append(plan, Operation{
			Kind:   OpDropColumn,
			Table:  table,
			Detail: lc.Name,
			SQL:    []string{d.DropColumnSQL(table, lc.Name)},
		})
	}

	// Index membership, compared by normalized column sets. Primary-key
	// indexes and the implicit indexes MySQL attaches to FK constraints are
	// invisible to the diff.
	desired := desiredIndexes(full, d.IdentifierLimit())
	desiredKeys := make(map[string]bool, len(desired))
	for _, idx := range desired {
		desiredKeys[idx.columnKey()] = true
	}
	liveKeys := map[string]bool{}
	for _, li := range live.Indexes {
		if li.IsPrimary || liveFKNames[li.Name] {
			continue
		}
		key := liveIndexKey(li)
		liveKeys[key] = true
		if !desiredKeys[key] {
			plan = append(plan, Operation{
				Kind:   OpDropIndex,
				Table:  table,
				Detail: li.Name,
				SQL:    []string{d.DropIndexSQL(table, li.Name)},
			})
		}
	}
	for _, idx := range desired {
		if liveKeys[idx.columnKey()] {
			continue
		}
		plan = append(plan, Operation{
			Kind:   OpCreateIndex,
			Table:  table,
			Detail: idx.Name,
			SQL:    []string{d.CreateIndexSQL(table, idx.Name, idx.Columns, idx.Unique)},
		})
	}

	// Missing junction tables.
	junctions, err := desiredJunctions(full, resolve, d.IdentifierLimit())
	if err != nil {
		return nil, err
	}
	for _, j := range junctions {
		if existingJunctions[j.Name] {
			continue
		}
		plan = append(plan, createJunctionOp(d, j))
	}
	return plan, nil
}

// BuildDropPlan plans the physical removal of a table: inbound FK columns on
// other tables first, junction tables on either side, then the table itself.
// liveSources holds the introspected shapes of the tables that declare
// inbound relations, keyed by table name.
func BuildDropPlan(d Dialect, full *metadata.FullTable, inbound []*models.RelationDefinition, liveSources map[string]*LiveTable, resolve Resolver) (Plan, error) {
	var plan Plan

	for _, rel := range inbound {
		source := resolve.LookupByID(rel.SourceTableID)
		if source == nil || source.Table.ID == full.Table.ID {
			continue
		}
		switch rel.Type {
		case models.RelationManyToOne, models.RelationOneToOne:
			fkCol := naming.ForeignKeyColumn(rel.PropertyName)
			if live := liveSources[source.Table.Name]; live != nil {
				if fk := live.ForeignKeyOn(fkCol); fk != nil {
					plan = append(plan, Operation{
						Kind:   OpDropForeignKey,
						Table:  source.Table.Name,
						Detail: fk.ConstraintName,
						SQL:    []string{d.DropForeignKeySQL(source.Table.Name, fk.ConstraintName)},
					})
				}
				if live.Column(fkCol) != nil {
					plan = append(plan, Operation{
						Kind:   OpDropColumn,
						Table:  source.Table.Name,
						Detail: fkCol,
						SQL:    []string{d.DropColumnSQL(source.Table.Name, fkCol)},
					})
				}
			}
		case models.RelationManyToMany:
			name := naming.JunctionTableName(source.Table.Name, rel.PropertyName, full.Table.Name, d.IdentifierLimit())
			plan = append(plan, dropJunctionOp(d, name))
		}
	}

	// One-to-many relations declared on this table put their FK column on
	// the target; those columns must go before the referenced table does.
	for _, rel := range full.Relations {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		target := resolve.LookupByID(rel.TargetTableID)
		if target == nil || target.Table.ID == full.Table.ID {
			continue
		}
		fkCol := naming.ForeignKeyColumn(*rel.InversePropertyName)
		live := liveSources[target.Table.Name]
		if live == nil {
			continue
		}
		if fk := live.ForeignKeyOn(fkCol); fk != nil {
			plan = append(plan, Operation{
				Kind:   OpDropForeignKey,
				Table:  target.Table.Name,
				Detail: fk.ConstraintName,
				SQL:    []string{d.DropForeignKeySQL(target.Table.Name, fk.ConstraintName)},
			})
		}
		if live.Column(fkCol) != nil {
			plan = append(plan, Operation{
				Kind:   OpDropColumn,
				Table:  target.Table.Name,
				Detail: fkCol,
				SQL:    []string{d.DropColumnSQL(target.Table.Name, fkCol)},
			})
		}
	}

	junctions, err := desiredJunctions(full, resolve, d.IdentifierLimit())
	if err != nil {
		return nil, err
	}
	for _, j := range junctions {
		plan = append(plan, dropJunctionOp(d, j.Name))
	}

	plan = append(plan, Operation{
		Kind:  OpDropTable,
		Table: full.Table.Name,
		SQL:   []string{d.DropTableSQL(full.Table.Name)},
	})
	return plan, nil
}

// columnNeedsAlter reports whether a live column's shape diverges from the
// desired one. Same-family type differences (int vs bigint) are not diffs;
// enum value-set changes are.
func columnNeedsAlter(live *LiveColumn, want *physicalColumn) bool {
	if want.IsPrimary || want.Managed {
		return false
	}
	if !TypesCompatible(live.DataType, string(want.Type)) {
		return true
	}
	if live.IsNullable != want.Nullable {
		return true
	}
	if want.Type == models.ColumnTypeEnum && !sameValueSet(live.EnumValues, want.Options) {
		return true
	}
	return false
}

func sameValueSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

func liveIndexKey(li LiveIndex) string {
	spec := indexSpec{Columns: li.Columns, Unique: li.IsUnique}
	return spec.columnKey()
}

func createTableOp(d Dialect, table string, cols []physicalColumn) Operation {
	clauses := make([]string, len(cols))
	for i := range cols {
		clauses[i] = "\t" + d.ColumnSQL(table, &cols[i])
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (\n%s\n)", d.Quote(table), strings.Join(clauses, ",\n"))
	return Operation{Kind: OpCreateTable, Table: table, SQL: []string{stmt}}
}

func addForeignKeyOp(d Dialect, table string, col *physicalColumn) Operation {
	constraint := naming.ForeignKeyConstraintName(table, col.Name, d.IdentifierLimit())
	return Operation{
		Kind:   OpAddForeignKey,
		Table:  table,
		Detail: constraint,
		SQL: []string{d.AddForeignKeySQL(table, constraint, col.Name,
			col.RefTable, col.RefColumn, col.Relation.EffectiveOnDelete())},
	}
}

func createJunctionOp(d Dialect, j junctionSpec) Operation {
	src := physicalColumn{Name: j.SourceColumn, Type: j.SourceType}
	tgt := physicalColumn{Name: j.TargetColumn, Type: j.TargetType}
	stmt := fmt.Sprintf("CREATE TABLE %s (\n\t%s,\n\t%s,\n\tPRIMARY KEY (%s, %s)\n)",
		d.Quote(j.Name),
		d.ColumnSQL(j.Name, &src), d.ColumnSQL(j.Name, &tgt),
		d.Quote(j.SourceColumn), d.Quote(j.TargetColumn))

	srcConstraint := naming.JunctionConstraintName(j.Name, naming.DirectionSource, d.IdentifierLimit())
	tgtConstraint := naming.JunctionConstraintName(j.Name, naming.DirectionTarget, d.IdentifierLimit())
	return Operation{
		Kind:   OpCreateJunction,
		Table:  j.Name,
		Detail: j.SourceTable + " <-> " + j.TargetTable,
		SQL: []string{
			stmt,
			d.AddForeignKeySQL(j.Name, srcConstraint, j.SourceColumn, j.SourceTable, j.SourcePK, models.DeleteCascade),
			d.AddForeignKeySQL(j.Name, tgtConstraint, j.TargetColumn, j.TargetTable, j.TargetPK, models.DeleteCascade),
		},
	}
}

func dropJunctionOp(d Dialect, name string) Operation {
	return Operation{
		Kind:  OpDropJunction,
		Table: name,
		SQL:   []string{d.DropTableSQL(name)},
	}
}
