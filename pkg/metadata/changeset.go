package metadata

import (
	"time"

	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// buildColumns materializes column definitions from a spec, keeping ids
// supplied by the caller (update) and minting fresh ones otherwise.
func buildColumns(spec *TableSpec, tableID uuid.UUID, now time.Time) []*models.ColumnDefinition {
	out := make([]*models.ColumnDefinition, 0, len(spec.Columns))
	for _, cs := range spec.Columns {
		id := uuid.New()
		if cs.ID != nil {
			id = *cs.ID
		}
		col := &models.ColumnDefinition{
			ID:           id,
			TableID:      tableID,
			Name:         cs.Name,
			Type:         cs.Type,
			IsPrimary:    cs.IsPrimary,
			IsGenerated:  cs.IsGenerated,
			IsNullable:   cs.IsNullable && !cs.IsPrimary,
			IsUnique:     cs.IsUnique,
			IsHidden:     cs.IsHidden,
			IsUpdatable:  cs.Updatable() && !cs.IsPrimary,
			IsSystem:     cs.IsSystem,
			DefaultValue: cs.DefaultValue,
			Options:      models.StringList(cs.Options),
			Length:       cs.Length,
			Description:  cs.Description,
			CreatedAt:    now,
		}
		out = append(out, col)
	}
	return out
}

// buildRelations materializes relation definitions, resolving target tables
// through the supplied lookup. selfID resolves self-references.
func buildRelations(spec *TableSpec, tableID uuid.UUID, now time.Time, resolve func(TableRef) (uuid.UUID, error)) ([]*models.RelationDefinition, error) {
	out := make([]*models.RelationDefinition, 0, len(spec.Relations))
	for _, rs := range spec.Relations {
		targetID, err := resolve(rs.TargetTable)
		if err != nil {
			return nil, err
		}
		id := uuid.New()
		if rs.ID != nil {
			id = *rs.ID
		}
		out = append(out, &models.RelationDefinition{
			ID:                  id,
			SourceTableID:       tableID,
			TargetTableID:       targetID,
			PropertyName:        rs.PropertyName,
			Type:                rs.Type,
			InversePropertyName: inverseName(rs, spec.Name),
			IsNullable:          rs.IsNullable,
			IsSystem:            rs.IsSystem,
			OnDelete:            rs.OnDelete,
			Description:         rs.Description,
			CreatedAt:           now,
		})
	}
	return out, nil
}

// inverseName resolves the back-reference property materialized on the
// target table. Declared names win; without one, many-to-one and
// many-to-many get the pluralized source table name and one-to-one the
// singular, so the inverse side always exists at read time. One-to-many
// must be declared explicitly (validation enforces it) and is never
// defaulted here.
func inverseName(rs RelationSpec, sourceTable string) *string {
	if rs.InversePropertyName != nil && *rs.InversePropertyName != "" {
		return rs.InversePropertyName
	}
	var derived string
	switch rs.Type {
	case models.RelationManyToOne, models.RelationManyToMany:
		derived = naming.InverseProperty(sourceTable)
	case models.RelationOneToOne:
		derived = naming.LowerCamel(sourceTable)
	default:
		return rs.InversePropertyName
	}
	return &derived
}

// resolveRef turns a TableRef into a table id against the given metadata set.
func resolveRef(ref TableRef, all []*FullTable, selfName string, selfID uuid.UUID) (uuid.UUID, error) {
	if ref.ID != nil {
		if *ref.ID == selfID {
			return selfID, nil
		}
		for _, t := range all {
			if t.Table.ID == *ref.ID {
				return t.Table.ID, nil
			}
		}
		return uuid.Nil, apperrors.NotFound("target table", ref.ID.String())
	}
	if ref.Name == selfName {
		return selfID, nil
	}
	for _, t := range all {
		if t.Table.Name == ref.Name {
			return t.Table.ID, nil
		}
	}
	return uuid.Nil, apperrors.NotFound("target table", ref.Name)
}

// ComputeChangeSet diffs old against desired metadata by stable id, never by
// position. A column whose id survives with a changed name is a rename; one
// whose shape changed in place is a modification.
func ComputeChangeSet(old *FullTable, columns []*models.ColumnDefinition, relations []*models.RelationDefinition) *ChangeSet {
	cs := &ChangeSet{}

	oldCols := make(map[uuid.UUID]*models.ColumnDefinition, len(old.Columns))
	for _, c := range old.Columns {
		oldCols[c.ID] = c
	}
	newColIDs := make(map[uuid.UUID]struct{}, len(columns))
	for _, c := range columns {
		newColIDs[c.ID] = struct{}{}
		prev, existed := oldCols[c.ID]
		if !existed {
			cs.AddedColumns = append(cs.AddedColumns, c)
			continue
		}
		if prev.Name != c.Name {
			cs.RenamedColumns = append(cs.RenamedColumns, ColumnRename{
				ColumnID: c.ID,
				OldName:  prev.Name,
				NewName:  c.Name,
			})
		}
		if columnShapeChanged(prev, c) {
			cs.ModifiedColumns = append(cs.ModifiedColumns, c)
		}
	}
	for _, c := range old.Columns {
		if _, kept := newColIDs[c.ID]; !kept {
			cs.DroppedColumns = append(cs.DroppedColumns, c)
		}
	}

	oldRels := make(map[uuid.UUID]*models.RelationDefinition, len(old.Relations))
	for _, r := range old.Relations {
		oldRels[r.ID] = r
	}
	newRelIDs := make(map[uuid.UUID]struct{}, len(relations))
	for _, r := range relations {
		newRelIDs[r.ID] = struct{}{}
		if _, existed := oldRels[r.ID]; !existed {
			cs.AddedRelations = append(cs.AddedRelations, r)
		}
	}
	for _, r := range old.Relations {
		if _, kept := newRelIDs[r.ID]; !kept {
			cs.DroppedRelations = append(cs.DroppedRelations, r)
		}
	}

	return cs
}

func columnShapeChanged(prev, next *models.ColumnDefinition) bool {
	if prev.Type != next.Type || prev.IsNullable != next.IsNullable || prev.IsUnique != next.IsUnique {
		return true
	}
	if (prev.DefaultValue == nil) != (next.DefaultValue == nil) {
		return true
	}
	if prev.DefaultValue != nil && next.DefaultValue != nil && *prev.DefaultValue != *next.DefaultValue {
		return true
	}
	if len(prev.Options) != len(next.Options) {
		return true
	}
	for i := range prev.Options {
		if prev.Options[i] != next.Options[i] {
			return true
		}
	}
	return false
}
