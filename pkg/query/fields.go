// Package query builds read queries over operator-created tables from a
// field-selection list and a filter DSL. The relational builder emits one
// SELECT with correlated JSON subqueries per requested relation; the
// document builder emits an aggregation pipeline with one $lookup per
// requested relation. Both share the parsed field tree and filter tree.
package query

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// MetadataSource supplies table metadata for projection expansion.
// *metadata.Cache satisfies it.
type MetadataSource interface {
	Lookup(name string) *metadata.FullTable
	LookupByID(id uuid.UUID) *metadata.FullTable
	InverseRelations(tableID uuid.UUID) []*models.RelationDefinition
}

// FieldTree is the parsed shape of a field-selection list. A node selects
// scalar fields of one table plus subtrees for its relations.
type FieldTree struct {
	Wildcard  bool
	Scalars   []string
	Relations map[string]*FieldTree
}

// ParseFields parses a comma-separated selection list. Entries are scalar
// names, dotted relation paths, or wildcards: "*", "a,b", "rel.c",
// "rel.nested.*". An empty list selects everything.
func ParseFields(raw string) (*FieldTree, error) {
	root := newFieldTree()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		root.Wildcard = true
		return root, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		node := root
		parts := strings.Split(entry, ".")
		for i, part := range parts {
			last := i == len(parts)-1
			switch {
			case part == "*":
				if !last {
					return nil, apperrors.Validation("wildcard must terminate the path in %q", entry)
				}
				node.Wildcard = true
			case last:
				node.Scalars = append(node.Scalars, part)
			default:
				child, ok := node.Relations[part]
				if !ok {
					child = newFieldTree()
					node.Relations[part] = child
				}
				node = child
			}
		}
	}
	// A selected name that turns out to be a relation is resolved during
	// expansion, where metadata is available.
	return root, nil
}

func newFieldTree() *FieldTree {
	return &FieldTree{Relations: map[string]*FieldTree{}}
}

// relationRef is one entry of a table's relation surface: a declared
// relation, or the inverse view of a relation another table declares
// against it.
type relationRef struct {
	Name   string
	Rel    *models.RelationDefinition
	Owned  bool
	Target *metadata.FullTable
	ToMany bool
	// Stored reports whether the reference lives as a field/column on this
	// table (single refs and owned many-to-many arrays on the document
	// backend).
	Stored bool
}

// relationSurface lists every relation reachable from the table by name:
// declared relations under their property names, inverse views of inbound
// relations under their inverse property names.
func relationSurface(meta MetadataSource, full *metadata.FullTable) ([]relationRef, error) {
	var out []relationRef

	for _, rel := range full.Relations {
		target := full
		if rel.TargetTableID != full.Table.ID {
			target = meta.LookupByID(rel.TargetTableID)
		}
		if target == nil {
			return nil, apperrors.Validation("relation %q targets an unknown table", rel.PropertyName).
				WithTable(full.Table.Name).WithRelation(rel.PropertyName)
		}
		out = append(out, relationRef{
			Name:   rel.PropertyName,
			Rel:    rel,
			Owned:  true,
			Target: target,
			ToMany: rel.Type.IsToMany(),
			Stored: rel.Type != models.RelationOneToMany,
		})
		// An owned one-to-many stores its reference on the target; the
		// table's own property is the computed many side.
	}

	for _, rel := range meta.InverseRelations(full.Table.ID) {
		source := meta.LookupByID(rel.SourceTableID)
		if source == nil {
			continue
		}
		name := inverseSurfaceName(rel, source.Table.Name)
		if name == "" {
			continue
		}
		ref := relationRef{
			Name:   name,
			Rel:    rel,
			Owned:  false,
			Target: source,
		}
		switch rel.Type {
		case models.RelationManyToOne, models.RelationManyToMany:
			ref.ToMany = true
		case models.RelationOneToOne:
			ref.ToMany = false
		case models.RelationOneToMany:
			// The inverse of an inbound one-to-many is a stored single
			// reference on this table.
			ref.ToMany = false
			ref.Stored = true
		}
		out = append(out, ref)
	}
	return out, nil
}

// inverseSurfaceName resolves the property under which an inbound relation
// appears on its target: the stored inversePropertyName when set, else the
// auto-derived back-reference name. One-to-many without an inverse name is
// invalid metadata and gets no surface entry.
func inverseSurfaceName(rel *models.RelationDefinition, sourceTable string) string {
	if rel.InversePropertyName != nil && *rel.InversePropertyName != "" {
		return *rel.InversePropertyName
	}
	switch rel.Type {
	case models.RelationManyToOne, models.RelationManyToMany:
		return naming.InverseProperty(sourceTable)
	case models.RelationOneToOne:
		return naming.LowerCamel(sourceTable)
	}
	return ""
}

// Projection is a field tree resolved against metadata: concrete scalar
// columns plus fully-typed relation subprojections.
type Projection struct {
	Table     *metadata.FullTable
	Columns   []string
	Relations []*RelationProjection
}

// RelationProjection is one expanded relation with its nested projection.
type RelationProjection struct {
	Ref relationRef
	Sub *Projection
}

// Expand resolves a field tree against a table's metadata. Wildcards expand
// to every scalar column plus every relation projected at primary-key-only
// depth, recursively. Unknown names are validation errors.
func Expand(meta MetadataSource, full *metadata.FullTable, tree *FieldTree) (*Projection, error) {
	return expand(meta, full, tree, 0)
}

const maxExpandDepth = 8

func expand(meta MetadataSource, full *metadata.FullTable, tree *FieldTree, depth int) (*Projection, error) {
	if depth > maxExpandDepth {
		return nil, apperrors.Validation("field selection exceeds maximum relation depth %d", maxExpandDepth).
			WithTable(full.Table.Name)
	}
	surface, err := relationSurface(meta, full)
	if err != nil {
		return nil, err
	}
	byName := map[string]relationRef{}
	for _, ref := range surface {
		byName[ref.Name] = ref
	}

	proj := &Projection{Table: full}
	seenCols := map[string]struct{}{}
	addColumn := func(name string) {
		if _, dup := seenCols[name]; dup {
			return
		}
		seenCols[name] = struct{}{}
		proj.Columns = append(proj.Columns, name)
	}

	if tree == nil {
		tree = &FieldTree{Wildcard: true, Relations: map[string]*FieldTree{}}
	}

	if tree.Wildcard {
		for _, col := range full.Columns {
			if col.IsHidden {
				continue
			}
			addColumn(col.Name)
		}
		addColumn(createdAtField)
		addColumn(updatedAtField)
		for _, ref := range surface {
			if _, explicit := tree.Relations[ref.Name]; explicit {
				continue
			}
			sub, err := idOnlyProjection(ref.Target)
			if err != nil {
				return nil, err
			}
			proj.Relations = append(proj.Relations, &RelationProjection{Ref: ref, Sub: sub})
		}
	}

	for _, name := range tree.Scalars {
		if ref, isRel := byName[name]; isRel {
			// A bare relation name selects it at primary-key-only depth.
			sub, err := idOnlyProjection(ref.Target)
			if err != nil {
				return nil, err
			}
			proj.Relations = append(proj.Relations, &RelationProjection{Ref: ref, Sub: sub})
			continue
		}
		if !hasColumn(full, name) {
			return nil, apperrors.Validation("unknown field %q on table %q", name, full.Table.Name).
				WithTable(full.Table.Name).WithColumn(name)
		}
		addColumn(name)
	}

	relNames := make([]string, 0, len(tree.Relations))
	for name := range tree.Relations {
		relNames = append(relNames, name)
	}
	sort.Strings(relNames)
	for _, name := range relNames {
		subtree := tree.Relations[name]
		ref, ok := byName[name]
		if !ok {
			return nil, apperrors.Validation("unknown relation %q on table %q", name, full.Table.Name).
				WithTable(full.Table.Name).WithRelation(name)
		}
		sub, err := expand(meta, ref.Target, subtree, depth+1)
		if err != nil {
			return nil, err
		}
		proj.Relations = append(proj.Relations, &RelationProjection{Ref: ref, Sub: sub})
	}

	if len(proj.Columns) == 0 {
		// Relations always carry the parent key so joins stay possible.
		if pk := full.PrimaryColumn(); pk != nil {
			addColumn(pk.Name)
		}
	}
	return proj, nil
}

// idOnlyProjection projects just the primary key, the placeholder shape for
// relations that were declared but not expanded.
func idOnlyProjection(full *metadata.FullTable) (*Projection, error) {
	pk := full.PrimaryColumn()
	if pk == nil {
		return nil, apperrors.Validation("table %q has no primary key", full.Table.Name).
			WithTable(full.Table.Name)
	}
	return &Projection{Table: full, Columns: []string{pk.Name}}, nil
}

func hasColumn(full *metadata.FullTable, name string) bool {
	if name == createdAtField || name == updatedAtField {
		return true
	}
	for _, col := range full.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

const (
	createdAtField = "createdAt"
	updatedAtField = "updatedAt"
)
