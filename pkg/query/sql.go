package query

import (
	"fmt"
	"strings"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// SortKey is one ORDER BY / $sort entry.
type SortKey struct {
	Field string
	Desc  bool
}

// SQLBuilder renders one SELECT per query: requested relations become
// correlated scalar subqueries producing JSON, so arbitrarily nested
// selections stay a single round trip.
type SQLBuilder struct {
	meta     MetadataSource
	postgres bool
}

// NewSQLBuilder builds a query builder for the given dialect, "postgres" or
// "mysql".
func NewSQLBuilder(meta MetadataSource, dialect string) *SQLBuilder {
	return &SQLBuilder{meta: meta, postgres: dialect == "postgres"}
}

// sqlState carries the mutable pieces of one build: the parameter list and
// the alias counter. Aliases are c, c1, c2, ... in allocation order so
// rendered SQL is deterministic.
type sqlState struct {
	args    []any
	aliases int
}

func (s *sqlState) nextAlias() string {
	n := s.aliases
	s.aliases++
	if n == 0 {
		return "c"
	}
	return fmt.Sprintf("c%d", n)
}

func (s *sqlState) nextJunctionAlias() string {
	n := s.aliases
	s.aliases++
	return fmt.Sprintf("j%d", n)
}

// Build renders the full SELECT. limit and offset are ignored when <= 0.
func (b *SQLBuilder) Build(proj *Projection, filter FilterNode, sort []SortKey, limit, offset int) (string, []any, error) {
	state := &sqlState{}
	alias := state.nextAlias()

	var selects []string
	for _, col := range proj.Columns {
		selects = append(selects, b.quote(alias)+"."+b.quote(col))
	}
	for _, rel := range proj.Relations {
		sub, err := b.relationSubquery(state, proj.Table, alias, rel)
		if err != nil {
			return "", nil, err
		}
		selects = append(selects, "("+sub+") AS "+b.quote(rel.Ref.Name))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.quote(proj.Table.Table.Name))
	sb.WriteString(" ")
	sb.WriteString(b.quote(alias))

	if filter != nil {
		where, err := b.renderFilter(state, proj.Table, alias, filter)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if len(sort) > 0 {
		var keys []string
		for _, key := range sort {
			dir := " ASC"
			if key.Desc {
				dir = " DESC"
			}
			keys = append(keys, b.quote(alias)+"."+b.quote(key.Field)+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(keys, ", "))
	}
	if limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}
	if offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}
	return sb.String(), state.args, nil
}

// relationSubquery renders the correlated subquery for one relation: a JSON
// object limited to one row for single-valued relations, a coalesced JSON
// array for to-many relations.
func (b *SQLBuilder) relationSubquery(state *sqlState, outer *metadata.FullTable, outerAlias string, rel *RelationProjection) (string, error) {
	inner := state.nextAlias()
	object, err := b.jsonObject(state, inner, rel.Sub)
	if err != nil {
		return "", err
	}

	target := rel.Sub.Table
	targetPK := target.PrimaryColumn()
	outerPK := outer.PrimaryColumn()
	if targetPK == nil || outerPK == nil {
		return "", apperrors.Validation("relation %q requires primary columns on both sides", rel.Ref.Name).
			WithRelation(rel.Ref.Name)
	}

	from := b.quote(target.Table.Name) + " " + b.quote(inner)
	ref := rel.Ref

	if ref.Rel.Type == models.RelationManyToMany {
		link, err := b.junctionLink(state, outer, outerAlias, outerPK.Name, inner, targetPK.Name, ref)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s", b.jsonAgg(object), from, link), nil
	}

	var where string
	single := !ref.ToMany
	switch {
	case ref.Stored:
		// This table holds the foreign key: owned single references, and
		// the stored inverse of an inbound one-to-many.
		prop := ref.Name
		if ref.Owned {
			prop = ref.Rel.PropertyName
		}
		where = fmt.Sprintf("%s.%s = %s.%s",
			b.quote(inner), b.quote(targetPK.Name),
			b.quote(outerAlias), b.quote(naming.ForeignKeyColumn(prop)))
	case ref.Owned:
		// Owned one-to-many: the target holds the inverse foreign key.
		where = fmt.Sprintf("%s.%s = %s.%s",
			b.quote(inner), b.quote(naming.ForeignKeyColumn(*ref.Rel.InversePropertyName)),
			b.quote(outerAlias), b.quote(outerPK.Name))
	default:
		// Inverse view of an inbound single reference: the source table
		// holds the foreign key.
		where = fmt.Sprintf("%s.%s = %s.%s",
			b.quote(inner), b.quote(naming.ForeignKeyColumn(ref.Rel.PropertyName)),
			b.quote(outerAlias), b.quote(outerPK.Name))
	}

	if single {
		return fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", object, from, where), nil
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", b.jsonAgg(object), from, where), nil
}

// junctionLink renders the linkage through a many-to-many junction table,
// walked in either direction, as a predicate over the inner alias.
func (b *SQLBuilder) junctionLink(state *sqlState, outer *metadata.FullTable, outerAlias, outerPK, innerAlias, targetPK string, ref relationRef) (string, error) {
	jAlias := state.nextJunctionAlias()

	owner, other := outer, ref.Target
	if !ref.Owned {
		owner, other = other, owner
	}
	junction := naming.JunctionTableName(owner.Table.Name, ref.Rel.PropertyName, other.Table.Name, b.identifierLimit())
	ownerCol := naming.ForeignKeyColumn(owner.Table.Name)
	otherCol := naming.ForeignKeyColumn(other.Table.Name)
	if owner.Table.ID == other.Table.ID {
		otherCol += "_2"
	}

	joinCol, whereCol := otherCol, ownerCol
	if !ref.Owned {
		joinCol, whereCol = ownerCol, otherCol
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.%s = %s.%s AND %s.%s = %s.%s)",
		b.quote(junction), b.quote(jAlias),
		b.quote(jAlias), b.quote(joinCol), b.quote(innerAlias), b.quote(targetPK),
		b.quote(jAlias), b.quote(whereCol), b.quote(outerAlias), b.quote(outerPK)), nil
}

// jsonObject renders the JSON object for one projection level, recursing
// into nested relations.
func (b *SQLBuilder) jsonObject(state *sqlState, alias string, proj *Projection) (string, error) {
	var pairs []string
	for _, col := range proj.Columns {
		pairs = append(pairs, b.jsonString(col)+", "+b.quote(alias)+"."+b.quote(col))
	}
	for _, rel := range proj.Relations {
		sub, err := b.relationSubquery(state, proj.Table, alias, rel)
		if err != nil {
			return "", err
		}
		pairs = append(pairs, b.jsonString(rel.Ref.Name)+", ("+sub+")")
	}
	fn := "JSON_OBJECT"
	if b.postgres {
		fn = "json_build_object"
	}
	return fn + "(" + strings.Join(pairs, ", ") + ")", nil
}

func (b *SQLBuilder) jsonAgg(object string) string {
	if b.postgres {
		return "COALESCE(json_agg(" + object + "), '[]'::json)"
	}
	return "COALESCE(JSON_ARRAYAGG(" + object + "), JSON_ARRAY())"
}

func (b *SQLBuilder) jsonString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (b *SQLBuilder) quote(ident string) string {
	if b.postgres {
		return `"` + ident + `"`
	}
	return "`" + ident + "`"
}

func (b *SQLBuilder) placeholder(state *sqlState) string {
	if b.postgres {
		return fmt.Sprintf("$%d", len(state.args))
	}
	return "?"
}

func (b *SQLBuilder) identifierLimit() int {
	if b.postgres {
		return 63
	}
	return 64
}

// renderFilter renders the WHERE expression. Conditions on relation paths
// become EXISTS subqueries over the relation linkage.
func (b *SQLBuilder) renderFilter(state *sqlState, table *metadata.FullTable, alias string, node FilterNode) (string, error) {
	switch n := node.(type) {
	case Condition:
		if len(n.Path) > 1 {
			return b.renderRelationCondition(state, table, alias, n)
		}
		return b.renderCondition(state, table, alias, n)
	case Group:
		if len(n.Children) == 0 {
			return "TRUE", nil
		}
		joiner := " AND "
		if n.Or {
			joiner = " OR "
		}
		var parts []string
		for _, child := range n.Children {
			part, err := b.renderFilter(state, table, alias, child)
			if err != nil {
				return "", err
			}
			parts = append(parts, "("+part+")")
		}
		return strings.Join(parts, joiner), nil
	}
	return "", apperrors.Validation("malformed filter")
}

func (b *SQLBuilder) renderCondition(state *sqlState, table *metadata.FullTable, alias string, cond Condition) (string, error) {
	field := cond.Path[0]
	if !hasColumn(table, field) {
		// A stored single reference may be filtered by id through its
		// foreign-key column.
		if prop, ok := storedReference(b.meta, table, field); ok {
			field = naming.ForeignKeyColumn(prop)
		} else {
			return "", apperrors.Validation("unknown filter field %q on table %q", field, table.Table.Name).
				WithTable(table.Table.Name).WithColumn(field)
		}
	}
	col := b.quote(alias) + "." + b.quote(field)

	bind := func(v any) string {
		state.args = append(state.args, v)
		return b.placeholder(state)
	}

	switch cond.Op {
	case OpEq:
		return col + " = " + bind(cond.Value), nil
	case OpNeq:
		return col + " <> " + bind(cond.Value), nil
	case OpGt:
		return col + " > " + bind(cond.Value), nil
	case OpGte:
		return col + " >= " + bind(cond.Value), nil
	case OpLt:
		return col + " < " + bind(cond.Value), nil
	case OpLte:
		return col + " <= " + bind(cond.Value), nil
	case OpIn, OpNotIn:
		list := cond.Value.([]any)
		if len(list) == 0 {
			if cond.Op == OpIn {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		var holes []string
		for _, v := range list {
			holes = append(holes, bind(v))
		}
		op := " IN ("
		if cond.Op == OpNotIn {
			op = " NOT IN ("
		}
		return col + op + strings.Join(holes, ", ") + ")", nil
	case OpContains:
		return b.caseInsensitiveLike(col, bind(likePattern(cond.Value, true, true))), nil
	case OpStartsWith:
		return b.caseInsensitiveLike(col, bind(likePattern(cond.Value, false, true))), nil
	case OpEndsWith:
		return b.caseInsensitiveLike(col, bind(likePattern(cond.Value, true, false))), nil
	case OpBetween:
		list := cond.Value.([]any)
		return col + " BETWEEN " + bind(list[0]) + " AND " + bind(list[1]), nil
	case OpIsNull:
		if cond.Value.(bool) {
			return col + " IS NULL", nil
		}
		return col + " IS NOT NULL", nil
	}
	return "", apperrors.Validation("unknown filter operator %q", cond.Op)
}

func (b *SQLBuilder) caseInsensitiveLike(col, pattern string) string {
	if b.postgres {
		return col + " ILIKE " + pattern
	}
	return "LOWER(" + col + ") LIKE LOWER(" + pattern + ")"
}

// likePattern escapes LIKE metacharacters in the operand and adds the
// requested wildcards.
func likePattern(value any, leading, trailing bool) string {
	s := fmt.Sprintf("%v", value)
	s = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
	if leading {
		s = "%" + s
	}
	if trailing {
		s += "%"
	}
	return s
}

// renderRelationCondition renders a dotted-path condition as an EXISTS
// subquery walking one relation level. Deeper paths recurse.
func (b *SQLBuilder) renderRelationCondition(state *sqlState, table *metadata.FullTable, alias string, cond Condition) (string, error) {
	surface, err := relationSurface(b.meta, table)
	if err != nil {
		return "", err
	}
	var ref *relationRef
	for i := range surface {
		if surface[i].Name == cond.Path[0] {
			ref = &surface[i]
			break
		}
	}
	if ref == nil {
		return "", apperrors.Validation("unknown relation %q on table %q", cond.Path[0], table.Table.Name).
			WithTable(table.Table.Name).WithRelation(cond.Path[0])
	}

	inner := state.nextAlias()
	rest := Condition{Path: cond.Path[1:], Op: cond.Op, Value: cond.Value}
	innerCond, err := b.renderFilter(state, ref.Target, inner, rest)
	if err != nil {
		return "", err
	}
	link, err := b.linkPredicate(state, table, alias, inner, *ref)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s AND (%s))",
		b.quote(ref.Target.Table.Name), b.quote(inner), link, innerCond), nil
}

// linkPredicate renders the join predicate between the outer alias and one
// related table inside an EXISTS filter.
func (b *SQLBuilder) linkPredicate(state *sqlState, table *metadata.FullTable, outerAlias, innerAlias string, ref relationRef) (string, error) {
	outerPK := table.PrimaryColumn()
	targetPK := ref.Target.PrimaryColumn()
	if outerPK == nil || targetPK == nil {
		return "", apperrors.Validation("relation %q requires primary columns on both sides", ref.Name).
			WithRelation(ref.Name)
	}
	if ref.Rel.Type == models.RelationManyToMany {
		return b.junctionLink(state, table, outerAlias, outerPK.Name, innerAlias, targetPK.Name, ref)
	}
	switch {
	case ref.Stored:
		prop := ref.Name
		if ref.Owned {
			prop = ref.Rel.PropertyName
		}
		return fmt.Sprintf("%s.%s = %s.%s",
			b.quote(innerAlias), b.quote(targetPK.Name),
			b.quote(outerAlias), b.quote(naming.ForeignKeyColumn(prop))), nil
	case ref.Owned:
		return fmt.Sprintf("%s.%s = %s.%s",
			b.quote(innerAlias), b.quote(naming.ForeignKeyColumn(*ref.Rel.InversePropertyName)),
			b.quote(outerAlias), b.quote(outerPK.Name)), nil
	default:
		return fmt.Sprintf("%s.%s = %s.%s",
			b.quote(innerAlias), b.quote(naming.ForeignKeyColumn(ref.Rel.PropertyName)),
			b.quote(outerAlias), b.quote(outerPK.Name)), nil
	}
}

// storedReference reports whether name is a single-valued relation stored as
// a foreign-key column on the table, returning the property to derive the
// column from.
func storedReference(meta MetadataSource, full *metadata.FullTable, name string) (string, bool) {
	surface, err := relationSurface(meta, full)
	if err != nil {
		return "", false
	}
	for _, ref := range surface {
		if ref.Name != name || ref.ToMany || !ref.Stored {
			continue
		}
		return name, true
	}
	return "", false
}
