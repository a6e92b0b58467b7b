package query

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func strPtr(s string) *string { return &s }

type fakeMeta struct {
	tables map[string]*metadata.FullTable
}

func newFakeMeta(tables ...*metadata.FullTable) *fakeMeta {
	m := &fakeMeta{tables: map[string]*metadata.FullTable{}}
	for _, t := range tables {
		m.tables[t.Table.Name] = t
	}
	return m
}

func (m *fakeMeta) Lookup(name string) *metadata.FullTable { return m.tables[name] }

func (m *fakeMeta) LookupByID(id uuid.UUID) *metadata.FullTable {
	for _, t := range m.tables {
		if t.Table.ID == id {
			return t
		}
	}
	return nil
}

func (m *fakeMeta) InverseRelations(tableID uuid.UUID) []*models.RelationDefinition {
	var out []*models.RelationDefinition
	for _, t := range m.tables {
		for _, rel := range t.Relations {
			if rel.TargetTableID == tableID && rel.SourceTableID != tableID {
				out = append(out, rel)
			}
		}
	}
	return out
}

func testTable(name string, columns ...string) *metadata.FullTable {
	id := uuid.New()
	cols := []*models.ColumnDefinition{
		{ID: uuid.New(), TableID: id, Name: "id", Type: models.ColumnTypeUUID, IsPrimary: true, IsGenerated: true},
	}
	for _, col := range columns {
		cols = append(cols, &models.ColumnDefinition{
			ID: uuid.New(), TableID: id, Name: col, Type: models.ColumnTypeVarchar, IsNullable: true,
		})
	}
	return &metadata.FullTable{
		Table:   &models.TableDefinition{ID: id, Name: name},
		Columns: cols,
	}
}

func addRelation(source, target *metadata.FullTable, prop string, typ models.RelationType, inverse *string) {
	source.Relations = append(source.Relations, &models.RelationDefinition{
		ID:                  uuid.New(),
		SourceTableID:       source.Table.ID,
		TargetTableID:       target.Table.ID,
		PropertyName:        prop,
		Type:                typ,
		InversePropertyName: inverse,
		IsNullable:          true,
	})
}

// blogMeta builds post -> user (many-to-one "author", inverse "posts") and
// post <-> tag (many-to-many "tags", inverse "posts").
func blogMeta() (*fakeMeta, *metadata.FullTable, *metadata.FullTable, *metadata.FullTable) {
	post := testTable("post", "title")
	user := testTable("user", "name")
	tag := testTable("tag", "label")
	addRelation(post, user, "author", models.RelationManyToOne, strPtr("posts"))
	addRelation(post, tag, "tags", models.RelationManyToMany, strPtr("posts"))
	return newFakeMeta(post, user, tag), post, user, tag
}

func TestParseFieldsTree(t *testing.T) {
	tree, err := ParseFields("id, title, author.name, author.posts.*")
	require.NoError(t, err)

	require.Equal(t, []string{"id", "title"}, tree.Scalars)
	author := tree.Relations["author"]
	require.NotNil(t, author)
	require.Equal(t, []string{"name"}, author.Scalars)
	require.True(t, author.Relations["posts"].Wildcard)
}

func TestParseFieldsRejectsMidPathWildcard(t *testing.T) {
	_, err := ParseFields("author.*.name")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestExpandWildcard(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, err := ParseFields("*")
	require.NoError(t, err)
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	require.Equal(t, []string{"id", "title", "createdAt", "updatedAt"}, proj.Columns)
	// Declared relations appear at primary-key-only depth.
	require.Len(t, proj.Relations, 2)
	for _, rel := range proj.Relations {
		require.Equal(t, []string{"id"}, rel.Sub.Columns)
	}
}

func TestExpandUnknownFieldFails(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, err := ParseFields("nope")
	require.NoError(t, err)
	_, err = Expand(meta, post, tree)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestExpandInverseRelation(t *testing.T) {
	meta, _, user, _ := blogMeta()

	tree, err := ParseFields("id, posts.title")
	require.NoError(t, err)
	proj, err := Expand(meta, user, tree)
	require.NoError(t, err)

	require.Len(t, proj.Relations, 1)
	rel := proj.Relations[0]
	require.Equal(t, "posts", rel.Ref.Name)
	require.True(t, rel.Ref.ToMany)
	require.False(t, rel.Ref.Owned)
}

func TestExpandDerivesUndeclaredInverse(t *testing.T) {
	product := testTable("product", "name")
	category := testTable("category", "label")
	// No inversePropertyName declared: the back-reference name is derived
	// from the source table, so category still surfaces "products".
	addRelation(product, category, "category", models.RelationManyToOne, nil)
	meta := newFakeMeta(product, category)

	tree, err := ParseFields("*")
	require.NoError(t, err)
	proj, err := Expand(meta, category, tree)
	require.NoError(t, err)

	require.Len(t, proj.Relations, 1)
	rel := proj.Relations[0]
	require.Equal(t, "products", rel.Ref.Name)
	require.True(t, rel.Ref.ToMany)
	require.False(t, rel.Ref.Owned)

	// A one-to-one without a declared inverse surfaces the singular form.
	profile := testTable("profile", "bio")
	account := testTable("account", "email")
	addRelation(profile, account, "account", models.RelationOneToOne, nil)
	meta = newFakeMeta(profile, account)

	proj, err = Expand(meta, account, tree)
	require.NoError(t, err)
	require.Len(t, proj.Relations, 1)
	require.Equal(t, "profile", proj.Relations[0].Ref.Name)
	require.False(t, proj.Relations[0].Ref.ToMany)
}

func TestSQLSingleRelationSubquery(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, err := ParseFields("id, title, author.id, author.name")
	require.NoError(t, err)
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	sql, args, err := NewSQLBuilder(meta, "postgres").Build(proj, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, args)

	require.Equal(t,
		`SELECT "c"."id", "c"."title", `+
			`(SELECT json_build_object('id', "c1"."id", 'name', "c1"."name") `+
			`FROM "user" "c1" WHERE "c1"."id" = "c"."authorId" LIMIT 1) AS "author" `+
			`FROM "post" "c"`,
		sql)
}

func TestSQLInverseToManyAggregates(t *testing.T) {
	meta, _, user, _ := blogMeta()

	tree, err := ParseFields("id, posts.id")
	require.NoError(t, err)
	proj, err := Expand(meta, user, tree)
	require.NoError(t, err)

	sql, _, err := NewSQLBuilder(meta, "postgres").Build(proj, nil, nil, 0, 0)
	require.NoError(t, err)

	require.Contains(t, sql, `COALESCE(json_agg(json_build_object('id', "c1"."id")), '[]'::json)`)
	require.Contains(t, sql, `WHERE "c1"."authorId" = "c"."id"`)
}

func TestSQLManyToManyJoinsJunction(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, err := ParseFields("id, tags.id")
	require.NoError(t, err)
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	sql, _, err := NewSQLBuilder(meta, "postgres").Build(proj, nil, nil, 0, 0)
	require.NoError(t, err)

	require.Contains(t, sql, `"post_tags_tag"`)
	require.Contains(t, sql, `"j2"."tagId" = "c1"."id"`)
	require.Contains(t, sql, `"j2"."postId" = "c"."id"`)
}

func TestSQLAliasSequenceIsDeterministic(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, err := ParseFields("id, author.id, author.posts.id")
	require.NoError(t, err)
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	first, _, err := NewSQLBuilder(meta, "postgres").Build(proj, nil, nil, 0, 0)
	require.NoError(t, err)
	second, _, err := NewSQLBuilder(meta, "postgres").Build(proj, nil, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Nested levels allocate fresh aliases.
	require.Contains(t, first, `"c1"`)
	require.Contains(t, first, `"c2"`)
}

func TestSQLFilterOperators(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, _ := ParseFields("id")
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	filter, err := ParseFilter(map[string]any{"title": map[string]any{"_contains": "go_%"}})
	require.NoError(t, err)

	sql, args, err := NewSQLBuilder(meta, "postgres").Build(proj, filter, nil, 10, 5)
	require.NoError(t, err)
	require.Contains(t, sql, `"c"."title" ILIKE $1`)
	require.Contains(t, sql, "LIMIT 10 OFFSET 5")
	// LIKE metacharacters in the operand are escaped.
	require.Equal(t, []any{`%go\_\%%`}, args)
}

func TestSQLRelationFilterUsesExists(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, _ := ParseFields("id")
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	filter, err := ParseFilter(map[string]any{"author.name": map[string]any{"_eq": "ana"}})
	require.NoError(t, err)

	sql, args, err := NewSQLBuilder(meta, "postgres").Build(proj, filter, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, sql, `EXISTS (SELECT 1 FROM "user"`)
	require.Contains(t, sql, `= "c"."authorId"`)
	require.Equal(t, []any{"ana"}, args)
}

func TestSQLMySQLDialect(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, _ := ParseFields("id, tags.id")
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	filter, err := ParseFilter(map[string]any{"title": "x"})
	require.NoError(t, err)

	sql, args, err := NewSQLBuilder(meta, "mysql").Build(proj, filter, nil, 0, 0)
	require.NoError(t, err)
	require.Contains(t, sql, "JSON_OBJECT(")
	require.Contains(t, sql, "COALESCE(JSON_ARRAYAGG(")
	require.Contains(t, sql, "`c`.`title` = ?")
	require.Equal(t, []any{"x"}, args)
}

func TestParseFilterGroupsAndShorthand(t *testing.T) {
	node, err := ParseFilter(map[string]any{
		"title": "x",
		"_or": []any{
			map[string]any{"name": map[string]any{"_is_null": true}},
			map[string]any{"name": map[string]any{"_in": []any{"a", "b"}}},
		},
	})
	require.NoError(t, err)

	group, ok := node.(Group)
	require.True(t, ok)
	require.Len(t, group.Children, 2)
	require.False(t, FiltersRelation(node))
}

func TestParseFilterRejectsBadOperands(t *testing.T) {
	_, err := ParseFilter(map[string]any{"a": map[string]any{"_between": []any{1}}})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = ParseFilter(map[string]any{"a": map[string]any{"_bogus": 1}})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func stageKey(stage bson.D) string { return stage[0].Key }

func TestPipelinePushesPaginationBeforeLookups(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, _ := ParseFields("id, author.id")
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	filter, err := ParseFilter(map[string]any{"title": map[string]any{"_starts_with": "go"}})
	require.NoError(t, err)

	pipeline, err := NewPipelineBuilder(meta).Build(proj, filter, []SortKey{{Field: "title"}}, 10, 20)
	require.NoError(t, err)

	var keys []string
	for _, stage := range pipeline {
		keys = append(keys, stageKey(stage))
	}
	require.Equal(t, []string{"$match", "$sort", "$skip", "$limit", "$lookup", "$unwind", "$project"}, keys)
}

func TestPipelineRelationFilterMovesPaginationAfterLookups(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, _ := ParseFields("id, author.id")
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	filter, err := ParseFilter(map[string]any{"author.name": map[string]any{"_eq": "ana"}})
	require.NoError(t, err)

	pipeline, err := NewPipelineBuilder(meta).Build(proj, filter, []SortKey{{Field: "title"}}, 0, 10)
	require.NoError(t, err)

	var keys []string
	for _, stage := range pipeline {
		keys = append(keys, stageKey(stage))
	}
	require.Equal(t, []string{"$lookup", "$unwind", "$match", "$sort", "$limit", "$project"}, keys)
}

func TestPipelineRegexEscapesOperand(t *testing.T) {
	b := NewPipelineBuilder(nil)
	doc, err := b.conditionDoc(Condition{Path: []string{"title"}, Op: OpContains, Value: "a.b*"})
	require.NoError(t, err)

	require.Equal(t, "title", doc[0].Key)
	ops := doc[0].Value.(bson.D)
	require.Equal(t, `a\.b\*`, ops[0].Value)
	require.Equal(t, "i", ops[1].Value)
}

func TestPipelineUnwindPreservesEmpty(t *testing.T) {
	meta, post, _, _ := blogMeta()

	tree, _ := ParseFields("id, author.id")
	proj, err := Expand(meta, post, tree)
	require.NoError(t, err)

	pipeline, err := NewPipelineBuilder(meta).Build(proj, nil, nil, 0, 0)
	require.NoError(t, err)

	var unwind bson.D
	for _, stage := range pipeline {
		if stage[0].Key == "$unwind" {
			unwind = stage[0].Value.(bson.D)
		}
	}
	require.NotNil(t, unwind)
	require.Equal(t, "$author", unwind[0].Value)
	require.Equal(t, true, unwind[1].Value)
}
