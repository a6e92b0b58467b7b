package migrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
)

func schemaOf(t *testing.T, validator bson.D) bson.D {
	t.Helper()
	require.Len(t, validator, 1)
	require.Equal(t, "$jsonSchema", validator[0].Key)
	schema, ok := validator[0].Value.(bson.D)
	require.True(t, ok)
	return schema
}

func lookupD(t *testing.T, d bson.D, key string) any {
	t.Helper()
	for _, e := range d {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func TestBuildValidatorRequiredAndTypes(t *testing.T) {
	def := "draft"
	table := newTable("post", models.ColumnTypeUUID)
	addColumn(table, "title", models.ColumnTypeVarchar, false)
	addColumn(table, "views", models.ColumnTypeInt, true)
	status := addColumn(table, "status", models.ColumnTypeEnum, false)
	status.Options = models.StringList{"draft", "published"}
	status.DefaultValue = &def

	resolve := &fakeResolver{tables: []*metadata.FullTable{table}}
	schema := schemaOf(t, BuildValidator(table, resolve))

	required, _ := lookupD(t, schema, "required").([]string)
	assert.Equal(t, []string{"title"}, required,
		"non-nullable without default is required; a default exempts the field")

	props, ok := lookupD(t, schema, "properties").(bson.D)
	require.True(t, ok)

	title, _ := lookupD(t, props, "title").(bson.D)
	assert.Equal(t, "string", lookupD(t, title, "bsonType"))

	views, _ := lookupD(t, props, "views").(bson.D)
	assert.Equal(t, bson.A{"int", "null"}, lookupD(t, views, "bsonType"),
		"nullable fields accept null in a type union")

	st, _ := lookupD(t, props, "status").(bson.D)
	assert.Equal(t, bson.A{"draft", "published"}, lookupD(t, st, "enum"))

	assert.Equal(t, true, lookupD(t, schema, "additionalProperties"))
}

func TestBuildValidatorRelationFields(t *testing.T) {
	author := newTable("author", models.ColumnTypeUUID)
	tag := newTable("tag", models.ColumnTypeUUID)
	post := newTable("post", models.ColumnTypeUUID)
	ref := addRelation(post, "author", models.RelationManyToOne, author)
	ref.IsNullable = false
	addRelation(post, "tags", models.RelationManyToMany, tag)
	inverse := "post"
	comments := addRelation(post, "comments", models.RelationOneToMany, newTable("comment", models.ColumnTypeUUID))
	comments.InversePropertyName = &inverse

	resolve := &fakeResolver{tables: []*metadata.FullTable{author, tag, post}}
	schema := schemaOf(t, BuildValidator(post, resolve))
	props, ok := lookupD(t, schema, "properties").(bson.D)
	require.True(t, ok)

	authorProp, _ := lookupD(t, props, "author").(bson.D)
	assert.Equal(t, "string", lookupD(t, authorProp, "bsonType"),
		"required single references are plain strings")

	tags, _ := lookupD(t, props, "tags").(bson.D)
	assert.Equal(t, bson.A{"array", "null"}, lookupD(t, tags, "bsonType"))

	assert.Nil(t, lookupD(t, props, "comments"),
		"one-to-many stores nothing on the declaring side")

	required, _ := lookupD(t, schema, "required").([]string)
	assert.Contains(t, required, "author")
}

func TestBuildValidatorInverseFieldOnTarget(t *testing.T) {
	author := newTable("author", models.ColumnTypeUUID)
	post := newTable("post", models.ColumnTypeUUID)
	inverse := "author"
	rel := addRelation(author, "posts", models.RelationOneToMany, post)
	rel.InversePropertyName = &inverse

	resolve := &fakeResolver{tables: []*metadata.FullTable{author, post}}
	schema := schemaOf(t, BuildValidator(post, resolve))
	props, ok := lookupD(t, schema, "properties").(bson.D)
	require.True(t, ok)

	inv, _ := lookupD(t, props, "author").(bson.D)
	assert.Equal(t, bson.A{"string", "null"}, lookupD(t, inv, "bsonType"),
		"the one-to-many reference lives on the target under the inverse name")
}

func TestBuildIndexModelsUniquesArePartial(t *testing.T) {
	table := newTable("account", models.ColumnTypeUUID)
	email := addColumn(table, "email", models.ColumnTypeVarchar, false)
	email.IsUnique = true
	table.Table.Uniques = models.FieldGroups{{"tenant", "slug"}}
	addColumn(table, "tenant", models.ColumnTypeVarchar, false)
	addColumn(table, "slug", models.ColumnTypeVarchar, false)

	resolve := &fakeResolver{tables: []*metadata.FullTable{table}}
	indexModels := BuildIndexModels(table, resolve)

	var uniques int
	for _, m := range indexModels {
		opts := indexOptions(t, m)
		if opts.Unique == nil || !*opts.Unique {
			continue
		}
		uniques++
		require.NotNil(t, opts.PartialFilterExpression,
			"unique indexes are partial so missing fields cannot collide")
	}
	assert.Equal(t, 2, uniques)
}

// indexOptions folds a model's option setters into a plain struct.
func indexOptions(t *testing.T, m mongo.IndexModel) options.IndexOptions {
	t.Helper()
	var opts options.IndexOptions
	if m.Options == nil {
		return opts
	}
	for _, fn := range m.Options.List() {
		require.NoError(t, fn(&opts))
	}
	return opts
}

func TestBuildIndexModelsDeduplicates(t *testing.T) {
	table := newTable("event", models.ColumnTypeUUID)
	addColumn(table, "occurredAt", models.ColumnTypeTimestamp, false)
	// The group duplicates the automatic temporal index on the same column.
	table.Table.Indexes = models.FieldGroups{{"occurredAt"}}

	resolve := &fakeResolver{tables: []*metadata.FullTable{table}}
	indexModels := BuildIndexModels(table, resolve)

	var count int
	for _, m := range indexModels {
		keys := m.Keys.(bson.D)
		if len(keys) == 1 && keys[0].Key == "occurredAt" {
			count++
		}
	}
	assert.Equal(t, 1, count, "same column set must yield one index")
}
