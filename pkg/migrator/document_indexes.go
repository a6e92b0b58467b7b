package migrator

import (
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// mongoIndexNameLimit bounds derived index names; MongoDB caps the full
// namespace at 127 bytes.
const mongoIndexNameLimit = 100

// BuildIndexModels computes the index set for a collection: unique groups as
// partial unique indexes (filtered to documents where every key is set, since
// Mongo unique indexes otherwise collide on missing fields), plain index
// groups, reference-field indexes, and descending temporal indexes.
func BuildIndexModels(full *metadata.FullTable, resolve Resolver) []mongo.IndexModel {
	var out []mongo.IndexModel
	seen := map[string]struct{}{}

	addIndex := func(keys bson.D, fields []string, unique bool) {
		spec := indexSpec{Columns: fields, Unique: unique}
		if _, dup := seen[spec.columnKey()]; dup {
			return
		}
		seen[spec.columnKey()] = struct{}{}

		opts := options.Index().SetName(naming.IndexName(full.Table.Name, fields, unique, mongoIndexNameLimit))
		if unique {
			filter := bson.D{}
			for _, f := range fields {
				filter = append(filter, bson.E{Key: f, Value: bson.D{{Key: "$exists", Value: true}}})
			}
			opts = opts.SetUnique(true).SetPartialFilterExpression(filter)
		}
		out = append(out, mongo.IndexModel{Keys: keys, Options: opts})
	}

	ascending := func(fields []string, unique bool) {
		keys := bson.D{}
		for _, f := range fields {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		addIndex(keys, fields, unique)
	}
	descending := func(fields []string) {
		keys := bson.D{}
		for _, f := range fields {
			keys = append(keys, bson.E{Key: f, Value: -1})
		}
		addIndex(keys, fields, false)
	}

	for _, c := range full.Columns {
		if c.IsUnique && !c.IsPrimary {
			ascending([]string{c.Name}, true)
		}
	}
	for _, group := range full.Table.Uniques {
		ascending(group, true)
	}
	for _, group := range full.Table.Indexes {
		ascending(group, false)
	}

	// Reference fields are the document-side join keys: this table's owner
	// fields plus the inverse fields of one-to-many relations targeting it.
	for _, rel := range full.Relations {
		if rel.Type == models.RelationOneToMany {
			continue
		}
		ascending([]string{rel.PropertyName}, false)
	}
	for _, rel := range inverseOneToMany(full, resolve) {
		ascending([]string{*rel.InversePropertyName}, false)
	}

	for _, c := range full.Columns {
		if c.Type.IsTemporal() && !c.IsPrimary {
			descending([]string{c.Name})
		}
	}
	descending([]string{CreatedAtColumn})
	descending([]string{UpdatedAtColumn})
	descending([]string{CreatedAtColumn, UpdatedAtColumn})

	return out
}
