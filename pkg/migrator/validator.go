package migrator

import (
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
)

// Validation settings for operator collections. Moderate level leaves
// pre-existing documents readable after a schema change; only writes are
// checked against the new shape.
const (
	validationLevel  = "moderate"
	validationAction = "error"
)

// bsonTypeFor maps a logical column type to the bsonType the collection
// validator enforces. UUID primaries and references are stored as strings.
func bsonTypeFor(t models.ColumnType) any {
	switch t {
	case models.ColumnTypeInt:
		return "int"
	case models.ColumnTypeBigInt:
		return "long"
	case models.ColumnTypeFloat, models.ColumnTypeDecimal:
		return "double"
	case models.ColumnTypeBoolean:
		return "bool"
	case models.ColumnTypeDate, models.ColumnTypeDateTime, models.ColumnTypeTimestamp:
		return "date"
	case models.ColumnTypeSimpleJSON:
		return bson.A{"object", "array"}
	case models.ColumnTypeUUID, models.ColumnTypeVarchar, models.ColumnTypeText, models.ColumnTypeEnum:
		return "string"
	default:
		return "string"
	}
}

// nullable wraps a bsonType so the field also accepts null.
func nullableBSONType(t any) bson.A {
	switch v := t.(type) {
	case bson.A:
		return append(append(bson.A{}, v...), "null")
	default:
		return bson.A{t, "null"}
	}
}

// BuildValidator renders the $jsonSchema validator document for a table.
// Declared columns become typed properties; forward single-reference
// relations become string reference fields; many-to-many owners become
// string arrays. One-to-many relations declared elsewhere store their
// reference on this side under the inverse property name; all other derived
// inverse sides get no property.
func BuildValidator(full *metadata.FullTable, resolve Resolver) bson.D {
	properties := bson.D{}
	var required []string

	for _, c := range full.Columns {
		prop := bson.D{}
		t := bsonTypeFor(c.Type)
		if c.IsNullable && !c.IsPrimary {
			t = nullableBSONType(t)
		}
		prop = append(prop, bson.E{Key: "bsonType", Value: t})
		if c.Type == models.ColumnTypeEnum && len(c.Options) > 0 {
			values := bson.A{}
			for _, v := range c.Options {
				values = append(values, v)
			}
			if c.IsNullable {
				values = append(values, nil)
			}
			prop = append(prop, bson.E{Key: "enum", Value: values})
		}
		properties = append(properties, bson.E{Key: c.Name, Value: prop})

		if !c.IsNullable && !c.IsPrimary && c.DefaultValue == nil && !c.IsGenerated {
			required = append(required, c.Name)
		}
	}

	for _, rel := range full.Relations {
		switch rel.Type {
		case models.RelationManyToOne, models.RelationOneToOne:
			t := any("string")
			if rel.IsNullable {
				t = nullableBSONType(t)
			}
			properties = append(properties, bson.E{Key: rel.PropertyName, Value: bson.D{
				{Key: "bsonType", Value: t},
			}})
			if !rel.IsNullable {
				required = append(required, rel.PropertyName)
			}
		case models.RelationManyToMany:
			properties = append(properties, bson.E{Key: rel.PropertyName, Value: bson.D{
				{Key: "bsonType", Value: bson.A{"array", "null"}},
				{Key: "items", Value: bson.D{{Key: "bsonType", Value: "string"}}},
			}})
		}
	}

	for _, rel := range inverseOneToMany(full, resolve) {
		properties = append(properties, bson.E{Key: *rel.InversePropertyName, Value: bson.D{
			{Key: "bsonType", Value: bson.A{"string", "null"}},
		}})
	}

	sort.Strings(required)

	schema := bson.D{{Key: "bsonType", Value: "object"}}
	// required must be non-empty when present.
	if len(required) > 0 {
		schema = append(schema, bson.E{Key: "required", Value: required})
	}
	schema = append(schema,
		bson.E{Key: "properties", Value: properties},
		bson.E{Key: "additionalProperties", Value: true},
	)
	return bson.D{{Key: "$jsonSchema", Value: schema}}
}
