// Package migrator keeps the physical schema synchronized with the metadata
// model. A single SchemaMigrator interface has two implementations selected
// at startup: the relational migrator (Postgres/MySQL DDL) and the document
// migrator (MongoDB collection validators plus application-level cascades).
// Calling code never branches on backend type.
package migrator

import (
	"strings"

	"github.com/enfyra/engine/pkg/models"
)

// Dialect abstracts the SQL differences between Postgres and MySQL: type
// mapping, quoting, identifier limits, and the DDL shapes that the portable
// statement builders cannot express uniformly.
type Dialect interface {
	Name() string
	IdentifierLimit() int
	Quote(ident string) string

	// ColumnSQL renders the full column clause for CREATE TABLE or ADD COLUMN.
	ColumnSQL(table string, col *physicalColumn) string

	// AlterColumnSQL renders in-place type/nullability/enum alteration.
	// Postgres uses an ALTER COLUMN chain; MySQL has no portable equivalent
	// and issues a raw MODIFY COLUMN statement.
	AlterColumnSQL(table string, col *physicalColumn) []string

	AddColumnSQL(table string, col *physicalColumn) string
	DropColumnSQL(table, column string) string
	AddForeignKeySQL(table, constraint, column, refTable, refColumn string, onDelete models.DeletePolicy) string
	DropForeignKeySQL(table, constraint string) string
	CreateIndexSQL(table, name string, columns []string, unique bool) string
	DropIndexSQL(table, name string) string
	DropTableSQL(table string) string

	// Introspection queries, parameterized by table name.
	TableExistsQuery() string
	ColumnsQuery() string
	ForeignKeysQuery() string
	IndexesQuery() string
}

// typeFamilies groups logical and engine-reported type names that should not
// count as a diff against each other. A genuine narrowing (text -> int)
// crosses families and is flagged.
var typeFamilies = map[string]string{
	// integers
	"int": "integer", "integer": "integer", "int4": "integer", "int8": "integer",
	"bigint": "integer", "smallint": "integer", "int2": "integer",
	"serial": "integer", "bigserial": "integer", "mediumint": "integer",
	// floats and fixed-point
	"float": "float", "float4": "float", "float8": "float", "double": "float",
	"double precision": "float", "real": "float", "decimal": "float", "numeric": "float",
	// strings
	"varchar": "string", "character varying": "string", "text": "string",
	"char": "string", "character": "string", "enum": "string", "longtext": "string",
	"mediumtext": "string", "tinytext": "string",
	// booleans; MySQL reports boolean columns as tinyint(1)
	"boolean": "boolean", "bool": "boolean", "tinyint": "boolean",
	// temporal
	"date": "date",
	"datetime": "datetime", "timestamp": "datetime", "timestamptz": "datetime",
	"timestamp with time zone": "datetime", "timestamp without time zone": "datetime",
	// identifiers
	"uuid": "uuid",
	// json
	"json": "json", "jsonb": "json", "simple-json": "json",
}

// typeFamily normalizes an engine-reported or logical type name to its
// comparison family, or "" when unknown.
func typeFamily(t string) string {
	name := strings.ToLower(strings.TrimSpace(t))
	// MySQL has no uuid type; the dialect stores uuid columns as char(36),
	// so that exact shape reads back as uuid rather than as a string.
	if name == "char(36)" {
		return typeFamilies["uuid"]
	}
	// Strip length/precision suffixes: varchar(255), enum('a','b').
	if idx := strings.IndexByte(name, '('); idx > 0 {
		name = name[:idx]
	}
	return typeFamilies[name]
}

// TypesCompatible reports whether a live column type and a desired column
// type belong to the same family, so int vs bigint is not a spurious diff
// but text vs int is.
func TypesCompatible(live, desired string) bool {
	lf, df := typeFamily(live), typeFamily(desired)
	return lf != "" && lf == df
}
