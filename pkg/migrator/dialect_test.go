package migrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/enfyra/engine/pkg/models"
)

func TestTypesCompatible(t *testing.T) {
	cases := []struct {
		live, desired string
		want          bool
	}{
		{"int8", "bigint", true},
		{"integer", "int", true},
		{"smallint", "int", true},
		{"character varying", "varchar", true},
		{"varchar(255)", "text", true},
		{"enum('a','b')", "varchar", true},
		{"timestamptz", "datetime", true},
		{"timestamp without time zone", "timestamp", true},
		{"double precision", "float", true},
		{"numeric", "decimal", true},
		{"tinyint(1)", "boolean", true},
		{"char(36)", "uuid", true}, // MySQL stores uuid columns as char(36)
		{"char(10)", "varchar", true},
		{"text", "int", false},
		{"uuid", "varchar", false},
		{"char(36)", "varchar", false},
		{"date", "datetime", false},
		{"geometry", "text", false}, // unknown live types always diff
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TypesCompatible(tc.live, tc.desired),
			"%s vs %s", tc.live, tc.desired)
	}
}

func TestPostgresColumnSQL(t *testing.T) {
	d := NewPostgresDialect()
	length := 80
	def := "draft"

	cases := []struct {
		name string
		col  physicalColumn
		want string
	}{
		{
			"generated uuid primary",
			physicalColumn{Name: "id", Type: models.ColumnTypeUUID, IsPrimary: true, IsGenerated: true},
			`"id" uuid PRIMARY KEY DEFAULT gen_random_uuid()`,
		},
		{
			"generated int primary",
			physicalColumn{Name: "id", Type: models.ColumnTypeInt, IsPrimary: true, IsGenerated: true},
			`"id" serial PRIMARY KEY`,
		},
		{
			"sized varchar",
			physicalColumn{Name: "code", Type: models.ColumnTypeVarchar, Length: &length},
			`"code" varchar(80) NOT NULL`,
		},
		{
			"nullable with default",
			physicalColumn{Name: "status", Type: models.ColumnTypeVarchar, Nullable: true, Default: &def},
			`"status" varchar(255) DEFAULT 'draft'`,
		},
		{
			"managed audit column",
			physicalColumn{Name: "createdAt", Type: models.ColumnTypeTimestamp, Managed: true},
			`"createdAt" timestamptz NOT NULL DEFAULT now()`,
		},
		{
			"enum gets a check constraint",
			physicalColumn{Name: "state", Type: models.ColumnTypeEnum, Options: []string{"on", "off"}},
			`"state" varchar(255) NOT NULL CONSTRAINT "chk_device_state" CHECK ("state" IN ('on', 'off'))`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, d.ColumnSQL("device", &tc.col))
		})
	}
}

func TestMySQLColumnSQL(t *testing.T) {
	d := NewMySQLDialect()

	col := physicalColumn{Name: "status", Type: models.ColumnTypeEnum, Options: []string{"draft", "published"}}
	assert.Equal(t, "`status` enum('draft','published') NOT NULL", d.ColumnSQL("post", &col))

	pk := physicalColumn{Name: "id", Type: models.ColumnTypeInt, IsPrimary: true, IsGenerated: true}
	assert.Equal(t, "`id` int AUTO_INCREMENT NOT NULL PRIMARY KEY", d.ColumnSQL("post", &pk))

	u := physicalColumn{Name: "id", Type: models.ColumnTypeUUID, IsPrimary: true}
	assert.Equal(t, "`id` char(36) NOT NULL PRIMARY KEY", d.ColumnSQL("post", &u))
}

func TestForeignKeySQL(t *testing.T) {
	pg := NewPostgresDialect()
	got := pg.AddForeignKeySQL("product", "fk_product_categoryId", "categoryId", "category", "id", models.DeleteSetNull)
	assert.Equal(t,
		`ALTER TABLE "product" ADD CONSTRAINT "fk_product_categoryId" FOREIGN KEY ("categoryId") REFERENCES "category" ("id") ON DELETE SET NULL ON UPDATE CASCADE`,
		got)

	my := NewMySQLDialect()
	assert.Equal(t,
		"ALTER TABLE `product` DROP FOREIGN KEY `fk_product_categoryId`",
		my.DropForeignKeySQL("product", "fk_product_categoryId"))
}

func TestMySQLAlterUsesModifyColumn(t *testing.T) {
	d := NewMySQLDialect()
	col := physicalColumn{Name: "count", Type: models.ColumnTypeBigInt, Nullable: true}
	stmts := d.AlterColumnSQL("product", &col)
	assert.Len(t, stmts, 1)
	assert.Equal(t, "ALTER TABLE `product` MODIFY COLUMN `count` bigint", stmts[0])
}

func TestParseEnumType(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseEnumType("enum('a','b')"))
	assert.Equal(t, []string{"it's"}, parseEnumType("enum('it''s')"))
	assert.Nil(t, parseEnumType("varchar(255)"))
}
