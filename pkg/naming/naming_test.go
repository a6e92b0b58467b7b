package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForeignKeyColumn(t *testing.T) {
	tests := []struct {
		property string
		want     string
	}{
		{"category", "categoryId"},
		{"parent_category", "parentCategoryId"},
		{"createdBy", "createdById"},
		{"a", "aId"},
	}
	for _, tt := range tests {
		t.Run(tt.property, func(t *testing.T) {
			assert.Equal(t, tt.want, ForeignKeyColumn(tt.property))
		})
	}
}

func TestInverseProperty(t *testing.T) {
	assert.Equal(t, "products", InverseProperty("product"))
	assert.Equal(t, "orderItems", InverseProperty("order_item"))
	assert.Equal(t, "categories", InverseProperty("category"))
}

func TestJunctionTableNameShortForm(t *testing.T) {
	got := JunctionTableName("product", "tags", "tag", PostgresIdentifierLimit)
	assert.Equal(t, "product_tags_tag", got)
}

func TestJunctionTableNameIdempotent(t *testing.T) {
	triples := [][3]string{
		{"product", "tags", "tag"},
		{"user", "roles", "role"},
		{strings.Repeat("long_source_table", 3), "related_entries", strings.Repeat("long_target_table", 3)},
	}
	for _, tr := range triples {
		first := JunctionTableName(tr[0], tr[1], tr[2], PostgresIdentifierLimit)
		second := JunctionTableName(tr[0], tr[1], tr[2], PostgresIdentifierLimit)
		assert.Equal(t, first, second, "junction name must be deterministic for %v", tr)
	}
}

func TestJunctionTableNameRespectsLimit(t *testing.T) {
	long := strings.Repeat("abcdefgh", 10)
	for _, limit := range []int{PostgresIdentifierLimit, MySQLIdentifierLimit} {
		got := JunctionTableName(long, long, long, limit)
		assert.LessOrEqual(t, len(got), limit)
		// Hash suffix keeps distinct inputs distinct even after truncation.
		other := JunctionTableName(long, long, long+"x", limit)
		assert.NotEqual(t, got, other)
	}
}

func TestJunctionTableNameDistinctPerProperty(t *testing.T) {
	long := strings.Repeat("really_long_table_name", 4)
	a := JunctionTableName(long, "first_link", long, PostgresIdentifierLimit)
	b := JunctionTableName(long, "second_link", long, PostgresIdentifierLimit)
	assert.NotEqual(t, a, b)
}

func TestForeignKeyConstraintName(t *testing.T) {
	assert.Equal(t, "fk_product_categoryId",
		ForeignKeyConstraintName("product", "categoryId", PostgresIdentifierLimit))

	long := strings.Repeat("verylongtablename", 5)
	got := ForeignKeyConstraintName(long, "ownerId", PostgresIdentifierLimit)
	assert.LessOrEqual(t, len(got), PostgresIdentifierLimit)
	assert.Equal(t, got, ForeignKeyConstraintName(long, "ownerId", PostgresIdentifierLimit))
}

func TestJunctionConstraintNameDirections(t *testing.T) {
	src := JunctionConstraintName("product_tags_tag", DirectionSource, PostgresIdentifierLimit)
	tgt := JunctionConstraintName("product_tags_tag", DirectionTarget, PostgresIdentifierLimit)
	assert.NotEqual(t, src, tgt, "the two FKs of a junction table need distinct names")
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "uq_user_email", IndexName("user", []string{"email"}, true, PostgresIdentifierLimit))
	assert.Equal(t, "idx_post_createdAt_updatedAt",
		IndexName("post", []string{"createdAt", "updatedAt"}, false, PostgresIdentifierLimit))

	long := strings.Repeat("column_name", 10)
	got := IndexName("t", []string{long}, false, MySQLIdentifierLimit)
	assert.LessOrEqual(t, len(got), MySQLIdentifierLimit)
}

func TestLowerCamel(t *testing.T) {
	tests := []struct{ in, want string }{
		{"product", "product"},
		{"order_item", "orderItem"},
		{"a_b_c", "aBC"},
		{"alreadyCamel", "alreadyCamel"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LowerCamel(tt.in), "input %q", tt.in)
	}
}
