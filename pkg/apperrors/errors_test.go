package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("bad name %q", "Foo"), ErrValidation},
		{"duplicate", Duplicate("table", "product"), ErrDuplicate},
		{"not found", NotFound("table", "abc"), ErrNotFound},
		{"database", Database("product", "createTable", errors.New("boom")), ErrDatabase},
		{"schema locked", SchemaLocked("product:update"), ErrSchemaLocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			for _, other := range []error{ErrValidation, ErrDuplicate, ErrNotFound, ErrDatabase, ErrSchemaLocked} {
				if other == tt.sentinel {
					continue
				}
				assert.NotErrorIs(t, tt.err, other)
			}
		})
	}
}

func TestSentinelMatchingThroughWrap(t *testing.T) {
	err := fmt.Errorf("create table: %w", Duplicate("table", "product"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestDatabaseUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Database("product", "createTable", cause)
	assert.ErrorIs(t, err, cause)
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := Validation("primary key missing").WithTable("product").WithColumn("id").WithOperation("createTable")
	msg := err.Error()
	assert.Contains(t, msg, "primary key missing")
	assert.Contains(t, msg, "table=product")
	assert.Contains(t, msg, "column=id")
	assert.Contains(t, msg, "operation=createTable")
}

func TestWithHelpersDoNotMutateOriginal(t *testing.T) {
	base := Validation("oops")
	annotated := base.WithTable("product")
	assert.Empty(t, base.Table)
	assert.Equal(t, "product", annotated.Table)
}

func TestSchemaLockedCarriesHolder(t *testing.T) {
	err := SchemaLocked("category:delete")
	assert.Equal(t, "category:delete", err.LockedBy)
	assert.Contains(t, err.Error(), "lockedBy=category:delete")
}
