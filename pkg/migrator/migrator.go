package migrator

import (
	"context"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
)

// SchemaMigrator applies committed metadata to the physical schema. The
// schema service calls it after every metadata mutation; callers never branch
// on backend type.
//
// Every method is idempotent against a partially applied prior run: the
// relational implementation diffs against the live schema and the document
// implementation re-issues collMod/index builds, so re-running after a crash
// converges instead of failing.
type SchemaMigrator interface {
	CreateTable(ctx context.Context, table *metadata.FullTable) error
	UpdateTable(ctx context.Context, table *metadata.FullTable, changes *metadata.ChangeSet) error

	// DropTable removes the physical table plus the FK columns and junction
	// tables that other tables hold against it. inbound carries the relations
	// declared on other tables targeting this one, captured from the metadata
	// snapshot before the definitions were deleted.
	DropTable(ctx context.Context, table *metadata.FullTable, inbound []*models.RelationDefinition) error

	// SyncTable reconciles one table's physical schema with its metadata
	// without a change set: creates it when absent, diffs it into shape when
	// present. Used by bootstrap and by operators recovering from a failed
	// apply.
	SyncTable(ctx context.Context, table *metadata.FullTable) error
}

// FieldRenamer rewrites stored data after a column rename. Only the document
// migrator implements it; relational renames are a single DDL statement
// handled inside UpdateTable.
type FieldRenamer interface {
	RenameField(ctx context.Context, collection, oldName, newName string) error
}
