package records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/testhelpers"
)

func TestSQLRepositoryCRUDRoundTrip(t *testing.T) {
	pg := testhelpers.GetPostgresDB(t)
	ctx := context.Background()

	_, err := pg.SQL.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS "note" (
			"id" uuid PRIMARY KEY,
			"title" varchar(255),
			"createdAt" timestamptz,
			"updatedAt" timestamptz
		)`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pg.SQL.ExecContext(context.Background(), `DROP TABLE IF EXISTS "note"`)
	})

	note := testTable("note", column("title", models.ColumnTypeVarchar))
	meta := newFakeMeta(note)
	repo := NewSQL(pg.SQL, "postgres", meta, zap.NewNop())

	created, err := repo.InsertAndGet(ctx, "note", Record{"title": "draft"})
	require.NoError(t, err)
	require.Equal(t, "draft", created["title"])
	require.NotEmpty(t, created["id"])
	require.NotNil(t, created["createdAt"])
	id := created["id"]

	updated, err := repo.UpdateByID(ctx, "note", id, Record{"title": "published"})
	require.NoError(t, err)
	require.Equal(t, "published", updated["title"])
	require.NotNil(t, updated["updatedAt"])

	found, err := repo.FindOneWhere(ctx, "note", map[string]any{"title": "published"})
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, repo.DeleteByID(ctx, "note", id))

	gone, err := repo.FindOneWhere(ctx, "note", map[string]any{"id": id})
	require.NoError(t, err)
	require.Nil(t, gone)

	err = repo.DeleteByID(ctx, "note", id)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}
