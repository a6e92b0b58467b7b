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

func TestMongoRepositoryCascadeDelete(t *testing.T) {
	mdb := testhelpers.GetMongoDB(t)
	ctx := context.Background()
	db := mdb.Client.Database("records_cascade_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	post := testTable("post", column("title", models.ColumnTypeVarchar))
	comment := testTable("comment", column("body", models.ColumnTypeText))
	rel := relation(post, comment, "comments", models.RelationOneToMany, strPtr("post"))
	rel.OnDelete = models.DeleteCascade

	meta := newFakeMeta(post, comment)
	repo := NewMongo(db, meta, zap.NewNop())

	created, err := repo.InsertAndGet(ctx, "post", Record{"title": "hello"})
	require.NoError(t, err)
	require.NotNil(t, created["_id"])
	require.NotNil(t, created["createdAt"])
	postID := created["_id"]

	for _, body := range []string{"first", "second"} {
		_, err = repo.InsertAndGet(ctx, "comment", Record{"body": body, "post": postID})
		require.NoError(t, err)
	}

	require.NoError(t, repo.DeleteByID(ctx, "post", postID))

	remaining, err := repo.FindWhere(ctx, "comment", map[string]any{"post": postID})
	require.NoError(t, err)
	require.Empty(t, remaining)

	gone, err := repo.FindOneWhere(ctx, "post", map[string]any{"_id": postID})
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestMongoRepositoryRestrictBlocksDelete(t *testing.T) {
	mdb := testhelpers.GetMongoDB(t)
	ctx := context.Background()
	db := mdb.Client.Database("records_restrict_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	author := testTable("author", column("name", models.ColumnTypeVarchar))
	book := testTable("book", column("title", models.ColumnTypeVarchar))
	rel := relation(book, author, "author", models.RelationManyToOne, strPtr("books"))
	rel.OnDelete = models.DeleteRestrict

	meta := newFakeMeta(author, book)
	repo := NewMongo(db, meta, zap.NewNop())

	created, err := repo.InsertAndGet(ctx, "author", Record{"name": "le guin"})
	require.NoError(t, err)
	authorID := created["_id"]

	held, err := repo.InsertAndGet(ctx, "book", Record{"title": "the dispossessed", "author": authorID})
	require.NoError(t, err)

	err = repo.DeleteByID(ctx, "author", authorID)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	// With the referencing book gone the delete goes through.
	require.NoError(t, repo.DeleteByID(ctx, "book", held["_id"]))
	require.NoError(t, repo.DeleteByID(ctx, "author", authorID))
}

func TestMongoRepositorySetNullOnDelete(t *testing.T) {
	mdb := testhelpers.GetMongoDB(t)
	ctx := context.Background()
	db := mdb.Client.Database("records_setnull_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	category := testTable("category", column("name", models.ColumnTypeVarchar))
	product := testTable("product", column("title", models.ColumnTypeVarchar))
	// Nullable many-to-one without an explicit policy defaults to SET NULL.
	relation(product, category, "category", models.RelationManyToOne, strPtr("products"))

	meta := newFakeMeta(category, product)
	repo := NewMongo(db, meta, zap.NewNop())

	created, err := repo.InsertAndGet(ctx, "category", Record{"name": "tools"})
	require.NoError(t, err)
	categoryID := created["_id"]

	p, err := repo.InsertAndGet(ctx, "product", Record{"title": "hammer", "category": categoryID})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByID(ctx, "category", categoryID))

	orphan, err := repo.FindOneWhere(ctx, "product", map[string]any{"_id": p["_id"]})
	require.NoError(t, err)
	require.NotNil(t, orphan)
	require.Nil(t, orphan["category"])
}
