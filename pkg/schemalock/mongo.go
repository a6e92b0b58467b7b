package schemalock

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/models"
)

// Collection is the name of the lock collection.
const Collection = "schema_migration_lock"

type lockDoc struct {
	ID            string    `bson:"_id"`
	IsLocked      bool      `bson:"isLocked"`
	LockedBy      string    `bson:"lockedBy"`
	LockToken     string    `bson:"lockToken"`
	LockedAt      time.Time `bson:"lockedAt"`
	LockExpiresAt time.Time `bson:"lockExpiresAt"`
}

// NewMongo builds the lock service over a MongoDB database.
func NewMongo(db *mongo.Database, logger *zap.Logger) Service {
	return newService(&mongoStore{coll: db.Collection(Collection)}, logger)
}

type mongoStore struct {
	coll *mongo.Collection
}

var _ store = (*mongoStore)(nil)

// tryAcquire issues one upserting conditional update: the filter matches the
// singleton only while it is unlocked or expired. When another process holds
// a live lease the filter misses and the upsert's insert collides on _id,
// which the server reports as a duplicate key error.
func (m *mongoStore) tryAcquire(ctx context.Context, lock *models.SchemaMigrationLock) (bool, error) {
	filter := bson.M{
		"_id": lock.ID,
		"$or": bson.A{
			bson.M{"isLocked": false},
			bson.M{"lockExpiresAt": bson.M{"$lte": lock.LockedAt}},
		},
	}
	update := bson.M{"$set": bson.M{
		"isLocked":      true,
		"lockedBy":      lock.LockedBy,
		"lockToken":     lock.LockToken,
		"lockedAt":      lock.LockedAt,
		"lockExpiresAt": lock.LockExpiresAt,
	}}

	res, err := m.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return res.ModifiedCount > 0 || res.UpsertedCount > 0, nil
}

func (m *mongoStore) current(ctx context.Context) (*models.SchemaMigrationLock, error) {
	var doc lockDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": LockID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.SchemaMigrationLock{
		ID:            doc.ID,
		IsLocked:      doc.IsLocked,
		LockedBy:      doc.LockedBy,
		LockToken:     doc.LockToken,
		LockedAt:      doc.LockedAt,
		LockExpiresAt: doc.LockExpiresAt,
	}, nil
}

func (m *mongoStore) releaseByToken(ctx context.Context, token string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": LockID, "lockToken": token},
		bson.M{"$set": bson.M{"isLocked": false, "lockToken": ""}})
	return err
}
