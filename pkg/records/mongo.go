package records

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
)

// mongoRepository is the document-backend repository. Referential integrity
// is enforced in application code: nothing redundant is stored (inverse
// sides are always computed), so the only cross-document work is delete-time
// cleanup, done sequentially and best-effort since MongoDB offers no
// cross-document transaction here.
type mongoRepository struct {
	db     *mongo.Database
	meta   MetadataSource
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

var _ Repository = (*mongoRepository)(nil)

// NewMongo builds the document-backend repository.
func NewMongo(db *mongo.Database, meta MetadataSource, logger *zap.Logger) Repository {
	return &mongoRepository{
		db:     db,
		meta:   meta,
		logger: logger.Named("records"),
		now:    time.Now,
		newID:  newUUID,
	}
}

func (r *mongoRepository) table(name string) (*metadata.FullTable, error) {
	full := r.meta.Lookup(name)
	if full == nil {
		return nil, apperrors.NotFound("table", name)
	}
	return full, nil
}

func (r *mongoRepository) FindOneWhere(ctx context.Context, table string, filter map[string]any) (Record, error) {
	if _, err := r.table(table); err != nil {
		return nil, err
	}
	var doc Record
	err := r.db.Collection(table).FindOne(ctx, toBSON(filter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Database(table, "find one", err)
	}
	return doc, nil
}

func (r *mongoRepository) FindWhere(ctx context.Context, table string, filter map[string]any) ([]Record, error) {
	if _, err := r.table(table); err != nil {
		return nil, err
	}
	cursor, err := r.db.Collection(table).Find(ctx, toBSON(filter))
	if err != nil {
		return nil, apperrors.Database(table, "find", err)
	}
	defer cursor.Close(ctx)

	var out []Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, apperrors.Database(table, "find", err)
	}
	return out, nil
}

func (r *mongoRepository) InsertAndGet(ctx context.Context, table string, doc Record) (Record, error) {
	full, err := r.table(table)
	if err != nil {
		return nil, err
	}
	payload := stripComputed(doc, computedFields(full, r.meta.InverseRelations(full.Table.ID)))

	if _, ok := payload["_id"]; !ok {
		payload["_id"] = r.newID()
	}
	now := r.now().UTC()
	payload[createdAtField] = now
	payload[updatedAtField] = now

	if _, err := r.db.Collection(table).InsertOne(ctx, toBSON(payload)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.Duplicate("record", table)
		}
		return nil, apperrors.Database(table, "insert", err)
	}
	return r.FindOneWhere(ctx, table, map[string]any{"_id": payload["_id"]})
}

func (r *mongoRepository) UpdateByID(ctx context.Context, table string, id any, changes Record) (Record, error) {
	full, err := r.table(table)
	if err != nil {
		return nil, err
	}
	payload := stripComputed(changes, computedFields(full, r.meta.InverseRelations(full.Table.ID)))
	delete(payload, "_id")
	delete(payload, createdAtField)
	payload[updatedAtField] = r.now().UTC()

	res, err := r.db.Collection(table).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: toBSON(payload)}},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.Duplicate("record", table)
		}
		return nil, apperrors.Database(table, "update", err)
	}
	if res.MatchedCount == 0 {
		return nil, apperrors.NotFound("record", idString(id))
	}
	return r.FindOneWhere(ctx, table, map[string]any{"_id": id})
}

func (r *mongoRepository) DeleteByID(ctx context.Context, table string, id any) error {
	full, err := r.table(table)
	if err != nil {
		return err
	}
	if err := r.checkRestrict(ctx, full, id); err != nil {
		return err
	}
	res, err := r.db.Collection(table).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return apperrors.Database(table, "delete", err)
	}
	if res.DeletedCount == 0 {
		return apperrors.NotFound("record", idString(id))
	}
	// Cleanup runs after the delete so cascade cycles terminate: once the
	// document is gone, reverse queries for its id stop matching it.
	return r.cascadeDelete(ctx, full, id)
}

// checkRestrict refuses the delete when any RESTRICT relation still has
// documents referencing the record.
func (r *mongoRepository) checkRestrict(ctx context.Context, full *metadata.FullTable, id any) error {
	check := func(collection, field string) error {
		count, err := r.db.Collection(collection).CountDocuments(ctx,
			bson.D{{Key: field, Value: id}})
		if err != nil {
			return apperrors.Database(collection, "cascade count", err)
		}
		if count > 0 {
			return apperrors.Validation("cannot delete: %d record(s) in %q still reference it through %q",
				count, collection, field)
		}
		return nil
	}
	for _, rel := range r.meta.InverseRelations(full.Table.ID) {
		if rel.Type != models.RelationManyToOne && rel.Type != models.RelationOneToOne {
			continue
		}
		if rel.EffectiveOnDelete() != models.DeleteRestrict {
			continue
		}
		holder := r.meta.LookupByID(rel.SourceTableID)
		if holder == nil {
			continue
		}
		if err := check(holder.Table.Name, rel.PropertyName); err != nil {
			return err
		}
	}
	for _, rel := range full.Relations {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		if rel.EffectiveOnDelete() != models.DeleteRestrict {
			continue
		}
		target := full
		if rel.TargetTableID != full.Table.ID {
			target = r.meta.LookupByID(rel.TargetTableID)
		}
		if target == nil {
			continue
		}
		if err := check(target.Table.Name, *rel.InversePropertyName); err != nil {
			return err
		}
	}
	return nil
}

// cascadeDelete cleans up references to a just-deleted record. Holders are
// found by reverse query since the record itself stored no back pointers.
// Writes are sequential, one collection at a time; a crash midway leaves a
// dangling reference rather than corrupting any single document.
func (r *mongoRepository) cascadeDelete(ctx context.Context, full *metadata.FullTable, id any) error {
	// Single references held by other tables.
	for _, rel := range r.meta.InverseRelations(full.Table.ID) {
		holder := r.meta.LookupByID(rel.SourceTableID)
		if holder == nil {
			continue
		}
		switch rel.Type {
		case models.RelationManyToOne, models.RelationOneToOne:
			if err := r.cleanupSingleRef(ctx, holder.Table.Name, rel.PropertyName, rel, id); err != nil {
				return err
			}
		case models.RelationManyToMany:
			_, err := r.db.Collection(holder.Table.Name).UpdateMany(ctx,
				bson.D{{Key: rel.PropertyName, Value: id}},
				bson.D{{Key: "$pull", Value: bson.D{{Key: rel.PropertyName, Value: id}}}},
			)
			if err != nil {
				return apperrors.Database(holder.Table.Name, "cascade pull", err)
			}
		}
	}

	// Single references this table's one-to-many relations store on their
	// targets under the inverse property name.
	for _, rel := range full.Relations {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		target := full
		if rel.TargetTableID != full.Table.ID {
			target = r.meta.LookupByID(rel.TargetTableID)
		}
		if target == nil {
			continue
		}
		if err := r.cleanupSingleRef(ctx, target.Table.Name, *rel.InversePropertyName, rel, id); err != nil {
			return err
		}
	}
	return nil
}

// cleanupSingleRef applies the relation's delete policy to every document
// holding the deleted id in a single-valued reference field.
func (r *mongoRepository) cleanupSingleRef(ctx context.Context, collection, field string, rel *models.RelationDefinition, id any) error {
	filter := bson.D{{Key: field, Value: id}}

	switch rel.EffectiveOnDelete() {
	case models.DeleteRestrict:
		// Already enforced before the delete.
		return nil

	case models.DeleteCascade:
		cursor, err := r.db.Collection(collection).Find(ctx, filter)
		if err != nil {
			return apperrors.Database(collection, "cascade find", err)
		}
		var children []Record
		if err := cursor.All(ctx, &children); err != nil {
			return apperrors.Database(collection, "cascade find", err)
		}
		for _, child := range children {
			if err := r.DeleteByID(ctx, collection, child["_id"]); err != nil {
				return err
			}
		}
		return nil

	default: // SET NULL
		_, err := r.db.Collection(collection).UpdateMany(ctx, filter,
			bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: nil}}}},
		)
		if err != nil {
			return apperrors.Database(collection, "cascade null", err)
		}
		return nil
	}
}

func toBSON(m map[string]any) bson.D {
	out := bson.D{}
	for k, v := range m {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

func idString(id any) string {
	if s, ok := id.(string); ok {
		return s
	}
	return "unknown"
}

