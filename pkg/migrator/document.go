package migrator

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/logging"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// documentMigrator projects metadata onto MongoDB collections: a $jsonSchema
// validator per collection plus the derived index set. There is no DDL to
// diff; updates re-issue collMod and rebuild indexes, both idempotent.
type documentMigrator struct {
	db      *mongo.Database
	resolve Resolver
	logger  *zap.Logger
}

var _ SchemaMigrator = (*documentMigrator)(nil)

// NewDocument builds the MongoDB schema migrator.
func NewDocument(db *mongo.Database, resolve Resolver, logger *zap.Logger) SchemaMigrator {
	return &documentMigrator{
		db:      db,
		resolve: resolve,
		logger:  logger.Named("migrator"),
	}
}

func (m *documentMigrator) CreateTable(ctx context.Context, table *metadata.FullTable) error {
	name := table.Table.Name
	exists, err := m.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return m.SyncTable(ctx, table)
	}

	opts := options.CreateCollection().
		SetValidator(BuildValidator(table, m.resolve)).
		SetValidationLevel(validationLevel).
		SetValidationAction(validationAction)
	if err := m.db.CreateCollection(ctx, name, opts); err != nil {
		m.logger.Error("creating collection failed",
			zap.String("collection", name),
			zap.String("error", logging.SanitizeError(err)),
		)
		return apperrors.Database(name, "create collection", err)
	}
	m.logger.Info("collection created", zap.String("collection", name))
	if err := m.buildIndexes(ctx, table); err != nil {
		return err
	}
	return m.propagateOneToMany(ctx, table)
}

func (m *documentMigrator) UpdateTable(ctx context.Context, table *metadata.FullTable, changes *metadata.ChangeSet) error {
	name := table.Table.Name
	exists, err := m.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return m.CreateTable(ctx, table)
	}

	if err := m.applyValidator(ctx, table); err != nil {
		return err
	}
	if changes != nil {
		if err := m.unsetDroppedFields(ctx, name, changes); err != nil {
			return err
		}
	}
	if err := m.rebuildIndexes(ctx, table); err != nil {
		return err
	}
	return m.propagateOneToMany(ctx, table)
}

func (m *documentMigrator) DropTable(ctx context.Context, table *metadata.FullTable, inbound []*models.RelationDefinition) error {
	// Strip reference fields held by other collections before the target
	// disappears. Inverse sides are derived, never stored, so only owner
	// fields need cleanup.
	for _, rel := range inbound {
		if rel.SourceTableID == table.Table.ID || !rel.Type.OwnsForeignKey() {
			continue
		}
		source := m.resolve.LookupByID(rel.SourceTableID)
		if source == nil {
			continue
		}
		_, err := m.db.Collection(source.Table.Name).UpdateMany(ctx,
			bson.D{},
			bson.D{{Key: "$unset", Value: bson.D{{Key: rel.PropertyName, Value: ""}}}},
		)
		if err != nil {
			return apperrors.Database(source.Table.Name, "unset reference field", err)
		}
		m.logger.Info("reference field removed",
			zap.String("collection", source.Table.Name),
			zap.String("field", rel.PropertyName),
		)
	}

	// This table's own one-to-many relations store their reference on the
	// target side; strip those inverse fields as well.
	for _, rel := range table.Relations {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		target := m.resolve.LookupByID(rel.TargetTableID)
		if target == nil || target.Table.ID == table.Table.ID {
			continue
		}
		_, err := m.db.Collection(target.Table.Name).UpdateMany(ctx,
			bson.D{},
			bson.D{{Key: "$unset", Value: bson.D{{Key: *rel.InversePropertyName, Value: ""}}}},
		)
		if err != nil {
			return apperrors.Database(target.Table.Name, "unset reference field", err)
		}
	}

	if err := m.db.Collection(table.Table.Name).Drop(ctx); err != nil {
		return apperrors.Database(table.Table.Name, "drop collection", err)
	}
	m.logger.Info("collection dropped", zap.String("collection", table.Table.Name))
	return nil
}

func (m *documentMigrator) SyncTable(ctx context.Context, table *metadata.FullTable) error {
	exists, err := m.collectionExists(ctx, table.Table.Name)
	if err != nil {
		return err
	}
	if !exists {
		return m.CreateTable(ctx, table)
	}
	if err := m.applyValidator(ctx, table); err != nil {
		return err
	}
	return m.rebuildIndexes(ctx, table)
}

// RenameField rewrites every document in a collection to carry a renamed
// field. The background rename task calls this after the metadata rename
// committed; reads in between see the new schema with the old field, which
// the moderate validation level tolerates.
func (m *documentMigrator) RenameField(ctx context.Context, collection, oldName, newName string) error {
	res, err := m.db.Collection(collection).UpdateMany(ctx,
		bson.D{{Key: oldName, Value: bson.D{{Key: "$exists", Value: true}}}},
		bson.D{{Key: "$rename", Value: bson.D{{Key: oldName, Value: newName}}}},
	)
	if err != nil {
		return apperrors.Database(collection, "rename field", err)
	}
	m.logger.Info("field renamed",
		zap.String("collection", collection),
		zap.String("from", oldName),
		zap.String("to", newName),
		zap.Int64("documents", res.ModifiedCount),
	)
	return nil
}

// propagateOneToMany ensures the targets of this table's one-to-many
// relations carry an index on the inverse reference field. The targets'
// own index sets pick these up from the snapshot on later rebuilds; this
// covers the window before the snapshot reloads.
func (m *documentMigrator) propagateOneToMany(ctx context.Context, table *metadata.FullTable) error {
	for _, rel := range table.Relations {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		target, err := resolveTarget(table, rel, m.resolve)
		if err != nil {
			return err
		}
		if target.Table.ID == table.Table.ID {
			continue
		}
		field := *rel.InversePropertyName
		model := mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
			Options: options.Index().
				SetName(naming.IndexName(target.Table.Name, []string{field}, false, mongoIndexNameLimit)),
		}
		if _, err := m.db.Collection(target.Table.Name).Indexes().CreateOne(ctx, model); err != nil {
			return apperrors.Database(target.Table.Name, "create index", err)
		}
	}
	return nil
}

func (m *documentMigrator) collectionExists(ctx context.Context, name string) (bool, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, apperrors.Database(name, "list collections", err)
	}
	return len(names) > 0, nil
}

func (m *documentMigrator) applyValidator(ctx context.Context, table *metadata.FullTable) error {
	name := table.Table.Name
	cmd := bson.D{
		{Key: "collMod", Value: name},
		{Key: "validator", Value: BuildValidator(table, m.resolve)},
		{Key: "validationLevel", Value: validationLevel},
		{Key: "validationAction", Value: validationAction},
	}
	if err := m.db.RunCommand(ctx, cmd).Err(); err != nil {
		return apperrors.Database(name, "collMod", err)
	}
	m.logger.Info("collection validator updated", zap.String("collection", name))
	return nil
}

// unsetDroppedFields removes data for columns and owner relations the update
// dropped. Renames are excluded; the rename task migrates those in place.
func (m *documentMigrator) unsetDroppedFields(ctx context.Context, name string, changes *metadata.ChangeSet) error {
	fields := bson.D{}
	for _, c := range changes.DroppedColumns {
		fields = append(fields, bson.E{Key: c.Name, Value: ""})
	}
	for _, r := range changes.DroppedRelations {
		if r.Type.OwnsForeignKey() {
			fields = append(fields, bson.E{Key: r.PropertyName, Value: ""})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	_, err := m.db.Collection(name).UpdateMany(ctx,
		bson.D{},
		bson.D{{Key: "$unset", Value: fields}},
	)
	if err != nil {
		return apperrors.Database(name, "unset dropped fields", err)
	}
	return nil
}

// buildIndexes creates the derived index set on a fresh collection.
func (m *documentMigrator) buildIndexes(ctx context.Context, table *metadata.FullTable) error {
	indexModels := BuildIndexModels(table, m.resolve)
	if len(indexModels) == 0 {
		return nil
	}
	if _, err := m.db.Collection(table.Table.Name).Indexes().CreateMany(ctx, indexModels); err != nil {
		return apperrors.Database(table.Table.Name, "create indexes", err)
	}
	m.logger.Info("indexes created",
		zap.String("collection", table.Table.Name),
		zap.Int("count", len(indexModels)),
	)
	return nil
}

// rebuildIndexes drops every secondary index and recreates the derived set.
// Index options cannot change in place, so rebuild is the convergent path;
// the _id index is never dropped.
func (m *documentMigrator) rebuildIndexes(ctx context.Context, table *metadata.FullTable) error {
	if err := m.db.Collection(table.Table.Name).Indexes().DropAll(ctx); err != nil {
		return apperrors.Database(table.Table.Name, "drop indexes", err)
	}
	return m.buildIndexes(ctx, table)
}
