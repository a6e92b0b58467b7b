package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/models"
)

// MongoStore persists metadata in document collections. Multi-document
// transactions are avoided for availability: a failed create compensates with
// reverse-order deletes of the documents already inserted.
type MongoStore struct {
	db     *mongo.Database
	logger *zap.Logger
	now    func() time.Time
}

// NewMongoStore creates a metadata store over a MongoDB database.
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		db:     db,
		logger: logger.Named("metadata.mongo"),
		now:    time.Now,
	}
}

var _ Store = (*MongoStore)(nil)

// --- document shapes (uuid stored as string, `_id` on definition docs) ---

type tableDoc struct {
	ID          string     `bson:"_id"`
	Name        string     `bson:"name"`
	Alias       *string    `bson:"alias,omitempty"`
	Description *string    `bson:"description,omitempty"`
	IsSystem    bool       `bson:"isSystem"`
	Uniques     [][]string `bson:"uniques,omitempty"`
	Indexes     [][]string `bson:"indexes,omitempty"`
	CreatedAt   time.Time  `bson:"createdAt"`
	UpdatedAt   *time.Time `bson:"updatedAt,omitempty"`
}

type columnDoc struct {
	ID           string     `bson:"_id"`
	TableID      string     `bson:"tableId"`
	Name         string     `bson:"name"`
	Type         string     `bson:"type"`
	IsPrimary    bool       `bson:"isPrimary"`
	IsGenerated  bool       `bson:"isGenerated"`
	IsNullable   bool       `bson:"isNullable"`
	IsUnique     bool       `bson:"isUnique"`
	IsHidden     bool       `bson:"isHidden"`
	IsUpdatable  bool       `bson:"isUpdatable"`
	IsSystem     bool       `bson:"isSystem"`
	DefaultValue *string    `bson:"defaultValue,omitempty"`
	Options      []string   `bson:"options,omitempty"`
	Length       *int       `bson:"length,omitempty"`
	Description  *string    `bson:"description,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    *time.Time `bson:"updatedAt,omitempty"`
}

type relationDoc struct {
	ID                  string     `bson:"_id"`
	SourceTableID       string     `bson:"sourceTableId"`
	TargetTableID       string     `bson:"targetTableId"`
	PropertyName        string     `bson:"propertyName"`
	Type                string     `bson:"type"`
	InversePropertyName *string    `bson:"inversePropertyName,omitempty"`
	IsNullable          bool       `bson:"isNullable"`
	IsSystem            bool       `bson:"isSystem"`
	OnDelete            string     `bson:"onDelete,omitempty"`
	Description         *string    `bson:"description,omitempty"`
	CreatedAt           time.Time  `bson:"createdAt"`
	UpdatedAt           *time.Time `bson:"updatedAt,omitempty"`
}

type routeDoc struct {
	ID        string    `bson:"_id"`
	TableID   string    `bson:"tableId"`
	Path      string    `bson:"path"`
	IsEnabled bool      `bson:"isEnabled"`
	IsSystem  bool      `bson:"isSystem"`
	CreatedAt time.Time `bson:"createdAt"`
}

type settingDoc struct {
	ID          string     `bson:"_id"`
	IsInit      bool       `bson:"isInit"`
	ProjectName *string    `bson:"projectName,omitempty"`
	CreatedAt   time.Time  `bson:"createdAt"`
	UpdatedAt   *time.Time `bson:"updatedAt,omitempty"`
}

func tableToDoc(t *models.TableDefinition) tableDoc {
	return tableDoc{
		ID: t.ID.String(), Name: t.Name, Alias: t.Alias, Description: t.Description,
		IsSystem: t.IsSystem, Uniques: t.Uniques, Indexes: t.Indexes,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func (d tableDoc) toModel() (*models.TableDefinition, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	return &models.TableDefinition{
		ID: id, Name: d.Name, Alias: d.Alias, Description: d.Description,
		IsSystem: d.IsSystem, Uniques: d.Uniques, Indexes: d.Indexes,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}, nil
}

func columnToDoc(c *models.ColumnDefinition) columnDoc {
	return columnDoc{
		ID: c.ID.String(), TableID: c.TableID.String(), Name: c.Name, Type: string(c.Type),
		IsPrimary: c.IsPrimary, IsGenerated: c.IsGenerated, IsNullable: c.IsNullable,
		IsUnique: c.IsUnique, IsHidden: c.IsHidden, IsUpdatable: c.IsUpdatable,
		IsSystem: c.IsSystem, DefaultValue: c.DefaultValue, Options: c.Options,
		Length: c.Length, Description: c.Description, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func (d columnDoc) toModel() (*models.ColumnDefinition, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	tableID, err := uuid.Parse(d.TableID)
	if err != nil {
		return nil, err
	}
	return &models.ColumnDefinition{
		ID: id, TableID: tableID, Name: d.Name, Type: models.ColumnType(d.Type),
		IsPrimary: d.IsPrimary, IsGenerated: d.IsGenerated, IsNullable: d.IsNullable,
		IsUnique: d.IsUnique, IsHidden: d.IsHidden, IsUpdatable: d.IsUpdatable,
		IsSystem: d.IsSystem, DefaultValue: d.DefaultValue, Options: d.Options,
		Length: d.Length, Description: d.Description, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}, nil
}

func relationToDoc(r *models.RelationDefinition) relationDoc {
	return relationDoc{
		ID: r.ID.String(), SourceTableID: r.SourceTableID.String(), TargetTableID: r.TargetTableID.String(),
		PropertyName: r.PropertyName, Type: string(r.Type), InversePropertyName: r.InversePropertyName,
		IsNullable: r.IsNullable, IsSystem: r.IsSystem, OnDelete: string(r.OnDelete),
		Description: r.Description, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (d relationDoc) toModel() (*models.RelationDefinition, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	sourceID, err := uuid.Parse(d.SourceTableID)
	if err != nil {
		return nil, err
	}
	targetID, err := uuid.Parse(d.TargetTableID)
	if err != nil {
		return nil, err
	}
	return &models.RelationDefinition{
		ID: id, SourceTableID: sourceID, TargetTableID: targetID,
		PropertyName: d.PropertyName, Type: models.RelationType(d.Type),
		InversePropertyName: d.InversePropertyName, IsNullable: d.IsNullable,
		IsSystem: d.IsSystem, OnDelete: models.DeletePolicy(d.OnDelete),
		Description: d.Description, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}, nil
}

// CreateTable validates the spec, then inserts table, column, relation, and
// route documents in order. A failure part-way compensates by deleting the
// already-inserted documents in reverse order.
func (s *MongoStore) CreateTable(ctx context.Context, spec *TableSpec) (*FullTable, error) {
	existing, err := s.ListFullTables(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidateSpec(spec, config.BackendMongoDB, existing, nil); err != nil {
		return nil, err
	}

	now := s.now()
	tableID := uuid.New()
	columns := buildColumns(spec, tableID, now)
	relations, err := buildRelations(spec, tableID, now, func(ref TableRef) (uuid.UUID, error) {
		return resolveRef(ref, existing, spec.Name, tableID)
	})
	if err != nil {
		return nil, err
	}

	table := &models.TableDefinition{
		ID: tableID, Name: spec.Name, Alias: spec.Alias, Description: spec.Description,
		IsSystem: spec.IsSystem, Uniques: spec.Uniques, Indexes: spec.Indexes, CreatedAt: now,
	}

	// Compensation stack: collection name + inserted _id, unwound on failure.
	type inserted struct {
		collection string
		id         string
	}
	var done []inserted
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			step := done[i]
			if _, derr := s.db.Collection(step.collection).DeleteOne(ctx, bson.M{"_id": step.id}); derr != nil {
				s.logger.Error("rollback delete failed; metadata may need manual cleanup",
					zap.String("collection", step.collection),
					zap.String("id", step.id),
					zap.Error(derr))
			}
		}
	}

	if _, err := s.db.Collection(TableDefinitionCollection).InsertOne(ctx, tableToDoc(table)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperrors.Duplicate("table", spec.Name)
		}
		return nil, apperrors.Database(spec.Name, "createTable", err)
	}
	done = append(done, inserted{TableDefinitionCollection, table.ID.String()})

	for _, col := range columns {
		if _, err := s.db.Collection(ColumnDefinitionCollection).InsertOne(ctx, columnToDoc(col)); err != nil {
			rollback()
			return nil, apperrors.Database(spec.Name, "createTable", err).WithColumn(col.Name)
		}
		done = append(done, inserted{ColumnDefinitionCollection, col.ID.String()})
	}
	for _, rel := range relations {
		if _, err := s.db.Collection(RelationDefinitionCollection).InsertOne(ctx, relationToDoc(rel)); err != nil {
			rollback()
			return nil, apperrors.Database(spec.Name, "createTable", err).WithRelation(rel.PropertyName)
		}
		done = append(done, inserted{RelationDefinitionCollection, rel.ID.String()})
	}

	if err := s.ensureRoute(ctx, table, now); err != nil {
		rollback()
		return nil, err
	}

	return &FullTable{Table: table, Columns: columns, Relations: relations}, nil
}

func (s *MongoStore) ensureRoute(ctx context.Context, table *models.TableDefinition, now time.Time) error {
	path := "/" + table.Name
	count, err := s.db.Collection(RouteDefinitionCollection).CountDocuments(ctx, bson.M{"path": path})
	if err != nil {
		return apperrors.Database(table.Name, "ensureRoute", err)
	}
	if count > 0 {
		return nil
	}
	_, err = s.db.Collection(RouteDefinitionCollection).InsertOne(ctx, routeDoc{
		ID: uuid.New().String(), TableID: table.ID.String(), Path: path,
		IsEnabled: true, IsSystem: table.IsSystem, CreatedAt: now,
	})
	if err != nil {
		return apperrors.Database(table.Name, "ensureRoute", err)
	}
	return nil
}

// UpdateTable applies the membership delta document-by-document. Mutations
// are sequential and non-transactional; the schema migration lock serializes
// competing writers at the process-pool level.
func (s *MongoStore) UpdateTable(ctx context.Context, id uuid.UUID, spec *TableSpec) (*FullTable, *ChangeSet, error) {
	existing, err := s.ListFullTables(ctx)
	if err != nil {
		return nil, nil, err
	}
	var old *FullTable
	for _, t := range existing {
		if t.Table.ID == id {
			old = t
			break
		}
	}
	if old == nil {
		return nil, nil, apperrors.NotFound("table", id.String()).WithOperation("updateTable")
	}
	if old.Table.IsSystem {
		return nil, nil, apperrors.Validation("system table %q cannot be modified", old.Table.Name).
			WithTable(old.Table.Name).WithOperation("updateTable")
	}
	if err := ValidateSpec(spec, config.BackendMongoDB, existing, &id); err != nil {
		return nil, nil, err
	}

	now := s.now()
	columns := buildColumns(spec, id, now)
	relations, err := buildRelations(spec, id, now, func(ref TableRef) (uuid.UUID, error) {
		return resolveRef(ref, existing, spec.Name, id)
	})
	if err != nil {
		return nil, nil, err
	}
	cs := ComputeChangeSet(old, columns, relations)

	table := &models.TableDefinition{
		ID: id, Name: spec.Name, Alias: spec.Alias, Description: spec.Description,
		IsSystem: old.Table.IsSystem, Uniques: spec.Uniques, Indexes: spec.Indexes,
		CreatedAt: old.Table.CreatedAt, UpdatedAt: &now,
	}

	doc := tableToDoc(table)
	if _, err := s.db.Collection(TableDefinitionCollection).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc); err != nil {
		return nil, nil, apperrors.Database(spec.Name, "updateTable", err)
	}

	for _, col := range cs.DroppedColumns {
		if _, err := s.db.Collection(ColumnDefinitionCollection).DeleteOne(ctx, bson.M{"_id": col.ID.String()}); err != nil {
			return nil, nil, apperrors.Database(spec.Name, "updateTable", err).WithColumn(col.Name)
		}
	}
	for _, rel := range cs.DroppedRelations {
		if _, err := s.db.Collection(RelationDefinitionCollection).DeleteOne(ctx, bson.M{"_id": rel.ID.String()}); err != nil {
			return nil, nil, apperrors.Database(spec.Name, "updateTable", err).WithRelation(rel.PropertyName)
		}
	}

	oldColIDs := make(map[uuid.UUID]struct{}, len(old.Columns))
	for _, c := range old.Columns {
		oldColIDs[c.ID] = struct{}{}
	}
	for _, col := range columns {
		cdoc := columnToDoc(col)
		if _, existed := oldColIDs[col.ID]; existed {
			cdoc.UpdatedAt = &now
			if _, err := s.db.Collection(ColumnDefinitionCollection).ReplaceOne(ctx, bson.M{"_id": cdoc.ID}, cdoc); err != nil {
				return nil, nil, apperrors.Database(spec.Name, "updateTable", err).WithColumn(col.Name)
			}
			continue
		}
		if _, err := s.db.Collection(ColumnDefinitionCollection).InsertOne(ctx, cdoc); err != nil {
			return nil, nil, apperrors.Database(spec.Name, "updateTable", err).WithColumn(col.Name)
		}
	}

	oldRelIDs := make(map[uuid.UUID]struct{}, len(old.Relations))
	for _, r := range old.Relations {
		oldRelIDs[r.ID] = struct{}{}
	}
	for _, rel := range relations {
		rdoc := relationToDoc(rel)
		if _, existed := oldRelIDs[rel.ID]; existed {
			rdoc.UpdatedAt = &now
			if _, err := s.db.Collection(RelationDefinitionCollection).ReplaceOne(ctx, bson.M{"_id": rdoc.ID}, rdoc); err != nil {
				return nil, nil, apperrors.Database(spec.Name, "updateTable", err).WithRelation(rel.PropertyName)
			}
			continue
		}
		if _, err := s.db.Collection(RelationDefinitionCollection).InsertOne(ctx, rdoc); err != nil {
			return nil, nil, apperrors.Database(spec.Name, "updateTable", err).WithRelation(rel.PropertyName)
		}
	}

	return &FullTable{Table: table, Columns: columns, Relations: relations}, cs, nil
}

// DeleteTable removes the table's metadata documents, its routes, and every
// relation document referencing it from either side, in dependency order.
func (s *MongoStore) DeleteTable(ctx context.Context, id uuid.UUID) (*FullTable, error) {
	old, err := s.GetFullTable(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Table.IsSystem {
		return nil, apperrors.Validation("system table %q cannot be deleted", old.Table.Name).
			WithTable(old.Table.Name).WithOperation("deleteTable")
	}

	idStr := id.String()
	steps := []struct {
		collection string
		filter     bson.M
	}{
		{RouteDefinitionCollection, bson.M{"tableId": idStr}},
		{RelationDefinitionCollection, bson.M{"$or": bson.A{
			bson.M{"sourceTableId": idStr},
			bson.M{"targetTableId": idStr},
		}}},
		{ColumnDefinitionCollection, bson.M{"tableId": idStr}},
		{TableDefinitionCollection, bson.M{"_id": idStr}},
	}
	for _, step := range steps {
		if _, err := s.db.Collection(step.collection).DeleteMany(ctx, step.filter); err != nil {
			return nil, apperrors.Database(old.Table.Name, "deleteTable", err)
		}
	}
	return old, nil
}

// GetFullTable loads one table with its columns and relations.
func (s *MongoStore) GetFullTable(ctx context.Context, id uuid.UUID) (*FullTable, error) {
	var doc tableDoc
	err := s.db.Collection(TableDefinitionCollection).FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFound("table", id.String())
	}
	if err != nil {
		return nil, apperrors.Database(id.String(), "getTable", err)
	}
	return s.hydrateDoc(ctx, doc)
}

// FindTableByName loads one table by name.
func (s *MongoStore) FindTableByName(ctx context.Context, name string) (*FullTable, error) {
	var doc tableDoc
	err := s.db.Collection(TableDefinitionCollection).FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFound("table", name)
	}
	if err != nil {
		return nil, apperrors.Database(name, "getTable", err)
	}
	return s.hydrateDoc(ctx, doc)
}

// ListFullTables loads every table with columns and relations.
func (s *MongoStore) ListFullTables(ctx context.Context) ([]*FullTable, error) {
	cursor, err := s.db.Collection(TableDefinitionCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, apperrors.Database("", "listTables", err)
	}
	var docs []tableDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, apperrors.Database("", "listTables", err)
	}
	out := make([]*FullTable, 0, len(docs))
	for _, doc := range docs {
		full, err := s.hydrateDoc(ctx, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, full)
	}
	return out, nil
}

func (s *MongoStore) hydrateDoc(ctx context.Context, doc tableDoc) (*FullTable, error) {
	table, err := doc.toModel()
	if err != nil {
		return nil, apperrors.Database(doc.Name, "getTable", err)
	}
	full := &FullTable{Table: table}

	colCursor, err := s.db.Collection(ColumnDefinitionCollection).Find(ctx, bson.M{"tableId": doc.ID})
	if err != nil {
		return nil, apperrors.Database(doc.Name, "loadColumns", err)
	}
	var colDocs []columnDoc
	if err := colCursor.All(ctx, &colDocs); err != nil {
		return nil, apperrors.Database(doc.Name, "loadColumns", err)
	}
	for _, cd := range colDocs {
		col, err := cd.toModel()
		if err != nil {
			return nil, apperrors.Database(doc.Name, "loadColumns", err)
		}
		full.Columns = append(full.Columns, col)
	}

	relCursor, err := s.db.Collection(RelationDefinitionCollection).Find(ctx, bson.M{"sourceTableId": doc.ID})
	if err != nil {
		return nil, apperrors.Database(doc.Name, "loadRelations", err)
	}
	var relDocs []relationDoc
	if err := relCursor.All(ctx, &relDocs); err != nil {
		return nil, apperrors.Database(doc.Name, "loadRelations", err)
	}
	for _, rd := range relDocs {
		rel, err := rd.toModel()
		if err != nil {
			return nil, apperrors.Database(doc.Name, "loadRelations", err)
		}
		full.Relations = append(full.Relations, rel)
	}
	return full, nil
}

// GetSettings returns the singleton settings document, or a zero-value record
// when none exists yet.
func (s *MongoStore) GetSettings(ctx context.Context) (*models.SettingDefinition, error) {
	var doc settingDoc
	err := s.db.Collection(SettingDefinitionCollection).FindOne(ctx, bson.M{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.SettingDefinition{}, nil
	}
	if err != nil {
		return nil, apperrors.Database(SettingDefinitionCollection, "getSettings", err)
	}
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, apperrors.Database(SettingDefinitionCollection, "getSettings", err)
	}
	return &models.SettingDefinition{
		ID: id, IsInit: doc.IsInit, ProjectName: doc.ProjectName,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
	}, nil
}

// MarkInitialized flips (or creates) the singleton isInit flag.
func (s *MongoStore) MarkInitialized(ctx context.Context) error {
	setting, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	if setting.ID == uuid.Nil {
		_, err = s.db.Collection(SettingDefinitionCollection).InsertOne(ctx, settingDoc{
			ID: uuid.New().String(), IsInit: true, CreatedAt: now,
		})
	} else {
		_, err = s.db.Collection(SettingDefinitionCollection).UpdateOne(ctx,
			bson.M{"_id": setting.ID.String()},
			bson.M{"$set": bson.M{"isInit": true, "updatedAt": now}})
	}
	if err != nil {
		return apperrors.Database(SettingDefinitionCollection, "markInitialized", err)
	}
	return nil
}
