package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/models"
)

// SQLStore persists metadata in relational tables, one transaction per
// mutation. Queries are written with ? placeholders and rebound to $n for
// Postgres.
type SQLStore struct {
	db      *sql.DB
	backend config.Backend
	logger  *zap.Logger
	now     func() time.Time
}

// NewSQLStore creates a metadata store over a relational database.
func NewSQLStore(db *sql.DB, backend config.Backend, logger *zap.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		backend: backend,
		logger:  logger.Named("metadata.sql"),
		now:     time.Now,
	}
}

var _ Store = (*SQLStore)(nil)

// rebind converts ? placeholders to $n for Postgres; MySQL keeps ?.
func (s *SQLStore) rebind(query string) string {
	if s.backend != config.BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateTable validates the spec, then persists the table, column, relation,
// and companion route rows atomically.
func (s *SQLStore) CreateTable(ctx context.Context, spec *TableSpec) (*FullTable, error) {
	existing, err := s.ListFullTables(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidateSpec(spec, s.backend, existing, nil); err != nil {
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
		ID:          tableID,
		Name:        spec.Name,
		Alias:       spec.Alias,
		Description: spec.Description,
		IsSystem:    spec.IsSystem,
		Uniques:     models.FieldGroups(spec.Uniques),
		Indexes:     models.FieldGroups(spec.Indexes),
		CreatedAt:   now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertTable(ctx, tx, table); err != nil {
			return err
		}
		for _, col := range columns {
			if err := s.insertColumn(ctx, tx, col); err != nil {
				return err
			}
		}
		for _, rel := range relations {
			if err := s.insertRelation(ctx, tx, rel); err != nil {
				return err
			}
		}
		return s.ensureRoute(ctx, tx, table, now)
	})
	if err != nil {
		if appErr := (*apperrors.Error)(nil); errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.Database(spec.Name, "createTable", err)
	}

	return &FullTable{Table: table, Columns: columns, Relations: relations}, nil
}

// UpdateTable diffs the spec against the stored rows by stable id and applies
// the membership delta in one transaction.
func (s *SQLStore) UpdateTable(ctx context.Context, id uuid.UUID, spec *TableSpec) (*FullTable, *ChangeSet, error) {
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
	if err := ValidateSpec(spec, s.backend, existing, &id); err != nil {
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
		ID:          id,
		Name:        spec.Name,
		Alias:       spec.Alias,
		Description: spec.Description,
		IsSystem:    old.Table.IsSystem,
		Uniques:     models.FieldGroups(spec.Uniques),
		Indexes:     models.FieldGroups(spec.Indexes),
		CreatedAt:   old.Table.CreatedAt,
		UpdatedAt:   &now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateTableRow(ctx, tx, table); err != nil {
			return err
		}
		for _, col := range cs.DroppedColumns {
			if err := s.execTx(ctx, tx, `DELETE FROM `+ColumnDefinitionCollection+` WHERE id = ?`, col.ID.String()); err != nil {
				return err
			}
		}
		for _, rel := range cs.DroppedRelations {
			if err := s.execTx(ctx, tx, `DELETE FROM `+RelationDefinitionCollection+` WHERE id = ?`, rel.ID.String()); err != nil {
				return err
			}
		}
		oldColIDs := make(map[uuid.UUID]struct{}, len(old.Columns))
		for _, c := range old.Columns {
			oldColIDs[c.ID] = struct{}{}
		}
		for _, col := range columns {
			if _, existed := oldColIDs[col.ID]; existed {
				if err := s.updateColumnRow(ctx, tx, col, now); err != nil {
					return err
				}
				continue
			}
			if err := s.insertColumn(ctx, tx, col); err != nil {
				return err
			}
		}
		oldRelIDs := make(map[uuid.UUID]struct{}, len(old.Relations))
		for _, r := range old.Relations {
			oldRelIDs[r.ID] = struct{}{}
		}
		for _, rel := range relations {
			if _, existed := oldRelIDs[rel.ID]; existed {
				if err := s.updateRelationRow(ctx, tx, rel, now); err != nil {
					return err
				}
				continue
			}
			if err := s.insertRelation(ctx, tx, rel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if appErr := (*apperrors.Error)(nil); errors.As(err, &appErr) {
			return nil, nil, err
		}
		return nil, nil, apperrors.Database(spec.Name, "updateTable", err)
	}

	return &FullTable{Table: table, Columns: columns, Relations: relations}, cs, nil
}

// DeleteTable removes the table's metadata rows, its routes, and every
// relation row referencing it from either side. Physical-schema cleanup is
// the migrator's job; callers collect inbound relations from the cache first.
func (s *SQLStore) DeleteTable(ctx context.Context, id uuid.UUID) (*FullTable, error) {
	old, err := s.GetFullTable(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Table.IsSystem {
		return nil, apperrors.Validation("system table %q cannot be deleted", old.Table.Name).
			WithTable(old.Table.Name).WithOperation("deleteTable")
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			query string
			arg   string
		}{
			{`DELETE FROM ` + RouteDefinitionCollection + ` WHERE table_id = ?`, id.String()},
			{`DELETE FROM ` + RelationDefinitionCollection + ` WHERE source_table_id = ? OR target_table_id = ?`, id.String()},
			{`DELETE FROM ` + ColumnDefinitionCollection + ` WHERE table_id = ?`, id.String()},
			{`DELETE FROM ` + TableDefinitionCollection + ` WHERE id = ?`, id.String()},
		}
		for _, step := range steps {
			args := []any{step.arg}
			if strings.Count(step.query, "?") == 2 {
				args = append(args, step.arg)
			}
			if err := s.execTx(ctx, tx, step.query, args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Database(old.Table.Name, "deleteTable", err)
	}
	return old, nil
}

// GetFullTable loads one table with its columns and relations.
func (s *SQLStore) GetFullTable(ctx context.Context, id uuid.UUID) (*FullTable, error) {
	table, err := s.getTableRow(ctx, `WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, table)
}

// FindTableByName loads one table by name.
func (s *SQLStore) FindTableByName(ctx context.Context, name string) (*FullTable, error) {
	table, err := s.getTableRow(ctx, `WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, table)
}

// ListFullTables loads every table with columns and relations.
func (s *SQLStore) ListFullTables(ctx context.Context) ([]*FullTable, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, alias, description, is_system, uniques, indexes, created_at, updated_at
		 FROM `+TableDefinitionCollection+` ORDER BY name`))
	if err != nil {
		return nil, apperrors.Database("", "listTables", err)
	}
	defer rows.Close()

	var out []*FullTable
	for rows.Next() {
		table, err := scanTable(rows)
		if err != nil {
			return nil, apperrors.Database("", "listTables", err)
		}
		out = append(out, &FullTable{Table: table})
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Database("", "listTables", err)
	}

	for _, full := range out {
		if err := s.loadChildren(ctx, full); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetSettings returns the singleton settings row, or a zero-value record when
// none exists yet.
func (s *SQLStore) GetSettings(ctx context.Context) (*models.SettingDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, is_init, project_name, created_at, updated_at FROM `+SettingDefinitionCollection+` LIMIT 1`))
	setting := &models.SettingDefinition{}
	var idStr string
	var updatedAt sql.NullTime
	err := row.Scan(&idStr, &setting.IsInit, &setting.ProjectName, &setting.CreatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SettingDefinition{}, nil
	}
	if err != nil {
		return nil, apperrors.Database(SettingDefinitionCollection, "getSettings", err)
	}
	setting.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, apperrors.Database(SettingDefinitionCollection, "getSettings", err)
	}
	if updatedAt.Valid {
		setting.UpdatedAt = &updatedAt.Time
	}
	return setting, nil
}

// MarkInitialized flips (or creates) the singleton isInit flag.
func (s *SQLStore) MarkInitialized(ctx context.Context) error {
	setting, err := s.GetSettings(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	if setting.ID == uuid.Nil {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`INSERT INTO `+SettingDefinitionCollection+` (id, is_init, created_at) VALUES (?, ?, ?)`),
			uuid.New().String(), true, now)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE `+SettingDefinitionCollection+` SET is_init = ?, updated_at = ? WHERE id = ?`),
			true, now, setting.ID.String())
	}
	if err != nil {
		return apperrors.Database(SettingDefinitionCollection, "markInitialized", err)
	}
	return nil
}

// --- row helpers ---

func (s *SQLStore) execTx(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *SQLStore) insertTable(ctx context.Context, tx *sql.Tx, t *models.TableDefinition) error {
	return s.execTx(ctx, tx,
		`INSERT INTO `+TableDefinitionCollection+`
		 (id, name, alias, description, is_system, uniques, indexes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Name, t.Alias, t.Description, t.IsSystem, t.Uniques, t.Indexes, t.CreatedAt)
}

func (s *SQLStore) updateTableRow(ctx context.Context, tx *sql.Tx, t *models.TableDefinition) error {
	return s.execTx(ctx, tx,
		`UPDATE `+TableDefinitionCollection+`
		 SET name = ?, alias = ?, description = ?, uniques = ?, indexes = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.Alias, t.Description, t.Uniques, t.Indexes, t.UpdatedAt, t.ID.String())
}

func (s *SQLStore) insertColumn(ctx context.Context, tx *sql.Tx, c *models.ColumnDefinition) error {
	return s.execTx(ctx, tx,
		`INSERT INTO `+ColumnDefinitionCollection+`
		 (id, table_id, name, type, is_primary, is_generated, is_nullable, is_unique,
		  is_hidden, is_updatable, is_system, default_value, options, length, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.TableID.String(), c.Name, string(c.Type), c.IsPrimary, c.IsGenerated,
		c.IsNullable, c.IsUnique, c.IsHidden, c.IsUpdatable, c.IsSystem,
		c.DefaultValue, c.Options, c.Length, c.Description, c.CreatedAt)
}

func (s *SQLStore) updateColumnRow(ctx context.Context, tx *sql.Tx, c *models.ColumnDefinition, now time.Time) error {
	return s.execTx(ctx, tx,
		`UPDATE `+ColumnDefinitionCollection+`
		 SET name = ?, type = ?, is_primary = ?, is_generated = ?, is_nullable = ?, is_unique = ?,
		     is_hidden = ?, is_updatable = ?, default_value = ?, options = ?, length = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, string(c.Type), c.IsPrimary, c.IsGenerated, c.IsNullable, c.IsUnique,
		c.IsHidden, c.IsUpdatable, c.DefaultValue, c.Options, c.Length, c.Description, now, c.ID.String())
}

func (s *SQLStore) insertRelation(ctx context.Context, tx *sql.Tx, r *models.RelationDefinition) error {
	return s.execTx(ctx, tx,
		`INSERT INTO `+RelationDefinitionCollection+`
		 (id, source_table_id, target_table_id, property_name, type, inverse_property_name,
		  is_nullable, is_system, on_delete, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.SourceTableID.String(), r.TargetTableID.String(), r.PropertyName,
		string(r.Type), r.InversePropertyName, r.IsNullable, r.IsSystem, string(r.OnDelete),
		r.Description, r.CreatedAt)
}

func (s *SQLStore) updateRelationRow(ctx context.Context, tx *sql.Tx, r *models.RelationDefinition, now time.Time) error {
	return s.execTx(ctx, tx,
		`UPDATE `+RelationDefinitionCollection+`
		 SET target_table_id = ?, property_name = ?, type = ?, inverse_property_name = ?,
		     is_nullable = ?, on_delete = ?, description = ?, updated_at = ?
		 WHERE id = ?`,
		r.TargetTableID.String(), r.PropertyName, string(r.Type), r.InversePropertyName,
		r.IsNullable, string(r.OnDelete), r.Description, now, r.ID.String())
}

// ensureRoute creates the companion route record unless one already exists
// for the same path.
func (s *SQLStore) ensureRoute(ctx context.Context, tx *sql.Tx, t *models.TableDefinition, now time.Time) error {
	path := "/" + t.Name
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM `+RouteDefinitionCollection+` WHERE path = ?`), path)
	var count int
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return s.execTx(ctx, tx,
		`INSERT INTO `+RouteDefinitionCollection+`
		 (id, table_id, path, is_enabled, is_system, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), t.ID.String(), path, true, t.IsSystem, now)
}

func (s *SQLStore) getTableRow(ctx context.Context, where string, arg any) (*models.TableDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, alias, description, is_system, uniques, indexes, created_at, updated_at
		 FROM `+TableDefinitionCollection+` `+where), arg)
	table, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("table", fmt.Sprintf("%v", arg))
	}
	if err != nil {
		return nil, apperrors.Database(fmt.Sprintf("%v", arg), "getTable", err)
	}
	return table, nil
}

func (s *SQLStore) hydrate(ctx context.Context, table *models.TableDefinition) (*FullTable, error) {
	full := &FullTable{Table: table}
	if err := s.loadChildren(ctx, full); err != nil {
		return nil, err
	}
	return full, nil
}

func (s *SQLStore) loadChildren(ctx context.Context, full *FullTable) error {
	id := full.Table.ID.String()

	colRows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, table_id, name, type, is_primary, is_generated, is_nullable, is_unique,
		        is_hidden, is_updatable, is_system, default_value, options, length, description, created_at, updated_at
		 FROM `+ColumnDefinitionCollection+` WHERE table_id = ? ORDER BY created_at, name`), id)
	if err != nil {
		return apperrors.Database(full.Table.Name, "loadColumns", err)
	}
	defer colRows.Close()
	full.Columns = nil
	for colRows.Next() {
		col, err := scanColumn(colRows)
		if err != nil {
			return apperrors.Database(full.Table.Name, "loadColumns", err)
		}
		full.Columns = append(full.Columns, col)
	}
	if err := colRows.Err(); err != nil {
		return apperrors.Database(full.Table.Name, "loadColumns", err)
	}

	relRows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, source_table_id, target_table_id, property_name, type, inverse_property_name,
		        is_nullable, is_system, on_delete, description, created_at, updated_at
		 FROM `+RelationDefinitionCollection+` WHERE source_table_id = ? ORDER BY created_at, property_name`), id)
	if err != nil {
		return apperrors.Database(full.Table.Name, "loadRelations", err)
	}
	defer relRows.Close()
	full.Relations = nil
	for relRows.Next() {
		rel, err := scanRelation(relRows)
		if err != nil {
			return apperrors.Database(full.Table.Name, "loadRelations", err)
		}
		full.Relations = append(full.Relations, rel)
	}
	return relRows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTable(row scanner) (*models.TableDefinition, error) {
	t := &models.TableDefinition{}
	var idStr string
	var updatedAt sql.NullTime
	if err := row.Scan(&idStr, &t.Name, &t.Alias, &t.Description, &t.IsSystem,
		&t.Uniques, &t.Indexes, &t.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid table id %q: %w", idStr, err)
	}
	t.ID = id
	if updatedAt.Valid {
		t.UpdatedAt = &updatedAt.Time
	}
	return t, nil
}

func scanColumn(row scanner) (*models.ColumnDefinition, error) {
	c := &models.ColumnDefinition{}
	var idStr, tableIDStr, typeStr string
	var updatedAt sql.NullTime
	if err := row.Scan(&idStr, &tableIDStr, &c.Name, &typeStr, &c.IsPrimary, &c.IsGenerated,
		&c.IsNullable, &c.IsUnique, &c.IsHidden, &c.IsUpdatable, &c.IsSystem,
		&c.DefaultValue, &c.Options, &c.Length, &c.Description, &c.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid column id %q: %w", idStr, err)
	}
	if c.TableID, err = uuid.Parse(tableIDStr); err != nil {
		return nil, fmt.Errorf("invalid column table id %q: %w", tableIDStr, err)
	}
	c.Type = models.ColumnType(typeStr)
	if updatedAt.Valid {
		c.UpdatedAt = &updatedAt.Time
	}
	return c, nil
}

func scanRelation(row scanner) (*models.RelationDefinition, error) {
	r := &models.RelationDefinition{}
	var idStr, sourceStr, targetStr, typeStr string
	var onDelete sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(&idStr, &sourceStr, &targetStr, &r.PropertyName, &typeStr,
		&r.InversePropertyName, &r.IsNullable, &r.IsSystem, &onDelete,
		&r.Description, &r.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid relation id %q: %w", idStr, err)
	}
	if r.SourceTableID, err = uuid.Parse(sourceStr); err != nil {
		return nil, fmt.Errorf("invalid relation source id %q: %w", sourceStr, err)
	}
	if r.TargetTableID, err = uuid.Parse(targetStr); err != nil {
		return nil, fmt.Errorf("invalid relation target id %q: %w", targetStr, err)
	}
	r.Type = models.RelationType(typeStr)
	if onDelete.Valid {
		r.OnDelete = models.DeletePolicy(onDelete.String)
	}
	if updatedAt.Valid {
		r.UpdatedAt = &updatedAt.Time
	}
	return r, nil
}
