package records

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// sqlRepository is the relational repository. Unlike the document backend it
// carries no cascade logic: the physical foreign keys enforce delete
// policies, so a delete is a single statement.
type sqlRepository struct {
	db       *sql.DB
	postgres bool
	meta     MetadataSource
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

var _ Repository = (*sqlRepository)(nil)

// NewSQL builds the relational repository. dialect is "postgres" or "mysql"
// and controls quoting and placeholder style.
func NewSQL(db *sql.DB, dialect string, meta MetadataSource, logger *zap.Logger) Repository {
	return &sqlRepository{
		db:       db,
		postgres: dialect == "postgres",
		meta:     meta,
		logger:   logger.Named("records"),
		now:      time.Now,
		newID:    newUUID,
	}
}

func (r *sqlRepository) quote(ident string) string {
	if r.postgres {
		return `"` + ident + `"`
	}
	return "`" + ident + "`"
}

func (r *sqlRepository) placeholder(n int) string {
	if r.postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (r *sqlRepository) table(name string) (*metadata.FullTable, error) {
	full := r.meta.Lookup(name)
	if full == nil {
		return nil, apperrors.NotFound("table", name)
	}
	return full, nil
}

// physicalColumns maps writable property names to their physical column
// names: declared columns map to themselves, single-reference relations map
// to their foreign-key column. List properties have no column here.
func physicalColumns(full *metadata.FullTable) map[string]string {
	out := map[string]string{
		createdAtField: createdAtField,
		updatedAtField: updatedAtField,
	}
	for _, col := range full.Columns {
		out[col.Name] = col.Name
	}
	for _, rel := range full.Relations {
		if rel.Type == models.RelationManyToOne || rel.Type == models.RelationOneToOne {
			out[rel.PropertyName] = naming.ForeignKeyColumn(rel.PropertyName)
		}
	}
	return out
}

func (r *sqlRepository) whereClause(full *metadata.FullTable, filter map[string]any, startAt int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	columns := physicalColumns(full)
	var conds []string
	var args []any
	n := startAt
	for key, value := range filter {
		col, ok := columns[key]
		if !ok {
			return "", nil, apperrors.Validation("unknown field %q on table %q", key, full.Table.Name).
				WithTable(full.Table.Name).WithColumn(key)
		}
		conds = append(conds, fmt.Sprintf("%s = %s", r.quote(col), r.placeholder(n)))
		args = append(args, value)
		n++
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (r *sqlRepository) FindOneWhere(ctx context.Context, table string, filter map[string]any) (Record, error) {
	rows, err := r.FindWhere(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (r *sqlRepository) FindWhere(ctx context.Context, table string, filter map[string]any) ([]Record, error) {
	full, err := r.table(table)
	if err != nil {
		return nil, err
	}
	where, args, err := r.whereClause(full, filter, 1)
	if err != nil {
		return nil, err
	}
	query := "SELECT * FROM " + r.quote(table) + where

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Database(table, "find", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, apperrors.Database(table, "find", err)
	}
	return out, nil
}

func (r *sqlRepository) InsertAndGet(ctx context.Context, table string, doc Record) (Record, error) {
	full, err := r.table(table)
	if err != nil {
		return nil, err
	}
	payload := stripComputed(doc, computedFields(full, r.meta.InverseRelations(full.Table.ID)))
	columns := physicalColumns(full)

	pk := full.PrimaryColumn()
	if pk == nil {
		return nil, apperrors.Validation("table %q has no primary key", table).WithTable(table)
	}
	if pk.Type == models.ColumnTypeUUID {
		if _, ok := payload[pk.Name]; !ok {
			payload[pk.Name] = r.newID()
		}
	}
	now := r.now().UTC()
	payload[createdAtField] = now
	payload[updatedAtField] = now

	var cols, placeholders []string
	var args []any
	n := 1
	for key, value := range payload {
		col, ok := columns[key]
		if !ok {
			continue
		}
		cols = append(cols, r.quote(col))
		placeholders = append(placeholders, r.placeholder(n))
		args = append(args, value)
		n++
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.quote(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	var id any
	if known, ok := payload[pk.Name]; ok {
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return nil, apperrors.Database(table, "insert", err)
		}
		id = known
	} else if r.postgres {
		query += " RETURNING " + r.quote(pk.Name)
		if err := r.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return nil, apperrors.Database(table, "insert", err)
		}
	} else {
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, apperrors.Database(table, "insert", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, apperrors.Database(table, "insert", err)
		}
	}
	return r.FindOneWhere(ctx, table, map[string]any{pk.Name: id})
}

func (r *sqlRepository) UpdateByID(ctx context.Context, table string, id any, changes Record) (Record, error) {
	full, err := r.table(table)
	if err != nil {
		return nil, err
	}
	payload := stripComputed(changes, computedFields(full, r.meta.InverseRelations(full.Table.ID)))
	columns := physicalColumns(full)

	pk := full.PrimaryColumn()
	if pk == nil {
		return nil, apperrors.Validation("table %q has no primary key", table).WithTable(table)
	}
	delete(payload, pk.Name)
	delete(payload, createdAtField)
	payload[updatedAtField] = r.now().UTC()

	var sets []string
	var args []any
	n := 1
	for key, value := range payload {
		col, ok := columns[key]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", r.quote(col), r.placeholder(n)))
		args = append(args, value)
		n++
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		r.quote(table), strings.Join(sets, ", "), r.quote(pk.Name), r.placeholder(n))
	args = append(args, id)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.Database(table, "update", err)
	}
	updated, err := r.FindOneWhere(ctx, table, map[string]any{pk.Name: id})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apperrors.NotFound("record", idString(id))
	}
	return updated, nil
}

func (r *sqlRepository) DeleteByID(ctx context.Context, table string, id any) error {
	full, err := r.table(table)
	if err != nil {
		return err
	}
	pk := full.PrimaryColumn()
	if pk == nil {
		return apperrors.Validation("table %q has no primary key", table).WithTable(table)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		r.quote(table), r.quote(pk.Name), r.placeholder(1))

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		// RESTRICT foreign keys surface here as constraint violations.
		return apperrors.Database(table, "delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Database(table, "delete", err)
	}
	if affected == 0 {
		return apperrors.NotFound("record", idString(id))
	}
	return nil
}

// scanRecords reads all rows into generic records, normalising []byte
// values to strings so JSON encoding downstream stays sane.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
			} else {
				rec[col] = values[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
