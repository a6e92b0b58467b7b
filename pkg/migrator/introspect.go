package migrator

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/naming"
)

// Querier is the subset of *sql.DB the relational migrator needs. It keeps
// plan building testable without a live database.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// LiveColumn is one column as the engine reports it.
type LiveColumn struct {
	Name       string
	DataType   string
	IsNullable bool
	Default    *string
	EnumValues []string // populated for MySQL enum columns and Postgres CHECK-guarded columns
}

// LiveForeignKey is one FK constraint as the engine reports it. Constraint
// names are discovered, never re-derived, so drops target whatever name the
// live schema actually carries.
type LiveForeignKey struct {
	ConstraintName string
	Column         string
	RefTable       string
	RefColumn      string
}

// LiveIndex is one index as the engine reports it, with columns in key order.
type LiveIndex struct {
	Name      string
	Columns   []string
	IsUnique  bool
	IsPrimary bool
}

// LiveTable is the introspected physical shape of one table.
type LiveTable struct {
	Name        string
	Columns     []LiveColumn
	ForeignKeys []LiveForeignKey
	Indexes     []LiveIndex
}

// Column returns the live column with the given name, or nil.
func (t *LiveTable) Column(name string) *LiveColumn {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// ForeignKeyOn returns the live FK constraint on the given column, or nil.
func (t *LiveTable) ForeignKeyOn(column string) *LiveForeignKey {
	for i := range t.ForeignKeys {
		if t.ForeignKeys[i].Column == column {
			return &t.ForeignKeys[i]
		}
	}
	return nil
}

// tableExists reports whether the physical table is present.
func tableExists(ctx context.Context, db Querier, d Dialect, table string) (bool, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, d.TableExistsQuery(), table).Scan(&exists); err != nil {
		return false, apperrors.Database(table, "introspect", err)
	}
	return exists, nil
}

// introspectTable reads the live shape of one table: columns, FK constraints,
// and indexes. Returns nil when the table does not exist.
func introspectTable(ctx context.Context, db Querier, d Dialect, table string) (*LiveTable, error) {
	exists, err := tableExists(ctx, db, d, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	live := &LiveTable{Name: table}

	rows, err := db.QueryContext(ctx, d.ColumnsQuery(), table)
	if err != nil {
		return nil, apperrors.Database(table, "introspect", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			col      LiveColumn
			nullable string
			def      sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &def); err != nil {
			return nil, apperrors.Database(table, "introspect", err)
		}
		col.IsNullable = strings.EqualFold(nullable, "YES")
		if def.Valid {
			v := def.String
			col.Default = &v
		}
		col.EnumValues = parseEnumType(col.DataType)
		live.Columns = append(live.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Database(table, "introspect", err)
	}

	if err := introspectForeignKeys(ctx, db, d, live); err != nil {
		return nil, err
	}
	if err := introspectIndexes(ctx, db, d, live); err != nil {
		return nil, err
	}
	if d.Name() == "postgres" {
		if err := introspectEnumChecks(ctx, db, live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

func introspectForeignKeys(ctx context.Context, db Querier, d Dialect, live *LiveTable) error {
	rows, err := db.QueryContext(ctx, d.ForeignKeysQuery(), live.Name)
	if err != nil {
		return apperrors.Database(live.Name, "introspect", err)
	}
	defer rows.Close()
	for rows.Next() {
		var fk LiveForeignKey
		if err := rows.Scan(&fk.ConstraintName, &fk.Column, &fk.RefTable, &fk.RefColumn); err != nil {
			return apperrors.Database(live.Name, "introspect", err)
		}
		live.ForeignKeys = append(live.ForeignKeys, fk)
	}
	return rows.Err()
}

func introspectIndexes(ctx context.Context, db Querier, d Dialect, live *LiveTable) error {
	rows, err := db.QueryContext(ctx, d.IndexesQuery(), live.Name)
	if err != nil {
		return apperrors.Database(live.Name, "introspect", err)
	}
	defer rows.Close()

	byName := map[string]*LiveIndex{}
	var order []string
	for rows.Next() {
		var (
			name, column      string
			unique, isPrimary bool
		)
		if err := rows.Scan(&name, &column, &unique, &isPrimary); err != nil {
			return apperrors.Database(live.Name, "introspect", err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = &LiveIndex{Name: name, IsUnique: unique, IsPrimary: isPrimary}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return apperrors.Database(live.Name, "introspect", err)
	}
	for _, name := range order {
		live.Indexes = append(live.Indexes, *byName[name])
	}
	return nil
}

// enumCheckPattern extracts the quoted value list from a CHECK definition
// such as CHECK (("status")::text = ANY (ARRAY['a'::text, 'b'::text])) or
// CHECK ("status" IN ('a', 'b')).
var enumCheckPattern = regexp.MustCompile(`'((?:[^']|'')*)'`)

// introspectEnumChecks attaches CHECK-derived enum value sets to Postgres
// columns, matching constraints by the derived chk_{table}_{column} name.
func introspectEnumChecks(ctx context.Context, db Querier, live *LiveTable) error {
	const q = `SELECT conname, pg_get_constraintdef(oid)
		FROM pg_constraint
		WHERE contype = 'c' AND conrelid = to_regclass($1)`
	rows, err := db.QueryContext(ctx, q, live.Name)
	if err != nil {
		return apperrors.Database(live.Name, "introspect", err)
	}
	defer rows.Close()

	defs := map[string]string{}
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return apperrors.Database(live.Name, "introspect", err)
		}
		defs[name] = def
	}
	if err := rows.Err(); err != nil {
		return apperrors.Database(live.Name, "introspect", err)
	}

	for i := range live.Columns {
		col := &live.Columns[i]
		def, ok := defs[enumCheckName(live.Name, col.Name, naming.PostgresIdentifierLimit)]
		if !ok {
			continue
		}
		for _, m := range enumCheckPattern.FindAllStringSubmatch(def, -1) {
			col.EnumValues = append(col.EnumValues, strings.ReplaceAll(m[1], "''", "'"))
		}
	}
	return nil
}

// parseEnumType extracts the value set from a MySQL enum('a','b') column type.
func parseEnumType(dataType string) []string {
	t := strings.ToLower(strings.TrimSpace(dataType))
	if !strings.HasPrefix(t, "enum(") {
		return nil
	}
	inner := dataType[strings.IndexByte(dataType, '(')+1:]
	if end := strings.LastIndexByte(inner, ')'); end >= 0 {
		inner = inner[:end]
	}
	var out []string
	for _, m := range enumCheckPattern.FindAllStringSubmatch(inner, -1) {
		out = append(out, strings.ReplaceAll(m[1], "''", "'"))
	}
	return out
}
