package migrator

import (
	"fmt"
	"strings"

	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// postgresDialect renders Postgres DDL. Enum columns are varchar plus a named
// CHECK constraint, since native Postgres enum types cannot shrink their
// value set in place.
type postgresDialect struct{}

// NewPostgresDialect returns the Postgres DDL dialect.
func NewPostgresDialect() Dialect {
	return postgresDialect{}
}

func (postgresDialect) Name() string         { return "postgres" }
func (postgresDialect) IdentifierLimit() int { return naming.PostgresIdentifierLimit }

func (postgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d postgresDialect) typeSQL(col *physicalColumn) string {
	switch col.Type {
	case models.ColumnTypeInt:
		if col.IsPrimary && col.IsGenerated {
			return "serial"
		}
		return "integer"
	case models.ColumnTypeBigInt:
		return "bigint"
	case models.ColumnTypeFloat:
		return "double precision"
	case models.ColumnTypeDecimal:
		return "numeric"
	case models.ColumnTypeUUID:
		return "uuid"
	case models.ColumnTypeVarchar:
		if col.Length != nil {
			return fmt.Sprintf("varchar(%d)", *col.Length)
		}
		return "varchar(255)"
	case models.ColumnTypeText:
		return "text"
	case models.ColumnTypeBoolean:
		return "boolean"
	case models.ColumnTypeDate:
		return "date"
	case models.ColumnTypeDateTime, models.ColumnTypeTimestamp:
		return "timestamptz"
	case models.ColumnTypeSimpleJSON:
		return "jsonb"
	case models.ColumnTypeEnum:
		return "varchar(255)"
	default:
		return "text"
	}
}

// enumCheckName returns the CHECK constraint name guarding an enum column's
// value set.
func enumCheckName(table, column string, limit int) string {
	return naming.Shorten("chk_"+table+"_"+column, limit)
}

// enumCheckExpr renders the value-set predicate for an enum column.
func enumCheckExpr(d Dialect, col *physicalColumn) string {
	quoted := make([]string, len(col.Options))
	for i, v := range col.Options {
		quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return fmt.Sprintf("%s IN (%s)", d.Quote(col.Name), strings.Join(quoted, ", "))
}

func (d postgresDialect) ColumnSQL(table string, col *physicalColumn) string {
	var b strings.Builder
	b.WriteString(d.Quote(col.Name))
	b.WriteByte(' ')
	b.WriteString(d.typeSQL(col))

	if col.IsPrimary {
		b.WriteString(" PRIMARY KEY")
		if col.Type == models.ColumnTypeUUID && col.IsGenerated {
			b.WriteString(" DEFAULT gen_random_uuid()")
		}
		return b.String()
	}
	if col.Managed {
		b.WriteString(" NOT NULL DEFAULT now()")
		return b.String()
	}
	if !col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultLiteral(col))
	}
	if col.Type == models.ColumnTypeEnum && len(col.Options) > 0 {
		fmt.Fprintf(&b, " CONSTRAINT %s CHECK (%s)",
			d.Quote(enumCheckName(table, col.Name, d.IdentifierLimit())), enumCheckExpr(d, col))
	}
	return b.String()
}

func (d postgresDialect) AddColumnSQL(table string, col *physicalColumn) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), d.ColumnSQL(table, col))
}

func (d postgresDialect) DropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

// AlterColumnSQL reconciles a live column with its desired shape: type via
// USING cast, nullability, default, and enum CHECK re-creation.
func (d postgresDialect) AlterColumnSQL(table string, col *physicalColumn) []string {
	qt, qc := d.Quote(table), d.Quote(col.Name)
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
			qt, qc, d.typeSQL(col), qc, d.typeSQL(col)),
	}
	if col.Nullable {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", qt, qc))
	} else {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", qt, qc))
	}
	if col.Default != nil {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
			qt, qc, defaultLiteral(col)))
	} else if !col.Managed {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", qt, qc))
	}
	if col.Type == models.ColumnTypeEnum && len(col.Options) > 0 {
		name := enumCheckName(table, col.Name, d.IdentifierLimit())
		stmts = append(stmts,
			fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", qt, d.Quote(name)),
			fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s)",
				qt, d.Quote(name), enumCheckExpr(d, col)),
		)
	}
	return stmts
}

func (d postgresDialect) AddForeignKeySQL(table, constraint, column, refTable, refColumn string, onDelete models.DeletePolicy) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE CASCADE",
		d.Quote(table), d.Quote(constraint), d.Quote(column),
		d.Quote(refTable), d.Quote(refColumn), string(onDelete))
}

func (d postgresDialect) DropForeignKeySQL(table, constraint string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", d.Quote(table), d.Quote(constraint))
}

func (d postgresDialect) CreateIndexSQL(table, name string, columns []string, unique bool) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
	}
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	return fmt.Sprintf("CREATE %s %s ON %s (%s)",
		kind, d.Quote(name), d.Quote(table), strings.Join(quoted, ", "))
}

func (d postgresDialect) DropIndexSQL(_, name string) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", d.Quote(name))
}

func (d postgresDialect) DropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(table))
}

func (postgresDialect) TableExistsQuery() string {
	return `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	)`
}

func (postgresDialect) ColumnsQuery() string {
	return `SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`
}

func (postgresDialect) ForeignKeysQuery() string {
	return `SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name
			AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = 'public'
			AND tc.table_name = $1`
}

func (postgresDialect) IndexesQuery() string {
	return `SELECT i.relname, a.attname, ix.indisunique, ix.indisprimary
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY (ix.indkey)
		WHERE t.relkind = 'r' AND t.relname = $1
		ORDER BY i.relname, a.attnum`
}

// defaultLiteral renders a column default as a SQL literal. Numeric and
// boolean defaults pass through; everything else is quoted.
func defaultLiteral(col *physicalColumn) string {
	v := *col.Default
	switch col.Type {
	case models.ColumnTypeInt, models.ColumnTypeBigInt, models.ColumnTypeFloat,
		models.ColumnTypeDecimal, models.ColumnTypeBoolean:
		return v
	default:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
}
