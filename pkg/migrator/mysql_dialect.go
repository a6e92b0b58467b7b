package migrator

import (
	"fmt"
	"strings"

	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// mysqlDialect renders MySQL DDL. Enum columns use the native ENUM type,
// UUIDs are char(36), and column alteration goes through MODIFY COLUMN since
// MySQL has no ALTER COLUMN chain.
type mysqlDialect struct{}

// NewMySQLDialect returns the MySQL DDL dialect.
func NewMySQLDialect() Dialect {
	return mysqlDialect{}
}

func (mysqlDialect) Name() string         { return "mysql" }
func (mysqlDialect) IdentifierLimit() int { return naming.MySQLIdentifierLimit }

func (mysqlDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (d mysqlDialect) typeSQL(col *physicalColumn) string {
	switch col.Type {
	case models.ColumnTypeInt:
		return "int"
	case models.ColumnTypeBigInt:
		return "bigint"
	case models.ColumnTypeFloat:
		return "double"
	case models.ColumnTypeDecimal:
		return "decimal(10,2)"
	case models.ColumnTypeUUID:
		return "char(36)"
	case models.ColumnTypeVarchar:
		if col.Length != nil {
			return fmt.Sprintf("varchar(%d)", *col.Length)
		}
		return "varchar(255)"
	case models.ColumnTypeText:
		return "text"
	case models.ColumnTypeBoolean:
		return "tinyint(1)"
	case models.ColumnTypeDate:
		return "date"
	case models.ColumnTypeDateTime, models.ColumnTypeTimestamp:
		return "datetime(6)"
	case models.ColumnTypeSimpleJSON:
		return "json"
	case models.ColumnTypeEnum:
		if len(col.Options) == 0 {
			return "varchar(255)"
		}
		quoted := make([]string, len(col.Options))
		for i, v := range col.Options {
			quoted[i] = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		}
		return fmt.Sprintf("enum(%s)", strings.Join(quoted, ","))
	default:
		return "text"
	}
}

func (d mysqlDialect) ColumnSQL(_ string, col *physicalColumn) string {
	var b strings.Builder
	b.WriteString(d.Quote(col.Name))
	b.WriteByte(' ')
	b.WriteString(d.typeSQL(col))

	if col.IsPrimary {
		if col.Type == models.ColumnTypeInt && col.IsGenerated {
			b.WriteString(" AUTO_INCREMENT")
		}
		b.WriteString(" NOT NULL PRIMARY KEY")
		return b.String()
	}
	if col.Managed {
		b.WriteString(" NOT NULL DEFAULT CURRENT_TIMESTAMP(6)")
		return b.String()
	}
	if !col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultLiteral(col))
	}
	return b.String()
}

func (d mysqlDialect) AddColumnSQL(table string, col *physicalColumn) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), d.ColumnSQL(table, col))
}

func (d mysqlDialect) DropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (d mysqlDialect) AlterColumnSQL(table string, col *physicalColumn) []string {
	return []string{
		fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", d.Quote(table), d.ColumnSQL(table, col)),
	}
}

func (d mysqlDialect) AddForeignKeySQL(table, constraint, column, refTable, refColumn string, onDelete models.DeletePolicy) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE CASCADE",
		d.Quote(table), d.Quote(constraint), d.Quote(column),
		d.Quote(refTable), d.Quote(refColumn), string(onDelete))
}

func (d mysqlDialect) DropForeignKeySQL(table, constraint string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.Quote(table), d.Quote(constraint))
}

func (d mysqlDialect) CreateIndexSQL(table, name string, columns []string, unique bool) string {
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

func (d mysqlDialect) DropIndexSQL(table, name string) string {
	return fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(name), d.Quote(table))
}

func (d mysqlDialect) DropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(table))
}

func (mysqlDialect) TableExistsQuery() string {
	return `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?
	)`
}

func (mysqlDialect) ColumnsQuery() string {
	// column_type keeps enum value sets and varchar lengths that data_type drops.
	return `SELECT column_name, column_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`
}

func (mysqlDialect) ForeignKeysQuery() string {
	return `SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND table_name = ?
			AND referenced_table_name IS NOT NULL`
}

func (mysqlDialect) IndexesQuery() string {
	return `SELECT index_name, column_name,
			CASE WHEN non_unique = 0 THEN 1 ELSE 0 END,
			CASE WHEN index_name = 'PRIMARY' THEN 1 ELSE 0 END
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY index_name, seq_in_index`
}
