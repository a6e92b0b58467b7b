package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ColumnType is the closed set of logical column types the engine supports.
// Physical SQL types and BSON types are derived from these by the migrators.
type ColumnType string

const (
	ColumnTypeInt        ColumnType = "int"
	ColumnTypeBigInt     ColumnType = "bigint"
	ColumnTypeFloat      ColumnType = "float"
	ColumnTypeDecimal    ColumnType = "decimal"
	ColumnTypeUUID       ColumnType = "uuid"
	ColumnTypeVarchar    ColumnType = "varchar"
	ColumnTypeText       ColumnType = "text"
	ColumnTypeBoolean    ColumnType = "boolean"
	ColumnTypeDate       ColumnType = "date"
	ColumnTypeDateTime   ColumnType = "datetime"
	ColumnTypeTimestamp  ColumnType = "timestamp"
	ColumnTypeSimpleJSON ColumnType = "simple-json"
	ColumnTypeEnum       ColumnType = "enum"
)

// allColumnTypes is the exhaustive list, used by Valid and by tests.
var allColumnTypes = []ColumnType{
	ColumnTypeInt, ColumnTypeBigInt, ColumnTypeFloat, ColumnTypeDecimal,
	ColumnTypeUUID, ColumnTypeVarchar, ColumnTypeText, ColumnTypeBoolean,
	ColumnTypeDate, ColumnTypeDateTime, ColumnTypeTimestamp,
	ColumnTypeSimpleJSON, ColumnTypeEnum,
}

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	for _, known := range allColumnTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsTemporal reports whether columns of this type get an automatic index.
func (t ColumnType) IsTemporal() bool {
	return t == ColumnTypeDate || t == ColumnTypeDateTime || t == ColumnTypeTimestamp
}

// IsPrimaryCapable reports whether the type may back a primary-key column.
func (t ColumnType) IsPrimaryCapable() bool {
	return t == ColumnTypeInt || t == ColumnTypeUUID
}

// ColumnTypes returns every known column type.
func ColumnTypes() []ColumnType {
	out := make([]ColumnType, len(allColumnTypes))
	copy(out, allColumnTypes)
	return out
}

// ColumnDefinition describes one logical column of a table definition.
// Stored in the column_definition metadata table/collection.
type ColumnDefinition struct {
	ID           uuid.UUID  `json:"id"`
	TableID      uuid.UUID  `json:"tableId"`
	Name         string     `json:"name"`
	Type         ColumnType `json:"type"`
	IsPrimary    bool       `json:"isPrimary"`
	IsGenerated  bool       `json:"isGenerated"`
	IsNullable   bool       `json:"isNullable"`
	IsUnique     bool       `json:"isUnique"`
	IsHidden     bool       `json:"isHidden"`
	IsUpdatable  bool       `json:"isUpdatable"`
	IsSystem     bool       `json:"isSystem"`
	DefaultValue *string    `json:"defaultValue,omitempty"`
	Options      StringList `json:"options,omitempty"` // allowed values for enum columns
	Length       *int       `json:"length,omitempty"`  // varchar length, nil for engine default
	Description  *string    `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

// StringList is a []string stored as JSONB on the relational backend.
type StringList []string

// Scan implements sql.Scanner for reading JSONB from the database.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
	return json.Unmarshal(data, l)
}

// Value implements driver.Valuer for writing JSONB to the database.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}
