package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TableDefinition is the logical definition of an operator-created table or
// collection. The physical table/collection is a derived projection kept in
// sync by the schema migrators; this row is the source of truth.
type TableDefinition struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"` // snake_case, globally unique
	Alias       *string     `json:"alias,omitempty"`
	Description *string     `json:"description,omitempty"`
	IsSystem    bool        `json:"isSystem"`
	Uniques     FieldGroups `json:"uniques,omitempty"` // each group becomes one unique index
	Indexes     FieldGroups `json:"indexes,omitempty"` // each group becomes one plain index
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   *time.Time  `json:"updatedAt,omitempty"`
}

// FieldGroups is a list of property-name groups ([["a"],["b","c"]]),
// stored as JSONB on the relational backend.
type FieldGroups [][]string

// Scan implements sql.Scanner for reading JSONB from the database.
func (g *FieldGroups) Scan(value any) error {
	if value == nil {
		*g = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into FieldGroups", value)
	}
	return json.Unmarshal(data, g)
}

// Value implements driver.Valuer for writing JSONB to the database.
func (g FieldGroups) Value() (driver.Value, error) {
	if g == nil {
		return nil, nil
	}
	return json.Marshal(g)
}
