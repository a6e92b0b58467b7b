package models

import (
	"time"

	"github.com/google/uuid"
)

// RouteDefinition is the companion endpoint record auto-created for each
// table definition. The transport layer that serves it is out of scope here;
// the engine only guarantees the record exists and is cleaned up with its table.
type RouteDefinition struct {
	ID        uuid.UUID  `json:"id"`
	TableID   uuid.UUID  `json:"tableId"`
	Path      string     `json:"path"` // "/" + table name
	IsEnabled bool       `json:"isEnabled"`
	IsSystem  bool       `json:"isSystem"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}
