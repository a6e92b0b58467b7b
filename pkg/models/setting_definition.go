package models

import (
	"time"

	"github.com/google/uuid"
)

// SettingDefinition is the singleton engine settings record. IsInit marks
// that system metadata has been seeded, so restarts skip re-seeding.
type SettingDefinition struct {
	ID          uuid.UUID  `json:"id"`
	IsInit      bool       `json:"isInit"`
	ProjectName *string    `json:"projectName,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}
