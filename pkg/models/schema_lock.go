package models

import "time"

// SchemaLockTTL bounds how long an abandoned migration lock can block other
// processes; a lock past its expiry is treated as free by the next acquirer.
const SchemaLockTTL = 5 * time.Minute

// SchemaMigrationLock is the single global lease document guarding physical
// schema mutations on the document backend. Ownership is proven by token
// match on release, never by identity alone.
type SchemaMigrationLock struct {
	ID            string    `json:"id"` // fixed singleton id
	IsLocked      bool      `json:"isLocked"`
	LockedBy      string    `json:"lockedBy"` // table + operation, for diagnostics
	LockToken     string    `json:"lockToken"`
	LockedAt      time.Time `json:"lockedAt"`
	LockExpiresAt time.Time `json:"lockExpiresAt"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *SchemaMigrationLock) Expired(now time.Time) bool {
	return !l.LockExpiresAt.After(now)
}
