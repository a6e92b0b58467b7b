// Package schemalock provides the distributed lease lock serializing
// physical-schema mutations on the document backend. A single global lock
// document is flipped with conditional updates; ownership is proven by token
// match, and an expired lease is treated as free by the next acquirer, so a
// crashed holder recovers without a janitor process.
package schemalock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/models"
)

// LockID is the fixed _id of the singleton lock document.
const LockID = "schema_migration_lock"

// Handle proves lock ownership for release.
type Handle struct {
	Token string
	Owner string
}

// Service is the migration lock interface. Owner strings are
// "{table}:{operation}@{process}" so a blocked caller can see what holds
// the lock and where it runs.
type Service interface {
	Acquire(ctx context.Context, owner string) (*Handle, error)
	Release(ctx context.Context, handle *Handle) error
}

// store is the persistence primitive behind the service: conditional updates
// on the singleton document.
type store interface {
	// tryAcquire atomically flips the document from unlocked-or-expired to
	// the given locked state, inserting it if absent. acquired=false means
	// another process holds a live lease.
	tryAcquire(ctx context.Context, lock *models.SchemaMigrationLock) (acquired bool, err error)
	// current reads the lock document for diagnostics, nil when absent.
	current(ctx context.Context) (*models.SchemaMigrationLock, error)
	// releaseByToken clears the lock iff the token matches.
	releaseByToken(ctx context.Context, token string) error
}

type service struct {
	store  store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

var _ Service = (*service)(nil)

func newService(st store, logger *zap.Logger) *service {
	return &service{
		store:  st,
		ttl:    models.SchemaLockTTL,
		logger: logger.Named("schemalock"),
		now:    time.Now,
	}
}

// Acquire flips the lock to held with a fresh token and a TTL'd expiry.
// When another process holds a live lease the returned error carries the
// holder's identity.
func (s *service) Acquire(ctx context.Context, owner string) (*Handle, error) {
	now := s.now()
	lock := &models.SchemaMigrationLock{
		ID:            LockID,
		IsLocked:      true,
		LockedBy:      owner,
		LockToken:     uuid.NewString(),
		LockedAt:      now,
		LockExpiresAt: now.Add(s.ttl),
	}

	acquired, err := s.store.tryAcquire(ctx, lock)
	if err != nil {
		return nil, apperrors.Database(LockID, "acquireLock", err)
	}
	if !acquired {
		holder, herr := s.store.current(ctx)
		lockedBy := "unknown"
		if herr == nil && holder != nil {
			lockedBy = holder.LockedBy
		}
		return nil, apperrors.SchemaLocked(lockedBy)
	}

	s.logger.Debug("schema lock acquired",
		zap.String("owner", owner),
		zap.Time("expiresAt", lock.LockExpiresAt))
	return &Handle{Token: lock.LockToken, Owner: owner}, nil
}

// Release clears the lock when the handle's token still matches. A stale or
// foreign token is a silent no-op: a slow caller must not release a lease it
// no longer owns.
func (s *service) Release(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	if err := s.store.releaseByToken(ctx, handle.Token); err != nil {
		return apperrors.Database(LockID, "releaseLock", err)
	}
	s.logger.Debug("schema lock released", zap.String("owner", handle.Owner))
	return nil
}
