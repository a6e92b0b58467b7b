package schemalock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/models"
)

// memoryStore reproduces the conditional-update semantics of the Mongo
// singleton document for unit tests.
type memoryStore struct {
	mu   sync.Mutex
	lock *models.SchemaMigrationLock
}

var _ store = (*memoryStore)(nil)

func (m *memoryStore) tryAcquire(_ context.Context, lock *models.SchemaMigrationLock) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && m.lock.IsLocked && m.lock.LockExpiresAt.After(lock.LockedAt) {
		return false, nil
	}
	clone := *lock
	m.lock = &clone
	return true, nil
}

func (m *memoryStore) current(_ context.Context) (*models.SchemaMigrationLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil {
		return nil, nil
	}
	clone := *m.lock
	return &clone, nil
}

func (m *memoryStore) releaseByToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && m.lock.LockToken == token {
		m.lock.IsLocked = false
		m.lock.LockToken = ""
	}
	return nil
}

func newTestService(st store) *service {
	return newService(st, zap.NewNop())
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	svc := newTestService(&memoryStore{})
	ctx := context.Background()

	handle, err := svc.Acquire(ctx, "product:create")
	require.NoError(t, err)
	require.NotEmpty(t, handle.Token)

	require.NoError(t, svc.Release(ctx, handle))

	// Lock is free again.
	second, err := svc.Acquire(ctx, "product:update")
	require.NoError(t, err)
	assert.NotEqual(t, handle.Token, second.Token, "each acquisition mints a fresh token")
}

func TestAcquireMutualExclusion(t *testing.T) {
	svc := newTestService(&memoryStore{})
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "product:create")
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "category:update")
	require.ErrorIs(t, err, apperrors.ErrSchemaLocked)
	assert.Contains(t, err.Error(), "product:create", "error must name the current holder")

	require.NoError(t, svc.Release(ctx, first))
	_, err = svc.Acquire(ctx, "category:update")
	assert.NoError(t, err)
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	svc := newTestService(&memoryStore{})
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Acquire(ctx, "product:update")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, locked int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperrors.ErrSchemaLocked):
			locked++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, locked)
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	st := &memoryStore{}
	svc := newTestService(st)
	ctx := context.Background()

	base := time.Now()
	svc.now = func() time.Time { return base }

	_, err := svc.Acquire(ctx, "product:create")
	require.NoError(t, err)

	// Still within the TTL: blocked.
	svc.now = func() time.Time { return base.Add(models.SchemaLockTTL - time.Second) }
	_, err = svc.Acquire(ctx, "category:create")
	require.ErrorIs(t, err, apperrors.ErrSchemaLocked)

	// Past the TTL: the abandoned lease is treated as free.
	svc.now = func() time.Time { return base.Add(models.SchemaLockTTL + time.Second) }
	handle, err := svc.Acquire(ctx, "category:create")
	require.NoError(t, err)
	assert.Equal(t, "category:create", handle.Owner)
}

func TestReleaseWithStaleTokenIsNoOp(t *testing.T) {
	st := &memoryStore{}
	svc := newTestService(st)
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "product:create")
	require.NoError(t, err)

	// A stale handle from a previous lease must not free the current one.
	stale := &Handle{Token: "stale-token", Owner: "ghost"}
	require.NoError(t, svc.Release(ctx, stale))

	_, err = svc.Acquire(ctx, "category:create")
	assert.ErrorIs(t, err, apperrors.ErrSchemaLocked, "current lease must survive a stale release")

	require.NoError(t, svc.Release(ctx, first))
}

func TestReleaseNilHandle(t *testing.T) {
	svc := newTestService(&memoryStore{})
	assert.NoError(t, svc.Release(context.Background(), nil))
}
