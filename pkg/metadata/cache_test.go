package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfyra/engine/pkg/models"
)

// mockStore is a configurable Store for cache and service tests.
type mockStore struct {
	tables  []*FullTable
	listErr error

	settings *models.SettingDefinition
	markInit bool
}

var _ Store = (*mockStore)(nil)

func (m *mockStore) CreateTable(ctx context.Context, spec *TableSpec) (*FullTable, error) {
	return nil, errors.New("not implemented")
}

func (m *mockStore) UpdateTable(ctx context.Context, id uuid.UUID, spec *TableSpec) (*FullTable, *ChangeSet, error) {
	return nil, nil, errors.New("not implemented")
}

func (m *mockStore) DeleteTable(ctx context.Context, id uuid.UUID) (*FullTable, error) {
	return nil, errors.New("not implemented")
}

func (m *mockStore) GetFullTable(ctx context.Context, id uuid.UUID) (*FullTable, error) {
	for _, t := range m.tables {
		if t.Table.ID == id {
			return t, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *mockStore) FindTableByName(ctx context.Context, name string) (*FullTable, error) {
	for _, t := range m.tables {
		if t.Table.Name == name {
			return t, nil
		}
	}
	return nil, errors.New("not found")
}

func (m *mockStore) ListFullTables(ctx context.Context) ([]*FullTable, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.tables, nil
}

func (m *mockStore) GetSettings(ctx context.Context) (*models.SettingDefinition, error) {
	if m.settings == nil {
		return &models.SettingDefinition{}, nil
	}
	return m.settings, nil
}

func (m *mockStore) MarkInitialized(ctx context.Context) error {
	m.markInit = true
	return nil
}

func TestCacheStartsEmpty(t *testing.T) {
	cache := NewCache(&mockStore{})
	assert.Nil(t, cache.Lookup("product"))
	assert.Equal(t, uint64(0), cache.Snapshot().Generation)
}

func TestCacheReloadSwapsSnapshot(t *testing.T) {
	store := &mockStore{tables: []*FullTable{fullTableFixture("product")}}
	cache := NewCache(store)

	require.NoError(t, cache.Reload(context.Background()))
	assert.Equal(t, uint64(1), cache.Snapshot().Generation)
	assert.NotNil(t, cache.Lookup("product"))
	assert.NotNil(t, cache.LookupByID(store.tables[0].Table.ID))

	// A held snapshot stays consistent across a reload.
	held := cache.Snapshot()
	store.tables = nil
	require.NoError(t, cache.Reload(context.Background()))
	assert.NotNil(t, held.Lookup("product"), "published snapshots are immutable")
	assert.Nil(t, cache.Lookup("product"))
	assert.Equal(t, uint64(2), cache.Snapshot().Generation)
}

func TestCacheReloadPropagatesError(t *testing.T) {
	store := &mockStore{listErr: errors.New("backend down")}
	cache := NewCache(store)
	assert.Error(t, cache.Reload(context.Background()))
}

func TestSnapshotInverseRelations(t *testing.T) {
	category := fullTableFixture("category")
	product := fullTableFixture("product")
	product.Relations = []*models.RelationDefinition{{
		ID:            uuid.New(),
		SourceTableID: product.Table.ID,
		TargetTableID: category.Table.ID,
		PropertyName:  "category",
		Type:          models.RelationManyToOne,
	}}
	store := &mockStore{tables: []*FullTable{category, product}}
	cache := NewCache(store)
	require.NoError(t, cache.Reload(context.Background()))

	inbound := cache.Snapshot().InverseRelations(category.Table.ID)
	require.Len(t, inbound, 1)
	assert.Equal(t, "category", inbound[0].PropertyName)
	assert.Empty(t, cache.Snapshot().InverseRelations(product.Table.ID))
}
