package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/schemalock"
	"github.com/enfyra/engine/pkg/workqueue"
)

func fullTable(name string) *metadata.FullTable {
	id := uuid.New()
	return &metadata.FullTable{
		Table: &models.TableDefinition{ID: id, Name: name},
		Columns: []*models.ColumnDefinition{
			{ID: uuid.New(), TableID: id, Name: "id", Type: models.ColumnTypeUUID, IsPrimary: true, IsGenerated: true},
		},
	}
}

// fakeStore serves canned tables and records mutation calls.
type fakeStore struct {
	tables  map[uuid.UUID]*metadata.FullTable
	changes *metadata.ChangeSet

	created []string
	deleted []uuid.UUID
	failOn  string
}

func newFakeStore(tables ...*metadata.FullTable) *fakeStore {
	s := &fakeStore{tables: map[uuid.UUID]*metadata.FullTable{}}
	for _, t := range tables {
		s.tables[t.Table.ID] = t
	}
	return s
}

func (s *fakeStore) CreateTable(_ context.Context, spec *metadata.TableSpec) (*metadata.FullTable, error) {
	if s.failOn == "create" {
		return nil, apperrors.Validation("rejected")
	}
	full := fullTable(spec.Name)
	s.tables[full.Table.ID] = full
	s.created = append(s.created, spec.Name)
	return full, nil
}

func (s *fakeStore) UpdateTable(_ context.Context, id uuid.UUID, _ *metadata.TableSpec) (*metadata.FullTable, *metadata.ChangeSet, error) {
	full, ok := s.tables[id]
	if !ok {
		return nil, nil, apperrors.NotFound("table", id.String())
	}
	changes := s.changes
	if changes == nil {
		changes = &metadata.ChangeSet{}
	}
	return full, changes, nil
}

func (s *fakeStore) DeleteTable(_ context.Context, id uuid.UUID) (*metadata.FullTable, error) {
	full, ok := s.tables[id]
	if !ok {
		return nil, apperrors.NotFound("table", id.String())
	}
	delete(s.tables, id)
	s.deleted = append(s.deleted, id)
	return full, nil
}

func (s *fakeStore) GetFullTable(_ context.Context, id uuid.UUID) (*metadata.FullTable, error) {
	full, ok := s.tables[id]
	if !ok {
		return nil, apperrors.NotFound("table", id.String())
	}
	return full, nil
}

func (s *fakeStore) FindTableByName(_ context.Context, name string) (*metadata.FullTable, error) {
	for _, t := range s.tables {
		if t.Table.Name == name {
			return t, nil
		}
	}
	return nil, apperrors.NotFound("table", name)
}

func (s *fakeStore) ListFullTables(context.Context) ([]*metadata.FullTable, error) {
	var out []*metadata.FullTable
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) GetSettings(context.Context) (*models.SettingDefinition, error) {
	return &models.SettingDefinition{IsInit: true}, nil
}

func (s *fakeStore) MarkInitialized(context.Context) error { return nil }

// fakeMigrator records physical apply calls.
type fakeMigrator struct {
	mu       sync.Mutex
	calls    []string
	inbound  []*models.RelationDefinition
	failNext error

	renames [][3]string
}

func (m *fakeMigrator) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	return nil
}

func (m *fakeMigrator) CreateTable(_ context.Context, full *metadata.FullTable) error {
	return m.record("create " + full.Table.Name)
}

func (m *fakeMigrator) UpdateTable(_ context.Context, full *metadata.FullTable, _ *metadata.ChangeSet) error {
	return m.record("update " + full.Table.Name)
}

func (m *fakeMigrator) DropTable(_ context.Context, full *metadata.FullTable, inbound []*models.RelationDefinition) error {
	m.mu.Lock()
	m.inbound = inbound
	m.mu.Unlock()
	return m.record("drop " + full.Table.Name)
}

func (m *fakeMigrator) SyncTable(_ context.Context, full *metadata.FullTable) error {
	return m.record("sync " + full.Table.Name)
}

func (m *fakeMigrator) RenameField(_ context.Context, collection, oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renames = append(m.renames, [3]string{collection, oldName, newName})
	return nil
}

// fakeLock counts acquisitions and releases and records holder strings.
type fakeLock struct {
	acquired, released int
	owners             []string
	fail               bool
}

func (l *fakeLock) Acquire(_ context.Context, owner string) (*schemalock.Handle, error) {
	if l.fail {
		return nil, apperrors.SchemaLocked("other-process")
	}
	l.acquired++
	l.owners = append(l.owners, owner)
	return &schemalock.Handle{Token: "t", Owner: owner}, nil
}

func (l *fakeLock) Release(context.Context, *schemalock.Handle) error {
	l.released++
	return nil
}

func newService(t *testing.T, store *fakeStore, m *fakeMigrator, lock schemalock.Service, queue *workqueue.Queue) *SchemaService {
	t.Helper()
	cache := metadata.NewCache(store)
	require.NoError(t, cache.Reload(context.Background()))
	return NewSchemaService(store, cache, m, lock, queue, zap.NewNop())
}

func TestCreateTableAppliesPhysicalSchema(t *testing.T) {
	store := newFakeStore()
	m := &fakeMigrator{}
	lock := &fakeLock{}
	svc := newService(t, store, m, lock, nil)

	full, err := svc.CreateTable(context.Background(), &metadata.TableSpec{Name: "product"})
	require.NoError(t, err)
	require.Equal(t, "product", full.Table.Name)
	require.Equal(t, []string{"create product"}, m.calls)
	require.Equal(t, 1, lock.acquired)
	require.Equal(t, 1, lock.released)

	// The lock holder names the table and operation so a blocked caller
	// sees what is running.
	require.Len(t, lock.owners, 1)
	require.True(t, strings.HasPrefix(lock.owners[0], "product:create@"), lock.owners[0])

	// The cache saw the new table.
	require.NotNil(t, svc.TableByName("product"))
}

func TestCreateTablePhysicalFailureKeepsMetadata(t *testing.T) {
	store := newFakeStore()
	m := &fakeMigrator{failNext: apperrors.Database("product", "create table", errors.New("ddl boom"))}
	lock := &fakeLock{}
	svc := newService(t, store, m, lock, nil)

	_, err := svc.CreateTable(context.Background(), &metadata.TableSpec{Name: "product"})
	require.ErrorIs(t, err, apperrors.ErrDatabase)

	// Metadata committed before the physical apply and is not rolled back;
	// a later sync is the recovery path.
	require.Equal(t, []string{"product"}, store.created)
	require.Equal(t, 1, lock.released)
}

func TestCreateTableLockedFailsFast(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &fakeMigrator{}, &fakeLock{fail: true}, nil)

	_, err := svc.CreateTable(context.Background(), &metadata.TableSpec{Name: "product"})
	require.ErrorIs(t, err, apperrors.ErrSchemaLocked)
	require.Empty(t, store.created)
}

func TestUpdateTableEnqueuesBackgroundRename(t *testing.T) {
	product := fullTable("product")
	store := newFakeStore(product)
	store.changes = &metadata.ChangeSet{
		RenamedColumns: []metadata.ColumnRename{
			{ColumnID: uuid.New(), OldName: "title", NewName: "name"},
		},
	}
	m := &fakeMigrator{}
	queue := workqueue.New(zap.NewNop())
	defer queue.Cancel()
	svc := newService(t, store, m, nil, queue)

	_, err := svc.UpdateTable(context.Background(), product.Table.ID, &metadata.TableSpec{Name: "product"})
	require.NoError(t, err)

	// The response returns before the rewrite; poll the queue for completion.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, queue.Wait(ctx))

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, [][3]string{{"product", "title", "name"}}, m.renames)
}

func TestDeleteTableCapturesInboundBeforeDelete(t *testing.T) {
	category := fullTable("category")
	product := fullTable("product")
	product.Relations = append(product.Relations, &models.RelationDefinition{
		ID:            uuid.New(),
		SourceTableID: product.Table.ID,
		TargetTableID: category.Table.ID,
		PropertyName:  "category",
		Type:          models.RelationManyToOne,
		IsNullable:    true,
	})
	store := newFakeStore(category, product)
	m := &fakeMigrator{}
	svc := newService(t, store, m, nil, nil)

	_, err := svc.DeleteTable(context.Background(), category.Table.ID)
	require.NoError(t, err)

	require.Equal(t, []uuid.UUID{category.Table.ID}, store.deleted)
	require.Len(t, m.inbound, 1)
	require.Equal(t, "category", m.inbound[0].PropertyName)
	require.Nil(t, svc.TableByName("category"))
}

func TestSyncTableReconciles(t *testing.T) {
	product := fullTable("product")
	store := newFakeStore(product)
	m := &fakeMigrator{}
	svc := newService(t, store, m, nil, nil)

	require.NoError(t, svc.SyncTable(context.Background(), product.Table.ID))
	require.Equal(t, []string{"sync product"}, m.calls)
}

func TestBootstrapSyncsOperatorTables(t *testing.T) {
	system := fullTable("table_definition")
	system.Table.IsSystem = true
	product := fullTable("product")
	store := newFakeStore(system, product)
	m := &fakeMigrator{}
	cache := metadata.NewCache(store)

	b := NewBootstrap(store, cache, m, config.BackendMongoDB, zap.NewNop())
	require.NoError(t, b.Run(context.Background()))

	require.Equal(t, []string{"sync product"}, m.calls)
	require.NotNil(t, cache.Lookup("product"))
}
