// Package services orchestrates schema mutations: metadata persistence,
// physical migration, lock handling, cache reload, and background data
// migration run in one place so handlers and callers stay thin.
package services

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/migrator"
	"github.com/enfyra/engine/pkg/schemalock"
	"github.com/enfyra/engine/pkg/workqueue"
)

// SchemaService is the write path for table definitions. Mutations follow a
// fixed order: validate, take the migration lock, commit metadata, apply the
// physical schema, reload the cache. Metadata commits before the physical
// apply; a physical failure therefore leaves metadata ahead of storage, and
// SyncTable is the recovery path (the migrators diff, so re-running
// converges).
type SchemaService struct {
	store    metadata.Store
	cache    *metadata.Cache
	migrator migrator.SchemaMigrator
	lock     schemalock.Service // nil on the relational backend
	queue    *workqueue.Queue   // nil disables background renames
	logger   *zap.Logger
	owner    string
}

// NewSchemaService wires the schema write path. lock is nil for relational
// backends, where the metadata transaction provides mutual exclusion; queue
// is nil when background rename migration is not wanted.
func NewSchemaService(
	store metadata.Store,
	cache *metadata.Cache,
	m migrator.SchemaMigrator,
	lock schemalock.Service,
	queue *workqueue.Queue,
	logger *zap.Logger,
) *SchemaService {
	host, _ := os.Hostname()
	return &SchemaService{
		store:    store,
		cache:    cache,
		migrator: m,
		lock:     lock,
		queue:    queue,
		logger:   logger.Named("schema"),
		owner:    fmt.Sprintf("engine-%s-%d", host, os.Getpid()),
	}
}

// CreateTable validates and persists a new table definition, then creates
// its physical table or collection.
func (s *SchemaService) CreateTable(ctx context.Context, spec *metadata.TableSpec) (*metadata.FullTable, error) {
	release, err := s.acquire(ctx, spec.Name, "create")
	if err != nil {
		return nil, err
	}
	defer release()

	full, err := s.store.CreateTable(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := s.migrator.CreateTable(ctx, full); err != nil {
		s.logPhysicalFailure("create", full.Table.Name, err)
		return nil, err
	}
	s.reload(ctx)
	return full, nil
}

// UpdateTable applies a table mutation. On the document backend, column
// renames additionally enqueue a background pass rewriting existing
// documents; the call returns before that pass completes.
func (s *SchemaService) UpdateTable(ctx context.Context, id uuid.UUID, spec *metadata.TableSpec) (*metadata.FullTable, error) {
	release, err := s.acquire(ctx, spec.Name, "update")
	if err != nil {
		return nil, err
	}
	defer release()

	full, changes, err := s.store.UpdateTable(ctx, id, spec)
	if err != nil {
		return nil, err
	}
	if err := s.migrator.UpdateTable(ctx, full, changes); err != nil {
		s.logPhysicalFailure("update", full.Table.Name, err)
		return nil, err
	}
	s.enqueueRenames(full, changes)
	s.reload(ctx)
	return full, nil
}

// DeleteTable removes a table definition and its physical table, cleaning up
// the references other tables hold against it.
func (s *SchemaService) DeleteTable(ctx context.Context, id uuid.UUID) (*metadata.FullTable, error) {
	release, err := s.acquire(ctx, s.tableName(id), "delete")
	if err != nil {
		return nil, err
	}
	defer release()

	// Inbound relations must be captured before the definitions disappear;
	// the migrator needs them to drop foreign keys and unset fields.
	inbound := s.cache.InverseRelations(id)

	full, err := s.store.DeleteTable(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.migrator.DropTable(ctx, full, inbound); err != nil {
		s.logPhysicalFailure("drop", full.Table.Name, err)
		return nil, err
	}
	s.reload(ctx)
	return full, nil
}

// SyncTable reconciles one table's physical schema with its committed
// metadata. Operators run it to recover from a failed physical apply.
func (s *SchemaService) SyncTable(ctx context.Context, id uuid.UUID) error {
	release, err := s.acquire(ctx, s.tableName(id), "sync")
	if err != nil {
		return err
	}
	defer release()

	full, err := s.store.GetFullTable(ctx, id)
	if err != nil {
		return err
	}
	if err := s.migrator.SyncTable(ctx, full); err != nil {
		s.logPhysicalFailure("sync", full.Table.Name, err)
		return err
	}
	s.reload(ctx)
	return nil
}

// tableName resolves a cached table name for lock diagnostics; the raw id
// stands in when the cache has no entry yet.
func (s *SchemaService) tableName(id uuid.UUID) string {
	if full := s.cache.LookupByID(id); full != nil {
		return full.Table.Name
	}
	return id.String()
}

// acquire takes the migration lock when one is configured. The holder
// string carries the table and operation plus the process identity, so a
// blocked caller's schema-locked error names what is running. The returned
// release func is safe to call always.
func (s *SchemaService) acquire(ctx context.Context, table, operation string) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	handle, err := s.lock.Acquire(ctx, fmt.Sprintf("%s:%s@%s", table, operation, s.owner))
	if err != nil {
		return nil, err
	}
	return func() {
		if err := s.lock.Release(ctx, handle); err != nil {
			s.logger.Warn("Failed to release schema lock", zap.Error(err))
		}
	}, nil
}

// enqueueRenames schedules the background document rewrite for each renamed
// column. Fire and forget: failures are retried by the queue and logged,
// never propagated to the caller.
func (s *SchemaService) enqueueRenames(full *metadata.FullTable, changes *metadata.ChangeSet) {
	if s.queue == nil || changes == nil || len(changes.RenamedColumns) == 0 {
		return
	}
	renamer, ok := s.migrator.(migrator.FieldRenamer)
	if !ok {
		return
	}
	for _, rename := range changes.RenamedColumns {
		s.queue.Enqueue(NewRenameFieldTask(renamer, full.Table.Name, rename.OldName, rename.NewName))
		s.logger.Info("Enqueued background field rename",
			zap.String("table", full.Table.Name),
			zap.String("from", rename.OldName),
			zap.String("to", rename.NewName))
	}
}

func (s *SchemaService) reload(ctx context.Context) {
	if err := s.cache.Reload(ctx); err != nil {
		s.logger.Warn("Metadata cache reload failed; readers may see stale schema", zap.Error(err))
	}
}

func (s *SchemaService) logPhysicalFailure(op, table string, err error) {
	s.logger.Error("Physical schema apply failed; metadata is committed, run a table sync to reconcile",
		zap.String("operation", op),
		zap.String("table", table),
		zap.Error(err))
}

// Tables lists the hydrated metadata of every table.
func (s *SchemaService) Tables() []*metadata.FullTable {
	return s.cache.Snapshot().Tables()
}

// TableByName resolves one table from the cache, nil when unknown.
func (s *SchemaService) TableByName(name string) *metadata.FullTable {
	return s.cache.Lookup(name)
}
