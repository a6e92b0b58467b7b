package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/migrator"
)

// Bootstrap brings a fresh or restarted process to a ready state: seed the
// system metadata unless initialization already ran, reconcile every table's
// physical schema against its metadata, and warm the cache. Reconciliation
// on every start doubles as the recovery pass for mutations whose physical
// apply failed.
type Bootstrap struct {
	store    metadata.Store
	cache    *metadata.Cache
	migrator migrator.SchemaMigrator
	backend  config.Backend
	logger   *zap.Logger
}

// NewBootstrap wires the startup sequence.
func NewBootstrap(store metadata.Store, cache *metadata.Cache, m migrator.SchemaMigrator, backend config.Backend, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{
		store:    store,
		cache:    cache,
		migrator: m,
		backend:  backend,
		logger:   logger.Named("bootstrap"),
	}
}

// Run executes the startup sequence. Relational metadata-table migrations
// must have run before this is called.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := metadata.Seed(ctx, b.store, b.backend, b.logger); err != nil {
		return err
	}
	if err := b.cache.Reload(ctx); err != nil {
		return err
	}

	// System tables are backed by migrations, not by the migrators; only
	// operator-created tables are reconciled here.
	for _, full := range b.cache.Snapshot().Tables() {
		if full.Table.IsSystem {
			continue
		}
		if err := b.migrator.SyncTable(ctx, full); err != nil {
			b.logger.Error("Startup schema reconciliation failed",
				zap.String("table", full.Table.Name),
				zap.Error(err))
			return err
		}
	}
	b.logger.Info("Bootstrap complete",
		zap.Int("tables", len(b.cache.Snapshot().Tables())),
		zap.String("backend", string(b.backend)))
	return nil
}
