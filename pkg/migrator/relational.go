package migrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/logging"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/models"
	"github.com/enfyra/engine/pkg/naming"
)

// relationalMigrator applies metadata to a Postgres or MySQL schema through
// planned DDL. Plans are computed from introspection diffs, then executed
// statement by statement; DDL is not transactional on MySQL, so idempotent
// re-apply is the recovery path rather than rollback.
type relationalMigrator struct {
	db      Querier
	dialect Dialect
	resolve Resolver
	logger  *zap.Logger
}

var _ SchemaMigrator = (*relationalMigrator)(nil)

// NewRelational builds the SQL schema migrator for the given dialect.
func NewRelational(db Querier, dialect Dialect, resolve Resolver, logger *zap.Logger) SchemaMigrator {
	return &relationalMigrator{
		db:      db,
		dialect: dialect,
		resolve: resolve,
		logger:  logger.Named("migrator"),
	}
}

func (m *relationalMigrator) CreateTable(ctx context.Context, table *metadata.FullTable) error {
	exists, err := tableExists(ctx, m.db, m.dialect, table.Table.Name)
	if err != nil {
		return err
	}
	if exists {
		// A previous run got partway through. Converge instead of failing.
		return m.SyncTable(ctx, table)
	}
	plan, err := BuildCreatePlan(m.dialect, table, m.resolve)
	if err != nil {
		return err
	}
	if err := m.apply(ctx, table.Table.Name, plan); err != nil {
		return err
	}
	return m.propagateOneToMany(ctx, table)
}

func (m *relationalMigrator) UpdateTable(ctx context.Context, table *metadata.FullTable, changes *metadata.ChangeSet) error {
	live, err := introspectTable(ctx, m.db, m.dialect, table.Table.Name)
	if err != nil {
		return err
	}
	if live == nil {
		return m.CreateTable(ctx, table)
	}
	junctions, err := m.existingJunctions(ctx, table)
	if err != nil {
		return err
	}
	plan, err := BuildUpdatePlan(m.dialect, table, live, changes, junctions, m.resolve)
	if err != nil {
		return err
	}
	if !plan.Empty() {
		if err := m.apply(ctx, table.Table.Name, plan); err != nil {
			return err
		}
	} else {
		m.logger.Debug("physical schema already in sync", zap.String("table", table.Table.Name))
	}
	return m.propagateOneToMany(ctx, table)
}

func (m *relationalMigrator) DropTable(ctx context.Context, table *metadata.FullTable, inbound []*models.RelationDefinition) error {
	// Introspect every table whose live shape holds a reference to this one:
	// sources of inbound relations plus targets of this table's one-to-many
	// relations, whose FK columns live on the target side.
	related := map[string]bool{}
	for _, rel := range inbound {
		if source := m.resolve.LookupByID(rel.SourceTableID); source != nil && source.Table.ID != table.Table.ID {
			related[source.Table.Name] = true
		}
	}
	for _, rel := range table.Relations {
		if rel.Type != models.RelationOneToMany {
			continue
		}
		if target := m.resolve.LookupByID(rel.TargetTableID); target != nil && target.Table.ID != table.Table.ID {
			related[target.Table.Name] = true
		}
	}
	liveSources := map[string]*LiveTable{}
	for name := range related {
		live, err := introspectTable(ctx, m.db, m.dialect, name)
		if err != nil {
			return err
		}
		if live != nil {
			liveSources[name] = live
		}
	}
	plan, err := BuildDropPlan(m.dialect, table, inbound, liveSources, m.resolve)
	if err != nil {
		return err
	}
	return m.apply(ctx, table.Table.Name, plan)
}

func (m *relationalMigrator) SyncTable(ctx context.Context, table *metadata.FullTable) error {
	return m.UpdateTable(ctx, table, nil)
}

// propagateOneToMany materializes the FK columns of this table's one-to-many
// relations on their targets. The targets' own desired sets pick these up
// from the metadata snapshot on later runs; this pass covers the window
// before the snapshot reloads with the new relations.
func (m *relationalMigrator) propagateOneToMany(ctx context.Context, table *metadata.FullTable) error {
	pk := table.PrimaryColumn()
	if pk == nil {
		return nil
	}
	for _, rel := range table.Relations {
		if rel.Type != models.RelationOneToMany || rel.InversePropertyName == nil {
			continue
		}
		target, err := resolveTarget(table, rel, m.resolve)
		if err != nil {
			return err
		}
		live, err := introspectTable(ctx, m.db, m.dialect, target.Table.Name)
		if err != nil {
			return err
		}
		if live == nil {
			continue
		}
		col := physicalColumn{
			Name:      naming.ForeignKeyColumn(*rel.InversePropertyName),
			Type:      pk.Type,
			Nullable:  rel.IsNullable,
			Relation:  rel,
			RefTable:  table.Table.Name,
			RefColumn: pk.Name,
		}
		var plan Plan
		if live.Column(col.Name) == nil {
			plan = append(plan, Operation{
				Kind:   OpAddColumn,
				Table:  target.Table.Name,
				Detail: col.Name,
				SQL:    []string{m.dialect.AddColumnSQL(target.Table.Name, &col)},
			})
			plan = append(plan, addForeignKeyOp(m.dialect, target.Table.Name, &col))
		} else if live.ForeignKeyOn(col.Name) == nil {
			plan = append(plan, addForeignKeyOp(m.dialect, target.Table.Name, &col))
		}
		if err := m.apply(ctx, target.Table.Name, plan); err != nil {
			return err
		}
	}
	return nil
}

// existingJunctions reports which of the table's desired junction tables are
// already physically present.
func (m *relationalMigrator) existingJunctions(ctx context.Context, table *metadata.FullTable) (map[string]bool, error) {
	junctions, err := desiredJunctions(table, m.resolve, m.dialect.IdentifierLimit())
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(junctions))
	for _, j := range junctions {
		exists, err := tableExists(ctx, m.db, m.dialect, j.Name)
		if err != nil {
			return nil, err
		}
		out[j.Name] = exists
	}
	return out, nil
}

// apply executes a plan in order, logging each statement. The first failure
// aborts; the remaining operations are picked up by the next idempotent run.
func (m *relationalMigrator) apply(ctx context.Context, table string, plan Plan) error {
	for _, op := range plan {
		for _, stmt := range op.SQL {
			m.logger.Info("applying schema change",
				zap.String("table", op.Table),
				zap.String("operation", string(op.Kind)),
				zap.String("query", logging.SanitizeQuery(stmt)),
			)
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				m.logger.Error("schema change failed",
					zap.String("table", op.Table),
					zap.String("operation", string(op.Kind)),
					zap.String("error", logging.SanitizeError(err)),
				)
				return apperrors.Database(op.Table, string(op.Kind), err)
			}
		}
	}
	m.logger.Info("schema plan applied",
		zap.String("table", table),
		zap.Int("operations", len(plan)),
	)
	return nil
}
