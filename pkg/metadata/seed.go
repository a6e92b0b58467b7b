package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/enfyra/engine/pkg/apperrors"
	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/models"
)

//go:embed seed.yaml
var seedYAML []byte

type seedFile struct {
	Tables []*TableSpec `yaml:"tables"`
}

// SystemTableSpecs returns the system table definitions with the
// backend-appropriate primary-key column prepended to each.
func SystemTableSpecs(backend config.Backend) ([]*TableSpec, error) {
	var file seedFile
	if err := yaml.Unmarshal(seedYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse system table seed: %w", err)
	}
	for _, spec := range file.Tables {
		primary := ColumnSpec{
			Name:        RelationalPrimaryName,
			Type:        models.ColumnTypeUUID,
			IsPrimary:   true,
			IsGenerated: true,
			IsSystem:    true,
		}
		if backend == config.BackendMongoDB {
			primary.Name = DocumentPrimaryName
		}
		spec.Columns = append([]ColumnSpec{primary}, spec.Columns...)
	}
	return file.Tables, nil
}

// Seed creates the system metadata entries unless the settings record says
// initialization already ran. The physical tables/collections behind them are
// created by migrations (relational) or lazily by the driver (document), not
// by the migrators.
func Seed(ctx context.Context, store Store, backend config.Backend, logger *zap.Logger) error {
	settings, err := store.GetSettings(ctx)
	if err != nil {
		return err
	}
	if settings.IsInit {
		logger.Debug("system metadata already seeded, skipping")
		return nil
	}

	specs, err := SystemTableSpecs(backend)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := store.FindTableByName(ctx, spec.Name); err == nil {
			continue
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if _, err := store.CreateTable(ctx, spec); err != nil {
			return fmt.Errorf("failed to seed system table %q: %w", spec.Name, err)
		}
		logger.Info("seeded system table", zap.String("table", spec.Name))
	}

	return store.MarkInitialized(ctx)
}
