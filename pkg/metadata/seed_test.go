package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/models"
)

func TestSystemTableSpecsParse(t *testing.T) {
	specs, err := SystemTableSpecs(config.BackendPostgres)
	require.NoError(t, err)

	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{
		TableDefinitionCollection, ColumnDefinitionCollection,
		RelationDefinitionCollection, RouteDefinitionCollection,
		SettingDefinitionCollection,
	}, names)
}

func TestSystemTableSpecsValidatePerBackend(t *testing.T) {
	for _, backend := range []config.Backend{config.BackendPostgres, config.BackendMySQL, config.BackendMongoDB} {
		t.Run(string(backend), func(t *testing.T) {
			specs, err := SystemTableSpecs(backend)
			require.NoError(t, err)

			var created []*FullTable
			for _, spec := range specs {
				require.NoError(t, ValidateSpec(spec, backend, created, nil),
					"system spec %q must pass its own validation", spec.Name)
				// Register so later specs can resolve relation targets.
				full := fullTableFixture(spec.Name)
				created = append(created, full)
			}
		})
	}
}

func TestSystemTableSpecsPrimaryShape(t *testing.T) {
	relational, err := SystemTableSpecs(config.BackendPostgres)
	require.NoError(t, err)
	assert.Equal(t, RelationalPrimaryName, relational[0].Columns[0].Name)
	assert.Equal(t, models.ColumnTypeUUID, relational[0].Columns[0].Type)

	document, err := SystemTableSpecs(config.BackendMongoDB)
	require.NoError(t, err)
	assert.Equal(t, DocumentPrimaryName, document[0].Columns[0].Name)

	for _, specs := range [][]*TableSpec{relational, document} {
		for _, spec := range specs {
			assert.True(t, spec.IsSystem, "seeded table %q must be marked system", spec.Name)
		}
	}
}
