package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("test-version")
	require.NoError(t, err)

	assert.Equal(t, "test-version", cfg.Version)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "migrations", cfg.MigrationsPath)
	assert.Equal(t, int32(25), cfg.Database.MaxConnections)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_TYPE", "mongodb")
	t.Setenv("MONGO_URI", "mongodb://mongo.internal:27017")
	t.Setenv("MONGO_DATABASE", "cms")

	cfg, err := Load("dev")
	require.NoError(t, err)

	assert.Equal(t, BackendMongoDB, cfg.Backend)
	assert.Equal(t, "mongodb://mongo.internal:27017", cfg.Mongo.URI)
	assert.Equal(t, "cms", cfg.Mongo.Database)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := &Config{Backend: "oracle"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRelationalRequiresHost(t *testing.T) {
	cfg := &Config{Backend: BackendMySQL, Database: DatabaseConfig{Database: "enfyra"}}
	assert.Error(t, cfg.Validate())

	cfg.Database.Host = "db.internal"
	assert.NoError(t, cfg.Validate())
}

func TestValidateMongoRequiresURI(t *testing.T) {
	cfg := &Config{Backend: BackendMongoDB, Mongo: MongoConfig{Database: "cms"}}
	assert.Error(t, cfg.Validate())

	cfg.Mongo.URI = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())
}

func TestBackendIsRelational(t *testing.T) {
	assert.True(t, BackendPostgres.IsRelational())
	assert.True(t, BackendMySQL.IsRelational())
	assert.False(t, BackendMongoDB.IsRelational())
}
