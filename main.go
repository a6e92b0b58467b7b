package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/enfyra/engine/pkg/config"
	"github.com/enfyra/engine/pkg/database"
	"github.com/enfyra/engine/pkg/handlers"
	"github.com/enfyra/engine/pkg/logging"
	"github.com/enfyra/engine/pkg/metadata"
	"github.com/enfyra/engine/pkg/migrator"
	"github.com/enfyra/engine/pkg/schemalock"
	"github.com/enfyra/engine/pkg/services"
	"github.com/enfyra/engine/pkg/workqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("backend", string(cfg.Backend)),
		zap.String("version", cfg.Version))

	var (
		store metadata.Store
		cache *metadata.Cache
		mig   migrator.SchemaMigrator
		lock  schemalock.Service
	)

	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := database.NewPostgres(ctx, &cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer pg.Close()

		if err := database.RunMigrations(pg.SQL, cfg.Backend, cfg.MigrationsPath, logger); err != nil {
			logger.Fatal("Failed to run metadata migrations", zap.Error(err))
		}

		store = metadata.NewSQLStore(pg.SQL, cfg.Backend, logger)
		cache = metadata.NewCache(store)
		mig = migrator.NewRelational(pg.SQL, migrator.NewPostgresDialect(), cache, logger)

	case config.BackendMySQL:
		db, err := database.NewMySQL(ctx, &cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to MySQL", zap.Error(err))
		}
		defer func() { _ = db.Close() }()

		if err := database.RunMigrations(db, cfg.Backend, cfg.MigrationsPath, logger); err != nil {
			logger.Fatal("Failed to run metadata migrations", zap.Error(err))
		}

		store = metadata.NewSQLStore(db, cfg.Backend, logger)
		cache = metadata.NewCache(store)
		mig = migrator.NewRelational(db, migrator.NewMySQLDialect(), cache, logger)

	case config.BackendMongoDB:
		mg, err := database.NewMongo(ctx, &cfg.Mongo)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mg.Close(closeCtx)
		}()

		store = metadata.NewMongoStore(mg.DB, logger)
		cache = metadata.NewCache(store)
		mig = migrator.NewDocument(mg.DB, cache, logger)
		lock = schemalock.NewMongo(mg.DB, logger)

	default:
		logger.Fatal("Unknown backend", zap.String("backend", string(cfg.Backend)))
	}

	queue := workqueue.New(logger)

	boot := services.NewBootstrap(store, cache, mig, cfg.Backend, logger)
	if err := boot.Run(ctx); err != nil {
		logger.Fatal("Bootstrap failed", zap.Error(err))
	}

	schema := services.NewSchemaService(store, cache, mig, lock, queue, logger)
	logger.Info("Schema engine ready", zap.Int("tables", len(schema.Tables())))

	mux := http.NewServeMux()
	healthHandler := handlers.NewHealthHandler(cfg, logger)
	healthHandler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")

		queue.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting enfyra-engine",
		zap.String("addr", srv.Addr),
		zap.String("version", cfg.Version))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server failed", zap.Error(err))
	}
}
