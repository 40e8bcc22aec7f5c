package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pagaria/cobranza-api/internal/domain/ai"
	"github.com/pagaria/cobranza-api/internal/domain/importer/handler"
	"github.com/pagaria/cobranza-api/internal/domain/importer/parser"
	importrepo "github.com/pagaria/cobranza-api/internal/domain/importer/repository"
	importservice "github.com/pagaria/cobranza-api/internal/domain/importer/service"
	importvalidator "github.com/pagaria/cobranza-api/internal/domain/importer/validator"
	"github.com/pagaria/cobranza-api/internal/domain/matching"
	"github.com/pagaria/cobranza-api/pkg/config"
	"github.com/pagaria/cobranza-api/pkg/cron"
	"github.com/pagaria/cobranza-api/pkg/db"
	"github.com/pagaria/cobranza-api/pkg/storage"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	ImportRepo   *importrepo.Repository
	MatchingRepo *matching.Repository

	// Services
	Validator       *importvalidator.Validator
	AIAgent         *ai.Agent
	ModelCatalog    *ai.ModelCatalog
	ImportService   *importservice.Service
	MatchingService *matching.Service
	FileStorage     storage.Archive

	// HTTP surface
	ImportHandler *handler.ImportHandler
	Scheduler     *cron.Scheduler
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	deps.initRepositories()

	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	deps.initHandlers()

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase connects the regular and elevated pools.
func (d *Dependencies) initDatabase(ctx context.Context) error {
	database, err := db.New(ctx, db.Config{
		DSN:             d.Config.Database.DSN(),
		ElevatedDSN:     d.Config.Database.ElevatedDSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database
	d.Logger.Info("database connected")
	return nil
}

// initRepositories initializes the repository layer. The import repository
// runs on the elevated pool: subject creation and contact refresh write
// across tenant row policies.
func (d *Dependencies) initRepositories() {
	d.ImportRepo = importrepo.NewRepository(d.DB.Elevated)
	d.MatchingRepo = matching.NewRepository(d.DB.Pool)

	d.Logger.Info("repositories initialized")
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	d.Validator = importvalidator.New(importvalidator.Config{
		Strict:    d.Config.Import.StrictMode,
		MaxAmount: decimal.NewFromInt(d.Config.Import.MaxAmountCLP),
	})

	// AI correction is optional; without a key the import service falls
	// back to plain validation.
	var corrector importservice.Corrector
	if d.Config.AI.Enabled() {
		client := ai.NewHTTPClient(d.Config.AI.BaseURL, d.Config.AI.APIKey, d.Config.AI.Timeout)
		d.ModelCatalog = ai.NewModelCatalog(d.Config.AI.BaseURL, d.Config.AI.APIKey, d.Config.AI.CacheTTL)

		var evolver ai.SchemaEvolver
		if d.Config.AI.AllowSchemaEvolution {
			evolver = importrepo.NewEvolver(d.DB.Elevated, d.ImportRepo, d.Logger)
		}
		d.AIAgent = ai.NewAgent(client, d.Config.AI.Model, evolver, d.Logger)
		corrector = d.AIAgent
	}

	d.ImportService = importservice.NewService(d.ImportRepo, d.Validator, corrector, importservice.Config{
		MaxRows:    d.Config.Import.MaxRows,
		BatchSize:  d.Config.Import.BatchSize,
		RetryCount: d.Config.Import.RetryCount,
		RetryDelay: d.Config.Import.RetryDelay,
		BatchPause: d.Config.Import.BatchPause,
	}, d.Logger)

	d.MatchingService = matching.NewService(d.MatchingRepo, d.Config.Matching.Threshold, d.Logger)

	fileStorage, err := storage.New(&storage.Config{LocalPath: "./uploads"})
	if err != nil {
		return fmt.Errorf("failed to init file storage: %w", err)
	}
	d.FileStorage = fileStorage

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers wires the HTTP handler and the nightly matching job.
func (d *Dependencies) initHandlers() {
	var models handler.ModelLister
	if d.ModelCatalog != nil {
		models = d.ModelCatalog
	}

	d.ImportHandler = handler.NewImportHandler(
		parser.NewIngestor(d.Config.Import.MaxRows),
		d.ImportService,
		d.MatchingService,
		models,
		d.FileStorage,
		d.Config.Import.MaxFileBytes,
		d.Logger,
	)

	d.Scheduler = cron.NewScheduler(d.MatchingService, d.MatchingRepo, d.Config.Matching.Schedule, d.Logger)

	d.Logger.Info("handlers initialized")
}

// Routes builds the application's HTTP handler.
func (d *Dependencies) Routes() http.Handler {
	return d.ImportHandler.Routes(d.Config.Server.AllowedOrigins)
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Scheduler != nil {
		<-d.Scheduler.Stop().Done()
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
