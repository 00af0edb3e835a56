package guildflow

import (
	"context"
	"database/sql"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/guildworks/guildflow/internal/config"
	"github.com/guildworks/guildflow/internal/engine"
	"github.com/guildworks/guildflow/internal/migrations"
	"github.com/guildworks/guildflow/internal/repository"
	"github.com/guildworks/guildflow/pkg/guildflow/core"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lmittmann/tint"

	_ "github.com/go-sql-driver/mysql"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Options are the host application capabilities injected into the engine.
// Nil fields degrade gracefully: no identity means no permission or role
// conditions hold, no entity store means set_field defers, and so on.
type Options struct {
	Identity    engine.IdentityProvider
	Entities    engine.EntityResolver
	EntityStore engine.EntityStore
	Mailer      engine.Mailer
	Settings    engine.SettingsProvider
	Clock       core.Clock
}

// Engine is the wired workflow engine: repositories, evaluator, executor,
// approval manager, orchestrator, version manager, and trigger dispatcher
// over one database handle.
type Engine struct {
	db    *sql.DB
	clock core.Clock

	Definitions  *repository.DefinitionRepository
	Instances    *repository.InstanceRepository
	Evaluator    *engine.RuleEvaluator
	Executor     *engine.ActionExecutor
	Visibility   *engine.VisibilityEvaluator
	Approvals    *engine.ApprovalManager
	Orchestrator *engine.Orchestrator
	Versions     *engine.VersionManager
	Triggers     *engine.TriggerDispatcher
}

// Open connects to the configured database, runs migrations, and wires
// every engine component.
func Open(opts Options) (*Engine, error) {
	databaseType := config.GetSystemSettingString(config.DATABASE_TYPE)
	if databaseType != config.DATABASE_TYPE_POSTGRES && databaseType != config.DATABASE_TYPE_MYSQL && databaseType != config.DATABASE_TYPE_SQLLITE {
		panic("WFENG_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
	}

	var db *sql.DB
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		db = setupPostgresDatabase()
	case config.DATABASE_TYPE_SQLLITE:
		db = setupSqlLiteDatabase()
	case config.DATABASE_TYPE_MYSQL:
		db = setupMysqlDatabase()
	}

	clock := opts.Clock
	if clock == nil {
		clock = &core.RealClock{}
	}
	settings := opts.Settings
	if settings == nil {
		settings = config.NewSettings()
	}

	definitionRepo := repository.NewDefinitionRepository(db, clock)
	instanceRepo := repository.NewInstanceRepository(db, clock)
	approvalRepo := repository.NewApprovalRepository(db, clock)
	versionRepo := repository.NewVersionRepository(db, clock)
	visibilityRepo := repository.NewVisibilityRepository(db, clock)

	resolver := engine.NewContextResolver(settings, clock)
	evaluator := engine.NewRuleEvaluator(clock)
	executor := engine.NewActionExecutor(resolver, opts.EntityStore, opts.Mailer)
	approvals := engine.NewApprovalManager(approvalRepo, instanceRepo, opts.Identity, opts.Entities, settings, clock)
	orchestrator := engine.NewOrchestrator(definitionRepo, instanceRepo, approvalRepo, approvals, evaluator, executor, opts.Identity, opts.Entities, clock)
	versions := engine.NewVersionManager(definitionRepo, versionRepo, instanceRepo)
	visibility := engine.NewVisibilityEvaluator(visibilityRepo, instanceRepo, evaluator, opts.Identity, opts.Entities)
	triggers := engine.NewTriggerDispatcher(definitionRepo, versionRepo, orchestrator)

	return &Engine{
		db:           db,
		clock:        clock,
		Definitions:  definitionRepo,
		Instances:    instanceRepo,
		Evaluator:    evaluator,
		Executor:     executor,
		Visibility:   visibility,
		Approvals:    approvals,
		Orchestrator: orchestrator,
		Versions:     versions,
		Triggers:     triggers,
	}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// Run drives the periodic sweep: scheduled and automatic transitions plus
// approval deadline expiry. One sweep runs at a time; the loop exits when
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval, err := time.ParseDuration(config.GetSystemSettingString(config.ENGINE_SWEEP_INTERVAL))
	if err != nil {
		interval = time.Minute
	}
	slog.Info("Starting workflow sweep loop", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Workflow sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	expired, err := e.Approvals.ExpireOverdueApprovals()
	if err != nil {
		slog.Error("Approval deadline sweep failed", "error", err)
	} else if expired > 0 {
		slog.Info("Expired overdue approvals", "count", expired)
	}

	res, err := e.Orchestrator.ProcessScheduledTransitions()
	if err != nil {
		slog.Error("Scheduled transition sweep failed", "error", err)
		return
	}
	if processed, ok := res.Data["processed"].(int); ok && processed > 0 {
		slog.Info("Processed scheduled transitions", "count", processed)
	}
}

// Start opens the engine and blocks running the sweep loop until the
// context is cancelled.
func Start(ctx context.Context, opts Options) error {
	eng, err := Open(opts)
	if err != nil {
		return err
	}
	defer eng.Close()
	return eng.Run(ctx)
}

func setupPostgresDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("WFENG_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("postgres", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening Postgres database")
	dbPostgres, err := sql.Open("postgres", dbURL)
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbPostgres
}

func setupSqlLiteDatabase() *sql.DB {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		panic("WFENG_DATABASE_SQLLITE_FILE_NAME must be set")
	}
	dbURL := "sqlite3://" + fileName
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("sqllite3", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening SQLite database")
	dbSqlLite, err := sql.Open("sqlite3", fileName)
	if err != nil {
		log.Fatalf("Failed to open SQLite DB: %v", err)
	}
	if err := dbSqlLite.Ping(); err != nil {
		log.Fatalf("Failed to ping SQLite DB: %v", err)
	}
	return dbSqlLite
}

func setupMysqlDatabase() *sql.DB {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		panic("WFENG_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		panic("WFENG_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		panic("WFENG_DATABASE_URL must start with 'mysql://' for MySQL")
	}

	slog.Info("Using MySQL database", "url", dbURL)
	slog.Info("Running migrations")
	if err := runMigrationsFromEmbed("mysql", dbURL); err != nil {
		slog.Error("DB migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Opening MySQL database")
	dbMysql, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		slog.Error("DB connection failed", "error", err)
		os.Exit(1)
	}
	return dbMysql
}

func runMigrationsFromEmbed(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func SetupLogger() {
	w := os.Stderr
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
