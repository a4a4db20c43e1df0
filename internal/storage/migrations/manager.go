package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
)

// MigrationConfig defines configuration for the migration system
type MigrationConfig struct {
	// Database configuration
	Driver  string `env:"MIGRATION_DRIVER" default:"postgres"`
	DSN     string `env:"MIGRATION_DSN" default:""`
	Dialect string `env:"MIGRATION_DIALECT" default:"postgres"`

	// Migration settings
	Dir    string `env:"MIGRATION_DIR" default:"migrations"`
	Table  string `env:"MIGRATION_TABLE" default:"goose_db_version"`
	Schema string `env:"MIGRATION_SCHEMA" default:"public"`

	// Safety settings
	Timeout    time.Duration `env:"MIGRATION_TIMEOUT" default:"5m"`
	MaxRetries int           `env:"MIGRATION_MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `env:"MIGRATION_RETRY_DELAY" default:"5s"`

	// Development settings
	Verbose         bool `env:"MIGRATION_VERBOSE" default:"false"`
	DryRun          bool `env:"MIGRATION_DRY_RUN" default:"false"`
	AllowOutOfOrder bool `env:"MIGRATION_ALLOW_OUT_OF_ORDER" default:"false"`

	// Safety settings
	NoVersioning bool          `env:"MIGRATION_NO_VERSIONING" default:"false"`
	LockTimeout  time.Duration `env:"MIGRATION_LOCK_TIMEOUT" default:"10s"`

	// Monitoring
	EnableMetrics bool `env:"MIGRATION_METRICS" default:"true"`
	EnableTracing bool `env:"MIGRATION_TRACING" default:"false"`

	// Logger (not from env)
	Logger *slog.Logger
}

// MigrationStatus represents a migration's status
type MigrationStatus struct {
	VersionID   int64     `json:"version_id"`
	IsApplied   bool      `json:"is_applied"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
}

// MigrationFile represents a migration file
type MigrationFile struct {
	Path        string    `json:"path"`
	Version     int64     `json:"version"`
	Filename    string    `json:"filename"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// MigrationManager manages database migrations
type MigrationManager struct {
	config    *MigrationConfig
	db        *sql.DB
	logger    *slog.Logger
	isRunning bool
}

// NewMigrationManager creates a new MigrationManager instance
func NewMigrationManager(config *MigrationConfig) (*MigrationManager, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// open a DB connection for auxiliary operations
	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	manager := &MigrationManager{
		config: config,
		db:     db,
		logger: logger,
	}

	return manager, nil
}

// Connect establishes a connection to the database
func (mm *MigrationManager) Connect(ctx context.Context) error {
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	mm.logger.Info("Connected to database for migrations",
		"driver", mm.config.Driver,
		"dialect", mm.config.Dialect)

	return nil
}

// Disconnect closes the connection to the database
func (mm *MigrationManager) Disconnect(ctx context.Context) error {
	if mm.db != nil {
		if err := mm.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
		mm.logger.Info("Disconnected from database")
	}
	return nil
}

// Up applies all available migrations
func (mm *MigrationManager) Up(ctx context.Context) error {
	mm.logger.Info("Starting migration up process")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up completed",
			"duration", duration)
	}()

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// run the migrations
	if err := goose.Up(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration up failed", "error", err)
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	mm.logger.Info("All migrations applied successfully")
	return nil
}

// UpTo applies migrations up to the given version
func (mm *MigrationManager) UpTo(ctx context.Context, version int64) error {
	mm.logger.Info("Starting migration up to version", "version", version)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up to version completed",
			"version", version,
			"duration", duration)
	}()

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// run migrations up to the version
	if err := goose.UpTo(mm.db, mm.config.Dir, version); err != nil {
		mm.logger.Error("Migration up to version failed",
			"version", version,
			"error", err)
		return fmt.Errorf("failed to apply migrations up to version %d: %w", version, err)
	}

	mm.logger.Info("Migrations applied up to version", "version", version)
	return nil
}

// UpByOne applies the next single migration
func (mm *MigrationManager) UpByOne(ctx context.Context) error {
	mm.logger.Info("Starting migration up by one")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration up by one completed", "duration", duration)
	}()

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// apply a single migration (uses Up with a flag)
	if err := goose.UpByOne(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration up by one failed", "error", err)
		return fmt.Errorf("failed to apply next migration: %w", err)
	}

	mm.logger.Info("Next migration applied successfully")
	return nil
}

// Down rolls back all migrations
func (mm *MigrationManager) Down(ctx context.Context) error {
	mm.logger.Info("Starting migration down process")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down completed", "duration", duration)
	}()

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// roll back all migrations
	if err := goose.Reset(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration down failed", "error", err)
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}

	mm.logger.Info("All migrations rolled back successfully")
	return nil
}

// DownTo rolls back migrations down to the given version
func (mm *MigrationManager) DownTo(ctx context.Context, version int64) error {
	mm.logger.Info("Starting migration down to version", "version", version)

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down to version completed",
			"version", version,
			"duration", duration)
	}()

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// roll back to the version
	if err := goose.DownTo(mm.db, mm.config.Dir, version); err != nil {
		mm.logger.Error("Migration down to version failed",
			"version", version,
			"error", err)
		return fmt.Errorf("failed to rollback migrations to version %d: %w", version, err)
	}

	mm.logger.Info("Migrations rolled back to version", "version", version)
	return nil
}

// DownByOne rolls back a single migration
func (mm *MigrationManager) DownByOne(ctx context.Context) error {
	mm.logger.Info("Starting migration down by one")

	startTime := time.Now()
	defer func() {
		duration := time.Since(startTime)
		mm.logger.Info("Migration down by one completed", "duration", duration)
	}()

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// roll back a single migration
	if err := goose.Down(mm.db, mm.config.Dir); err != nil {
		mm.logger.Error("Migration down by one failed", "error", err)
		return fmt.Errorf("failed to rollback next migration: %w", err)
	}

	mm.logger.Info("Previous migration rolled back successfully")
	return nil
}

// Status returns the status of all migrations
func (mm *MigrationManager) Status(ctx context.Context) ([]*MigrationStatus, error) {
	mm.logger.Info("Getting migration status")

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// fetch migration status
	if err := goose.Status(mm.db, mm.config.Dir); err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}

	// return an empty status for simplicity
	// a real application would need to parse goose.Status's output
	statuses := []*MigrationStatus{}
	mm.logger.Info("Migration status retrieved",
		"total_migrations", len(statuses))

	return statuses, nil
}

// Version returns the current migration version
func (mm *MigrationManager) Version(ctx context.Context) (int64, error) {
	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// fetch the migration version
	version, err := goose.GetDBVersion(mm.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}

	mm.logger.Info("Current migration version", "version", version)
	return version, nil
}

// List returns all migration files
func (mm *MigrationManager) List(ctx context.Context) ([]*MigrationFile, error) {
	mm.logger.Info("Listing migration files")

	// read files from the migrations directory
	files, err := filepath.Glob(filepath.Join(mm.config.Dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migration files: %w", err)
	}

	migrations := make([]*MigrationFile, 0, len(files))
	for _, file := range files {
		migrations = append(migrations, &MigrationFile{
			Path:        file,
			Version:     0, // could be parsed from the filename
			Filename:    filepath.Base(file),
			Description: "", // could be parsed from comments
			CreatedAt:   time.Now(),
		})
	}

	mm.logger.Info("Migration files listed", "count", len(migrations))
	return migrations, nil
}

// Create creates a new migration file
func (mm *MigrationManager) Create(ctx context.Context, name string) (string, error) {
	mm.logger.Info("Creating new migration", "name", name)

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return "", fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// create the migration
	filename := fmt.Sprintf("%s/%d_%s.sql", mm.config.Dir, time.Now().Unix(), name)

	// create the file by hand for simplicity
	content := `-- +goose Up
-- Migration: ` + name + `
-- Created: ` + time.Now().Format("2006-01-02 15:04:05") + `

-- Add your migration SQL here

-- +goose Down
-- Rollback migration: ` + name + `

-- Add your rollback SQL here
`

	if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}

	mm.logger.Info("Migration created", "filename", filename)
	return filename, nil
}

// Validate checks that migrations are correct
func (mm *MigrationManager) Validate(ctx context.Context) error {
	mm.logger.Info("Starting migration validation")

	// check that every migration file exists
	migrations, err := mm.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}

	for _, migration := range migrations {
		if _, err := filepath.Glob(filepath.Join(mm.config.Dir, "*.sql")); err != nil {
			return fmt.Errorf("migration file not accessible: %s", migration.Path)
		}
	}

	// check migration status
	statuses, err := mm.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	// check for skipped migrations
	var appliedVersions []int64
	for _, status := range statuses {
		if status.IsApplied {
			appliedVersions = append(appliedVersions, status.VersionID)
		}
	}

	// check ordering
	for i := 1; i < len(appliedVersions); i++ {
		if appliedVersions[i] < appliedVersions[i-1] {
			mm.logger.Warn("Out of order migration detected",
				"current", appliedVersions[i],
				"previous", appliedVersions[i-1])
		}
	}

	mm.logger.Info("Migration validation completed successfully")
	return nil
}

// Fix logs the start and end of a fix pass. It makes no change to the
// database: missing version-table rows and mismatches between migration
// files and the database are not repaired.
func (mm *MigrationManager) Fix(ctx context.Context) error {
	mm.logger.Info("Starting migration fix process")

	mm.logger.Info("Migration fix completed")
	return nil
}

// Redo reapplies the last migration
func (mm *MigrationManager) Redo(ctx context.Context) error {
	mm.logger.Info("Starting migration redo")

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// first roll back the last migration
	if err := goose.Down(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("failed to rollback last migration: %w", err)
	}

	// then apply it again
	if err := goose.UpByOne(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("failed to reapply last migration: %w", err)
	}

	mm.logger.Info("Migration redo completed successfully")
	return nil
}

// Reset rolls back every migration
func (mm *MigrationManager) Reset(ctx context.Context) error {
	mm.logger.Warn("Starting migration reset - this will drop all data!")

	// set the dialect
	if err := goose.SetDialect(mm.config.Dialect); err != nil {
		mm.logger.Error("Failed to set goose dialect", "error", err)
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// first roll back every migration
	if err := goose.Reset(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("failed to rollback all migrations: %w", err)
	}

	mm.logger.Info("Migration reset completed - all migrations rolled back")
	return nil
}

// HealthCheck checks the health of the migration system
func (mm *MigrationManager) HealthCheck(ctx context.Context) error {
	// check the DB connection
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	// check the version table exists
	if mm.config.Driver == "postgres" {
		var exists bool
		query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = '%s')", mm.config.Table)
		if err := mm.db.QueryRowContext(ctx, query).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration table: %w", err)
		}

		if !exists {
			mm.logger.Warn("Migration table does not exist", "table", mm.config.Table)
		}
	}

	return nil
}

// GetConfig returns the current configuration
func (mm *MigrationManager) GetConfig() *MigrationConfig {
	return mm.config
}

// IsRunning returns whether migrations are running
func (mm *MigrationManager) IsRunning() bool {
	return mm.isRunning
}
