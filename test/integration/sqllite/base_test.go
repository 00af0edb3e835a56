package sqllite

import (
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/guildworks/guildflow/internal/config"
	"github.com/guildworks/guildflow/internal/migrations"
	integration "github.com/guildworks/guildflow/test/integration"
)

var clockStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// setupDatabase points the engine at a fresh SQLite file, runs the embedded
// migrations against it, and opens the handle the repositories under test
// will share.
func setupDatabase(t *testing.T) (*sql.DB, *integration.FakeClock) {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "guildflow-test.db")
	os.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)
	os.Setenv(config.DATABASE_SQLLITE_FILE_NAME, filename)

	sub, err := fs.Sub(migrations.FS, "sqllite3")
	if err != nil {
		t.Fatalf("migrations sub fs: %v", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		t.Fatalf("migrations source: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite3://"+filename)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("migrate up: %v", err)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		t.Fatalf("migrate close: %v / %v", srcErr, dbErr)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, integration.NewFakeClock(clockStart)
}
