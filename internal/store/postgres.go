// Package store is the persistence layer: a Postgres connection pool plus
// embedded-migration bootstrap (grounded on the teacher's pkg/database), and
// hand-written repositories for every entity in internal/model (grounded on
// original_source/backend/meta.py's primitives and
// original_source/backend/chat/{event_store,jobs,artifact_merger}.py).
//
// entgo.io/ent's generated client is not used here: ent/schema/*.go documents
// the entity shapes using the teacher's exact schema idioms, but the runtime
// query layer is hand-written SQL over pgx, since producing ent's generated
// client package requires running `go generate ./ent`.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config mirrors the teacher's database.Config shape.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SearchPath, when set, scopes every pooled connection to a single schema
	// — used by integration tests to isolate concurrently-run test cases
	// inside one shared database, matching test/util/database.go's per-test
	// schema pattern.
	SearchPath string
}

// Store wraps the pooled *sql.DB and exposes per-entity repositories.
type Store struct {
	DB *stdsql.DB

	Events    *EventStore
	Worldline *WorldlineStore
	Jobs      *JobStore
	Artifacts *ArtifactStore
}

// Open connects to Postgres, applies embedded migrations and returns a Store
// wired with its sub-repositories.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := stdsql.Open("pgx", dsnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		DB:        db,
		Events:    &EventStore{db: db},
		Worldline: &WorldlineStore{db: db},
		Jobs:      &JobStore{db: db},
		Artifacts: &ArtifactStore{db: db},
	}, nil
}

func dsnString(cfg Config) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	if cfg.SearchPath != "" {
		dsn += fmt.Sprintf(" search_path=%s", cfg.SearchPath)
	}
	return dsn
}

func runMigrations(db *stdsql.DB, dbName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Must not call m.Close() here: it also closes the database driver, which
	// would close the shared *sql.DB passed in via postgres.WithInstance.
	return sourceDriver.Close()
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.DB.Close()
}
