package timeline

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/ssh-vom/analysisd/internal/store"
)

// Mirrors internal/store/testdb_integration_test.go's shared-container pattern: each
// test binary (one per package) gets its own container, started once, with
// a fresh schema per test case for isolation.
var (
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

func newTestStoreFromEnv(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	cfg := getOrCreateSharedConfig(t)
	schema := generateSchemaName(t)

	bootstrapDB, err := stdsql.Open("pgx", dsnString(cfg))
	require.NoError(t, err)
	_, err = bootstrapDB.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, bootstrapDB.Close())

	cfg.SearchPath = schema
	st, err := store.Open(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropCtx := context.Background()
		if _, err := st.DB.ExecContext(dropCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		_ = st.Close()
	})

	return st
}

func getOrCreateSharedConfig(t *testing.T) store.Config {
	t.Helper()

	if dsn := os.Getenv("CI_DATABASE_URL"); dsn != "" {
		sharedDSN = dsn
	} else {
		containerOnce.Do(func() {
			ctx := context.Background()
			pgContainer, err := postgres.Run(ctx,
				"postgres:17-alpine",
				postgres.WithDatabase("test"),
				postgres.WithUsername("test"),
				postgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second)),
			)
			if err != nil {
				containerErr = fmt.Errorf("start postgres container: %w", err)
				return
			}
			connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
			if err != nil {
				containerErr = fmt.Errorf("get connection string: %w", err)
				return
			}
			sharedDSN = connStr
		})
	}
	require.NoError(t, containerErr, "failed to set up shared postgres test container")

	cfg, err := configFromDSN(sharedDSN)
	require.NoError(t, err)
	return cfg
}

func configFromDSN(dsn string) (store.Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return store.Config{}, fmt.Errorf("parse dsn: %w", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return store.Config{}, fmt.Errorf("parse port: %w", err)
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}
	return store.Config{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		Password:        password,
		Database:        strings.TrimPrefix(u.Path, "/"),
		SSLMode:         sslMode,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}, nil
}

func dsnString(cfg store.Config) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	if cfg.SearchPath != "" {
		dsn += fmt.Sprintf(" search_path=%s", cfg.SearchPath)
	}
	return dsn
}

func generateSchemaName(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}
