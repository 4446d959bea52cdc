// Package testutil holds the Postgres fixture for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/escrowd/migrations"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest returns a migrated, empty database for t and truncates every
// application table when t finishes. POSTGRES_URL points at an existing
// server; without it one postgres:16 container is shared by the whole test
// binary, and t is skipped if no container runtime is reachable.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		containerOnce.Do(startContainer)
		if containerErr != nil {
			t.Skipf("postgres unavailable: %v", containerErr)
		}
		dsn = containerURL
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err == nil {
		err = migrations.Up(ctx, db)
	}
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		t.Fatalf("pgtest: %v", err)
	}

	t.Cleanup(func() {
		if err := truncateAll(ctx, db); err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
		_ = db.Close()
	})
	return db
}

func startContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("escrowd"),
		postgres.WithUsername("escrowd"),
		postgres.WithPassword("escrowd"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		containerErr = err
		return
	}
	containerURL, containerErr = container.ConnectionString(ctx, "sslmode=disable")
}

// truncateAll empties every table except goose's version table.
func truncateAll(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT quote_ident(tablename) FROM pg_tables
		 WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil || len(tables) == 0 {
		return err
	}
	_, err = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
	return err
}
