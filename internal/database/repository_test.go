package database

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	// Start a disposable PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("could not get connection string: %s", err)
	}

	pool, err = Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}

	if err := NewPostgresRepository(pool).Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	code := m.Run()

	pool.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("could not stop postgres container: %s", err)
	}
	os.Exit(code)
}

func requirePool(t *testing.T) {
	t.Helper()
	if pool == nil {
		t.Skip("postgres container not started in -short mode")
	}
}

func TestPostgresRepository(t *testing.T) {
	requirePool(t)
	runRepositoryContract(t, func() Repository { return &PostgresRepository{Pool: pool} })
}

func TestPostgresRepository_MigrateIsIdempotent(t *testing.T) {
	requirePool(t)
	repo := &PostgresRepository{Pool: pool}
	assert.NoError(t, repo.Migrate(context.Background()))
}

func TestPostgresRepository_CheckConstraints(t *testing.T) {
	requirePool(t)
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}
	f := newFixture(t, repo)

	// The band validator runs in the service layer; the schema still guards raw writes.
	bad := f.band
	bad.ID = ""
	bad.MinCents, bad.MaxCents = 5000, 1000
	bad.FloorCents = nil
	err := repo.CreateBand(ctx, &bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
