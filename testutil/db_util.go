package testutil

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/0m3kk/eventbank/infra/postgres"
)

// LedgerTables are the tables created by infra/postgres/schema.sql.
var LedgerTables = []string{"events", "snapshots", "outbox"}

// DBIntegrationSuite runs a testify suite against a throwaway PostgreSQL
// container initialised with the ledger schema.
type DBIntegrationSuite struct {
	suite.Suite
	DB        *postgres.DB
	Pool      *pgxpool.Pool
	DSN       string
	container *tcpostgres.PostgresContainer
}

func schemaPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "infra", "postgres", "schema.sql")
}

func (s *DBIntegrationSuite) SetupSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("bank"),
		tcpostgres.WithUsername("bank"),
		tcpostgres.WithPassword("bank"),
		tcpostgres.WithInitScripts(schemaPath()),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("could not get connection string: %s", err)
	}

	db, err := postgres.NewDB(ctx, dsn)
	if err != nil {
		log.Fatalf("could not connect to test database: %s", err)
	}

	s.DB = db
	s.Pool = db.Pool
	s.DSN = dsn
}

func (s *DBIntegrationSuite) TearDownSuite() {
	if s.DB != nil {
		s.DB.Close()
	}
	if s.container != nil {
		if err := s.container.Terminate(context.Background()); err != nil {
			log.Fatalf("failed to terminate postgres container: %s", err)
		}
	}
}

// TruncateTables empties tables and restarts their sequences, so ledger
// positions start at 1 again. Without arguments all LedgerTables are emptied.
func (s *DBIntegrationSuite) TruncateTables(tables ...string) {
	if len(tables) == 0 {
		tables = LedgerTables
	}
	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY", strings.Join(tables, ", "))
	_, err := s.Pool.Exec(context.Background(), stmt)
	s.Require().NoError(err, "failed to truncate %v", tables)
}
