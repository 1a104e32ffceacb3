package repomanager

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gatekeeper/internal/server/migrations"
	"github.com/dmitrijs2005/gatekeeper/internal/server/repositories/users"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repositories over one
// connection pool.
type PostgresRepositoryManager struct {
	db *sql.DB
}

// OpenPostgres opens a pgx pool for dsn and checks it is reachable.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRepositoryManager, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresRepositoryManager(db), nil
}

func NewPostgresRepositoryManager(db *sql.DB) *PostgresRepositoryManager {
	return &PostgresRepositoryManager{db: db}
}

func (m *PostgresRepositoryManager) Users() users.Repository {
	return users.NewPostgresRepository(m.db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded goose migrations.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, m.db, ".")
}

func (m *PostgresRepositoryManager) Close(ctx context.Context) error {
	return m.db.Close()
}
