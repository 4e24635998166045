package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"pensieve/internal/app/server/config"
	"pensieve/internal/infrastructure/migration"
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New подключается к базе, применяет миграции и возвращает хранилище
func New(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if err := migration.NewMigration(cfg, migration.DefaultEngine).Up(); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Storage{pool: pool, db: stdlib.OpenDBFromPool(pool)}, nil
}

func (s *Storage) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Storage) DB() *sql.DB {
	return s.db
}

// Ping используется health endpoint
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
