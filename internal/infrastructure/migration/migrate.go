package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// Регистрируем драйвер PostgreSQL и файловый источник
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"pensieve/internal/app/server/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// EmbeddedSource выбирает миграции, вшитые в бинарник
const EmbeddedSource = "embedded://"

// Migrator - та часть migrate.Migrate, которой мы пользуемся
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine создает Migrator. Тесты подставляют фейки, чтобы не трогать
// ни файловую систему, ни базу.
type MigrationEngine func(sourceURL, databaseURL string) (Migrator, error)

type Migration struct {
	cfg    *config.Config
	engine MigrationEngine
}

func NewMigration(conf *config.Config, engine MigrationEngine) *Migration {
	if engine == nil {
		engine = DefaultEngine
	}
	return &Migration{
		cfg:    conf,
		engine: engine,
	}
}

// DefaultEngine открывает вшитые миграции или любой источник, который понимает migrate
func DefaultEngine(sourceURL, databaseURL string) (Migrator, error) {
	if sourceURL == EmbeddedSource {
		src, err := iofs.New(migrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return migrate.NewWithSourceInstance("iofs", src, databaseURL)
	}
	return migrate.New(sourceURL, databaseURL)
}

// SourceURL возвращает директорию из конфига, если она задана, иначе вшитый набор
func (mg *Migration) SourceURL() string {
	if mg.cfg.DB.Migrations != "" {
		return "file://" + mg.cfg.DB.Migrations
	}
	return EmbeddedSource
}

func (mg *Migration) Up() (err error) {
	m, err := mg.engine(mg.SourceURL(), mg.cfg.DB.DatabaseURI)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}
