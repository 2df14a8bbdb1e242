package db

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ark-network/covclaim/internal/core/domain"
	"github.com/ark-network/covclaim/internal/core/ports"
	badgerdb "github.com/ark-network/covclaim/internal/infrastructure/db/badger"
	sqlitedb "github.com/ark-network/covclaim/internal/infrastructure/db/sqlite"
	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

var (
	covenantStoreTypes = map[string]func(...interface{}) (domain.CovenantRepository, error){
		"badger": badgerdb.NewCovenantRepository,
		"sqlite": sqlitedb.NewCovenantRepository,
	}
	parameterStoreTypes = map[string]func(...interface{}) (domain.ParameterRepository, error){
		"badger": badgerdb.NewParameterRepository,
		"sqlite": sqlitedb.NewParameterRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

type ServiceConfig struct {
	DataStoreType string

	// badger: base directory ("" for in memory) and badger.Logger.
	// sqlite: data directory.
	DataStoreConfig []interface{}
}

type service struct {
	covenantStore  domain.CovenantRepository
	parameterStore domain.ParameterRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	covenantStoreFactory, ok := covenantStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	parameterStoreFactory, ok := parameterStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}

	storeConfig := config.DataStoreConfig
	if config.DataStoreType == "sqlite" {
		db, err := openSqlite(config.DataStoreConfig)
		if err != nil {
			return nil, err
		}
		if err := migrateSqlite(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		storeConfig = []interface{}{db}
	}

	covenantStore, err := covenantStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create covenant store: %w", err)
	}

	parameterStore, err := parameterStoreFactory(storeConfig...)
	if err != nil {
		covenantStore.Close()
		return nil, fmt.Errorf("failed to create parameter store: %w", err)
	}

	return &service{
		covenantStore:  covenantStore,
		parameterStore: parameterStore,
	}, nil
}

func (s *service) Covenants() domain.CovenantRepository {
	return s.covenantStore
}

func (s *service) Parameters() domain.ParameterRepository {
	return s.parameterStore
}

func (s *service) Close() {
	s.covenantStore.Close()
	s.parameterStore.Close()
}

func openSqlite(config []interface{}) (*sql.DB, error) {
	if len(config) != 1 {
		return nil, errors.New("invalid config")
	}

	dbDir, ok := config[0].(string)
	if !ok || len(dbDir) <= 0 {
		return nil, errors.New("invalid config")
	}

	db, err := sqlitedb.OpenDb(filepath.Join(dbDir, sqliteDbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	return db, nil
}

func migrateSqlite(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(sqlitedb.Migrations, sqlitedb.MigrationsDir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate up: %w", err)
	}

	return nil
}
