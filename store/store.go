// Package store owns database access for UAEF. All services share a single
// gorm handle opened here; models register themselves through Migrate.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"uaef.dev/common"
	"uaef.dev/config"
)

// ErrNotFound reports that a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the shared database handle.
type Store struct {
	DB *gorm.DB
}

// Open connects to PostgreSQL and applies the configured pool settings.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle unavailable: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.PoolRecycle) * time.Second)

	common.Logger.WithField("pool_size", cfg.PoolSize).Info("database connected")
	return &Store{DB: db}, nil
}

// OpenSQLite opens an SQLite database at the given path. An empty path opens
// an in-memory database, used by the test suites.
func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite open failed: %w", err)
	}
	return &Store{DB: db}, nil
}

// Migrate creates or updates the schema for the given models.
func (s *Store) Migrate(models ...interface{}) error {
	if err := s.DB.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.DB.Transaction(fn)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsNotFound reports whether err means the record does not exist, at either
// the store or gorm layer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}
