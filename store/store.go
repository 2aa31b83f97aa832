// Package store provides the unified database storage layer. All
// persistence goes through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"fundingarb/logger"

	"gorm.io/gorm"
)

// Store is the unified data storage facade: one GORM connection, lazily
// constructed sub-stores for each persisted aggregate named in 4.H/4.I.
type Store struct {
	gdb    *gorm.DB
	db     *sql.DB
	driver *DBDriver

	credential *CredentialStore
	position   *PositionStore
	order      *OrderStore
	riskEvent  *RiskEventStore
	strategy   *StrategyStore

	mu sync.RWMutex
}

// New opens a SQLite-backed Store at dbPath.
func New(dbPath string) (*Store, error) {
	gdb, err := InitGorm(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newFromGorm(gdb)
}

// NewWithConfig opens a Store (SQLite or PostgreSQL) from DBConfig.
func NewWithConfig(cfg DBConfig) (*Store, error) {
	gdb, err := InitGormWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newFromGorm(gdb)
}

// NewFromGorm wraps an existing GORM connection.
func NewFromGorm(gdb *gorm.DB) (*Store, error) {
	return newFromGorm(gdb)
}

func newFromGorm(gdb *gorm.DB) (*Store, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	s := &Store{gdb: gdb, db: sqlDB}

	if err := s.initTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("database initialized")
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.Credential().initTables(); err != nil {
		return fmt.Errorf("failed to initialize credential table: %w", err)
	}
	if err := s.Position().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize position table: %w", err)
	}
	if err := s.Order().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize order table: %w", err)
	}
	if err := s.RiskEvent().InitTables(); err != nil {
		return fmt.Errorf("failed to initialize risk event table: %w", err)
	}
	if err := s.Strategy().initTables(); err != nil {
		return fmt.Errorf("failed to initialize strategy template table: %w", err)
	}
	return nil
}

func (s *Store) Credential() *CredentialStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credential == nil {
		s.credential = NewCredentialStore(s.gdb)
	}
	return s.credential
}

func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = NewPositionStore(s.gdb)
	}
	return s.position
}

func (s *Store) Order() *OrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = NewOrderStore(s.gdb)
	}
	return s.order
}

func (s *Store) RiskEvent() *RiskEventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.riskEvent == nil {
		s.riskEvent = NewRiskEventStore(s.gdb)
	}
	return s.riskEvent
}

func (s *Store) Strategy() *StrategyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == nil {
		s.strategy = NewStrategyStore(s.gdb)
	}
	return s.strategy
}

func (s *Store) Close() error {
	if s.driver != nil {
		return s.driver.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) GormDB() *gorm.DB {
	return s.gdb
}

func (s *Store) DBType() DBType {
	if s.driver != nil {
		return s.driver.Type
	}
	if s.gdb != nil {
		switch s.gdb.Dialector.Name() {
		case "postgres":
			return DBTypePostgres
		default:
			return DBTypeSQLite
		}
	}
	return DBTypeSQLite
}

// Transaction runs fn within a single GORM transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.gdb.Transaction(fn)
}
