package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/keyarbiter/keyarbiter/common"
	"github.com/keyarbiter/keyarbiter/common/config"
	"github.com/keyarbiter/keyarbiter/common/logger"
)

// Store is the persistent counter store behind the allocation engine. It owns the daily
// allocation rows, the per-model tracking rows, and the append-only usage log.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an already-opened gorm DB. Used by tests with an in-memory SQLite database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// InitDB opens the configured database, runs migrations, and returns the store.
func InitDB() (*Store, error) {
	db, err := chooseDB(config.SQLDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if config.DebugSQLEnabled {
		logger.Logger.Debug("debug sql enabled")
		db = db.Debug()
	}

	setDBConns(db)

	logger.Logger.Info("database migration started")
	if err := migrateDB(db); err != nil {
		return nil, errors.Wrap(err, "migrate database")
	}
	logger.Logger.Info("database migration completed")

	return &Store{db: db}, nil
}

func chooseDB(dsn string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"):
		// Use PostgreSQL
		return openPostgreSQL(dsn)
	case dsn != "":
		// Use MySQL
		return openMySQL(dsn)
	default:
		// Use SQLite
		return openSQLite()
	}
}

func openPostgreSQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using PostgreSQL as database")
	common.UsingPostgreSQL.Store(true)
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true, // disables implicit prepared statement usage
	}), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func openMySQL(dsn string) (*gorm.DB, error) {
	logger.Logger.Info("using MySQL as database")
	common.UsingMySQL.Store(true)
	normalized, err := common.NormalizeMySQLDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "normalize MySQL DSN")
	}

	return gorm.Open(mysql.Open(normalized), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func openSQLite() (*gorm.DB, error) {
	logger.Logger.Info("SQL_DSN not set, using SQLite as database")
	common.UsingSQLite.Store(true)
	dsn := fmt.Sprintf("%s?_busy_timeout=%d", config.SQLitePath, config.SQLiteBusyTimeout)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true, // precompile SQL
	})
}

func setDBConns(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Logger.Fatal("failed to get sql.DB", zap.Error(err))
		return
	}

	sqlDB.SetMaxIdleConns(config.SQLMaxIdleConns)
	sqlDB.SetMaxOpenConns(config.SQLMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Second * time.Duration(config.SQLMaxLifetimeSeconds))
}

func migrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(&UserDailyAllocation{}); err != nil {
		return errors.Wrapf(err, "failed to migrate UserDailyAllocation")
	}
	if err := db.AutoMigrate(&SystemDailyTracking{}); err != nil {
		return errors.Wrapf(err, "failed to migrate SystemDailyTracking")
	}
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		return errors.Wrapf(err, "failed to migrate UsageRecord")
	}
	return nil
}

// CloseDB closes the underlying connection pool.
func (s *Store) CloseDB() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrap(sqlDB.Close(), "close database")
}
