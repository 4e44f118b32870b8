package database

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keepawake/keepawake/internal/models"
)

const (
	defaultDBName = "keepawake.db"
	defaultDBDir  = ".config/keepawake"

	// the CLI reads while the daemon writes
	busyTimeout = 5 * time.Second
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// DB wraps the gorm handle of the lock event store
type DB struct {
	*gorm.DB
	path string
}

// GetDefaultDBPath returns ~/.config/keepawake/keepawake.db
func GetDefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(homeDir, defaultDBDir, defaultDBName), nil
}

// Connect opens the SQLite store at dbPath, the default path if empty.
// File databases run in WAL mode with a busy timeout; MemoryPath is limited
// to one connection, every pooled connection would otherwise see its own
// empty database.
func Connect(dbPath string) (*DB, error) {
	if dbPath == "" {
		var err error
		if dbPath, err = GetDefaultDBPath(); err != nil {
			return nil, err
		}
	}

	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}

	gdb, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", dbPath)
	}

	if dbPath == MemoryPath {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get underlying sql.DB")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &DB{DB: gdb, path: dbPath}, nil
}

// dsn adds the connection parameters of the sqlite3 driver
func dsn(dbPath string) string {
	if dbPath == MemoryPath {
		return dbPath
	}
	return "file:" + dbPath + "?_journal_mode=WAL&_busy_timeout=" +
		strconv.FormatInt(busyTimeout.Milliseconds(), 10)
}

// Path returns the database file, MemoryPath for in-memory stores
func (db *DB) Path() string {
	return db.path
}

// Initialize migrates the lock event, sample and error tables
func (db *DB) Initialize() error {
	err := db.AutoMigrate(&models.LockEvent{}, &models.StatusSample{}, &models.ErrorLog{})
	return errors.Wrap(err, "failed to initialize database schema")
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}
