package database

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Config holds database configuration
type Config struct {
	Path  string // Path to SQLite database file
	Quiet bool   // Silence GORM's own logging
}

// DB wraps the GORM database instance
type DB struct {
	db *gorm.DB
}

// glogWriter routes GORM's logger into glog.
type glogWriter struct{}

func (glogWriter) Printf(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}

// NewDB opens the flash image database with the pure Go SQLite driver
func NewDB(config Config) (*DB, error) {
	if dir := filepath.Dir(config.Path); dir != "." && config.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	var gormLog logger.Interface
	if config.Quiet {
		gormLog = logger.Default.LogMode(logger.Silent)
	} else {
		gormLog = logger.New(
			glogWriter{},
			logger.Config{
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true, // a missing page reads as erased
				Colorful:                  false,
			},
		)
	}

	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        config.Path,
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLog,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// A single connection keeps erase and program ordered.
	sqlDB.SetMaxOpenConns(1)

	if err := configureSQLite(sqlDB); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&FlashPage{}); err != nil {
		return nil, err
	}

	glog.Infof("Flash image database initialized: %s", config.Path)

	return &DB{db: db}, nil
}

// configureSQLite applies SQLite settings. synchronous=FULL makes every
// committed page survive a power cut, which is what the image stands in for.
func configureSQLite(sqlDB *sql.DB) error {
	pragmaSettings := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=memory",
	}

	for _, pragma := range pragmaSettings {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}

	return nil
}

// GetDB returns the underlying GORM database instance
func (db *DB) GetDB() *gorm.DB {
	return db.db
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks if the database connection is healthy
func (db *DB) Health() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
