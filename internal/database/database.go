// Package database opens the GORM handle shared by every store and keeps the
// schema current.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/sitecraft/internal/eventlog"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/membership"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/sessions"
	"github.com/MarcoPoloResearchLab/sitecraft/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var (
	// ErrUnsupportedDriver indicates a driver name other than sqlite or mysql.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
	// ErrMissingDSN indicates an empty data source name.
	ErrMissingDSN = errors.New("database: dsn is required")
)

// Config selects the driver and data source.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
	case DriverMySQL:
		db, err = gorm.Open(mysql.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Models lists every table the service owns.
func Models() []interface{} {
	return []interface{}{
		&users.User{},
		&membership.Project{},
		&membership.Collaborator{},
		&sessions.Record{},
		&eventlog.Event{},
		&eventlog.FileRevision{},
		&eventlog.ChatMessage{},
		&migrationRecord{},
	}
}

// Migrate creates or updates every table and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
