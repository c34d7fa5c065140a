package database

import (
	"errors"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tablesync/internal/documents"
	"github.com/MarcoPoloResearchLab/tablesync/internal/users"
	"github.com/MarcoPoloResearchLab/tablesync/internal/views"
)

var errMissingPath = errors.New("database path is required")

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// path may be a file path or a sqlite DSN.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&documents.CrdtUpdate{},
		&documents.CrdtSnapshot{},
		&views.View{},
		&views.Property{},
		&users.Member{},
		&migrationRecord{},
	}
}
