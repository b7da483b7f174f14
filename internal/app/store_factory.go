package app

import (
	"strings"

	"github.com/plomgrading/marker/internal/store"
	"github.com/plomgrading/marker/internal/store/postgres"
	"github.com/plomgrading/marker/internal/store/sqlite"
)

func NewStore(dsn, migrationsDir string) (store.MarkStore, error) {
	dbType := store.DBTypeSQLite
	if strings.HasPrefix(dsn, "postgres") {
		dbType = store.DBTypePostgres
	}

	switch dbType {
	case store.DBTypePostgres:
		return postgres.NewPostgresStore(dsn, migrationsDir)
	default:
		return sqlite.NewSQLiteStore(dsn, migrationsDir)
	}
}
