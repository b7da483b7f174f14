package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/store"
)

type SQLiteStore struct {
	store.BaseStore
}

func NewSQLiteStore(dsn, migrationsDir string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	// single connection: sqlite allows one writer anyway, and :memory:
	// databases exist per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{BaseStore: store.BaseStore{
		DB: db,
		Converter: func(query string) string {
			return query
		},
	}}

	if err := s.ApplyMigrations(migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) ApplyMigrations(dir string) error {
	return s.BaseStore.ApplyMigrations(dir, translateToSQLite)
}

// translateToSQLite converts Postgres SQL to SQLite dialect
func translateToSQLite(sql string) string {
	replacements := map[string]string{
		"BIGSERIAL PRIMARY KEY": "INTEGER PRIMARY KEY AUTOINCREMENT",
		"BIGINT":                "INTEGER",
		"DOUBLE PRECISION":      "REAL",
		"TRUE":                  "1",
		"FALSE":                 "0",
		"now()":                 "CURRENT_TIMESTAMP",
		"TIMESTAMPTZ":           "TIMESTAMP",
	}
	result := sql
	for from, to := range replacements {
		result = strings.ReplaceAll(result, from, to)
	}
	return result
}

// sqlite has no FOR UPDATE; writers are serialized by the database
// itself, so a pick-then-conditionally-update loop is race-free enough.
// A lost race shows up as zero rows affected and we pick again.
const claimRetries = 5

func (s *SQLiteStore) ClaimNextTask(username string) (*models.MarkingTask, error) {
	for i := 0; i < claimRetries; i++ {
		var candidate int64
		err := s.DB.Get(&candidate, `
			SELECT id FROM marking_tasks
			WHERE status = ?
			ORDER BY marking_priority DESC, paper ASC, question_index ASC
			LIMIT 1
		`, models.StatusToDo)
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("no tasks left to mark")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pick next task: %w", err)
		}

		res, err := s.DB.Exec(`
			UPDATE marking_tasks
			SET status = ?, assigned_user = ?, last_update = ?
			WHERE id = ? AND status = ?
		`, models.StatusOut, username, time.Now().UTC(), candidate, models.StatusToDo)
		if err != nil {
			return nil, fmt.Errorf("failed to claim task %d: %w", candidate, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return s.GetTaskByID(candidate)
		}
	}
	return nil, apperr.NewConflict("could not claim a task, too much contention")
}
