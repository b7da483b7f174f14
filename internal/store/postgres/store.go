package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/store"
)

type PostgresStore struct {
	store.BaseStore
}

func NewPostgresStore(dsn, migrationsDir string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{BaseStore: store.BaseStore{
		DB: db,
		Converter: func(query string) string {
			out := query
			for i := 1; strings.Contains(out, "?"); i++ {
				out = strings.Replace(out, "?", fmt.Sprintf("$%d", i), 1)
			}
			return out
		},
	}}

	if err := s.ApplyMigrations(migrationsDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) ApplyMigrations(dir string) error {
	return s.BaseStore.ApplyMigrations(dir, nil)
}

// ClaimNextTask hands out the highest-priority TO_DO task. The inner
// select locks the candidate row; SKIP LOCKED makes concurrent claimers
// pick different rows instead of queueing on the same one.
func (s *PostgresStore) ClaimNextTask(username string) (*models.MarkingTask, error) {
	query := `
		UPDATE marking_tasks
		SET status = $1, assigned_user = $2, last_update = $3
		WHERE id = (
			SELECT id FROM marking_tasks
			WHERE status = $4
			ORDER BY marking_priority DESC, paper ASC, question_index ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, paper, question_index, question_version, status,
			assigned_user, latest_annotation_id, marking_priority, last_update
	`
	var t models.MarkingTask
	err := s.DB.Get(&t, query, models.StatusOut, username, time.Now().UTC(), models.StatusToDo)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no tasks left to mark")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next task: %w", err)
	}
	return &t, nil
}
