package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
)

// MarkStore is the persistence boundary for rubrics, marking tasks and
// annotations. State-changing task and rubric operations are atomic:
// conditional updates (or row locks, in the postgres implementation)
// guarantee that two writers never both succeed against the same row.
type MarkStore interface {
	Close() error
	ApplyMigrations(dir string) error

	CreateRubric(r *models.Rubric) error
	GetLatestRubric(rid int64) (*models.Rubric, error)
	GetRubricRow(id int64) (*models.Rubric, error)
	ListLatestRubrics(questionIndex int) ([]models.Rubric, error)
	ListRubricRevisions(rid int64) ([]models.Rubric, error)
	UpdateLatestRubric(r *models.Rubric, expectedRev, expectedSubrev int) error
	InsertRubricRevision(r *models.Rubric, expectedRev, expectedSubrev int) error
	DeleteAllRubrics() error

	CreateTask(t *models.MarkingTask) error
	GetTask(paper, questionIndex int) (*models.MarkingTask, error)
	GetTaskByID(id int64) (*models.MarkingTask, error)
	ListTasks(status models.TaskStatus) ([]models.MarkingTask, error)
	ClaimNextTask(username string) (*models.MarkingTask, error)
	ClaimTask(id int64, username string) (*models.MarkingTask, error)
	ReleaseTask(id int64, username string, force bool) error
	CompleteTask(id int64, username string, score float64, markingTime int, rubricIDs []int64) (*models.Annotation, error)
	ReopenTask(id int64) error
	InvalidateTask(id int64) error
	UpdateTaskPriority(id int64, priority float64) error
	ListStaleOutTasks(cutoff time.Time) ([]models.MarkingTask, error)
	TagTask(id int64, tag string) error
	ListTaskTags(id int64) ([]string, error)
	ListTasksUsingOutdatedRubric(rid int64, currentRevision int) ([]models.MarkingTask, error)
	FetchMarkingProgress() ([]MarkingProgress, error)

	GetAnnotation(id int64) (*models.Annotation, error)
	ListTaskAnnotations(taskID int64) ([]models.Annotation, error)
	AnnotationCount() (int64, error)

	CreateUser(u models.User) error
	GetUser(username string) (*models.User, error)

	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
	DeleteSetting(key string) error
}

const rubricCols = `id, rid, revision, subrevision, latest, kind, value, out_of,
	display_delta, text, meta, tags, question_index, versions, parameters,
	pedagogy_tags, system_rubric, published, owner, modified_by, last_modified`

const taskCols = `id, paper, question_index, question_version, status,
	assigned_user, latest_annotation_id, marking_priority, last_update`

// BaseStore provides common functionality for different DB implementations
type BaseStore struct {
	DB        *sqlx.DB
	Converter func(string) string
}

func (s *BaseStore) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// ApplyMigrations applies SQL migrations from a directory, translating dialect if needed
func (s *BaseStore) ApplyMigrations(dir string, translateSQL func(string) string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".sql") {
			continue
		}

		content, err := os.ReadFile(fmt.Sprintf("%s/%s", dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", file.Name(), err)
		}

		sql := string(content)
		if translateSQL != nil {
			sql = translateSQL(sql)
		}

		if _, err := s.DB.Exec(sql); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file.Name(), err)
		}
	}

	return nil
}

// CreateRubric inserts a new revision-zero row. A rid of 0 means "assign
// a fresh one": the row id of the first revision becomes the rid shared
// by all later revisions.
func (s *BaseStore) CreateRubric(r *models.Rubric) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.Converter(`
		INSERT INTO rubrics (rid, revision, subrevision, latest, kind, value, out_of,
			display_delta, text, meta, tags, question_index, versions, parameters,
			pedagogy_tags, system_rubric, published, owner, modified_by, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	params, err := r.Parameters.Value()
	if err != nil {
		return err
	}
	var id int64
	if err := tx.Get(&id, insert,
		r.RID, r.Revision, r.Subrevision, r.Latest, r.Kind, r.Value, r.OutOf,
		r.DisplayDelta, r.Text, r.Meta, r.Tags, r.QuestionIndex, r.Versions, params,
		r.PedagogyTags, r.SystemRubric, r.Published, r.Owner, r.ModifiedBy, r.LastModified,
	); err != nil {
		return fmt.Errorf("failed to create rubric: %w", err)
	}

	r.ID = id
	if r.RID == 0 {
		if _, err := tx.Exec(s.Converter(`UPDATE rubrics SET rid = id WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to assign rid: %w", err)
		}
		r.RID = id
	}

	return tx.Commit()
}

func (s *BaseStore) GetLatestRubric(rid int64) (*models.Rubric, error) {
	var r models.Rubric
	query := s.Converter(`SELECT ` + rubricCols + ` FROM rubrics WHERE rid = ? AND latest = TRUE`)
	err := s.DB.Get(&r, query, rid)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no rubric with rid %d", rid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rubric %d: %w", rid, err)
	}
	return &r, nil
}

func (s *BaseStore) GetRubricRow(id int64) (*models.Rubric, error) {
	var r models.Rubric
	query := s.Converter(`SELECT ` + rubricCols + ` FROM rubrics WHERE id = ?`)
	err := s.DB.Get(&r, query, id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no rubric row %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rubric row %d: %w", id, err)
	}
	return &r, nil
}

func (s *BaseStore) ListLatestRubrics(questionIndex int) ([]models.Rubric, error) {
	var rubrics []models.Rubric
	var err error
	if questionIndex > 0 {
		query := s.Converter(`
			SELECT ` + rubricCols + ` FROM rubrics
			WHERE latest = TRUE AND question_index = ?
			ORDER BY rid
		`)
		err = s.DB.Select(&rubrics, query, questionIndex)
	} else {
		err = s.DB.Select(&rubrics, `
			SELECT `+rubricCols+` FROM rubrics
			WHERE latest = TRUE
			ORDER BY question_index, rid
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list rubrics: %w", err)
	}
	return rubrics, nil
}

func (s *BaseStore) ListRubricRevisions(rid int64) ([]models.Rubric, error) {
	var rubrics []models.Rubric
	query := s.Converter(`
		SELECT ` + rubricCols + ` FROM rubrics
		WHERE rid = ?
		ORDER BY revision, subrevision
	`)
	if err := s.DB.Select(&rubrics, query, rid); err != nil {
		return nil, fmt.Errorf("failed to list rubric revisions: %w", err)
	}
	if len(rubrics) == 0 {
		return nil, apperr.NotFound("no rubric with rid %d", rid)
	}
	return rubrics, nil
}

// UpdateLatestRubric applies a minor edit in place. The update only
// matches if the stored (revision, subrevision) still equals what the
// caller read; zero rows affected means someone got there first.
func (s *BaseStore) UpdateLatestRubric(r *models.Rubric, expectedRev, expectedSubrev int) error {
	params, err := r.Parameters.Value()
	if err != nil {
		return err
	}
	query := s.Converter(`
		UPDATE rubrics
		SET kind = ?, value = ?, out_of = ?, display_delta = ?, text = ?, meta = ?,
			tags = ?, question_index = ?, versions = ?, parameters = ?,
			pedagogy_tags = ?, system_rubric = ?, published = ?, modified_by = ?,
			last_modified = ?, subrevision = subrevision + 1
		WHERE rid = ? AND latest = TRUE AND revision = ? AND subrevision = ?
	`)
	res, err := s.DB.Exec(query,
		r.Kind, r.Value, r.OutOf, r.DisplayDelta, r.Text, r.Meta,
		r.Tags, r.QuestionIndex, r.Versions, params,
		r.PedagogyTags, r.SystemRubric, r.Published, r.ModifiedBy,
		r.LastModified,
		r.RID, expectedRev, expectedSubrev,
	)
	if err != nil {
		return fmt.Errorf("failed to update rubric %d: %w", r.RID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.rubricRevisionMismatch(r.RID)
	}
	r.Revision = expectedRev
	r.Subrevision = expectedSubrev + 1
	r.Latest = true
	return nil
}

// InsertRubricRevision applies a major edit: retire the current latest
// row and insert the next revision, in one transaction. Same stale-read
// guard as UpdateLatestRubric.
func (s *BaseStore) InsertRubricRevision(r *models.Rubric, expectedRev, expectedSubrev int) error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	retire := s.Converter(`
		UPDATE rubrics SET latest = FALSE
		WHERE rid = ? AND latest = TRUE AND revision = ? AND subrevision = ?
	`)
	res, err := tx.Exec(retire, r.RID, expectedRev, expectedSubrev)
	if err != nil {
		return fmt.Errorf("failed to retire rubric revision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// release the tx before the diagnostic read: on sqlite both share
		// one connection
		tx.Rollback()
		return s.rubricRevisionMismatch(r.RID)
	}

	r.Revision = expectedRev + 1
	r.Subrevision = 0
	r.Latest = true
	params, err := r.Parameters.Value()
	if err != nil {
		return err
	}
	insert := s.Converter(`
		INSERT INTO rubrics (rid, revision, subrevision, latest, kind, value, out_of,
			display_delta, text, meta, tags, question_index, versions, parameters,
			pedagogy_tags, system_rubric, published, owner, modified_by, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	if err := tx.Get(&id, insert,
		r.RID, r.Revision, r.Subrevision, r.Latest, r.Kind, r.Value, r.OutOf,
		r.DisplayDelta, r.Text, r.Meta, r.Tags, r.QuestionIndex, r.Versions, params,
		r.PedagogyTags, r.SystemRubric, r.Published, r.Owner, r.ModifiedBy, r.LastModified,
	); err != nil {
		return fmt.Errorf("failed to insert rubric revision: %w", err)
	}
	r.ID = id

	return tx.Commit()
}

func (s *BaseStore) rubricRevisionMismatch(rid int64) error {
	current, err := s.GetLatestRubric(rid)
	if err != nil {
		return err // NotFound, or the read itself failed
	}
	return apperr.NewRevisionConflict(current.Revision, current.Subrevision)
}

// DeleteAllRubrics wipes the rubric table. Only permitted while no
// annotation references any rubric, i.e. before marking has started.
func (s *BaseStore) DeleteAllRubrics() error {
	tx, err := s.DB.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int64
	if err := tx.Get(&n, `SELECT COUNT(*) FROM annotations`); err != nil {
		return fmt.Errorf("failed to count annotations: %w", err)
	}
	if n > 0 {
		return apperr.NewConflict("cannot delete rubrics once annotations exist")
	}
	if _, err := tx.Exec(`DELETE FROM rubrics`); err != nil {
		return fmt.Errorf("failed to delete rubrics: %w", err)
	}
	return tx.Commit()
}

func (s *BaseStore) CreateTask(t *models.MarkingTask) error {
	if t.Status == "" {
		t.Status = models.StatusToDo
	}
	if t.LastUpdate.IsZero() {
		t.LastUpdate = time.Now().UTC()
	}
	query := s.Converter(`
		INSERT INTO marking_tasks (paper, question_index, question_version, status,
			assigned_user, marking_priority, last_update)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var id int64
	if err := s.DB.Get(&id, query,
		t.Paper, t.QuestionIndex, t.QuestionVersion, t.Status,
		t.AssignedUser, t.MarkingPriority, t.LastUpdate,
	); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	t.ID = id
	return nil
}

func (s *BaseStore) GetTask(paper, questionIndex int) (*models.MarkingTask, error) {
	var t models.MarkingTask
	query := s.Converter(`
		SELECT ` + taskCols + ` FROM marking_tasks
		WHERE paper = ? AND question_index = ?
	`)
	err := s.DB.Get(&t, query, paper, questionIndex)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no task for paper %d question %d", paper, questionIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

func (s *BaseStore) GetTaskByID(id int64) (*models.MarkingTask, error) {
	var t models.MarkingTask
	query := s.Converter(`SELECT ` + taskCols + ` FROM marking_tasks WHERE id = ?`)
	err := s.DB.Get(&t, query, id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no task with id %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	return &t, nil
}

func (s *BaseStore) ListTasks(status models.TaskStatus) ([]models.MarkingTask, error) {
	var tasks []models.MarkingTask
	var err error
	if status != "" {
		query := s.Converter(`
			SELECT ` + taskCols + ` FROM marking_tasks
			WHERE status = ?
			ORDER BY paper, question_index
		`)
		err = s.DB.Select(&tasks, query, status)
	} else {
		err = s.DB.Select(&tasks, `
			SELECT `+taskCols+` FROM marking_tasks
			ORDER BY paper, question_index
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask claims one specific task. The conditional update is the
// commit point: of N concurrent claims on the same TO_DO task exactly
// one matches the status guard.
func (s *BaseStore) ClaimTask(id int64, username string) (*models.MarkingTask, error) {
	query := s.Converter(`
		UPDATE marking_tasks
		SET status = ?, assigned_user = ?, last_update = ?
		WHERE id = ? AND status = ?
	`)
	res, err := s.DB.Exec(query, models.StatusOut, username, time.Now().UTC(), id, models.StatusToDo)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, s.taskUnavailable(id)
	}
	return s.GetTaskByID(id)
}

// taskUnavailable explains why a conditional task update matched nothing.
func (s *BaseStore) taskUnavailable(id int64) error {
	t, err := s.GetTaskByID(id)
	if err != nil {
		return err
	}
	owner := ""
	if t.AssignedUser != nil {
		owner = *t.AssignedUser
	}
	return apperr.NewTaskConflict(
		fmt.Sprintf("task %d is %s, not available", id, t.Status), owner)
}

func (s *BaseStore) ReleaseTask(id int64, username string, force bool) error {
	var res sql.Result
	var err error
	if force {
		query := s.Converter(`
			UPDATE marking_tasks
			SET status = ?, assigned_user = NULL, last_update = ?
			WHERE id = ? AND status = ?
		`)
		res, err = s.DB.Exec(query, models.StatusToDo, time.Now().UTC(), id, models.StatusOut)
	} else {
		query := s.Converter(`
			UPDATE marking_tasks
			SET status = ?, assigned_user = NULL, last_update = ?
			WHERE id = ? AND status = ? AND assigned_user = ?
		`)
		res, err = s.DB.Exec(query, models.StatusToDo, time.Now().UTC(), id, models.StatusOut, username)
	}
	if err != nil {
		return fmt.Errorf("failed to release task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		t, err := s.GetTaskByID(id)
		if err != nil {
			return err
		}
		if t.Status == models.StatusOut && !t.AssignedTo(username) {
			return apperr.PermissionDenied("task %d is assigned to someone else", id)
		}
		return apperr.NewTaskConflict(fmt.Sprintf("task %d is %s, cannot release", id, t.Status), "")
	}
	return nil
}

// CompleteTask records an annotation and moves the task to COMPLETE.
// The annotation insert and the status flip commit or roll back together;
// the final conditional update guards against concurrent transitions.
func (s *BaseStore) CompleteTask(id int64, username string, score float64, markingTime int, rubricIDs []int64) (*models.Annotation, error) {
	tx, err := s.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var edition int
	if err := tx.Get(&edition,
		s.Converter(`SELECT COALESCE(MAX(edition), 0) + 1 FROM annotations WHERE task_id = ?`),
		id,
	); err != nil {
		return nil, fmt.Errorf("failed to compute annotation edition: %w", err)
	}

	ann := models.Annotation{
		TaskID:      id,
		Edition:     edition,
		Score:       score,
		MarkingTime: markingTime,
		User:        username,
		CreatedAt:   time.Now().UTC(),
		RubricIDs:   rubricIDs,
	}
	insert := s.Converter(`
		INSERT INTO annotations (task_id, edition, score, marking_time, username, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	if err := tx.Get(&ann.ID, insert,
		ann.TaskID, ann.Edition, ann.Score, ann.MarkingTime, ann.User, ann.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert annotation: %w", err)
	}

	link := s.Converter(`INSERT INTO annotation_rubrics (annotation_id, rubric_id) VALUES (?, ?)`)
	for _, rubricID := range rubricIDs {
		if _, err := tx.Exec(link, ann.ID, rubricID); err != nil {
			return nil, fmt.Errorf("failed to link rubric %d: %w", rubricID, err)
		}
	}

	update := s.Converter(`
		UPDATE marking_tasks
		SET status = ?, latest_annotation_id = ?, last_update = ?
		WHERE id = ? AND status = ? AND assigned_user = ?
	`)
	res, err := tx.Exec(update, models.StatusComplete, ann.ID, ann.CreatedAt, id, models.StatusOut, username)
	if err != nil {
		return nil, fmt.Errorf("failed to complete task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		tx.Rollback()
		t, err := s.GetTaskByID(id)
		if err != nil {
			return nil, err
		}
		if t.Status == models.StatusOut && !t.AssignedTo(username) {
			return nil, apperr.PermissionDenied("task %d is assigned to someone else", id)
		}
		return nil, apperr.NewTaskConflict(fmt.Sprintf("task %d is %s, cannot complete", id, t.Status), "")
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ann, nil
}

func (s *BaseStore) ReopenTask(id int64) error {
	query := s.Converter(`
		UPDATE marking_tasks
		SET status = ?, last_update = ?
		WHERE id = ? AND status = ?
	`)
	res, err := s.DB.Exec(query, models.StatusOut, time.Now().UTC(), id, models.StatusComplete)
	if err != nil {
		return fmt.Errorf("failed to reopen task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.taskUnavailable(id)
	}
	return nil
}

func (s *BaseStore) InvalidateTask(id int64) error {
	query := s.Converter(`
		UPDATE marking_tasks
		SET status = ?, assigned_user = NULL, last_update = ?
		WHERE id = ? AND status <> ?
	`)
	res, err := s.DB.Exec(query, models.StatusOutOfDate, time.Now().UTC(), id, models.StatusOutOfDate)
	if err != nil {
		return fmt.Errorf("failed to invalidate task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTaskByID(id); err != nil {
			return err
		}
		return apperr.NewConflict(fmt.Sprintf("task %d is already out of date", id))
	}
	return nil
}

func (s *BaseStore) UpdateTaskPriority(id int64, priority float64) error {
	query := s.Converter(`
		UPDATE marking_tasks SET marking_priority = ?, last_update = ? WHERE id = ?
	`)
	res, err := s.DB.Exec(query, priority, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update priority for task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("no task with id %d", id)
	}
	return nil
}

func (s *BaseStore) ListStaleOutTasks(cutoff time.Time) ([]models.MarkingTask, error) {
	var tasks []models.MarkingTask
	query := s.Converter(`
		SELECT ` + taskCols + ` FROM marking_tasks
		WHERE status = ? AND last_update < ?
		ORDER BY last_update
	`)
	if err := s.DB.Select(&tasks, query, models.StatusOut, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return tasks, nil
}

func (s *BaseStore) TagTask(id int64, tag string) error {
	query := s.Converter(`
		INSERT INTO task_tags (task_id, tag) VALUES (?, ?)
		ON CONFLICT (task_id, tag) DO NOTHING
	`)
	if _, err := s.DB.Exec(query, id, tag); err != nil {
		return fmt.Errorf("failed to tag task %d: %w", id, err)
	}
	return nil
}

func (s *BaseStore) ListTaskTags(id int64) ([]string, error) {
	var tags []string
	query := s.Converter(`SELECT tag FROM task_tags WHERE task_id = ? ORDER BY tag`)
	if err := s.DB.Select(&tags, query, id); err != nil {
		return nil, fmt.Errorf("failed to list tags for task %d: %w", id, err)
	}
	return tags, nil
}

// ListTasksUsingOutdatedRubric finds COMPLETE tasks whose latest
// annotation applied an older revision of the given rubric.
func (s *BaseStore) ListTasksUsingOutdatedRubric(rid int64, currentRevision int) ([]models.MarkingTask, error) {
	var tasks []models.MarkingTask
	query := s.Converter(`
		SELECT DISTINCT t.id, t.paper, t.question_index, t.question_version, t.status,
			t.assigned_user, t.latest_annotation_id, t.marking_priority, t.last_update
		FROM marking_tasks t
		JOIN annotations a ON a.id = t.latest_annotation_id
		JOIN annotation_rubrics ar ON ar.annotation_id = a.id
		JOIN rubrics r ON r.id = ar.rubric_id
		WHERE t.status = ? AND r.rid = ? AND r.revision < ?
		ORDER BY t.paper, t.question_index
	`)
	if err := s.DB.Select(&tasks, query, models.StatusComplete, rid, currentRevision); err != nil {
		return nil, fmt.Errorf("failed to list tasks with outdated rubric %d: %w", rid, err)
	}
	return tasks, nil
}

func (s *BaseStore) FetchMarkingProgress() ([]MarkingProgress, error) {
	var progress []MarkingProgress
	query := s.Converter(`
		SELECT
			t.question_index,
			COUNT(*) AS total,
			SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END) AS complete,
			SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END) AS out_for_marking,
			COALESCE(AVG(CASE WHEN t.status = ? THEN a.score END), 0) AS avg_score
		FROM marking_tasks t
		LEFT JOIN annotations a ON a.id = t.latest_annotation_id
		GROUP BY t.question_index
		ORDER BY t.question_index
	`)
	if err := s.DB.Select(&progress, query,
		models.StatusComplete, models.StatusOut, models.StatusComplete,
	); err != nil {
		return nil, fmt.Errorf("failed to fetch marking progress: %w", err)
	}
	return progress, nil
}

func (s *BaseStore) GetAnnotation(id int64) (*models.Annotation, error) {
	var ann models.Annotation
	query := s.Converter(`
		SELECT id, task_id, edition, score, marking_time, username, created_at
		FROM annotations WHERE id = ?
	`)
	err := s.DB.Get(&ann, query, id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no annotation with id %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get annotation %d: %w", id, err)
	}
	if err := s.loadAnnotationRubrics(&ann); err != nil {
		return nil, err
	}
	return &ann, nil
}

func (s *BaseStore) ListTaskAnnotations(taskID int64) ([]models.Annotation, error) {
	var anns []models.Annotation
	query := s.Converter(`
		SELECT id, task_id, edition, score, marking_time, username, created_at
		FROM annotations WHERE task_id = ?
		ORDER BY edition
	`)
	if err := s.DB.Select(&anns, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to list annotations for task %d: %w", taskID, err)
	}
	for i := range anns {
		if err := s.loadAnnotationRubrics(&anns[i]); err != nil {
			return nil, err
		}
	}
	return anns, nil
}

func (s *BaseStore) loadAnnotationRubrics(ann *models.Annotation) error {
	query := s.Converter(`
		SELECT rubric_id FROM annotation_rubrics WHERE annotation_id = ? ORDER BY rubric_id
	`)
	if err := s.DB.Select(&ann.RubricIDs, query, ann.ID); err != nil {
		return fmt.Errorf("failed to load rubrics for annotation %d: %w", ann.ID, err)
	}
	return nil
}

func (s *BaseStore) AnnotationCount() (int64, error) {
	var n int64
	if err := s.DB.Get(&n, `SELECT COUNT(*) FROM annotations`); err != nil {
		return 0, fmt.Errorf("failed to count annotations: %w", err)
	}
	return n, nil
}

func (s *BaseStore) CreateUser(u models.User) error {
	query := s.Converter(`INSERT INTO users (username, role) VALUES (?, ?)`)
	if _, err := s.DB.Exec(query, u.Username, u.Role); err != nil {
		return fmt.Errorf("failed to create user %s: %w", u.Username, err)
	}
	return nil
}

func (s *BaseStore) GetUser(username string) (*models.User, error) {
	var u models.User
	query := s.Converter(`SELECT username, role FROM users WHERE username = ?`)
	err := s.DB.Get(&u, query, username)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("no user %q", username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return &u, nil
}

func (s *BaseStore) GetSetting(key string) (string, bool, error) {
	var value string
	query := s.Converter(`SELECT value FROM settings WHERE key = ?`)
	err := s.DB.Get(&value, query, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *BaseStore) SetSetting(key, value string) error {
	query := s.Converter(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`)
	if _, err := s.DB.Exec(query, key, value); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *BaseStore) DeleteSetting(key string) error {
	query := s.Converter(`DELETE FROM settings WHERE key = ?`)
	if _, err := s.DB.Exec(query, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
