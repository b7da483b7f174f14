package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/rubrics"
	"github.com/plomgrading/marker/internal/store/sqlite"
)

func setupService(t *testing.T) (*Service, *sqlite.SQLiteStore) {
	st, err := sqlite.NewSQLiteStore(":memory:", "../../migrations")
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { st.Close() })

	users := []models.User{
		{Username: "alice", Role: models.RoleMarker},
		{Username: "bob", Role: models.RoleMarker},
	}
	for _, u := range users {
		require.NoError(t, st.CreateUser(u))
	}

	exam := rubrics.ExamInfo{NumQuestions: 2, NumVersions: 2, MaxMark: []float64{5, 10}}
	return NewService(st, exam), st
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _ := setupService(t)

	tests := []struct {
		name                     string
		paper, question, version int
	}{
		{"bad paper", 0, 1, 1},
		{"question out of range", 1, 3, 1},
		{"question zero", 1, 0, 1},
		{"version out of range", 1, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(tt.paper, tt.question, tt.version, 0)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
		})
	}

	t.Run("valid task starts as to-do", func(t *testing.T) {
		task, err := svc.Create(1, 1, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, models.StatusToDo, task.Status)
	})
}

func TestClaimNext(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)
	_, err = svc.Create(2, 1, 1, 10)
	require.NoError(t, err)

	t.Run("unknown user is refused before touching the pool", func(t *testing.T) {
		_, err := svc.ClaimNext("mallory")
		assert.True(t, errors.Is(err, apperr.ErrNotFound))

		todo, err := svc.List(models.StatusToDo)
		require.NoError(t, err)
		assert.Len(t, todo, 2)
	})

	t.Run("priority decides the order", func(t *testing.T) {
		task, err := svc.ClaimNext("alice")
		require.NoError(t, err)
		assert.Equal(t, 2, task.Paper)
		assert.Equal(t, models.StatusOut, task.Status)
	})

	t.Run("empty pool", func(t *testing.T) {
		_, err := svc.ClaimNext("bob")
		require.NoError(t, err)
		_, err = svc.ClaimNext("bob")
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})
}

func TestClaimSpecificTask(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)

	task, err := svc.Claim(1, 1, "alice")
	require.NoError(t, err)
	assert.True(t, task.AssignedTo("alice"))

	t.Run("second claim names the holder", func(t *testing.T) {
		_, err := svc.Claim(1, 1, "bob")
		require.Error(t, err)

		var ce *apperr.ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "alice", ce.CurrentOwner)
	})

	t.Run("no such task", func(t *testing.T) {
		_, err := svc.Claim(9, 1, "bob")
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})
}

func TestCompleteTask(t *testing.T) {
	svc, st := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)
	_, err = svc.Claim(1, 1, "alice")
	require.NoError(t, err)

	rubric := &models.Rubric{
		Latest: true, Kind: models.KindRelative, Value: 1,
		Text: "good", QuestionIndex: 1, Owner: "alice", ModifiedBy: "alice",
		LastModified: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRubric(rubric))

	otherQuestion := &models.Rubric{
		Latest: true, Kind: models.KindRelative, Value: 1,
		Text: "good", QuestionIndex: 2, Owner: "alice", ModifiedBy: "alice",
		LastModified: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRubric(otherQuestion))

	t.Run("score outside the question range", func(t *testing.T) {
		_, err := svc.Complete(1, 1, "alice", 6, 60, nil)
		assert.True(t, apperr.IsValidation(err))
		_, err = svc.Complete(1, 1, "alice", -1, 60, nil)
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("rubric from another question is refused", func(t *testing.T) {
		_, err := svc.Complete(1, 1, "alice", 3, 60, []int64{otherQuestion.RID})
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("completion resolves rids to revision rows", func(t *testing.T) {
		ann, err := svc.Complete(1, 1, "alice", 3, 60, []int64{rubric.RID})
		require.NoError(t, err)
		assert.Equal(t, []int64{rubric.ID}, ann.RubricIDs)
		assert.Equal(t, 1, ann.Edition)

		task, err := svc.Get(1, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusComplete, task.Status)
	})

	t.Run("annotations are listed oldest first", func(t *testing.T) {
		require.NoError(t, svc.Reopen(1, 1))
		_, err := svc.Complete(1, 1, "alice", 4, 30, nil)
		require.NoError(t, err)

		anns, err := svc.Annotations(1, 1)
		require.NoError(t, err)
		require.Len(t, anns, 2)
		assert.Equal(t, 1, anns[0].Edition)
		assert.Equal(t, 2, anns[1].Edition)
	})
}

func TestReleaseAndForceRelease(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)
	_, err = svc.Claim(1, 1, "alice")
	require.NoError(t, err)

	t.Run("only the assignee may release", func(t *testing.T) {
		err := svc.Release(1, 1, "bob")
		assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
	})

	t.Run("assignee releases back to the pool", func(t *testing.T) {
		require.NoError(t, svc.Release(1, 1, "alice"))
		task, err := svc.Get(1, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusToDo, task.Status)
	})

	t.Run("force release ignores the assignee", func(t *testing.T) {
		_, err := svc.Claim(1, 1, "alice")
		require.NoError(t, err)
		require.NoError(t, svc.ForceRelease(1, 1))
		task, err := svc.Get(1, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusToDo, task.Status)
		assert.Nil(t, task.AssignedUser)
	})
}

func TestInvalidate(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(1, 1))
	task, err := svc.Get(1, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOutOfDate, task.Status)

	t.Run("terminal state", func(t *testing.T) {
		_, err := svc.Claim(1, 1, "alice")
		assert.True(t, apperr.IsConflict(err))
		err = svc.Invalidate(1, 1)
		assert.True(t, apperr.IsConflict(err))
	})
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.List("PENDING")
	assert.True(t, apperr.IsValidation(err))
}

func TestSetPriority(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)
	_, err = svc.Create(2, 1, 1, 0)
	require.NoError(t, err)

	require.NoError(t, svc.SetPriority(2, 1, 99))

	task, err := svc.ClaimNext("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, task.Paper, "bumped task is handed out first")
}

func TestReleaseStale(t *testing.T) {
	svc, st := setupService(t)

	_, err := svc.Create(1, 1, 1, 0)
	require.NoError(t, err)
	_, err = svc.Create(2, 1, 1, 0)
	require.NoError(t, err)

	stale, err := svc.Claim(1, 1, "alice")
	require.NoError(t, err)
	_, err = svc.Claim(2, 1, "bob")
	require.NoError(t, err)

	_, err = st.DB.Exec(
		`UPDATE marking_tasks SET last_update = ? WHERE id = ?`,
		time.Now().UTC().Add(-3*time.Hour), stale.ID,
	)
	require.NoError(t, err)

	released, err := svc.ReleaseStale(2 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	task, err := svc.Get(1, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusToDo, task.Status)

	task, err = svc.Get(2, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOut, task.Status, "fresh task untouched")
}
