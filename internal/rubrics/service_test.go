package rubrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/settings"
	"github.com/plomgrading/marker/internal/store/sqlite"
)

func setupService(t *testing.T) (*Service, *sqlite.SQLiteStore, settings.Store) {
	st, err := sqlite.NewSQLiteStore(":memory:", "../../migrations")
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { st.Close() })

	users := []models.User{
		{Username: "alice", Role: models.RoleMarker},
		{Username: "bob", Role: models.RoleMarker},
		{Username: "lena", Role: models.RoleLead},
		{Username: "maggie", Role: models.RoleManager},
	}
	for _, u := range users {
		require.NoError(t, st.CreateUser(u))
	}

	cfg := settings.NewMemoryStore()
	exam := ExamInfo{NumQuestions: 2, NumVersions: 2, MaxMark: []float64{5, 10}}
	return NewService(st, NewPermissions(cfg), exam), st, cfg
}

func relativeRubric(question int) models.NewRubric {
	return models.NewRubric{
		Kind:          models.KindRelative,
		Value:         1,
		Text:          "correct substitution",
		QuestionIndex: question,
	}
}

// modifyPayload echoes a freshly read rubric back as an edit payload.
func modifyPayload(r *models.Rubric) models.ModifyRubric {
	return models.ModifyRubric{
		Revision:      r.Revision,
		Subrevision:   r.Subrevision,
		Kind:          r.Kind,
		Value:         r.Value,
		OutOf:         r.OutOf,
		DisplayDelta:  r.DisplayDelta,
		Text:          r.Text,
		Meta:          r.Meta,
		Tags:          r.Tags,
		QuestionIndex: r.QuestionIndex,
		Versions:      r.Versions,
		Parameters:    r.Parameters,
		PedagogyTags:  r.PedagogyTags,
		SystemRubric:  r.SystemRubric,
		Published:     r.Published,
	}
}

func TestCreateRubric(t *testing.T) {
	svc, _, _ := setupService(t)

	r, err := svc.Create(relativeRubric(1), UserActor("alice"))
	require.NoError(t, err)

	assert.NotZero(t, r.RID)
	assert.Equal(t, 0, r.Revision)
	assert.Equal(t, 0, r.Subrevision)
	assert.Equal(t, "alice", r.Owner)
	assert.Equal(t, "alice", r.ModifiedBy)
	assert.Equal(t, "+1", r.DisplayDelta, "display delta generated when omitted")
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := setupService(t)
	actor := UserActor("alice")

	tests := []struct {
		name string
		edit func(r *models.NewRubric)
	}{
		{"unknown kind", func(r *models.NewRubric) { r.Kind = "bonus" }},
		{"empty text", func(r *models.NewRubric) { r.Text = "   " }},
		{"question out of range", func(r *models.NewRubric) { r.QuestionIndex = 3 }},
		{"question zero", func(r *models.NewRubric) { r.QuestionIndex = 0 }},
		{"neutral with a score", func(r *models.NewRubric) { r.Kind = models.KindNeutral; r.Value = 1 }},
		{"relative delta beyond max mark", func(r *models.NewRubric) { r.Value = 6 }},
		{"bad version list", func(r *models.NewRubric) { r.Versions = "1,x" }},
		{"version out of range", func(r *models.NewRubric) { r.Versions = "1,3" }},
		{"parameter without placeholder", func(r *models.NewRubric) {
			r.Parameters = models.ParameterList{{Substitutions: []string{"a", "b"}}}
		}},
		{"parameter arity mismatch", func(r *models.NewRubric) {
			r.Parameters = models.ParameterList{{Placeholder: "<x>", Substitutions: []string{"a"}}}
		}},
		{"disallowed fraction", func(r *models.NewRubric) { r.Value = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := relativeRubric(1)
			tt.edit(&payload)
			_, err := svc.Create(payload, actor)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err), "want validation error, got %v", err)
		})
	}

	t.Run("absolute needs value within out_of", func(t *testing.T) {
		payload := models.NewRubric{
			Kind: models.KindAbsolute, Value: 4, OutOf: 3,
			Text: "x", QuestionIndex: 1,
		}
		_, err := svc.Create(payload, actor)
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("absolute out_of beyond question max", func(t *testing.T) {
		payload := models.NewRubric{
			Kind: models.KindAbsolute, Value: 2, OutOf: 6,
			Text: "x", QuestionIndex: 1,
		}
		_, err := svc.Create(payload, actor)
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestCreatePermissions(t *testing.T) {
	svc, _, cfg := setupService(t)

	require.NoError(t, cfg.Set(settings.KeyWhoCanCreateRubrics, settings.TierLocked))

	_, err := svc.Create(relativeRubric(1), UserActor("maggie"))
	assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

	t.Run("system actor bypasses the tier", func(t *testing.T) {
		_, err := svc.Create(relativeRubric(1), SystemActor())
		assert.NoError(t, err)
	})

	t.Run("unknown user", func(t *testing.T) {
		require.NoError(t, cfg.Set(settings.KeyWhoCanCreateRubrics, settings.TierPermissive))
		_, err := svc.Create(relativeRubric(1), UserActor("mallory"))
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("markers cannot mint system rubrics", func(t *testing.T) {
		require.NoError(t, cfg.Set(settings.KeyWhoCanCreateRubrics, settings.TierPermissive))
		payload := relativeRubric(1)
		payload.SystemRubric = true
		_, err := svc.Create(payload, UserActor("alice"))
		assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))

		got, err := svc.Create(payload, SystemActor())
		require.NoError(t, err)
		assert.True(t, got.SystemRubric)
	})
}

func TestModifyMinorAndMajor(t *testing.T) {
	svc, _, _ := setupService(t)
	actor := UserActor("alice")

	r, err := svc.Create(relativeRubric(1), actor)
	require.NoError(t, err)

	t.Run("text edit is minor", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Text = "correct substitution, fully shown"
		got, err := svc.Modify(r.RID, payload, actor, false, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Revision)
		assert.Equal(t, 1, got.Subrevision)
		assert.Equal(t, r.ID, got.ID, "minor edit rewrites the same row")
		r = got
	})

	t.Run("value edit is major", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Value = 2
		payload.DisplayDelta = ""
		got, err := svc.Modify(r.RID, payload, actor, false, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Revision)
		assert.Equal(t, 0, got.Subrevision)
		assert.NotEqual(t, r.ID, got.ID, "major edit inserts a new row")
		assert.Equal(t, "+2", got.DisplayDelta)
		r = got
	})

	t.Run("history keeps every revision", func(t *testing.T) {
		history, err := svc.History(r.RID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 0, history[0].Revision)
		assert.Equal(t, 1, history[1].Revision)
	})
}

func TestModifyMidAirCollision(t *testing.T) {
	svc, _, _ := setupService(t)
	actor := UserActor("alice")

	r, err := svc.Create(relativeRubric(1), actor)
	require.NoError(t, err)

	// two clients both read revision 0.0
	first := modifyPayload(r)
	first.Text = "first editor"
	second := modifyPayload(r)
	second.Text = "second editor"

	_, err = svc.Modify(r.RID, first, actor, false, nil)
	require.NoError(t, err)

	_, err = svc.Modify(r.RID, second, actor, false, nil)
	require.Error(t, err)

	var ce *apperr.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.CurrentRevision)
	assert.Equal(t, 1, ce.CurrentSubrevision)

	t.Run("re-read and retry succeeds", func(t *testing.T) {
		current, err := svc.Get(r.RID)
		require.NoError(t, err)
		retry := modifyPayload(current)
		retry.Text = "second editor"
		_, err = svc.Modify(r.RID, retry, actor, false, nil)
		assert.NoError(t, err)
	})
}

func TestModifyForceOverride(t *testing.T) {
	svc, _, _ := setupService(t)
	actor := UserActor("alice")

	r, err := svc.Create(relativeRubric(1), actor)
	require.NoError(t, err)

	forceMinor := true
	forceMajor := false

	t.Run("value change forced minor", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Value = 2
		payload.DisplayDelta = ""
		got, err := svc.Modify(r.RID, payload, actor, false, &forceMinor)
		require.NoError(t, err)
		assert.Equal(t, 0, got.Revision)
		assert.Equal(t, 1, got.Subrevision)
		r = got
	})

	t.Run("text change forced major", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Text = "same score, new wording"
		got, err := svc.Modify(r.RID, payload, actor, false, &forceMajor)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Revision)
		assert.Equal(t, 0, got.Subrevision)
	})
}

func TestSystemRubricModification(t *testing.T) {
	svc, _, _ := setupService(t)

	seed := relativeRubric(1)
	seed.SystemRubric = true
	r, err := svc.Create(seed, SystemActor())
	require.NoError(t, err)

	t.Run("marker may not touch a system rubric", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Text = "vandalized"
		_, err := svc.Modify(r.RID, payload, UserActor("alice"), false, nil)
		assert.True(t, errors.Is(err, apperr.ErrPermissionDenied))
	})

	t.Run("manager may, and the flag is sticky", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Text = "improved wording"
		payload.SystemRubric = false // cannot be revoked by an edit
		got, err := svc.Modify(r.RID, payload, UserActor("maggie"), false, nil)
		require.NoError(t, err)
		assert.True(t, got.SystemRubric)
	})
}

func TestMajorEditTagsCompletedTasks(t *testing.T) {
	svc, st, _ := setupService(t)
	actor := UserActor("alice")

	r, err := svc.Create(relativeRubric(1), actor)
	require.NoError(t, err)

	task := &models.MarkingTask{Paper: 1, QuestionIndex: 1, QuestionVersion: 1}
	require.NoError(t, st.CreateTask(task))
	_, err = st.ClaimTask(task.ID, "bob")
	require.NoError(t, err)
	_, err = st.CompleteTask(task.ID, "bob", 3, 60, []int64{r.ID})
	require.NoError(t, err)

	t.Run("minor edit never tags", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Text = "reworded"
		got, err := svc.Modify(r.RID, payload, actor, true, nil)
		require.NoError(t, err)
		r = got

		tags, err := st.ListTaskTags(task.ID)
		require.NoError(t, err)
		assert.Empty(t, tags)
	})

	t.Run("major edit with tagTasks flags the task", func(t *testing.T) {
		payload := modifyPayload(r)
		payload.Value = 2
		payload.DisplayDelta = ""
		_, err := svc.Modify(r.RID, payload, actor, true, nil)
		require.NoError(t, err)

		tags, err := st.ListTaskTags(task.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{models.TagRubricChanged}, tags)
	})
}

func TestFractionPinningOnCreate(t *testing.T) {
	svc, _, cfg := setupService(t)
	require.NoError(t, cfg.Set(settings.KeyAllowThird, "true"))

	payload := relativeRubric(1)
	payload.Value = 0.66666667

	r, err := svc.Create(payload, UserActor("alice"))
	require.NoError(t, err)
	assert.Equal(t, 2.0/3.0, r.Value, "stored value is the exact fraction")
	assert.Equal(t, "+⅔", r.DisplayDelta)

	t.Run("pinned value survives the database round trip", func(t *testing.T) {
		got, err := svc.Get(r.RID)
		require.NoError(t, err)
		assert.Equal(t, 2.0/3.0, got.Value)
	})
}

func TestWipeAll(t *testing.T) {
	svc, st, _ := setupService(t)
	actor := UserActor("alice")

	r, err := svc.Create(relativeRubric(1), actor)
	require.NoError(t, err)

	task := &models.MarkingTask{Paper: 1, QuestionIndex: 1, QuestionVersion: 1}
	require.NoError(t, st.CreateTask(task))
	_, err = st.ClaimTask(task.ID, "bob")
	require.NoError(t, err)
	_, err = st.CompleteTask(task.ID, "bob", 3, 60, []int64{r.ID})
	require.NoError(t, err)

	err = svc.WipeAll()
	assert.True(t, apperr.IsConflict(err), "wipe refused once marking has started")
}
