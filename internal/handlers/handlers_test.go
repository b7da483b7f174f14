package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/rubrics"
	"github.com/plomgrading/marker/internal/settings"
	"github.com/plomgrading/marker/internal/store/sqlite"
	"github.com/plomgrading/marker/internal/tasks"
)

func setupServer(t *testing.T) *httptest.Server {
	st, err := sqlite.NewSQLiteStore(":memory:", "../../migrations")
	require.NoError(t, err, "Failed to create store")
	t.Cleanup(func() { st.Close() })

	users := []models.User{
		{Username: "alice", Role: models.RoleMarker},
		{Username: "bob", Role: models.RoleMarker},
		{Username: "maggie", Role: models.RoleManager},
	}
	for _, u := range users {
		require.NoError(t, st.CreateUser(u))
	}

	config := &app.Config{}
	config.Server.Port = ":0"
	config.Exam.Name = "mock-exam"
	config.Exam.Questions = 2
	config.Exam.Versions = 2
	config.Exam.MaxMarks = []float64{5, 10}

	cfg := settings.NewMemoryStore()
	exam := rubrics.ExamInfo{NumQuestions: 2, NumVersions: 2, MaxMark: []float64{5, 10}}
	service := &app.Service{
		Config:   config,
		Store:    st,
		Settings: cfg,
		Rubrics:  rubrics.NewService(st, rubrics.NewPermissions(cfg), exam),
		Tasks:    tasks.NewService(st, exam),
	}

	mux := http.NewServeMux()
	NewRubricHandler(service).Register(mux)
	NewTaskHandler(service).Register(mux)
	NewTokenHandler(service).Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, payload any) (*http.Response, map[string]any) {
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func createRubricPayload(username string) map[string]any {
	return map[string]any{
		"username": username,
		"rubric": map[string]any{
			"kind":           "relative",
			"value":          1,
			"text":           "correct substitution",
			"question_index": 1,
		},
	}
}

func TestRubricEndpoints(t *testing.T) {
	ts := setupServer(t)

	var rid float64

	t.Run("create", func(t *testing.T) {
		resp, body := doJSON(t, "POST", ts.URL+"/api/v1/rubrics", createRubricPayload("alice"))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		rid = body["rid"].(float64)
		assert.NotZero(t, rid)
		assert.Equal(t, "alice", body["username"])
		assert.Equal(t, "+1", body["display_delta"])
	})

	t.Run("missing username", func(t *testing.T) {
		payload := createRubricPayload("")
		resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/rubrics", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("validation error carries fields", func(t *testing.T) {
		payload := createRubricPayload("alice")
		payload["rubric"].(map[string]any)["question_index"] = 9
		resp, body := doJSON(t, "POST", ts.URL+"/api/v1/rubrics", payload)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		fields := body["fields"].([]any)
		require.Len(t, fields, 1)
		assert.Equal(t, "question_index", fields[0].(map[string]any)["field"])
	})

	t.Run("list", func(t *testing.T) {
		resp, body := doJSON(t, "GET", ts.URL+"/api/v1/rubrics?question=1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["rubrics"].([]any), 1)
	})

	t.Run("get unknown rid", func(t *testing.T) {
		resp, _ := doJSON(t, "GET", ts.URL+"/api/v1/rubrics/99999", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	modify := func(username string, revision, subrevision float64, text string) (*http.Response, map[string]any) {
		return doJSON(t, "PATCH", fmt.Sprintf("%s/api/v1/rubrics/%d", ts.URL, int64(rid)), map[string]any{
			"username": username,
			"rubric": map[string]any{
				"revision":       revision,
				"subrevision":    subrevision,
				"kind":           "relative",
				"value":          1,
				"text":           text,
				"question_index": 1,
			},
		})
	}

	t.Run("modify", func(t *testing.T) {
		resp, body := modify("alice", 0, 0, "correct substitution, shown fully")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(0), body["revision"])
		assert.Equal(t, float64(1), body["subrevision"])
	})

	t.Run("stale revision pair is a 409", func(t *testing.T) {
		resp, body := modify("alice", 0, 0, "second editor")
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, float64(0), body["current_revision"])
		assert.Equal(t, float64(1), body["current_subrevision"])
	})

	t.Run("non-owner marker gets a 403", func(t *testing.T) {
		resp, _ := modify("bob", 0, 1, "bob's wording")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("revisions", func(t *testing.T) {
		resp, body := doJSON(t, "GET", fmt.Sprintf("%s/api/v1/rubrics/%d/revisions", ts.URL, int64(rid)), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["revisions"].([]any), 1)
	})
}

func TestTaskEndpoints(t *testing.T) {
	ts := setupServer(t)

	for paper := 1; paper <= 2; paper++ {
		resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/tasks", map[string]any{
			"paper":          paper,
			"question_index": 1,
			"priority":       float64(paper),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	t.Run("claim next honors priority", func(t *testing.T) {
		resp, body := doJSON(t, "POST", ts.URL+"/api/v1/tasks/claim?username=alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(2), body["paper"])
		assert.Equal(t, "OUT", body["status"])
	})

	t.Run("claim of a held task is a 409 naming the holder", func(t *testing.T) {
		resp, body := doJSON(t, "POST", ts.URL+"/api/v1/tasks/2/1/claim", map[string]any{"username": "bob"})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "alice", body["current_owner"])
	})

	t.Run("complete", func(t *testing.T) {
		resp, body := doJSON(t, "POST", ts.URL+"/api/v1/tasks/2/1/complete", map[string]any{
			"username":     "alice",
			"score":        4,
			"marking_time": 90,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["edition"])
	})

	t.Run("score above the question max is a 400", func(t *testing.T) {
		resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/tasks/1/1/claim", map[string]any{"username": "bob"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/tasks/1/1/complete", map[string]any{
			"username": "bob",
			"score":    6,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("release", func(t *testing.T) {
		resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/tasks/1/1/release", map[string]any{"username": "bob"})
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("empty pool on claim next", func(t *testing.T) {
		resp, _ := doJSON(t, "POST", ts.URL+"/api/v1/tasks/claim?username=alice", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = doJSON(t, "POST", ts.URL+"/api/v1/tasks/claim?username=bob", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("progress", func(t *testing.T) {
		resp, body := doJSON(t, "GET", ts.URL+"/api/v1/progress", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		progress := body["progress"].(map[string]any)
		q1 := progress["1"].(map[string]any)
		assert.Equal(t, float64(2), q1["total"])
		assert.Equal(t, float64(1), q1["complete"])
	})

	t.Run("annotations", func(t *testing.T) {
		resp, body := doJSON(t, "GET", ts.URL+"/api/v1/tasks/2/1/annotations", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["annotations"].([]any), 1)
	})
}

func TestSettingsEndpoints(t *testing.T) {
	ts := setupServer(t)

	t.Run("set", func(t *testing.T) {
		resp, _ := doJSON(t, "PUT", ts.URL+"/api/v1/settings/allow-quarter-point-rubrics", map[string]any{"value": "true"})
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("list shows implications", func(t *testing.T) {
		resp, body := doJSON(t, "GET", ts.URL+"/api/v1/settings", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		values := body["settings"].(map[string]any)
		assert.Equal(t, "true", values["allow-quarter-point-rubrics"])
		assert.Equal(t, "true", values["allow-half-point-rubrics"])
	})

	t.Run("unknown key", func(t *testing.T) {
		resp, _ := doJSON(t, "PUT", ts.URL+"/api/v1/settings/no-such-key", map[string]any{"value": "1"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("reset", func(t *testing.T) {
		resp, _ := doJSON(t, "DELETE", ts.URL+"/api/v1/settings/allow-quarter-point-rubrics", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestTokenEndpointsWithAuthDisabled(t *testing.T) {
	ts := setupServer(t)

	t.Run("list refused", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/tokens?as=maggie")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("fetch refused", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/tokens/alice?as=maggie", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("revoke refused", func(t *testing.T) {
		req, err := http.NewRequest("DELETE", ts.URL+"/api/v1/tokens/alice?as=maggie", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}
