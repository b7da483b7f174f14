package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/metrics"
	"github.com/plomgrading/marker/internal/models"
)

type TaskHandler struct {
	service *app.Service
}

func NewTaskHandler(service *app.Service) *TaskHandler {
	return &TaskHandler{service: service}
}

func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/tasks", timed("/api/v1/tasks", h.HandleCreate))
	mux.HandleFunc("GET /api/v1/tasks", timed("/api/v1/tasks", h.HandleList))
	mux.HandleFunc("POST /api/v1/tasks/claim", timed("/api/v1/tasks/claim", h.HandleClaimNext))
	mux.HandleFunc("GET /api/v1/tasks/{paper}/{question}", timed("/api/v1/tasks/{paper}/{question}", h.HandleGet))
	mux.HandleFunc("POST /api/v1/tasks/{paper}/{question}/claim", timed("/api/v1/tasks/{paper}/{question}/claim", h.HandleClaim))
	mux.HandleFunc("POST /api/v1/tasks/{paper}/{question}/release", timed("/api/v1/tasks/{paper}/{question}/release", h.HandleRelease))
	mux.HandleFunc("POST /api/v1/tasks/{paper}/{question}/complete", timed("/api/v1/tasks/{paper}/{question}/complete", h.HandleComplete))
	mux.HandleFunc("POST /api/v1/tasks/{paper}/{question}/reopen", timed("/api/v1/tasks/{paper}/{question}/reopen", h.HandleReopen))
	mux.HandleFunc("POST /api/v1/tasks/{paper}/{question}/invalidate", timed("/api/v1/tasks/{paper}/{question}/invalidate", h.HandleInvalidate))
	mux.HandleFunc("PATCH /api/v1/tasks/{paper}/{question}/priority", timed("/api/v1/tasks/{paper}/{question}/priority", h.HandlePriority))
	mux.HandleFunc("GET /api/v1/tasks/{paper}/{question}/annotations", timed("/api/v1/tasks/{paper}/{question}/annotations", h.HandleAnnotations))
	mux.HandleFunc("GET /api/v1/progress", timed("/api/v1/progress", h.HandleProgress))
}

type createTaskRequest struct {
	Paper           int     `json:"paper"`
	QuestionIndex   int     `json:"question_index"`
	QuestionVersion int     `json:"question_version"`
	Priority        float64 `json:"priority"`
}

func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.QuestionVersion == 0 {
		req.QuestionVersion = 1
	}
	task, err := h.service.Tasks.Create(req.Paper, req.QuestionIndex, req.QuestionVersion, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	list, err := h.service.Tasks.List(status)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (h *TaskHandler) HandleClaimNext(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, apperr.NewFieldError("username", "username is required"))
		return
	}
	if err := h.service.ValidateAuth(r, username); err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	task, err := h.service.Tasks.ClaimNext(username)
	if err != nil {
		metrics.TaskClaimsTotal.WithLabelValues("miss").Inc()
		writeError(w, err)
		return
	}
	metrics.TaskClaimsTotal.WithLabelValues("claimed").Inc()
	respondJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.service.Tasks.Get(paper, question)
	if err != nil {
		writeError(w, err)
		return
	}
	tags, err := h.service.Tasks.Tags(paper, question)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task, "tags": tags})
}

type taskUserRequest struct {
	Username string `json:"username"`
	Force    bool   `json:"force"`
}

func (h *TaskHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	var req taskUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, apperr.NewFieldError("username", "username is required"))
		return
	}
	if err := h.service.ValidateAuth(r, req.Username); err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	task, err := h.service.Tasks.Claim(paper, question, req.Username)
	if err != nil {
		metrics.TaskClaimsTotal.WithLabelValues("conflict").Inc()
		writeError(w, err)
		return
	}
	metrics.TaskClaimsTotal.WithLabelValues("claimed").Inc()
	respondJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	var req taskUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.Force {
		err = h.service.Tasks.ForceRelease(paper, question)
	} else {
		if req.Username == "" {
			writeError(w, apperr.NewFieldError("username", "username is required"))
			return
		}
		err = h.service.Tasks.Release(paper, question, req.Username)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.TaskTransitionsTotal.WithLabelValues("release").Inc()
	w.WriteHeader(http.StatusNoContent)
}

type completeTaskRequest struct {
	Username    string  `json:"username"`
	Score       float64 `json:"score"`
	MarkingTime int     `json:"marking_time"`
	RubricRIDs  []int64 `json:"rubric_ids"`
}

func (h *TaskHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		writeError(w, apperr.NewFieldError("username", "username is required"))
		return
	}
	if err := h.service.ValidateAuth(r, req.Username); err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ann, err := h.service.Tasks.Complete(paper, question, req.Username, req.Score, req.MarkingTime, req.RubricRIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.TaskTransitionsTotal.WithLabelValues("complete").Inc()
	respondJSON(w, http.StatusOK, ann)
}

func (h *TaskHandler) HandleReopen(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.Tasks.Reopen(paper, question); err != nil {
		writeError(w, err)
		return
	}
	metrics.TaskTransitionsTotal.WithLabelValues("reopen").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.Tasks.Invalidate(paper, question); err != nil {
		writeError(w, err)
		return
	}
	metrics.TaskTransitionsTotal.WithLabelValues("invalidate").Inc()
	w.WriteHeader(http.StatusNoContent)
}

type priorityRequest struct {
	Priority float64 `json:"priority"`
}

func (h *TaskHandler) HandlePriority(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.service.Tasks.SetPriority(paper, question, req.Priority); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) HandleAnnotations(w http.ResponseWriter, r *http.Request) {
	paper, err := pathInt(r, "paper")
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := pathInt(r, "question")
	if err != nil {
		writeError(w, err)
		return
	}
	anns, err := h.service.Tasks.Annotations(paper, question)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"annotations": anns})
}

func (h *TaskHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.service.Tasks.Progress()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[int]map[string]any, len(progress))
	for _, p := range progress {
		out[p.QuestionIndex] = map[string]any{
			"total":           p.Total,
			"complete":        p.Complete,
			"out_for_marking": p.OutForMarking,
			"avg_score":       p.AvgScore,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"progress": out})
}
