package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/metrics"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/rubrics"
	"github.com/plomgrading/marker/internal/settings"
)

type RubricHandler struct {
	service *app.Service
}

func NewRubricHandler(service *app.Service) *RubricHandler {
	return &RubricHandler{service: service}
}

// Register wires the rubric and settings routes onto the mux.
func (h *RubricHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/rubrics", timed("/api/v1/rubrics", h.HandleCreate))
	mux.HandleFunc("GET /api/v1/rubrics", timed("/api/v1/rubrics", h.HandleList))
	mux.HandleFunc("GET /api/v1/rubrics/{rid}", timed("/api/v1/rubrics/{rid}", h.HandleGet))
	mux.HandleFunc("PATCH /api/v1/rubrics/{rid}", timed("/api/v1/rubrics/{rid}", h.HandleModify))
	mux.HandleFunc("GET /api/v1/rubrics/{rid}/revisions", timed("/api/v1/rubrics/{rid}/revisions", h.HandleRevisions))
	mux.HandleFunc("GET /api/v1/settings", timed("/api/v1/settings", h.HandleListSettings))
	mux.HandleFunc("PUT /api/v1/settings/{key}", timed("/api/v1/settings/{key}", h.HandleSetSetting))
	mux.HandleFunc("DELETE /api/v1/settings/{key}", timed("/api/v1/settings/{key}", h.HandleResetSetting))
}

type createRubricRequest struct {
	Username string           `json:"username"`
	Rubric   models.NewRubric `json:"rubric"`
}

func (h *RubricHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRubricRequest
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

	rubric, err := h.service.Rubrics.Create(req.Rubric, rubrics.UserActor(req.Username))
	if err != nil {
		writeError(w, err)
		return
	}

	metrics.RubricRevisionsTotal.WithLabelValues(string(rubric.Kind), "create").Inc()
	respondJSON(w, http.StatusCreated, rubric)
}

type modifyRubricRequest struct {
	Username      string              `json:"username"`
	TagTasks      bool                `json:"tag_tasks"`
	IsMinorChange *bool               `json:"is_minor_change"`
	Rubric        models.ModifyRubric `json:"rubric"`
}

func (h *RubricHandler) HandleModify(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(r.PathValue("rid"), 10, 64)
	if err != nil {
		writeError(w, apperr.NewFieldError("rid", "must be an integer"))
		return
	}

	var req modifyRubricRequest
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

	rubric, err := h.service.Rubrics.Modify(rid, req.Rubric, rubrics.UserActor(req.Username), req.TagTasks, req.IsMinorChange)
	if err != nil {
		writeError(w, err)
		return
	}

	change := "minor"
	if rubric.Subrevision == 0 {
		change = "major"
	}
	metrics.RubricRevisionsTotal.WithLabelValues(string(rubric.Kind), change).Inc()
	respondJSON(w, http.StatusOK, rubric)
}

func (h *RubricHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(r.PathValue("rid"), 10, 64)
	if err != nil {
		writeError(w, apperr.NewFieldError("rid", "must be an integer"))
		return
	}
	rubric, err := h.service.Rubrics.Get(rid)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rubric)
}

func (h *RubricHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	question := 0
	if q := r.URL.Query().Get("question"); q != "" {
		var err error
		question, err = strconv.Atoi(q)
		if err != nil {
			writeError(w, apperr.NewFieldError("question", "must be an integer"))
			return
		}
	}
	list, err := h.service.Rubrics.List(question)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rubrics": list})
}

func (h *RubricHandler) HandleRevisions(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(r.PathValue("rid"), 10, 64)
	if err != nil {
		writeError(w, apperr.NewFieldError("rid", "must be an integer"))
		return
	}
	revisions, err := h.service.Rubrics.History(rid)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (h *RubricHandler) HandleListSettings(w http.ResponseWriter, r *http.Request) {
	values := make(map[string]string)
	for _, key := range settings.Keys() {
		value, err := h.service.Settings.Get(key)
		if err != nil {
			writeError(w, err)
			return
		}
		values[key] = value
	}
	respondJSON(w, http.StatusOK, map[string]any{"settings": values})
}

type setSettingRequest struct {
	Value string `json:"value"`
}

func (h *RubricHandler) HandleSetSetting(w http.ResponseWriter, r *http.Request) {
	var req setSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.service.Settings.Set(r.PathValue("key"), req.Value); err != nil {
		writeError(w, apperr.NewFieldError("key", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RubricHandler) HandleResetSetting(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Settings.Reset(r.PathValue("key")); err != nil {
		writeError(w, apperr.NewFieldError("key", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
