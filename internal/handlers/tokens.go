package handlers

import (
	"net/http"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/apperr"
)

// TokenHandler exposes marker token administration. Tokens live in
// redis next to the auth state, so the whole surface returns 503 when
// the server runs with auth disabled.
type TokenHandler struct {
	service *app.Service
}

func NewTokenHandler(service *app.Service) *TokenHandler {
	return &TokenHandler{service: service}
}

func (h *TokenHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tokens", timed("/api/v1/tokens", h.HandleList))
	mux.HandleFunc("POST /api/v1/tokens/{username}", timed("/api/v1/tokens/{username}", h.HandleFetchOrCreate))
	mux.HandleFunc("DELETE /api/v1/tokens/{username}", timed("/api/v1/tokens/{username}", h.HandleRevoke))
}

// requireTokenManager resolves the shared redis connection and checks
// that the caller named in ?as= is a manager. Returns nil after writing
// the response when either check fails.
func (h *TokenHandler) requireTokenManager(w http.ResponseWriter, r *http.Request) *app.TokenManager {
	tm := h.service.Auth.TokenManager()
	if tm == nil {
		http.Error(w, "token auth is disabled", http.StatusServiceUnavailable)
		return nil
	}

	caller := r.URL.Query().Get("as")
	if caller == "" {
		writeError(w, apperr.NewFieldError("as", "calling username is required"))
		return nil
	}
	user, err := h.service.Store.GetUser(caller)
	if err != nil {
		writeError(w, err)
		return nil
	}
	if !user.IsManager() {
		writeError(w, apperr.PermissionDenied("only managers administer tokens"))
		return nil
	}
	return tm
}

func (h *TokenHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tm := h.requireTokenManager(w, r)
	if tm == nil {
		return
	}

	infos, err := tm.ListMarkerTokens(r.Context(), h.service.Config.Exam.Name)
	if err != nil {
		logger.Error.Printf("Failed to list tokens: %v", err)
		http.Error(w, "token backend error", http.StatusBadGateway)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tokens": infos})
}

func (h *TokenHandler) HandleFetchOrCreate(w http.ResponseWriter, r *http.Request) {
	tm := h.requireTokenManager(w, r)
	if tm == nil {
		return
	}

	username := r.PathValue("username")
	info, isNew, err := tm.FetchOrCreateMarkerToken(r.Context(), h.service.Config.Exam.Name, username)
	if err != nil {
		logger.Error.Printf("Failed to fetch token for %s: %v", username, err)
		http.Error(w, "token backend error", http.StatusBadGateway)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]any{
		"username": username,
		"new":      isNew,
		"info":     info,
	})
}

func (h *TokenHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	tm := h.requireTokenManager(w, r)
	if tm == nil {
		return
	}

	username := r.PathValue("username")
	if err := tm.RevokeMarkerToken(r.Context(), h.service.Config.Exam.Name, username); err != nil {
		logger.Error.Printf("Failed to revoke token for %s: %v", username, err)
		http.Error(w, "token backend error", http.StatusBadGateway)
		return
	}
	logger.Info.Printf("Revoked marker token for %s", username)
	w.WriteHeader(http.StatusNoContent)
}
