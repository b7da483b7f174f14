package app

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/plomgrading/marker/internal/rubrics"
	"github.com/plomgrading/marker/internal/settings"
	"github.com/plomgrading/marker/internal/store"
	"github.com/plomgrading/marker/internal/tasks"
)

// Service wires the config, store, auth and the two domain services
// together; handlers and the CLIs all hang off one of these.
type Service struct {
	Config   *Config
	Store    store.MarkStore
	Auth     *Auth
	Settings settings.Store
	Rubrics  *rubrics.Service
	Tasks    *tasks.Service
}

func NewService(configPath string) (*Service, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := NewStore(config.Database.DSN, config.Database.MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}

	auth, err := NewAuth(config)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init auth: %w", err)
	}

	settingsStore := settings.NewDBStore(st)
	exam := rubrics.ExamInfo{
		NumQuestions: config.Exam.Questions,
		NumVersions:  config.Exam.Versions,
		MaxMark:      config.Exam.MaxMarks,
	}
	perms := rubrics.NewPermissions(settingsStore)

	return &Service{
		Config:   config,
		Store:    st,
		Auth:     auth,
		Settings: settingsStore,
		Rubrics:  rubrics.NewService(st, perms, exam),
		Tasks:    tasks.NewService(st, exam),
	}, nil
}

func (s *Service) ExamInfo() rubrics.ExamInfo {
	return rubrics.ExamInfo{
		NumQuestions: s.Config.Exam.Questions,
		NumVersions:  s.Config.Exam.Versions,
		MaxMark:      s.Config.Exam.MaxMarks,
	}
}

// ValidateAuth checks the Bearer token for a marker request. With auth
// disabled in config it is a no-op.
func (s *Service) ValidateAuth(r *http.Request, username string) error {
	if !s.Config.Server.EnableAuth {
		return nil
	}

	authHeader := r.Header.Get(s.Auth.tokenHeader)
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("invalid authorization header format")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	return s.Auth.ValidateToken(r.Context(), s.Config.Exam.Name, username, token)
}

func (s *Service) Close() error {
	var errs []error

	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.Auth.Close(); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors while closing: %v", errs)
	}
	return nil
}
