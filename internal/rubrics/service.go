package rubrics

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/store"
)

// ExamInfo describes the paper structure rubrics are validated against.
type ExamInfo struct {
	NumQuestions int
	NumVersions  int
	// MaxMark[i] is the maximum mark of question i+1.
	MaxMark []float64
}

func (e ExamInfo) MaxMarkOf(questionIndex int) float64 {
	if questionIndex < 1 || questionIndex > len(e.MaxMark) {
		return 0
	}
	return e.MaxMark[questionIndex-1]
}

// Service orchestrates creation, validation and revisioning of rubrics.
// It is the sole writer of rubric rows.
type Service struct {
	store store.MarkStore
	perms *Permissions
	exam  ExamInfo
}

func NewService(st store.MarkStore, perms *Permissions, exam ExamInfo) *Service {
	return &Service{store: st, perms: perms, exam: exam}
}

// Create validates the payload, checks the creation tier for the actor,
// and persists a fresh revision-zero rubric.
func (s *Service) Create(data models.NewRubric, actor Actor) (*models.Rubric, error) {
	r := &models.Rubric{
		Revision:      0,
		Subrevision:   0,
		Latest:        true,
		Kind:          data.Kind,
		Value:         data.Value,
		OutOf:         data.OutOf,
		DisplayDelta:  data.DisplayDelta,
		Text:          strings.TrimSpace(data.Text),
		Meta:          data.Meta,
		Tags:          data.Tags,
		QuestionIndex: data.QuestionIndex,
		Versions:      data.Versions,
		Parameters:    data.Parameters,
		PedagogyTags:  data.PedagogyTags,
		SystemRubric:  data.SystemRubric,
		Published:     data.Published,
	}

	if err := s.validate(r); err != nil {
		return nil, err
	}

	username := actor.Username()
	if !actor.IsSystem() {
		if r.SystemRubric {
			return nil, apperr.PermissionDenied("only the system itself creates system rubrics")
		}
		user, err := s.store.GetUser(username)
		if err != nil {
			return nil, err
		}
		if err := s.perms.CanCreate(user); err != nil {
			return nil, err
		}
	}

	if r.DisplayDelta == "" {
		r.DisplayDelta = GenerateDisplayDelta(r.Kind, r.Value, r.OutOf)
	}
	r.Owner = username
	r.ModifiedBy = username
	r.LastModified = time.Now().UTC()

	if err := s.store.CreateRubric(r); err != nil {
		return nil, err
	}
	logger.Debug.Printf("Created rubric rid=%d q=%d kind=%s by %q", r.RID, r.QuestionIndex, r.Kind, username)
	return r, nil
}

// Modify applies an edit to the current revision of a rubric. The
// caller echoes the (revision, subrevision) pair it last read; a
// mismatch with the stored row is rejected as a mid-air collision.
// Minor edits bump the subrevision in place, major edits retire the row
// and insert revision+1. forceMinor overrides the automatic
// classification when non-nil.
//
// With tagTasks set, a major edit also tags every completed task whose
// latest annotation used an older revision of this rubric. A minor edit
// never tags anything, tagTasks or not.
func (s *Service) Modify(rid int64, data models.ModifyRubric, actor Actor, tagTasks bool, forceMinor *bool) (*models.Rubric, error) {
	current, err := s.store.GetLatestRubric(rid)
	if err != nil {
		return nil, err
	}

	if data.Revision != current.Revision || data.Subrevision != current.Subrevision {
		return nil, apperr.NewRevisionConflict(current.Revision, current.Subrevision)
	}

	username := actor.Username()
	if !actor.IsSystem() {
		user, err := s.store.GetUser(username)
		if err != nil {
			return nil, err
		}
		if err := s.perms.CanModify(user, current); err != nil {
			return nil, err
		}
	}

	updated := &models.Rubric{
		RID:           rid,
		Kind:          data.Kind,
		Value:         data.Value,
		OutOf:         data.OutOf,
		DisplayDelta:  data.DisplayDelta,
		Text:          strings.TrimSpace(data.Text),
		Meta:          data.Meta,
		Tags:          data.Tags,
		QuestionIndex: data.QuestionIndex,
		Versions:      data.Versions,
		Parameters:    data.Parameters,
		PedagogyTags:  data.PedagogyTags,
		Published:     data.Published,
		// system status survives every edit; an edit cannot grant or
		// revoke it
		SystemRubric: current.SystemRubric,
		Owner:        current.Owner,
		ModifiedBy:   username,
		LastModified: time.Now().UTC(),
	}

	if err := s.validate(updated); err != nil {
		return nil, err
	}
	if updated.DisplayDelta == "" {
		updated.DisplayDelta = GenerateDisplayDelta(updated.Kind, updated.Value, updated.OutOf)
	}

	change := ClassifyChange(current, updated)
	if forceMinor != nil {
		if *forceMinor {
			change = MinorChange
		} else {
			change = MajorChange
		}
	}

	switch change {
	case MinorChange:
		if err := s.store.UpdateLatestRubric(updated, current.Revision, current.Subrevision); err != nil {
			return nil, err
		}
		updated.ID = current.ID
	case MajorChange:
		if err := s.store.InsertRubricRevision(updated, current.Revision, current.Subrevision); err != nil {
			return nil, err
		}
	}
	logger.Debug.Printf("Modified rubric rid=%d: %s edit, now %d.%d", rid, change, updated.Revision, updated.Subrevision)

	if tagTasks && change == MajorChange {
		if err := s.tagOutdatedTasks(rid, updated.Revision); err != nil {
			return nil, err
		}
	}

	return updated, nil
}

func (s *Service) tagOutdatedTasks(rid int64, currentRevision int) error {
	tasks, err := s.store.ListTasksUsingOutdatedRubric(rid, currentRevision)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.store.TagTask(t.ID, models.TagRubricChanged); err != nil {
			return err
		}
	}
	if len(tasks) > 0 {
		logger.Info.Printf("Tagged %d tasks for re-review after major edit of rubric %d", len(tasks), rid)
	}
	return nil
}

func (s *Service) Get(rid int64) (*models.Rubric, error) {
	return s.store.GetLatestRubric(rid)
}

// List returns the current revision of every rubric, optionally limited
// to one question. questionIndex 0 means all questions.
func (s *Service) List(questionIndex int) ([]models.Rubric, error) {
	if questionIndex < 0 || questionIndex > s.exam.NumQuestions {
		return nil, apperr.NewFieldError("question_index",
			fmt.Sprintf("question index %d out of range, paper has %d questions", questionIndex, s.exam.NumQuestions))
	}
	return s.store.ListLatestRubrics(questionIndex)
}

// History returns every stored revision of a rubric, oldest first.
func (s *Service) History(rid int64) ([]models.Rubric, error) {
	return s.store.ListRubricRevisions(rid)
}

// WipeAll removes every rubric. Refused once any annotation exists.
func (s *Service) WipeAll() error {
	return s.store.DeleteAllRubrics()
}

// validate runs the ordered field checks shared by create and modify.
// Fraction pinning mutates Value/OutOf so the stored number is the
// exact k/N, not the client's float approximation.
func (s *Service) validate(r *models.Rubric) error {
	if err := r.Validate(); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.NewFieldError(fe.Field(), fmt.Sprintf("fails the %q constraint", fe.Tag()))
		}
		return err
	}
	if !r.Kind.Valid() {
		return apperr.NewFieldError("kind", fmt.Sprintf("unknown rubric kind %q", r.Kind))
	}
	if r.Text == "" {
		return apperr.NewFieldError("text", "rubric text cannot be empty")
	}
	if r.QuestionIndex < 1 || r.QuestionIndex > s.exam.NumQuestions {
		return apperr.NewFieldError("question_index",
			fmt.Sprintf("question index %d out of range, paper has %d questions", r.QuestionIndex, s.exam.NumQuestions))
	}

	maxMark := s.exam.MaxMarkOf(r.QuestionIndex)
	switch r.Kind {
	case models.KindNeutral:
		if !scoreEqual(r.Value, 0) || !scoreEqual(r.OutOf, 0) {
			return apperr.NewFieldError("value", "a neutral rubric cannot change the score")
		}
		r.Value, r.OutOf = 0, 0
	case models.KindRelative:
		if math.Abs(r.Value) > maxMark+scoreEpsilon {
			return apperr.NewFieldError("value",
				fmt.Sprintf("delta %g outside [-%g, %g]", r.Value, maxMark, maxMark))
		}
		r.OutOf = 0
	case models.KindAbsolute:
		if r.Value < -scoreEpsilon || r.Value > r.OutOf+scoreEpsilon || r.OutOf > maxMark+scoreEpsilon {
			return apperr.NewFieldError("value",
				fmt.Sprintf("need 0 <= value <= out_of <= %g, got value=%g out_of=%g", maxMark, r.Value, r.OutOf))
		}
	}

	versions, err := r.VersionList()
	if err != nil {
		return apperr.NewFieldError("versions", err.Error())
	}
	for _, v := range versions {
		if v < 1 || v > s.exam.NumVersions {
			return apperr.NewFieldError("versions",
				fmt.Sprintf("version %d out of range, paper has %d versions", v, s.exam.NumVersions))
		}
	}

	for _, param := range r.Parameters {
		if param.Placeholder == "" {
			return apperr.NewFieldError("parameters", "parameter placeholder cannot be empty")
		}
		if len(param.Substitutions) != s.exam.NumVersions {
			return apperr.NewFieldError("parameters",
				fmt.Sprintf("parameter %q needs exactly %d substitutions, got %d",
					param.Placeholder, s.exam.NumVersions, len(param.Substitutions)))
		}
	}

	pinned, err := s.perms.PinToAllowedFraction(r.Value)
	if err != nil {
		return err
	}
	r.Value = pinned
	if r.Kind == models.KindAbsolute {
		pinnedOutOf, err := s.perms.PinToAllowedFraction(r.OutOf)
		if err != nil {
			return err
		}
		r.OutOf = pinnedOutOf
	}

	return nil
}
