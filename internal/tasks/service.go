package tasks

import (
	"fmt"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/rubrics"
	"github.com/plomgrading/marker/internal/store"
)

// Service drives the marking-task state machine. Grading clients never
// touch task rows directly; every transition goes through here and the
// store makes each one an atomic conditional update, so two markers can
// never hold the same task.
type Service struct {
	store store.MarkStore
	exam  rubrics.ExamInfo
}

func NewService(st store.MarkStore, exam rubrics.ExamInfo) *Service {
	return &Service{store: st, exam: exam}
}

// Create registers one gradable unit of work in TO_DO state.
func (s *Service) Create(paper, questionIndex, questionVersion int, priority float64) (*models.MarkingTask, error) {
	if paper < 1 {
		return nil, apperr.NewFieldError("paper", fmt.Sprintf("bad paper number %d", paper))
	}
	if questionIndex < 1 || questionIndex > s.exam.NumQuestions {
		return nil, apperr.NewFieldError("question_index",
			fmt.Sprintf("question index %d out of range, paper has %d questions", questionIndex, s.exam.NumQuestions))
	}
	if questionVersion < 1 || questionVersion > s.exam.NumVersions {
		return nil, apperr.NewFieldError("question_version",
			fmt.Sprintf("version %d out of range, paper has %d versions", questionVersion, s.exam.NumVersions))
	}
	t := &models.MarkingTask{
		Paper:           paper,
		QuestionIndex:   questionIndex,
		QuestionVersion: questionVersion,
		Status:          models.StatusToDo,
		MarkingPriority: priority,
	}
	if err := s.store.CreateTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ClaimNext hands the caller the highest-priority TO_DO task, moving it
// to OUT atomically.
func (s *Service) ClaimNext(username string) (*models.MarkingTask, error) {
	if _, err := s.store.GetUser(username); err != nil {
		return nil, err
	}
	t, err := s.store.ClaimNextTask(username)
	if err != nil {
		return nil, err
	}
	logger.Debug.Printf("Task %d (paper %d q%d) claimed by %q", t.ID, t.Paper, t.QuestionIndex, username)
	return t, nil
}

// Claim takes one specific task; a task that is no longer TO_DO yields
// a conflict naming the current holder so the client can pick another.
func (s *Service) Claim(paper, questionIndex int, username string) (*models.MarkingTask, error) {
	if _, err := s.store.GetUser(username); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return nil, err
	}
	return s.store.ClaimTask(t.ID, username)
}

// Release surrenders an OUT task back to the pool. Only the assignee
// may do this; admins use ForceRelease.
func (s *Service) Release(paper, questionIndex int, username string) error {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return err
	}
	return s.store.ReleaseTask(t.ID, username, false)
}

// ForceRelease is the administrative override, also used by the stale
// sweeper.
func (s *Service) ForceRelease(paper, questionIndex int) error {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return err
	}
	return s.store.ReleaseTask(t.ID, "", true)
}

// Complete records a marking pass: score plus the rubrics applied. The
// rubric list arrives as rids; each is resolved to its current revision
// row, which is what the annotation references from then on.
func (s *Service) Complete(paper, questionIndex int, username string, score float64, markingTime int, rubricRIDs []int64) (*models.Annotation, error) {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return nil, err
	}

	maxMark := s.exam.MaxMarkOf(questionIndex)
	if score < 0 || score > maxMark {
		return nil, apperr.NewFieldError("score",
			fmt.Sprintf("score %g outside [0, %g]", score, maxMark))
	}

	rubricIDs := make([]int64, 0, len(rubricRIDs))
	for _, rid := range rubricRIDs {
		r, err := s.store.GetLatestRubric(rid)
		if err != nil {
			return nil, err
		}
		if r.QuestionIndex != questionIndex {
			return nil, apperr.NewFieldError("rubrics",
				fmt.Sprintf("rubric %d belongs to question %d, not %d", rid, r.QuestionIndex, questionIndex))
		}
		rubricIDs = append(rubricIDs, r.ID)
	}

	ann, err := s.store.CompleteTask(t.ID, username, score, markingTime, rubricIDs)
	if err != nil {
		return nil, err
	}
	logger.Debug.Printf("Task %d completed by %q, score %g (edition %d)", t.ID, username, score, ann.Edition)
	return ann, nil
}

// Reopen moves a COMPLETE task back to OUT for re-marking. The previous
// annotation stays in history; the next Complete replaces the latest
// pointer.
func (s *Service) Reopen(paper, questionIndex int) error {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return err
	}
	return s.store.ReopenTask(t.ID)
}

// Invalidate marks a task OUT_OF_DATE after a structural change to the
// paper. Terminal: there is no way back out.
func (s *Service) Invalidate(paper, questionIndex int) error {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return err
	}
	return s.store.InvalidateTask(t.ID)
}

func (s *Service) SetPriority(paper, questionIndex int, priority float64) error {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return err
	}
	return s.store.UpdateTaskPriority(t.ID, priority)
}

func (s *Service) Get(paper, questionIndex int) (*models.MarkingTask, error) {
	return s.store.GetTask(paper, questionIndex)
}

func (s *Service) List(status models.TaskStatus) ([]models.MarkingTask, error) {
	if status != "" {
		switch status {
		case models.StatusToDo, models.StatusOut, models.StatusComplete, models.StatusOutOfDate:
		default:
			return nil, apperr.NewFieldError("status", fmt.Sprintf("unknown task status %q", status))
		}
	}
	return s.store.ListTasks(status)
}

func (s *Service) Tags(paper, questionIndex int) ([]string, error) {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return nil, err
	}
	return s.store.ListTaskTags(t.ID)
}

func (s *Service) Annotations(paper, questionIndex int) ([]models.Annotation, error) {
	t, err := s.store.GetTask(paper, questionIndex)
	if err != nil {
		return nil, err
	}
	return s.store.ListTaskAnnotations(t.ID)
}

func (s *Service) Progress() ([]store.MarkingProgress, error) {
	return s.store.FetchMarkingProgress()
}

// ReleaseStale returns every OUT task untouched since the cutoff back
// to TO_DO. This is sweep policy, not state-machine logic: it only
// calls the ordinary release primitive.
func (s *Service) ReleaseStale(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stale, err := s.store.ListStaleOutTasks(cutoff)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, t := range stale {
		if err := s.store.ReleaseTask(t.ID, "", true); err != nil {
			if apperr.IsConflict(err) {
				continue // someone completed it between list and release
			}
			return released, err
		}
		released++
	}
	return released, nil
}
