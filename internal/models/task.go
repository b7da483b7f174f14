package models

import (
	"time"
)

type TaskStatus string

const (
	StatusToDo      TaskStatus = "TO_DO"
	StatusOut       TaskStatus = "OUT"
	StatusComplete  TaskStatus = "COMPLETE"
	StatusOutOfDate TaskStatus = "OUT_OF_DATE"
)

// TagRubricChanged marks a completed task whose latest annotation used a
// rubric revision that has since been superseded by a major edit.
const TagRubricChanged = "rubric_changed"

// MarkingTask is one unit of gradable work: one question on one paper.
//
// Status invariant: TO_DO and OUT_OF_DATE tasks have no assigned user;
// OUT and COMPLETE tasks always have one.
type MarkingTask struct {
	ID                 int64      `db:"id" json:"id"`
	Paper              int        `db:"paper" json:"paper" validate:"required,min=1"`
	QuestionIndex      int        `db:"question_index" json:"question_index" validate:"required,min=1"`
	QuestionVersion    int        `db:"question_version" json:"question_version" validate:"required,min=1"`
	Status             TaskStatus `db:"status" json:"status"`
	AssignedUser       *string    `db:"assigned_user" json:"assigned_user,omitempty"`
	LatestAnnotationID *int64     `db:"latest_annotation_id" json:"latest_annotation_id,omitempty"`
	MarkingPriority    float64    `db:"marking_priority" json:"marking_priority"`
	LastUpdate         time.Time  `db:"last_update" json:"last_update"`
}

func (t *MarkingTask) AssignedTo(username string) bool {
	return t.AssignedUser != nil && *t.AssignedUser == username
}

// Annotation is the record of one completed marking pass. Rows are never
// mutated after insertion; re-marking a task inserts a new edition.
type Annotation struct {
	ID          int64     `db:"id" json:"id"`
	TaskID      int64     `db:"task_id" json:"task_id"`
	Edition     int       `db:"edition" json:"edition"`
	Score       float64   `db:"score" json:"score"`
	MarkingTime int       `db:"marking_time" json:"marking_time"` // seconds
	User        string    `db:"username" json:"username"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`

	// Rubric row ids (specific revisions, not rids) applied in this pass.
	// Loaded from the annotation_rubrics join table.
	RubricIDs []int64 `db:"-" json:"rubric_ids"`
}
