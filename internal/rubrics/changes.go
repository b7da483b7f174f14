package rubrics

import (
	"math"

	"github.com/plomgrading/marker/internal/models"
)

type ChangeKind int

const (
	MinorChange ChangeKind = iota
	MajorChange
)

func (c ChangeKind) String() string {
	if c == MajorChange {
		return "major"
	}
	return "minor"
}

const scoreEpsilon = 1e-9

// ClassifyChange decides whether an edit needs a new revision. The rule
// is a reject-list: touching anything that affects scoring (kind, value
// for scoring kinds, out_of for absolute, the question itself) is major;
// edits to text, tags or meta alone are minor. Text changes are never
// auto-promoted to major; callers who want that must force it.
func ClassifyChange(old, updated *models.Rubric) ChangeKind {
	if old.Kind != updated.Kind {
		return MajorChange
	}
	if updated.Kind != models.KindNeutral && !scoreEqual(old.Value, updated.Value) {
		return MajorChange
	}
	if updated.Kind == models.KindAbsolute && !scoreEqual(old.OutOf, updated.OutOf) {
		return MajorChange
	}
	if old.QuestionIndex != updated.QuestionIndex {
		return MajorChange
	}
	return MinorChange
}

func scoreEqual(a, b float64) bool {
	return math.Abs(a-b) < scoreEpsilon
}
