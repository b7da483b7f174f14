package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate reports field names by their json tag so validation errors
// match what the client actually sent.
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

type RubricKind string

const (
	KindAbsolute RubricKind = "absolute"
	KindRelative RubricKind = "relative"
	KindNeutral  RubricKind = "neutral"
)

func (k RubricKind) Valid() bool {
	switch k {
	case KindAbsolute, KindRelative, KindNeutral:
		return true
	}
	return false
}

// Parameter is one (placeholder, per-version substitution) pair. The
// substitution list must have exactly one entry per question version.
type Parameter struct {
	Placeholder   string   `json:"param"`
	Substitutions []string `json:"values"`
}

// ParameterList is stored as a JSON blob in a text column.
type ParameterList []Parameter

func (p ParameterList) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return string(b), nil
}

func (p *ParameterList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into ParameterList", src)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(data, p)
}

// Rubric is one revision row of a marking rubric. All revisions of "the
// same" rubric share a rid; exactly one row per rid carries latest=true.
type Rubric struct {
	ID            int64         `db:"id" json:"-"`
	RID           int64         `db:"rid" json:"rid"`
	Revision      int           `db:"revision" json:"revision"`
	Subrevision   int           `db:"subrevision" json:"subrevision"`
	Latest        bool          `db:"latest" json:"latest"`
	Kind          RubricKind    `db:"kind" json:"kind" validate:"required,oneof=absolute relative neutral"`
	Value         float64       `db:"value" json:"value"`
	OutOf         float64       `db:"out_of" json:"out_of"`
	DisplayDelta  string        `db:"display_delta" json:"display_delta"`
	Text          string        `db:"text" json:"text" validate:"required"`
	Meta          string        `db:"meta" json:"meta"`
	Tags          string        `db:"tags" json:"tags"`
	QuestionIndex int           `db:"question_index" json:"question_index" validate:"required,min=1"`
	Versions      string        `db:"versions" json:"versions"`
	Parameters    ParameterList `db:"parameters" json:"parameters"`
	PedagogyTags  string        `db:"pedagogy_tags" json:"pedagogy_tags"`
	SystemRubric  bool          `db:"system_rubric" json:"system_rubric"`
	Published     bool          `db:"published" json:"published"`
	Owner         string        `db:"owner" json:"username"`
	ModifiedBy    string        `db:"modified_by" json:"modified_by_username"`
	LastModified  time.Time     `db:"last_modified" json:"last_modified"`
}

func (r *Rubric) Validate() error {
	return validate.Struct(r)
}

// VersionList parses the comma list of allowed question versions.
// Empty means the rubric applies to all versions.
func (r *Rubric) VersionList() ([]int, error) {
	versions := strings.TrimSpace(r.Versions)
	if versions == "" {
		return nil, nil
	}
	parts := strings.Split(versions, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad version %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// NewRubric is the payload for rubric creation.
type NewRubric struct {
	Kind          RubricKind    `json:"kind" validate:"required,oneof=absolute relative neutral"`
	Value         float64       `json:"value"`
	OutOf         float64       `json:"out_of"`
	DisplayDelta  string        `json:"display_delta"`
	Text          string        `json:"text"`
	Meta          string        `json:"meta"`
	Tags          string        `json:"tags"`
	QuestionIndex int           `json:"question_index"`
	Versions      string        `json:"versions"`
	Parameters    ParameterList `json:"parameters"`
	PedagogyTags  string        `json:"pedagogy_tags"`
	SystemRubric  bool          `json:"system_rubric"`
	Published     bool          `json:"published"`
}

// ModifyRubric is the payload for rubric modification. Revision and
// Subrevision must echo the state the caller last read; a mismatch with
// the stored row is a mid-air collision.
type ModifyRubric struct {
	Revision    int `json:"revision"`
	Subrevision int `json:"subrevision"`

	Kind          RubricKind    `json:"kind" validate:"required,oneof=absolute relative neutral"`
	Value         float64       `json:"value"`
	OutOf         float64       `json:"out_of"`
	DisplayDelta  string        `json:"display_delta"`
	Text          string        `json:"text"`
	Meta          string        `json:"meta"`
	Tags          string        `json:"tags"`
	QuestionIndex int           `json:"question_index"`
	Versions      string        `json:"versions"`
	Parameters    ParameterList `json:"parameters"`
	PedagogyTags  string        `json:"pedagogy_tags"`
	SystemRubric  bool          `json:"system_rubric"`
	Published     bool          `json:"published"`
}
