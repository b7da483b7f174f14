package store

type DatabaseType string

const (
	DBTypePostgres DatabaseType = "postgres"
	DBTypeSQLite   DatabaseType = "sqlite"
)

// MarkingProgress is one row of the per-question completion summary
// used by the progress exporter and the scoring endpoint.
type MarkingProgress struct {
	QuestionIndex int     `db:"question_index"`
	Total         int64   `db:"total"`
	Complete      int64   `db:"complete"`
	OutForMarking int64   `db:"out_for_marking"`
	AvgScore      float64 `db:"avg_score"`
}
