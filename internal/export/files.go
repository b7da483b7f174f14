package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/rubrics"
)

// Record is the file/API representation of one rubric. Pulling writes
// these; pushing feeds each one back through the ordinary create path,
// so a pull/push round trip reproduces equivalent rubrics with fresh
// rids and timestamps.
type Record struct {
	RID           int64                `json:"rid" toml:"rid"`
	Kind          models.RubricKind    `json:"kind" toml:"kind"`
	DisplayDelta  string               `json:"display_delta" toml:"display_delta"`
	Value         float64              `json:"value" toml:"value"`
	OutOf         float64              `json:"out_of" toml:"out_of"`
	Text          string               `json:"text" toml:"text"`
	Tags          string               `json:"tags" toml:"tags"`
	Meta          string               `json:"meta" toml:"meta"`
	Username      string               `json:"username" toml:"username"`
	QuestionIndex int                  `json:"question_index" toml:"question_index"`
	Versions      string               `json:"versions" toml:"versions"`
	Parameters    models.ParameterList `json:"parameters" toml:"parameters,omitempty"`
	PedagogyTags  string               `json:"pedagogy_tags" toml:"pedagogy_tags"`
	SystemRubric  bool                 `json:"system_rubric" toml:"system_rubric"`
	Published     bool                 `json:"published" toml:"published"`
	LastModified  time.Time            `json:"last_modified" toml:"last_modified"`
	ModifiedBy    string               `json:"modified_by_username" toml:"modified_by_username"`
	Revision      int                  `json:"revision" toml:"revision"`
	Subrevision   int                  `json:"subrevision" toml:"subrevision"`
}

func recordFromRubric(r models.Rubric) Record {
	return Record{
		RID:           r.RID,
		Kind:          r.Kind,
		DisplayDelta:  r.DisplayDelta,
		Value:         r.Value,
		OutOf:         r.OutOf,
		Text:          r.Text,
		Tags:          r.Tags,
		Meta:          r.Meta,
		Username:      r.Owner,
		QuestionIndex: r.QuestionIndex,
		Versions:      r.Versions,
		Parameters:    r.Parameters,
		PedagogyTags:  r.PedagogyTags,
		SystemRubric:  r.SystemRubric,
		Published:     r.Published,
		LastModified:  r.LastModified,
		ModifiedBy:    r.ModifiedBy,
		Revision:      r.Revision,
		Subrevision:   r.Subrevision,
	}
}

func (rec Record) toNewRubric() models.NewRubric {
	return models.NewRubric{
		Kind:          rec.Kind,
		Value:         rec.Value,
		OutOf:         rec.OutOf,
		DisplayDelta:  rec.DisplayDelta,
		Text:          rec.Text,
		Meta:          rec.Meta,
		Tags:          rec.Tags,
		QuestionIndex: rec.QuestionIndex,
		Versions:      rec.Versions,
		Parameters:    rec.Parameters,
		PedagogyTags:  rec.PedagogyTags,
		SystemRubric:  rec.SystemRubric,
		Published:     rec.Published,
	}
}

type tomlFile struct {
	Rubrics []Record `toml:"rubric"`
}

// Pull writes the current revision of every rubric to a file. Format is
// picked by extension: .csv, .json or .toml.
func Pull(svc *rubrics.Service, path string) (int, error) {
	all, err := svc.List(0)
	if err != nil {
		return 0, err
	}
	records := make([]Record, 0, len(all))
	for _, r := range all {
		records = append(records, recordFromRubric(r))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		err = writeCSV(path, records)
	case ".json":
		err = writeJSON(path, records)
	case ".toml":
		err = writeTOML(path, records)
	default:
		return 0, fmt.Errorf("unsupported rubric file format %q", filepath.Ext(path))
	}
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Push reads a rubric file and creates each record through the service,
// so all the usual validation applies. The actor decides permission
// handling: pushes during setup run as the system actor.
func Push(svc *rubrics.Service, path string, actor rubrics.Actor) (int, error) {
	records, err := readRecords(path)
	if err != nil {
		return 0, err
	}
	for i, rec := range records {
		if _, err := svc.Create(rec.toNewRubric(), actor); err != nil {
			return i, fmt.Errorf("record %d: %w", i+1, err)
		}
	}
	return len(records), nil
}

func readRecords(path string) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return readCSV(path)
	case ".json":
		return readJSON(path)
	case ".toml":
		return readTOML(path)
	}
	return nil, fmt.Errorf("unsupported rubric file format %q", filepath.Ext(path))
}

var csvHeader = []string{
	"rid", "kind", "display_delta", "value", "out_of", "text", "tags", "meta",
	"username", "question_index", "versions", "parameters", "pedagogy_tags",
	"system_rubric", "published", "last_modified", "modified_by_username",
	"revision", "subrevision",
}

func writeCSV(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		params, err := json.Marshal(rec.Parameters)
		if err != nil {
			return err
		}
		row := []string{
			strconv.FormatInt(rec.RID, 10),
			string(rec.Kind),
			rec.DisplayDelta,
			strconv.FormatFloat(rec.Value, 'g', -1, 64),
			strconv.FormatFloat(rec.OutOf, 'g', -1, 64),
			rec.Text,
			rec.Tags,
			rec.Meta,
			rec.Username,
			strconv.Itoa(rec.QuestionIndex),
			rec.Versions,
			string(params),
			rec.PedagogyTags,
			strconv.FormatBool(rec.SystemRubric),
			strconv.FormatBool(rec.Published),
			rec.LastModified.UTC().Format(time.RFC3339),
			rec.ModifiedBy,
			strconv.Itoa(rec.Revision),
			strconv.Itoa(rec.Subrevision),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func readCSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		col[name] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	records := make([]Record, 0, len(rows)-1)
	for n, row := range rows[1:] {
		var rowErr error
		cell := func(name string, parse func(string) error) {
			if rowErr != nil {
				return
			}
			raw := get(row, name)
			if raw == "" {
				return
			}
			if err := parse(raw); err != nil {
				rowErr = fmt.Errorf("row %d: bad %s %q: %w", n+2, name, raw, err)
			}
		}

		var (
			rid                   int64
			value, outOf          float64
			question              int
			system, published     bool
			revision, subrevision int
			params                models.ParameterList
		)
		cell("rid", func(raw string) (err error) { rid, err = strconv.ParseInt(raw, 10, 64); return })
		cell("value", func(raw string) (err error) { value, err = strconv.ParseFloat(raw, 64); return })
		cell("out_of", func(raw string) (err error) { outOf, err = strconv.ParseFloat(raw, 64); return })
		cell("question_index", func(raw string) (err error) { question, err = strconv.Atoi(raw); return })
		cell("system_rubric", func(raw string) (err error) { system, err = strconv.ParseBool(raw); return })
		cell("published", func(raw string) (err error) { published, err = strconv.ParseBool(raw); return })
		cell("revision", func(raw string) (err error) { revision, err = strconv.Atoi(raw); return })
		cell("subrevision", func(raw string) (err error) { subrevision, err = strconv.Atoi(raw); return })
		cell("parameters", func(raw string) error { return json.Unmarshal([]byte(raw), &params) })
		if rowErr != nil {
			return nil, rowErr
		}

		records = append(records, Record{
			RID:           rid,
			Kind:          models.RubricKind(get(row, "kind")),
			DisplayDelta:  get(row, "display_delta"),
			Value:         value,
			OutOf:         outOf,
			Text:          get(row, "text"),
			Tags:          get(row, "tags"),
			Meta:          get(row, "meta"),
			Username:      get(row, "username"),
			QuestionIndex: question,
			Versions:      get(row, "versions"),
			Parameters:    params,
			PedagogyTags:  get(row, "pedagogy_tags"),
			SystemRubric:  system,
			Published:     published,
			ModifiedBy:    get(row, "modified_by_username"),
			Revision:      revision,
			Subrevision:   subrevision,
		})
	}
	return records, nil
}

func writeJSON(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func readJSON(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, nil
}

func writeTOML(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(tomlFile{Rubrics: records})
}

func readTOML(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var file tomlFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return file.Rubrics, nil
}
