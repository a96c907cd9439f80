// Package orchestrator drives a batch end to end: parse the ingest into
// work items, admit them against the ledger, publish to the imaging queue
// and replay until the exported count stops moving. The broker is
// at-least-once and the consumers never retry, so this package is the
// authoritative retry mechanism.
package orchestrator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// csvHeader is the required prefix of the ingest CSV header row.
var csvHeader = []string{"procedure_id", "mrn", "accession_number", "project_name", "omop-es-datetime"}

// MessagesFromCSV parses an ingest CSV into work items. The first five
// columns must match csvHeader exactly; a study_date and study_uid column
// may follow and are carried into the work item when present.
func MessagesFromCSV(path string) ([]message.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ingest csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse ingest csv %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("ingest csv %s is empty", path)
	}

	header := records[0]
	if len(header) < len(csvHeader) {
		return nil, fmt.Errorf("ingest csv header has %d columns, want at least %d", len(header), len(csvHeader))
	}
	for i, want := range csvHeader {
		if strings.TrimSpace(header[i]) != want {
			return nil, fmt.Errorf("ingest csv column %d is %q, want %q", i+1, header[i], want)
		}
	}
	studyDateCol, studyUIDCol := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case "study_date":
			studyDateCol = i
		case "study_uid":
			studyUIDCol = i
		}
	}

	msgs := make([]message.Message, 0, len(records)-1)
	for n, row := range records[1:] {
		procedureID, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ingest csv row %d: procedure_id %q: %w", n+2, row[0], err)
		}
		extractedAt, err := parseTimestamp(strings.TrimSpace(row[4]))
		if err != nil {
			return nil, fmt.Errorf("ingest csv row %d: omop-es-datetime: %w", n+2, err)
		}

		m := message.Message{
			MRN:                       strings.TrimSpace(row[1]),
			AccessionNumber:           strings.TrimSpace(row[2]),
			ProjectName:               strings.TrimSpace(row[3]),
			ProcedureOccurrenceID:     procedureID,
			ExtractGeneratedTimestamp: extractedAt,
		}
		if studyDateCol >= 0 && studyDateCol < len(row) {
			d, err := time.Parse("2006-01-02", strings.TrimSpace(row[studyDateCol]))
			if err != nil {
				return nil, fmt.Errorf("ingest csv row %d: study_date: %w", n+2, err)
			}
			m.StudyDate = message.Date{Time: d}
		}
		if studyUIDCol >= 0 && studyUIDCol < len(row) {
			m.StudyUID = strings.TrimSpace(row[studyUIDCol])
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("ingest csv row %d: %w", n+2, err)
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no work items in %s", path)
	}
	return msgs, nil
}

// parseTimestamp accepts RFC 3339 with or without a zone offset; the OMOP
// extract writes whichever its host locale produced.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ── OMOP parquet ingest ───────────────────────────────────────────────────

// ExtractSummary is the metadata the OMOP extract writes next to its
// parquet tree.
type ExtractSummary struct {
	ProjectName string
	Datetime    time.Time
}

// ReadExtractSummary parses `<dir>/extract_summary.json`.
func ReadExtractSummary(dir string) (ExtractSummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, "extract_summary.json"))
	if err != nil {
		return ExtractSummary{}, fmt.Errorf("read extract summary: %w", err)
	}
	var raw struct {
		Datetime string `json:"datetime"`
		Settings struct {
			CDMSourceName string `json:"cdm_source_name"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ExtractSummary{}, fmt.Errorf("parse extract summary: %w", err)
	}
	if raw.Settings.CDMSourceName == "" {
		return ExtractSummary{}, fmt.Errorf("extract summary has no cdm_source_name")
	}
	ts, err := parseTimestamp(raw.Datetime)
	if err != nil {
		return ExtractSummary{}, fmt.Errorf("extract summary datetime: %w", err)
	}
	return ExtractSummary{ProjectName: raw.Settings.CDMSourceName, Datetime: ts}, nil
}

type personLink struct {
	PersonID   int64  `parquet:"person_id"`
	PrimaryMRN string `parquet:"PrimaryMrn"`
}

type procedureOccurrence struct {
	PersonID              int64     `parquet:"person_id"`
	ProcedureOccurrenceID int64     `parquet:"procedure_occurrence_id"`
	ProcedureDate         time.Time `parquet:"procedure_date"`
}

type procedureLink struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	AccessionNumber       string `parquet:"AccessionNumber"`
}

// MessagesFromParquet joins the OMOP extract's linking tables into work
// items. The MRN lives in the private person links, the accession number
// in the private procedure links and the study date in the public
// procedure table; person_id and procedure_occurrence_id tie them
// together.
func MessagesFromParquet(dir string) ([]message.Message, error) {
	summary, err := ReadExtractSummary(dir)
	if err != nil {
		return nil, err
	}

	people, err := parquet.ReadFile[personLink](filepath.Join(dir, "private", "PERSON_LINKS.parquet"))
	if err != nil {
		return nil, fmt.Errorf("read PERSON_LINKS: %w", err)
	}
	procedures, err := parquet.ReadFile[procedureOccurrence](filepath.Join(dir, "public", "PROCEDURE_OCCURRENCE.parquet"))
	if err != nil {
		return nil, fmt.Errorf("read PROCEDURE_OCCURRENCE: %w", err)
	}
	accessions, err := parquet.ReadFile[procedureLink](filepath.Join(dir, "private", "PROCEDURE_OCCURRENCE_LINKS.parquet"))
	if err != nil {
		return nil, fmt.Errorf("read PROCEDURE_OCCURRENCE_LINKS: %w", err)
	}

	mrnByPerson := make(map[int64]string, len(people))
	for _, p := range people {
		mrnByPerson[p.PersonID] = p.PrimaryMRN
	}
	accessionByProcedure := make(map[int64]string, len(accessions))
	for _, a := range accessions {
		accessionByProcedure[a.ProcedureOccurrenceID] = a.AccessionNumber
	}

	slug := project.Slugify(summary.ProjectName)
	msgs := make([]message.Message, 0, len(procedures))
	for _, proc := range procedures {
		mrn, ok := mrnByPerson[proc.PersonID]
		if !ok {
			return nil, fmt.Errorf("procedure %d references unknown person %d",
				proc.ProcedureOccurrenceID, proc.PersonID)
		}
		accession, ok := accessionByProcedure[proc.ProcedureOccurrenceID]
		if !ok {
			return nil, fmt.Errorf("procedure %d has no accession link", proc.ProcedureOccurrenceID)
		}

		m := message.Message{
			MRN:                       mrn,
			AccessionNumber:           accession,
			StudyDate:                 message.Date{Time: proc.ProcedureDate.UTC().Truncate(24 * time.Hour)},
			ProcedureOccurrenceID:     proc.ProcedureOccurrenceID,
			ProjectName:               slug,
			ExtractGeneratedTimestamp: summary.Datetime,
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("procedure %d: %w", proc.ProcedureOccurrenceID, err)
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no work items in %s", dir)
	}
	return msgs, nil
}
