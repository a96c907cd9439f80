package orchestrator

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// Staging lays out one extract's export tree on local disk:
//
//	<root>/<project-slug>/all_extracts/<extract-time-slug>/
//	    omop/public/...
//	    radiology/radiology.parquet
//
// plus a `latest` symlink per project. Uploaders mirror the extract
// directory to the sink under `<project-slug>/<extract-time-slug>/parquet/`.
type Staging struct {
	ProjectSlug     string
	ExtractTimeSlug string

	base string
	root string
}

// NewStaging derives the staging directories for one extract.
func NewStaging(root, projectName string, extractDatetime time.Time) *Staging {
	projectSlug := project.Slugify(projectName)
	timeSlug := project.Slugify(extractDatetime.Format(time.RFC3339))
	return &Staging{
		ProjectSlug:     projectSlug,
		ExtractTimeSlug: timeSlug,
		base:            filepath.Join(root, projectSlug, "all_extracts", timeSlug),
		root:            root,
	}
}

// Dir is the extract's staging directory, the tree UploadParquet mirrors.
func (s *Staging) Dir() string { return s.base }

// CopyPublic copies `<inputDir>/public` into the staging tree and points
// the project's `latest` symlink at this extract.
func (s *Staging) CopyPublic(inputDir string) error {
	publicInput := filepath.Join(inputDir, "public")
	info, err := os.Stat(publicInput)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%s must exist and be a directory", publicInput)
	}

	publicOutput := filepath.Join(s.base, "omop", "public")
	err = filepath.WalkDir(publicInput, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(publicInput, p)
		if err != nil {
			return err
		}
		target := filepath.Join(publicOutput, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
	if err != nil {
		return fmt.Errorf("copy public omop tree: %w", err)
	}

	latest := filepath.Join(s.root, s.ProjectSlug, "latest")
	_ = os.Remove(latest)
	if err := os.Symlink(s.base, latest); err != nil {
		return fmt.Errorf("update latest symlink: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// LinkerRow ties a de-identified study back to the OMOP procedure it came
// from, without exposing the real identifiers.
type LinkerRow struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	PseudoStudyUID        string `parquet:"pseudo_study_uid"`
	PseudoPatientID       string `parquet:"pseudo_patient_id"`
}

// RadiologyLinker joins the batch's work items with the ledger's processed
// images on (mrn, accession number). Items still unprocessed are left out.
func RadiologyLinker(msgs []message.Message, images []ledger.ProcessedImage) []LinkerRow {
	byItem := make(map[string]ledger.ProcessedImage, len(images))
	for _, img := range images {
		byItem[img.MRN+"\x00"+img.AccessionNumber] = img
	}

	rows := make([]LinkerRow, 0, len(msgs))
	for _, m := range msgs {
		img, ok := byItem[m.MRN+"\x00"+m.AccessionNumber]
		if !ok {
			continue
		}
		rows = append(rows, LinkerRow{
			ProcedureOccurrenceID: m.ProcedureOccurrenceID,
			PseudoStudyUID:        img.PseudoStudyUID,
			PseudoPatientID:       img.PseudoPatientID,
		})
	}
	return rows
}

// WriteRadiologyLinker writes the linker table into the staging tree.
func (s *Staging) WriteRadiologyLinker(rows []LinkerRow) error {
	dir := filepath.Join(s.base, "radiology")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create radiology dir: %w", err)
	}
	path := filepath.Join(dir, "radiology.parquet")
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write radiology linker: %w", err)
	}
	return nil
}
