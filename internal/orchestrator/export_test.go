package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
)

func TestStagingSlugs(t *testing.T) {
	s := NewStaging(t.TempDir(), "Test Extract - UCLH OMOP CDM",
		time.Date(2023, 12, 7, 14, 8, 58, 0, time.UTC))

	assert.Equal(t, "test-extract-uclh-omop-cdm", s.ProjectSlug)
	assert.Equal(t, "2023-12-07t14-08-58z", s.ExtractTimeSlug)
}

func TestCopyPublicBuildsExportTree(t *testing.T) {
	input := t.TempDir()
	require.NoError(t, writeInputTree(input, map[string]string{
		"public/PROCEDURE_OCCURRENCE.parquet": "table-bytes",
		"public/batch_2/PERSON.parquet":       "more-bytes",
		"private/PERSON_LINKS.parquet":        "identifiable",
	}))

	root := t.TempDir()
	s := NewStaging(root, "test extract", time.Date(2023, 12, 7, 14, 8, 58, 0, time.UTC))
	require.NoError(t, s.CopyPublic(input))

	base := filepath.Join(root, "test-extract", "all_extracts", s.ExtractTimeSlug)
	assert.Equal(t, base, s.Dir())
	assert.FileExists(t, filepath.Join(base, "omop", "public", "PROCEDURE_OCCURRENCE.parquet"))
	assert.FileExists(t, filepath.Join(base, "omop", "public", "batch_2", "PERSON.parquet"))
	assert.NoFileExists(t, filepath.Join(base, "omop", "private", "PERSON_LINKS.parquet"),
		"private tables never reach the export tree")

	latest, err := os.Readlink(filepath.Join(root, "test-extract", "latest"))
	require.NoError(t, err)
	assert.Equal(t, base, latest)
}

func TestCopyPublicReplacesLatestSymlink(t *testing.T) {
	input := t.TempDir()
	require.NoError(t, writeInputTree(input, map[string]string{
		"public/PROCEDURE_OCCURRENCE.parquet": "table-bytes",
	}))

	root := t.TempDir()
	first := NewStaging(root, "test extract", time.Date(2023, 12, 7, 14, 8, 58, 0, time.UTC))
	require.NoError(t, first.CopyPublic(input))
	second := NewStaging(root, "test extract", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))
	require.NoError(t, second.CopyPublic(input))

	latest, err := os.Readlink(filepath.Join(root, "test-extract", "latest"))
	require.NoError(t, err)
	assert.Equal(t, second.Dir(), latest)
}

func TestCopyPublicRequiresPublicDir(t *testing.T) {
	s := NewStaging(t.TempDir(), "test extract", time.Now())
	assert.Error(t, s.CopyPublic(t.TempDir()))
}

func TestRadiologyLinkerJoinsOnItem(t *testing.T) {
	msgs := []message.Message{
		{MRN: "mrn-1", AccessionNumber: "acc-1", ProcedureOccurrenceID: 4},
		{MRN: "mrn-2", AccessionNumber: "acc-2", ProcedureOccurrenceID: 5},
		{MRN: "mrn-3", AccessionNumber: "acc-3", ProcedureOccurrenceID: 6},
	}
	images := []ledger.ProcessedImage{
		{MRN: "mrn-1", AccessionNumber: "acc-1", PseudoStudyUID: "2.25.1", PseudoPatientID: "p-1"},
		{MRN: "mrn-2", AccessionNumber: "acc-2", PseudoStudyUID: "2.25.2", PseudoPatientID: "p-2"},
	}

	rows := RadiologyLinker(msgs, images)
	assert.Equal(t, []LinkerRow{
		{ProcedureOccurrenceID: 4, PseudoStudyUID: "2.25.1", PseudoPatientID: "p-1"},
		{ProcedureOccurrenceID: 5, PseudoStudyUID: "2.25.2", PseudoPatientID: "p-2"},
	}, rows, "unprocessed items stay out of the linker")
}

func TestWriteRadiologyLinkerRoundTrip(t *testing.T) {
	s := NewStaging(t.TempDir(), "test extract", time.Date(2023, 12, 7, 14, 8, 58, 0, time.UTC))
	rows := []LinkerRow{{ProcedureOccurrenceID: 4, PseudoStudyUID: "2.25.1", PseudoPatientID: "p-1"}}
	require.NoError(t, s.WriteRadiologyLinker(rows))

	got, err := parquet.ReadFile[LinkerRow](filepath.Join(s.Dir(), "radiology", "radiology.parquet"))
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func writeInputTree(dir string, files map[string]string) error {
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
