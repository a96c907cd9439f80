package anonymiser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
)

const projectSlug = "test-extract-uclh-omop-cdm"

const projectYAML = `
project:
  name: "Test Extract UCLH OMOP CDM"
  modalities: ["DX", "CR"]
allowed_manufacturers:
  - manufacturer: "philips"
tag_operation_files:
  base:
    - "base.yaml"
destination:
  dicom: "ftps"
  parquet: "ftps"
`

const baseYAML = `
- name: "SOPClassUID"
  group: 0x0008
  element: 0x0016
  op: "keep"
- name: "SOPInstanceUID"
  group: 0x0008
  element: 0x0018
  op: "keep"
- name: "AccessionNumber"
  group: 0x0008
  element: 0x0050
  op: "replace"
- name: "Modality"
  group: 0x0008
  element: 0x0060
  op: "keep"
- name: "Manufacturer"
  group: 0x0008
  element: 0x0070
  op: "keep"
- name: "PatientID"
  group: 0x0010
  element: 0x0020
  op: "secure-hash"
- name: "StudyInstanceUID"
  group: 0x0020
  element: 0x000D
  op: "keep"
`

func writeProjectConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tag-operations"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, projectSlug+".yaml"), []byte(projectYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tag-operations", "base.yaml"), []byte(baseYAML), 0o644))
	return dir
}

// ── fakes ─────────────────────────────────────────────────────────────────

type fakeHasher struct{}

func (fakeHasher) Hash(_ context.Context, slug, msg string, length int) (string, error) {
	sum := sha256.Sum256([]byte(slug + "/" + msg))
	return hex.EncodeToString(sum[:])[:length], nil
}

type fakeLedger struct {
	studyUIDs map[string]string
	patients  map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{studyUIDs: map[string]string{}, patients: map[string]string{}}
}

func (f *fakeLedger) Admit(context.Context, string, message.Message) error { return nil }

func (f *fakeLedger) AlreadyExported(context.Context, string, string, string, message.Date) (bool, error) {
	return false, nil
}

func (f *fakeLedger) AssignPseudoStudyUID(_ context.Context, slug, mrn, accession string) (string, error) {
	key := slug + "/" + mrn + "/" + accession
	if uid, ok := f.studyUIDs[key]; ok {
		return uid, nil
	}
	uid := fmt.Sprintf("2.25.%d", len(f.studyUIDs)+1)
	f.studyUIDs[key] = uid
	return uid, nil
}

func (f *fakeLedger) AssignOrGetPseudoPatientID(_ context.Context, slug, mrn, candidate string) (string, error) {
	key := slug + "/" + mrn
	if id, ok := f.patients[key]; ok {
		return id, nil
	}
	f.patients[key] = candidate
	return candidate, nil
}

func (f *fakeLedger) StudyExported(context.Context, string) (bool, error) { return false, nil }

func (f *fakeLedger) MarkExported(context.Context, string) error { return nil }

func (f *fakeLedger) ExportedCountForProject(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeLedger) ProjectSlugForStudy(context.Context, string) (string, error) {
	return "", ledger.ErrNotFound
}

func (f *fakeLedger) ProcessedImages(context.Context, string) ([]ledger.ProcessedImage, error) {
	return nil, nil
}

type fakeNode struct {
	order     []string
	instances map[string][]byte
	uploaded  [][]byte
	deleted   []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{instances: map[string][]byte{}}
}

func (n *fakeNode) addInstance(t *testing.T, id string, ds *dcm.Dataset) {
	t.Helper()
	b, err := dcm.Bytes(ds)
	require.NoError(t, err)
	n.order = append(n.order, id)
	n.instances[id] = b
}

func (n *fakeNode) StudyInstances(context.Context, string) ([]string, error) { return n.order, nil }

func (n *fakeNode) InstanceFile(_ context.Context, id string) ([]byte, error) {
	return n.instances[id], nil
}

func (n *fakeNode) UploadInstance(_ context.Context, data []byte) error {
	n.uploaded = append(n.uploaded, data)
	return nil
}

func (n *fakeNode) DeleteStudy(_ context.Context, id string) error {
	n.deleted = append(n.deleted, id)
	return nil
}

// ── fixtures ──────────────────────────────────────────────────────────────

func testInstance(t *testing.T, sopUID, modality string, stamped bool) *dcm.Dataset {
	t.Helper()
	ds := &dcm.Dataset{}
	ds.SetString(dcm.TagSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.1")
	ds.SetString(dcm.TagSOPInstanceUID, "UI", sopUID)
	ds.SetString(dcm.TagAccessionNumber, "SH", "AA12345601")
	ds.SetString(dcm.TagModality, "CS", modality)
	ds.SetString(dcm.TagManufacturer, "LO", "Philips Medical Systems")
	ds.SetString(dcm.TagPatientName, "PN", "DOE^JANE")
	ds.SetString(dcm.TagPatientID, "LO", "987654321")
	ds.SetString(dcm.TagStudyInstanceUID, "UI", "1.2.840.113619.2.1.1")
	if stamped {
		dcm.StampProjectName(ds, projectSlug)
	}
	return ds
}

func testAnonymiser(t *testing.T, node Node, cfg Config) (*Anonymiser, *[]message.Export) {
	t.Helper()
	if cfg.ProjectConfigDir == "" {
		cfg.ProjectConfigDir = writeProjectConfig(t)
	}
	var exports []message.Export
	publish := func(_ context.Context, e message.Export) error {
		exports = append(exports, e)
		return nil
	}
	a := New(node, cfg, fakeHasher{}, newFakeLedger(), publish, zaptest.NewLogger(t))
	return a, &exports
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestProcessStudyHappyPath(t *testing.T) {
	node := newFakeNode()
	node.addInstance(t, "inst-1", testInstance(t, "1.2.3.1", "DX", true))
	node.addInstance(t, "inst-2", testInstance(t, "1.2.3.2", "DX", true))

	a, exports := testAnonymiser(t, node, Config{})
	require.NoError(t, a.ProcessStudy(context.Background(), "study-1"))

	require.Len(t, node.uploaded, 2)
	assert.Equal(t, []string{"study-1"}, node.deleted)

	require.Len(t, *exports, 1)
	assert.Equal(t, projectSlug, (*exports)[0].ProjectSlug)
	assert.Equal(t, "2.25.1", (*exports)[0].PseudoStudyUID)

	got, err := dcm.ParseBytes(node.uploaded[0])
	require.NoError(t, err)
	assert.Nil(t, got.Find(dcm.TagPatientName), "names must not survive")
	assert.Nil(t, got.Find(dcm.TagProjectName), "routing tag must not survive")

	uid, _ := got.GetString(dcm.TagStudyInstanceUID)
	assert.Equal(t, "2.25.1", uid)
	pid, _ := got.GetString(dcm.TagPatientID)
	want, _ := fakeHasher{}.Hash(context.Background(), projectSlug, "987654321", 64)
	assert.Equal(t, want, pid)
}

func TestProcessStudySkipsOutOfScopeModality(t *testing.T) {
	node := newFakeNode()
	node.addInstance(t, "inst-1", testInstance(t, "1.2.3.1", "DX", true))
	node.addInstance(t, "inst-2", testInstance(t, "1.2.3.2", "MR", true))

	a, exports := testAnonymiser(t, node, Config{})
	require.NoError(t, a.ProcessStudy(context.Background(), "study-1"))

	assert.Len(t, node.uploaded, 1)
	assert.Len(t, *exports, 1)
}

func TestProcessStudyDiscardsWhenIdentifiersMissing(t *testing.T) {
	ds := testInstance(t, "1.2.3.1", "DX", true)
	ds.Delete(dcm.TagPatientID)

	node := newFakeNode()
	node.addInstance(t, "inst-1", ds)

	a, exports := testAnonymiser(t, node, Config{})
	err := a.ProcessStudy(context.Background(), "study-1")

	var discard *pipeline.DiscardStudyError
	require.ErrorAs(t, err, &discard)
	assert.Empty(t, node.uploaded)
	assert.Equal(t, []string{"study-1"}, node.deleted, "discarded originals must not linger")
	assert.Empty(t, *exports)
}

func TestProcessStudyAllSkippedMeansNoExport(t *testing.T) {
	node := newFakeNode()
	node.addInstance(t, "inst-1", testInstance(t, "1.2.3.1", "MR", true))

	a, exports := testAnonymiser(t, node, Config{})
	err := a.ProcessStudy(context.Background(), "study-1")

	var discard *pipeline.DiscardStudyError
	require.ErrorAs(t, err, &discard)
	assert.Empty(t, *exports)
}

func TestProcessStudyWithoutTagNeedsDefault(t *testing.T) {
	node := newFakeNode()
	node.addInstance(t, "inst-1", testInstance(t, "1.2.3.1", "DX", false))

	a, _ := testAnonymiser(t, node, Config{})
	err := a.ProcessStudy(context.Background(), "study-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no project tag")
}

func TestProcessStudyFallsBackToDefaultProject(t *testing.T) {
	node := newFakeNode()
	node.addInstance(t, "inst-1", testInstance(t, "1.2.3.1", "DX", false))

	a, exports := testAnonymiser(t, node, Config{DefaultProject: projectSlug})
	require.NoError(t, a.ProcessStudy(context.Background(), "study-1"))
	require.Len(t, *exports, 1)
	assert.Equal(t, projectSlug, (*exports)[0].ProjectSlug)
}

func TestProcessStudyLeavesOwnOutputAlone(t *testing.T) {
	node := newFakeNode()
	node.addInstance(t, "inst-1", testInstance(t, "1.2.3.1", "DX", true))

	a, _ := testAnonymiser(t, node, Config{})
	require.NoError(t, a.ProcessStudy(context.Background(), "study-1"))
	require.Len(t, node.uploaded, 1)

	// The node fires a second stable callback once the anonymised study is
	// stored back. Replaying it must not touch the study, even with a
	// default project configured.
	anonOut, err := dcm.ParseBytes(node.uploaded[0])
	require.NoError(t, err)
	replay := newFakeNode()
	replay.addInstance(t, "inst-anon", anonOut)

	b, exports := testAnonymiser(t, replay, Config{DefaultProject: projectSlug})
	require.NoError(t, b.ProcessStudy(context.Background(), "study-anon"))

	assert.Empty(t, replay.deleted, "anonymised study must survive until export")
	assert.Empty(t, replay.uploaded)
	assert.Empty(t, *exports)
}
