package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
)

const sampleConfig = `
project:
  name: "Test Extract UCLH OMOP CDM"
  azure_kv_alias: "test"
  modalities: ["DX", "CR"]
series_filters:
  - "localizer"
  - "scout"
allowed_manufacturers:
  - manufacturer: "^philips"
    exclude_series_numbers: [123456789]
  - manufacturer: "siemens"
tag_operation_files:
  base:
    - "base.yaml"
  manufacturer_overrides:
    - "mri-diffusion.yaml"
destination:
  dicom: "ftps"
  parquet: "ftps"
`

const sampleBaseScheme = `
- name: "AccessionNumber"
  group: 0x0008
  element: 0x0050
  op: "replace"
- name: "Modality"
  group: 0x0008
  element: 0x0060
  op: "keep"
- name: "PatientID"
  group: 0x0010
  element: 0x0020
  op: "secure-hash"
- name: "SeriesDate"
  group: 0x0008
  element: 0x0021
  op: "delete"
`

const sampleOverrides = `
- manufacturer: "philips"
  tags:
    - name: "DiffusionBValue"
      group: 0x0018
      element: 0x9087
      op: "keep"
`

func writeConfigTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tag-operations", "manufacturer-overrides"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "test-extract-uclh-omop-cdm.yaml"), []byte(sampleConfig), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "tag-operations", "base.yaml"), []byte(sampleBaseScheme), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "tag-operations", "manufacturer-overrides", "mri-diffusion.yaml"),
		[]byte(sampleOverrides), 0o644))
	return dir
}

func TestLoadResolvesVariants(t *testing.T) {
	dir := writeConfigTree(t)

	cfg, err := Load(dir, "test-extract-uclh-omop-cdm")
	require.NoError(t, err)

	assert.Equal(t, "test-extract-uclh-omop-cdm", cfg.Slug)
	assert.Equal(t, DestinationFTPS, cfg.Destination.DICOM)
	assert.Equal(t, DestinationFTPS, cfg.Destination.Parquet)
	assert.Equal(t, []string{"DX", "CR"}, cfg.Modalities)
	assert.Equal(t, "test", cfg.AzureKVAlias)
}

func TestLoadUnknownSlugFails(t *testing.T) {
	dir := writeConfigTree(t)
	_, err := Load(dir, "no-such-project")
	assert.Error(t, err)
}

func TestParquetDestinationClosedSet(t *testing.T) {
	bad := `
project:
  name: "p"
  modalities: ["CT"]
tag_operation_files:
  base: ["base.yaml"]
destination:
  dicom: "dicomweb"
  parquet: "dicomweb"
`
	_, err := parse([]byte(bad), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DICOM-only")

	bad2 := `
project:
  name: "p"
  modalities: ["CT"]
tag_operation_files:
  base: ["base.yaml"]
destination:
  dicom: "xnat"
  parquet: "xnat"
`
	_, err = parse([]byte(bad2), t.TempDir())
	assert.Error(t, err)
}

func TestSeriesFilterIsCaseInsensitiveSubstring(t *testing.T) {
	dir := writeConfigTree(t)
	cfg, err := Load(dir, "test-extract-uclh-omop-cdm")
	require.NoError(t, err)

	assert.True(t, cfg.IsSeriesExcluded("AP LOCALIZER view"))
	assert.True(t, cfg.IsSeriesExcluded("Scout"))
	assert.False(t, cfg.IsSeriesExcluded("Chest PA"))
	assert.False(t, cfg.IsSeriesExcluded(""))
}

func TestManufacturerRules(t *testing.T) {
	dir := writeConfigTree(t)
	cfg, err := Load(dir, "test-extract-uclh-omop-cdm")
	require.NoError(t, err)

	rule, ok := cfg.ManufacturerRuleFor("Philips Medical Systems")
	require.True(t, ok, "pattern match is case-insensitive")
	assert.True(t, rule.ExcludesSeriesNumber(123456789))
	assert.False(t, rule.ExcludesSeriesNumber(2))

	_, ok = cfg.ManufacturerRuleFor("Acme Imaging")
	assert.False(t, ok)
}

func TestLoadTagOperations(t *testing.T) {
	dir := writeConfigTree(t)
	cfg, err := Load(dir, "test-extract-uclh-omop-cdm")
	require.NoError(t, err)

	ops, err := LoadTagOperations(cfg)
	require.NoError(t, err)
	require.Len(t, ops.Base, 1)
	assert.Len(t, ops.Base[0], 4)
	assert.Equal(t, TagOperation{Tag: dcm.TagPatientID, Op: OpSecureHash}, ops.Base[0][2])

	require.Len(t, ops.ManufacturerOverrides, 1)
	assert.Equal(t, "philips", ops.ManufacturerOverrides[0].Manufacturer)
	require.Len(t, ops.ManufacturerOverrides[0].Tags, 1)
	assert.Equal(t, OpKeep, ops.ManufacturerOverrides[0].Tags[0].Op)
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Test Extract UCLH OMOP CDM": "test-extract-uclh-omop-cdm",
		"Some  project, (v2)!":       "some-project-v2",
		"already-a-slug":             "already-a-slug",
		"--Trim Me--":                "trim-me",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), in)
	}
}
