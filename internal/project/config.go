// Package project loads per-project configuration: scope filters, tag
// operation files and delivery destinations. On-disk files stay
// string-keyed YAML; strings are resolved to closed variant sets at load
// time so every downstream switch is exhaustive.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Destination is a resolved delivery target variant.
type Destination int

const (
	DestinationNone Destination = iota
	DestinationFTPS
	DestinationDICOMWeb
	DestinationXNAT
	DestinationSFTP
	DestinationTREAPI
)

func (d Destination) String() string {
	switch d {
	case DestinationNone:
		return "none"
	case DestinationFTPS:
		return "ftps"
	case DestinationDICOMWeb:
		return "dicomweb"
	case DestinationXNAT:
		return "xnat"
	case DestinationSFTP:
		return "sftp"
	case DestinationTREAPI:
		return "tre-api"
	}
	return fmt.Sprintf("Destination(%d)", int(d))
}

func parseDestination(s string) (Destination, error) {
	switch s {
	case "", "none":
		return DestinationNone, nil
	case "ftps":
		return DestinationFTPS, nil
	case "dicomweb":
		return DestinationDICOMWeb, nil
	case "xnat":
		return DestinationXNAT, nil
	case "sftp":
		return DestinationSFTP, nil
	case "tre-api":
		return DestinationTREAPI, nil
	}
	return DestinationNone, fmt.Errorf("unknown destination %q", s)
}

// ManufacturerRule allows studies from manufacturers matching Pattern,
// except for the listed series numbers.
type ManufacturerRule struct {
	Pattern              *regexp.Regexp
	ExcludeSeriesNumbers []int
}

// ExcludesSeriesNumber reports whether the rule blocks a series number.
func (r ManufacturerRule) ExcludesSeriesNumber(n int) bool {
	for _, x := range r.ExcludeSeriesNumbers {
		if x == n {
			return true
		}
	}
	return false
}

// TagOperationFiles names the scheme files for a project, relative to the
// config directory's tag-operations tree.
type TagOperationFiles struct {
	Base                  []string
	ManufacturerOverrides []string
}

// Destinations carries the resolved dicom and parquet targets.
type Destinations struct {
	DICOM   Destination
	Parquet Destination
}

// Config is a fully resolved project configuration.
type Config struct {
	Name                 string
	Slug                 string
	AzureKVAlias         string
	Modalities           []string
	SeriesFilters        []string
	AllowedManufacturers []ManufacturerRule
	TagOperationFiles    TagOperationFiles
	Destination          Destinations

	// dir is the config root, kept so tag-operation files resolve
	// relative to the config that named them.
	dir string
}

// IsSeriesExcluded applies the case-insensitive substring deny-list to a
// series description. The data is typed by humans, so no anchoring.
func (c *Config) IsSeriesExcluded(seriesDescription string) bool {
	if seriesDescription == "" {
		return false
	}
	upper := strings.ToUpper(seriesDescription)
	for _, filter := range c.SeriesFilters {
		if strings.Contains(upper, strings.ToUpper(filter)) {
			return true
		}
	}
	return false
}

// ManufacturerRuleFor returns the first allow-list rule matching the
// manufacturer, or false when no rule matches (study not allowed).
func (c *Config) ManufacturerRuleFor(manufacturer string) (ManufacturerRule, bool) {
	for _, rule := range c.AllowedManufacturers {
		if rule.Pattern.MatchString(manufacturer) {
			return rule, true
		}
	}
	return ManufacturerRule{}, false
}

// ModalityInScope reports whether the project extracts the given modality.
func (c *Config) ModalityInScope(modality string) bool {
	for _, m := range c.Modalities {
		if m == modality {
			return true
		}
	}
	return false
}

// ── YAML loading ──────────────────────────────────────────────────────────

type rawConfig struct {
	Project struct {
		Name         string   `yaml:"name"`
		AzureKVAlias string   `yaml:"azure_kv_alias"`
		Modalities   []string `yaml:"modalities"`
	} `yaml:"project"`
	SeriesFilters        []string `yaml:"series_filters"`
	AllowedManufacturers []struct {
		Manufacturer         string `yaml:"manufacturer"`
		ExcludeSeriesNumbers []int  `yaml:"exclude_series_numbers"`
	} `yaml:"allowed_manufacturers"`
	TagOperationFiles struct {
		Base                  []string `yaml:"base"`
		ManufacturerOverrides []string `yaml:"manufacturer_overrides"`
	} `yaml:"tag_operation_files"`
	Destination struct {
		DICOM   string `yaml:"dicom"`
		Parquet string `yaml:"parquet"`
	} `yaml:"destination"`
}

// Load reads and validates `<dir>/<slug>.yaml`.
func Load(dir, slug string) (*Config, error) {
	path := filepath.Join(dir, slug+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no config for project %q: %w", slug, err)
	}
	cfg, err := parse(data, dir)
	if err != nil {
		return nil, fmt.Errorf("project config %s: %w", path, err)
	}
	if cfg.Slug != slug {
		return nil, fmt.Errorf("project config %s: name %q slugs to %q, want %q",
			path, cfg.Name, cfg.Slug, slug)
	}
	return cfg, nil
}

func parse(data []byte, dir string) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if raw.Project.Name == "" {
		return nil, fmt.Errorf("project.name is required")
	}
	if len(raw.Project.Modalities) == 0 {
		return nil, fmt.Errorf("project.modalities must list at least one modality")
	}
	if len(raw.TagOperationFiles.Base) == 0 {
		return nil, fmt.Errorf("at least one base tag operations file is required")
	}

	cfg := &Config{
		Name:          raw.Project.Name,
		Slug:          Slugify(raw.Project.Name),
		AzureKVAlias:  raw.Project.AzureKVAlias,
		Modalities:    raw.Project.Modalities,
		SeriesFilters: raw.SeriesFilters,
		TagOperationFiles: TagOperationFiles{
			Base:                  raw.TagOperationFiles.Base,
			ManufacturerOverrides: raw.TagOperationFiles.ManufacturerOverrides,
		},
		dir: dir,
	}

	for _, m := range raw.AllowedManufacturers {
		re, err := regexp.Compile("(?i)" + m.Manufacturer)
		if err != nil {
			return nil, fmt.Errorf("allowed_manufacturers pattern %q: %w", m.Manufacturer, err)
		}
		cfg.AllowedManufacturers = append(cfg.AllowedManufacturers, ManufacturerRule{
			Pattern:              re,
			ExcludeSeriesNumbers: m.ExcludeSeriesNumbers,
		})
	}

	var err error
	if cfg.Destination.DICOM, err = parseDestination(raw.Destination.DICOM); err != nil {
		return nil, fmt.Errorf("destination.dicom: %w", err)
	}
	if cfg.Destination.Parquet, err = parseDestination(raw.Destination.Parquet); err != nil {
		return nil, fmt.Errorf("destination.parquet: %w", err)
	}
	switch cfg.Destination.Parquet {
	case DestinationDICOMWeb, DestinationXNAT:
		return nil, fmt.Errorf("destination.parquet cannot be a DICOM-only sink (%s)",
			cfg.Destination.Parquet)
	}
	return cfg, nil
}

var nonSlugRunes = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a project slug from a human project name: lowercase,
// non-alphanumeric runs collapsed to single hyphens, no leading or
// trailing hyphen.
func Slugify(name string) string {
	s := nonSlugRunes.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}
