package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
)

// Op is a resolved tag operation variant.
type Op int

const (
	OpKeep Op = iota
	OpReplace
	OpDelete
	OpSecureHash
)

func (o Op) String() string {
	switch o {
	case OpKeep:
		return "keep"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpSecureHash:
		return "secure-hash"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

func parseOp(s string) (Op, error) {
	switch s {
	case "keep":
		return OpKeep, nil
	case "replace":
		return OpReplace, nil
	case "delete":
		return OpDelete, nil
	case "secure-hash":
		return OpSecureHash, nil
	}
	return OpKeep, fmt.Errorf("unknown tag operation %q", s)
}

// TagOperation is one entry of a tag scheme file.
type TagOperation struct {
	Tag dcm.Tag
	Op  Op
}

// ManufacturerOverride is a block of tag operations applied on top of the
// base scheme when the dataset's manufacturer matches.
type ManufacturerOverride struct {
	Manufacturer string
	Tags         []TagOperation
}

// TagOperations holds the loaded, not yet merged, schemes for a project.
type TagOperations struct {
	// Base schemes in listed order; later files override earlier ones.
	Base [][]TagOperation
	// ManufacturerOverrides from every override file.
	ManufacturerOverrides []ManufacturerOverride
}

type rawTagOp struct {
	Name    string `yaml:"name"`
	Group   int    `yaml:"group"`
	Element int    `yaml:"element"`
	Op      string `yaml:"op"`
}

type rawOverride struct {
	Manufacturer string     `yaml:"manufacturer"`
	Tags         []rawTagOp `yaml:"tags"`
}

// LoadTagOperations reads the scheme files named by the config from
// `<dir>/tag-operations` (overrides live one level deeper).
func LoadTagOperations(cfg *Config) (*TagOperations, error) {
	ops := &TagOperations{}

	for _, name := range cfg.TagOperationFiles.Base {
		path := filepath.Join(cfg.dir, "tag-operations", name)
		scheme, err := loadScheme(path)
		if err != nil {
			return nil, err
		}
		ops.Base = append(ops.Base, scheme)
	}

	for _, name := range cfg.TagOperationFiles.ManufacturerOverrides {
		path := filepath.Join(cfg.dir, "tag-operations", "manufacturer-overrides", name)
		overrides, err := loadOverrides(path)
		if err != nil {
			return nil, err
		}
		ops.ManufacturerOverrides = append(ops.ManufacturerOverrides, overrides...)
	}
	return ops, nil
}

func loadScheme(path string) ([]TagOperation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tag operations file: %w", err)
	}
	var raw []rawTagOp
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tag operations file %s: %w", path, err)
	}
	scheme := make([]TagOperation, 0, len(raw))
	for _, r := range raw {
		op, err := convertTagOp(r)
		if err != nil {
			return nil, fmt.Errorf("tag operations file %s: %w", path, err)
		}
		scheme = append(scheme, op)
	}
	return scheme, nil
}

func loadOverrides(path string) ([]ManufacturerOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manufacturer overrides file: %w", err)
	}
	var raw []rawOverride
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("manufacturer overrides file %s: %w", path, err)
	}
	out := make([]ManufacturerOverride, 0, len(raw))
	for _, r := range raw {
		if r.Manufacturer == "" {
			return nil, fmt.Errorf("manufacturer overrides file %s: block without manufacturer", path)
		}
		block := ManufacturerOverride{Manufacturer: r.Manufacturer}
		for _, rt := range r.Tags {
			op, err := convertTagOp(rt)
			if err != nil {
				return nil, fmt.Errorf("manufacturer overrides file %s: %w", path, err)
			}
			block.Tags = append(block.Tags, op)
		}
		out = append(out, block)
	}
	return out, nil
}

func convertTagOp(r rawTagOp) (TagOperation, error) {
	if r.Group < 0 || r.Group > 0xFFFF || r.Element < 0 || r.Element > 0xFFFF {
		return TagOperation{}, fmt.Errorf("tag (%#x,%#x) out of range", r.Group, r.Element)
	}
	op, err := parseOp(r.Op)
	if err != nil {
		return TagOperation{}, err
	}
	return TagOperation{
		Tag: dcm.Tag{Group: uint16(r.Group), Element: uint16(r.Element)},
		Op:  op,
	}, nil
}
