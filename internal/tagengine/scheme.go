package tagengine

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// Scheme is the effective tag policy for one dataset: the project's base
// files merged in listed order, with manufacturer overrides folded in last.
type Scheme struct {
	ops map[dcm.Tag]project.Op
}

// Merge assembles the scheme for a dataset with the given manufacturer.
// Later base files override earlier ones by (group, element); a matching
// manufacturer override block wins over everything.
func Merge(ops *project.TagOperations, manufacturer string) (*Scheme, error) {
	merged := make(map[dcm.Tag]project.Op)
	for _, scheme := range ops.Base {
		for _, op := range scheme {
			merged[op.Tag] = op.Op
		}
	}
	for _, block := range ops.ManufacturerOverrides {
		re, err := regexp.Compile("(?i)" + block.Manufacturer)
		if err != nil {
			return nil, fmt.Errorf("manufacturer override pattern %q: %w", block.Manufacturer, err)
		}
		if !re.MatchString(manufacturer) {
			continue
		}
		for _, op := range block.Tags {
			merged[op.Tag] = op.Op
		}
	}
	return &Scheme{ops: merged}, nil
}

// Lookup returns the op for a tag and whether the tag is in the scheme.
func (s *Scheme) Lookup(t dcm.Tag) (project.Op, bool) {
	op, ok := s.ops[t]
	return op, ok
}

// Allows reports whether the allow-list pass keeps the tag: present in the
// scheme with a non-delete op.
func (s *Scheme) Allows(t dcm.Tag) bool {
	op, ok := s.ops[t]
	return ok && op != project.OpDelete
}

// Sorted returns the scheme in ascending tag order so application is
// deterministic.
func (s *Scheme) Sorted() []project.TagOperation {
	out := make([]project.TagOperation, 0, len(s.ops))
	for t, op := range s.ops {
		out = append(out, project.TagOperation{Tag: t, Op: op})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.Less(out[j].Tag) })
	return out
}
