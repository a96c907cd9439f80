// Package tagengine rewrites DICOM datasets to a project's de-identification
// policy: a pre-flight scope check, an allow-list sweep, per-tag operations
// and finally pseudonym substitution. Scope and policy failures are values,
// not errors; callers switch on the verdict and decide what to drop.
package tagengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
	"github.com/SAFEHR-data/PIXL-sub000/internal/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// Verdict classifies the outcome of processing one instance.
type Verdict int

const (
	// VerdictProcess means the instance was (or may be) anonymised.
	VerdictProcess Verdict = iota
	// VerdictSkipInstance drops the instance silently; the study continues.
	VerdictSkipInstance
	// VerdictDiscardInstance drops the instance and logs it.
	VerdictDiscardInstance
	// VerdictDiscardStudy drops every instance of the study.
	VerdictDiscardStudy
)

func (v Verdict) String() string {
	switch v {
	case VerdictProcess:
		return "process"
	case VerdictSkipInstance:
		return "skip-instance"
	case VerdictDiscardInstance:
		return "discard-instance"
	case VerdictDiscardStudy:
		return "discard-study"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Decision is a verdict plus the reason behind it.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// OK reports whether the instance survived.
func (d Decision) OK() bool { return d.Verdict == VerdictProcess }

// Validator checks a dataset against an information-object definition and
// returns its findings as strings.
type Validator interface {
	Validate(ds *dcm.Dataset) []string
}

// secure-hash output fills the LO limit.
const secureHashLength = 64

// errDiscardStudy carries a DiscardStudy verdict out of a dataset walk.
type errDiscardStudy struct{ reason string }

func (e *errDiscardStudy) Error() string { return e.reason }

// Engine applies one project's policy. It is stateless between instances
// and safe for concurrent use.
type Engine struct {
	cfg       *project.Config
	ops       *project.TagOperations
	hash      hasher.Client
	ledger    ledger.Ledger
	validator Validator
	log       *zap.Logger
}

// New returns an engine for the project.
func New(cfg *project.Config, ops *project.TagOperations, h hasher.Client, l ledger.Ledger, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, ops: ops, hash: h, ledger: l, log: log}
}

// SetValidator installs an optional post-anonymisation dataset validator.
// Newly introduced findings are logged; findings already present before
// anonymisation are not attributed to the engine.
func (e *Engine) SetValidator(v Validator) { e.validator = v }

// Preflight decides whether an instance is in scope for the project.
// Checks run in a fixed order so the logged reason is stable.
func (e *Engine) Preflight(ds *dcm.Dataset) Decision {
	desc, _ := ds.GetString(dcm.TagSeriesDescription)
	if e.cfg.IsSeriesExcluded(desc) {
		return Decision{VerdictDiscardInstance, fmt.Sprintf("series description %q is filtered", desc)}
	}

	modality, _ := ds.GetString(dcm.TagModality)
	if !e.cfg.ModalityInScope(modality) {
		return Decision{VerdictSkipInstance, fmt.Sprintf("modality %q not in project scope", modality)}
	}

	manufacturer, _ := ds.GetString(dcm.TagManufacturer)
	rule, ok := e.cfg.ManufacturerRuleFor(manufacturer)
	if !ok {
		return Decision{VerdictDiscardInstance, fmt.Sprintf("manufacturer %q not allowed", manufacturer)}
	}
	if raw, ok := ds.GetString(dcm.TagSeriesNumber); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && rule.ExcludesSeriesNumber(n) {
			return Decision{VerdictDiscardInstance,
				fmt.Sprintf("series number %d excluded for manufacturer %q", n, manufacturer)}
		}
	}
	return Decision{Verdict: VerdictProcess}
}

// Anonymise mutates the dataset in place to the project policy. A non-OK
// decision means the caller must drop the instance (or study); the dataset
// contents are then unspecified. The returned error is reserved for
// infrastructure failures (hasher, ledger).
func (e *Engine) Anonymise(ctx context.Context, ds *dcm.Dataset) (Decision, error) {
	if d := e.Preflight(ds); !d.OK() {
		return d, nil
	}

	// Identifiers feed the pseudonym lookups and must be read before the
	// allow-list strips them.
	mrn, _ := ds.GetString(dcm.TagPatientID)
	accession, _ := ds.GetString(dcm.TagAccessionNumber)
	if mrn == "" || accession == "" {
		return Decision{VerdictDiscardStudy, "instance has no patient ID or accession number"}, nil
	}

	var findingsBefore []string
	if e.validator != nil {
		findingsBefore = e.validator.Validate(ds)
	}

	manufacturer, _ := ds.GetString(dcm.TagManufacturer)
	scheme, err := Merge(e.ops, manufacturer)
	if err != nil {
		return Decision{}, err
	}

	ds.Filter(scheme.Allows)

	if err := e.applyOperations(ctx, ds, scheme); err != nil {
		var discard *errDiscardStudy
		if errors.As(err, &discard) {
			return Decision{VerdictDiscardStudy, discard.reason}, nil
		}
		return Decision{}, err
	}

	if err := e.substitutePseudonyms(ctx, ds, mrn, accession); err != nil {
		return Decision{}, err
	}

	if e.validator != nil {
		e.reportNewFindings(findingsBefore, e.validator.Validate(ds))
	}
	return Decision{Verdict: VerdictProcess}, nil
}

// applyOperations runs the merged scheme over every element, at any depth.
func (e *Engine) applyOperations(ctx context.Context, ds *dcm.Dataset, scheme *Scheme) error {
	return ds.Walk(func(el *dcm.Element) error {
		op, ok := scheme.Lookup(el.Tag)
		if !ok {
			return nil
		}
		switch op {
		case project.OpKeep, project.OpDelete:
			// Keep is a no-op; delete was handled by the allow-list sweep.
			return nil
		case project.OpReplace:
			el.Clear()
			return nil
		case project.OpSecureHash:
			if el.VR != "LO" {
				return &errDiscardStudy{
					reason: fmt.Sprintf("secure-hash on %s with VR %s", el.Tag, el.VR)}
			}
			plain := el.StringValue()
			if plain == "" {
				return nil
			}
			digest, err := e.hash.Hash(ctx, e.cfg.Slug, plain, secureHashLength)
			if err != nil {
				return fmt.Errorf("secure-hash %s: %w", el.Tag, err)
			}
			el.SetStringValue(digest)
			return nil
		}
		return fmt.Errorf("unhandled op %s for %s", op, el.Tag)
	})
}

// substitutePseudonyms writes the ledger-backed identifiers last so
// downstream consumers see the final values.
func (e *Engine) substitutePseudonyms(ctx context.Context, ds *dcm.Dataset, mrn, accession string) error {
	pseudoStudyUID, err := e.ledger.AssignPseudoStudyUID(ctx, e.cfg.Slug, mrn, accession)
	if err != nil {
		return fmt.Errorf("assign pseudo study uid: %w", err)
	}

	candidate, err := e.hash.Hash(ctx, e.cfg.Slug, mrn, secureHashLength)
	if err != nil {
		return fmt.Errorf("hash patient id: %w", err)
	}
	pseudoPatientID, err := e.ledger.AssignOrGetPseudoPatientID(ctx, e.cfg.Slug, mrn, candidate)
	if err != nil {
		return fmt.Errorf("assign pseudo patient id: %w", err)
	}

	ds.SetString(dcm.TagStudyInstanceUID, "UI", pseudoStudyUID)
	ds.SetString(dcm.TagPatientID, "LO", pseudoPatientID)
	return nil
}

func (e *Engine) reportNewFindings(before, after []string) {
	seen := make(map[string]bool, len(before))
	for _, f := range before {
		seen[f] = true
	}
	for _, f := range after {
		if !seen[f] {
			e.log.Warn("anonymisation introduced validation finding",
				zap.String("project", e.cfg.Slug), zap.String("finding", f))
		}
	}
}
