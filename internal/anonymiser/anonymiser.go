// Package anonymiser reacts to stable-study callbacks from the
// anonymisation node: it reads each instance, applies the project's tag
// engine, stores the de-identified study back on the node and announces it
// on the export queue.
package anonymiser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/dcm"
	"github.com/SAFEHR-data/PIXL-sub000/internal/hasher"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
	"github.com/SAFEHR-data/PIXL-sub000/internal/tagengine"
)

// Node is the slice of the anonymisation node's API this stage uses.
type Node interface {
	StudyInstances(ctx context.Context, studyID string) ([]string, error)
	InstanceFile(ctx context.Context, instanceID string) ([]byte, error)
	UploadInstance(ctx context.Context, data []byte) error
	DeleteStudy(ctx context.Context, studyID string) error
}

// ExportPublisher announces a finished study on the export queue.
type ExportPublisher func(ctx context.Context, e message.Export) error

// Config for the anonymiser stage.
type Config struct {
	// ProjectConfigDir is where per-project YAML lives.
	ProjectConfigDir string
	// DefaultProject is the fallback slug when a study carries no
	// routing tag. Only sensible in standalone deployments.
	DefaultProject string
}

// Anonymiser processes stable studies.
type Anonymiser struct {
	node    Node
	cfg     Config
	hash    hasher.Client
	ledger  ledger.Ledger
	publish ExportPublisher
	log     *zap.Logger

	mu      sync.Mutex
	engines map[string]*tagengine.Engine
}

// New constructs an Anonymiser.
func New(node Node, cfg Config, h hasher.Client, l ledger.Ledger, publish ExportPublisher, log *zap.Logger) *Anonymiser {
	return &Anonymiser{
		node:    node,
		cfg:     cfg,
		hash:    h,
		ledger:  l,
		publish: publish,
		log:     log,
		engines: make(map[string]*tagengine.Engine),
	}
}

// engineFor returns the cached engine for a project, loading its config on
// first use.
func (a *Anonymiser) engineFor(slug string) (*tagengine.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.engines[slug]; ok {
		return e, nil
	}

	cfg, err := project.Load(a.cfg.ProjectConfigDir, slug)
	if err != nil {
		return nil, err
	}
	ops, err := project.LoadTagOperations(cfg)
	if err != nil {
		return nil, err
	}
	e := tagengine.New(cfg, ops, a.hash, a.ledger, a.log)
	a.engines[slug] = e
	return e, nil
}

// ProcessStudy de-identifies one stable study. On success the original is
// removed from the node and the anonymised study, stored under its
// pseudonymous UID, is announced for export. A DiscardStudyError means the
// study was dropped by policy; the original is removed and nothing is
// exported.
func (a *Anonymiser) ProcessStudy(ctx context.Context, studyID string) error {
	instanceIDs, err := a.node.StudyInstances(ctx, studyID)
	if err != nil {
		return fmt.Errorf("list instances of %s: %w", studyID, err)
	}
	if len(instanceIDs) == 0 {
		return fmt.Errorf("study %s has no instances", studyID)
	}

	var (
		outputs        [][]byte
		slug           string
		pseudoStudyUID string
		engine         *tagengine.Engine
	)
	for _, id := range instanceIDs {
		raw, err := a.node.InstanceFile(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch instance %s: %w", id, err)
		}
		ds, err := dcm.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse instance %s: %w", id, err)
		}

		if engine == nil {
			// Storing outputs back on the node makes it fire a second
			// stable callback for them; the export queue still references
			// those studies, so they must be left untouched.
			if a.isOwnOutput(ds) {
				a.log.Debug("ignoring stable callback for already anonymised study",
					zap.String("study", studyID))
				return nil
			}
			slug = a.resolveProject(ds, studyID)
			if slug == "" {
				return fmt.Errorf("study %s carries no project tag and no default is configured", studyID)
			}
			if engine, err = a.engineFor(slug); err != nil {
				return fmt.Errorf("project %s: %w", slug, err)
			}
		}

		decision, err := engine.Anonymise(ctx, ds)
		if err != nil {
			return fmt.Errorf("anonymise instance %s: %w", id, err)
		}
		switch decision.Verdict {
		case tagengine.VerdictSkipInstance:
			continue
		case tagengine.VerdictDiscardInstance:
			a.log.Info("discarding instance",
				zap.String("study", studyID),
				zap.String("instance", id),
				zap.String("reason", decision.Reason))
			continue
		case tagengine.VerdictDiscardStudy:
			a.log.Warn("discarding study",
				zap.String("study", studyID),
				zap.String("reason", decision.Reason))
			if err := a.node.DeleteStudy(ctx, studyID); err != nil {
				a.log.Error("could not remove discarded study", zap.Error(err))
			}
			return &pipeline.DiscardStudyError{Reason: decision.Reason}
		}

		if pseudoStudyUID == "" {
			pseudoStudyUID, _ = ds.GetString(dcm.TagStudyInstanceUID)
		}
		out, err := dcm.Bytes(ds)
		if err != nil {
			return fmt.Errorf("encode anonymised instance %s: %w", id, err)
		}
		outputs = append(outputs, out)
	}

	if len(outputs) == 0 {
		a.log.Warn("no instances survived anonymisation", zap.String("study", studyID))
		if err := a.node.DeleteStudy(ctx, studyID); err != nil {
			a.log.Error("could not remove empty study", zap.Error(err))
		}
		return &pipeline.DiscardStudyError{Reason: "no instances survived anonymisation"}
	}

	for _, out := range outputs {
		if err := a.node.UploadInstance(ctx, out); err != nil {
			return fmt.Errorf("store anonymised instance for %s: %w", pseudoStudyUID, err)
		}
	}
	if err := a.node.DeleteStudy(ctx, studyID); err != nil {
		return fmt.Errorf("remove original study %s: %w", studyID, err)
	}

	if err := a.publish(ctx, message.Export{PseudoStudyUID: pseudoStudyUID, ProjectSlug: slug}); err != nil {
		return fmt.Errorf("announce export of %s: %w", pseudoStudyUID, err)
	}

	a.log.Info("study anonymised",
		zap.String("project", slug),
		zap.String("pseudo_study_uid", pseudoStudyUID),
		zap.Int("instances", len(outputs)))
	return nil
}

// isOwnOutput recognises a study this stage produced earlier: the routing
// tag is stripped during anonymisation and the study UID sits under the
// minted pseudonymous root.
func (a *Anonymiser) isOwnOutput(ds *dcm.Dataset) bool {
	if _, stamped := dcm.ProjectName(ds); stamped {
		return false
	}
	uid, ok := ds.GetString(dcm.TagStudyInstanceUID)
	return ok && strings.HasPrefix(uid, hasher.UIDRoot)
}

func (a *Anonymiser) resolveProject(ds *dcm.Dataset, studyID string) string {
	if slug, ok := dcm.ProjectName(ds); ok {
		return slug
	}
	if a.cfg.DefaultProject != "" {
		a.log.Warn("study has no project tag, using default project",
			zap.String("study", studyID),
			zap.String("project", a.cfg.DefaultProject))
		return a.cfg.DefaultProject
	}
	return ""
}
