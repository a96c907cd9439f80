package uploader

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
)

// StudyStore is the slice of the anonymisation node's API the dispatcher
// uses to fetch finished studies.
type StudyStore interface {
	FindStudyByUID(ctx context.Context, studyUID string) (string, error)
	StudyArchive(ctx context.Context, studyID string) ([]byte, error)
}

// Factory resolves the uploader for a project, typically by loading the
// project config and its vault credentials.
type Factory func(ctx context.Context, projectSlug string) (Uploader, error)

// Dispatcher consumes export notices: guard against double delivery,
// fetch the study zip, deliver, then mark exported. The mark happens only
// after the sink's acknowledgment; a delivery failure leaves the ledger
// untouched so the orchestrator replays the item.
type Dispatcher struct {
	store   StudyStore
	ledger  ledger.Ledger
	factory Factory
	log     *zap.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store StudyStore, l ledger.Ledger, factory Factory, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, ledger: l, factory: factory, log: log}
}

// HandleExport is the export queue callback.
func (d *Dispatcher) HandleExport(ctx context.Context, data []byte) error {
	e, err := message.DeserialiseExport(data)
	if err != nil {
		return err
	}
	return d.Deliver(ctx, e)
}

// Deliver runs one export end to end.
func (d *Dispatcher) Deliver(ctx context.Context, e message.Export) error {
	exported, err := d.ledger.StudyExported(ctx, e.PseudoStudyUID)
	if err != nil {
		return fmt.Errorf("export guard for %s: %w", e.PseudoStudyUID, err)
	}
	if exported {
		d.log.Info("study already exported, skipping",
			zap.String("pseudo_study_uid", e.PseudoStudyUID))
		return nil
	}

	up, err := d.factory(ctx, e.ProjectSlug)
	if err != nil {
		return fmt.Errorf("resolve uploader for %s: %w", e.ProjectSlug, err)
	}

	studyID, err := d.store.FindStudyByUID(ctx, e.PseudoStudyUID)
	if err != nil {
		return fmt.Errorf("locate study %s: %w", e.PseudoStudyUID, err)
	}
	if studyID == "" {
		return fmt.Errorf("study %s not present on anonymisation node", e.PseudoStudyUID)
	}
	archive, err := d.store.StudyArchive(ctx, studyID)
	if err != nil {
		return fmt.Errorf("fetch archive of %s: %w", e.PseudoStudyUID, err)
	}

	if err := up.UploadDicom(ctx, e.ProjectSlug, e.PseudoStudyUID, archive); err != nil {
		if errors.Is(err, ErrNoDestination) {
			// Ledger row stays unmarked so a later config change can
			// still deliver the study.
			return nil
		}
		return fmt.Errorf("deliver %s: %w", e.PseudoStudyUID, err)
	}

	if err := d.ledger.MarkExported(ctx, e.PseudoStudyUID); err != nil {
		if errors.Is(err, pipeline.ErrAlreadyExported) {
			d.log.Warn("study exported twice concurrently",
				zap.String("pseudo_study_uid", e.PseudoStudyUID))
			return nil
		}
		return fmt.Errorf("mark %s exported: %w", e.PseudoStudyUID, err)
	}

	d.log.Info("study delivered",
		zap.String("project", e.ProjectSlug),
		zap.String("pseudo_study_uid", e.PseudoStudyUID))
	return nil
}
