// Package fetcher drives one work item through the imaging acquisition
// state machine: probe the raw node, query an archive, C-MOVE the study
// across, stamp the project tag and hand the study to the anonymisation
// node. Failures map onto the pipeline error contracts so the queue
// consumer can decide between requeue, fallback and drop.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/orthanc"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// RawNode is the slice of the raw node's API the fetcher uses.
type RawNode interface {
	PendingJobCount(ctx context.Context) (int, error)
	FindLocalStudies(ctx context.Context, q orthanc.Query) ([]string, error)
	QueryRemote(ctx context.Context, modality string, q orthanc.Query) (string, error)
	QueryAnswers(ctx context.Context, queryID string) ([]string, error)
	Retrieve(ctx context.Context, queryID, targetAET string) (string, error)
	WaitForJobSuccess(ctx context.Context, jobID string, poll, timeout time.Duration) error
	StampProjectName(ctx context.Context, studyID, slug string) error
	SendStudy(ctx context.Context, studyID, modality string) error
}

// Config wires the fetcher to its archives.
type Config struct {
	// PrimaryModality and SecondaryModality name the archives as the raw
	// node knows them.
	PrimaryModality   string
	SecondaryModality string
	// RawAET is the C-MOVE destination, i.e. the raw node itself.
	RawAET string
	// AnonModality receives fetched studies for de-identification.
	AnonModality string

	QueryTimeout    time.Duration
	TransferTimeout time.Duration
	JobPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 3 * time.Minute
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = time.Second
	}
}

// Fetcher pulls studies out of the hospital archives into the pipeline.
type Fetcher struct {
	raw RawNode
	cfg Config
	log *zap.Logger
}

// New constructs a Fetcher.
func New(raw RawNode, cfg Config, log *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{raw: raw, cfg: cfg, log: log}
}

// FromPrimary handles a work item from the primary imaging queue. A study
// absent from the primary archive surfaces as NotInPrimaryError so the
// consumer republishes it to the secondary queue.
func (f *Fetcher) FromPrimary(ctx context.Context, msg message.Message) error {
	return f.process(ctx, msg, f.cfg.PrimaryModality, func() error {
		return &pipeline.NotInPrimaryError{Identifier: msg.Identifier()}
	})
}

// FromSecondary handles a work item from the secondary imaging queue. A
// miss here means the study exists in no archive; the failure is terminal
// for this delivery and the orchestrator decides whether to replay.
func (f *Fetcher) FromSecondary(ctx context.Context, msg message.Message) error {
	return f.process(ctx, msg, f.cfg.SecondaryModality, func() error {
		return fmt.Errorf("study %s not found in any archive", msg.Identifier())
	})
}

func (f *Fetcher) process(ctx context.Context, msg message.Message, modality string, onMiss func() error) error {
	// A node busy with transfers gives C-MOVE answers that race against
	// each other; park the item until the job queue settles.
	pending, err := f.raw.PendingJobCount(ctx)
	if err != nil {
		return &pipeline.RequeueError{Reason: fmt.Sprintf("cannot inspect node jobs: %v", err)}
	}
	if pending > 0 {
		return &pipeline.RequeueError{Reason: fmt.Sprintf("%d transfers in flight", pending)}
	}

	q := queryFor(msg)
	slug := project.Slugify(msg.ProjectName)

	// The study may already be local from an earlier run or another
	// project; re-stamp and resend instead of fetching again.
	local, err := f.raw.FindLocalStudies(ctx, q)
	if err != nil {
		return fmt.Errorf("local probe for %s: %w", msg.Identifier(), err)
	}
	if len(local) > 0 {
		f.log.Info("study already on raw node",
			zap.String("item", msg.Identifier()), zap.Int("resources", len(local)))
		return f.stampAndForward(ctx, local, slug, msg)
	}

	answers, queryID, err := f.queryArchive(ctx, modality, q)
	if err != nil {
		return fmt.Errorf("query %s for %s: %w", modality, msg.Identifier(), err)
	}
	if len(answers) == 0 {
		return onMiss()
	}

	f.log.Info("retrieving study from archive",
		zap.String("item", msg.Identifier()),
		zap.String("archive", modality),
		zap.Int("answers", len(answers)))

	jobID, err := f.raw.Retrieve(ctx, queryID, f.cfg.RawAET)
	if err != nil {
		return fmt.Errorf("start retrieve for %s: %w", msg.Identifier(), err)
	}
	if err := f.raw.WaitForJobSuccess(ctx, jobID, f.cfg.JobPollInterval, f.cfg.TransferTimeout); err != nil {
		return fmt.Errorf("transfer of %s: %w", msg.Identifier(), err)
	}

	fetched, err := f.raw.FindLocalStudies(ctx, q)
	if err != nil {
		return fmt.Errorf("post-transfer probe for %s: %w", msg.Identifier(), err)
	}
	if len(fetched) == 0 {
		return fmt.Errorf("transfer of %s reported success but study is absent", msg.Identifier())
	}
	return f.stampAndForward(ctx, fetched, slug, msg)
}

// queryArchive runs a bounded C-FIND. An elapsed query deadline is
// indistinguishable from an empty answer set.
func (f *Fetcher) queryArchive(ctx context.Context, modality string, q orthanc.Query) ([]string, string, error) {
	qctx, cancel := context.WithTimeout(ctx, f.cfg.QueryTimeout)
	defer cancel()

	queryID, err := f.raw.QueryRemote(qctx, modality, q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", nil
		}
		return nil, "", err
	}
	answers, err := f.raw.QueryAnswers(qctx, queryID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return answers, queryID, nil
}

func (f *Fetcher) stampAndForward(ctx context.Context, studyIDs []string, slug string, msg message.Message) error {
	for _, id := range studyIDs {
		if err := f.raw.StampProjectName(ctx, id, slug); err != nil {
			return fmt.Errorf("stamp %s on study %s: %w", slug, id, err)
		}
		if err := f.raw.SendStudy(ctx, id, f.cfg.AnonModality); err != nil {
			return fmt.Errorf("send study %s downstream: %w", id, err)
		}
	}
	f.log.Info("study forwarded for anonymisation",
		zap.String("item", msg.Identifier()), zap.String("project", slug))
	return nil
}

func queryFor(msg message.Message) orthanc.Query {
	if msg.StudyUID != "" {
		return orthanc.Query{StudyInstanceUID: msg.StudyUID}
	}
	return orthanc.Query{PatientID: msg.MRN, AccessionNumber: msg.AccessionNumber}
}
