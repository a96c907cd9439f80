package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
	"github.com/SAFEHR-data/PIXL-sub000/internal/project"
)

// Publisher sends work items onto a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msgs []message.Message) error
}

// QueueStats exposes the broker's backlog per queue.
type QueueStats interface {
	PendingMessages(queue string) (int, error)
}

// Config tunes the batch driver.
type Config struct {
	// Queues to populate and to watch for drain. Defaults to the primary
	// imaging queue; the secondary queue is always watched for drain
	// because primary consumers republish into it.
	Queues []string
	// NumRetries bounds the stability loop. Zero publishes once and
	// returns.
	NumRetries int
	// RetryInterval is the settle time between drain and the export
	// count check.
	RetryInterval time.Duration
	// DrainPollInterval is how often the backlog is re-checked while
	// waiting for the queues to empty.
	DrainPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Queues) == 0 {
		c.Queues = []string{natsclient.QueueImagingPrimary}
	}
	if c.NumRetries == 0 {
		c.NumRetries = 5
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.DrainPollInterval == 0 {
		c.DrainPollInterval = time.Minute
	}
}

// Orchestrator admits and publishes a batch, then replays unexported work
// until the ledger's exported count is stable.
type Orchestrator struct {
	cfg    Config
	ledger ledger.Ledger
	pub    Publisher
	stats  QueueStats
	log    *zap.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, l ledger.Ledger, pub Publisher, stats QueueStats, log *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{cfg: cfg, ledger: l, pub: pub, stats: stats, log: log}
}

// Run processes one batch end to end.
func (o *Orchestrator) Run(ctx context.Context, msgs []message.Message) error {
	msgs = message.Deduplicate(msgs)
	if len(msgs) == 0 {
		return fmt.Errorf("batch has no work items")
	}
	projectSlug := project.Slugify(msgs[0].ProjectName)

	// The stability baseline is the count before this batch runs, so prior
	// extracts of the project don't register as progress.
	baseline, err := o.ledger.ExportedCountForProject(ctx, projectSlug)
	if err != nil {
		return fmt.Errorf("count exported for %s: %w", projectSlug, err)
	}

	published, err := o.populate(ctx, projectSlug, msgs)
	if err != nil {
		return err
	}
	if published == 0 {
		o.log.Info("every work item already exported, nothing to do",
			zap.String("project", projectSlug))
		return nil
	}
	return o.retryUntilStable(ctx, projectSlug, msgs, baseline)
}

// populate admits the batch and publishes the unexported subset in
// ascending study date order. Returns the number of published items.
func (o *Orchestrator) populate(ctx context.Context, projectSlug string, msgs []message.Message) (int, error) {
	admitted, err := o.admit(ctx, projectSlug, msgs)
	if err != nil {
		return 0, err
	}
	if len(admitted) == 0 {
		return 0, nil
	}

	sort.SliceStable(admitted, func(i, j int) bool {
		return admitted[i].StudyDate.Before(admitted[j].StudyDate.Time)
	})
	for _, queue := range o.cfg.Queues {
		if err := o.pub.Publish(ctx, queue, admitted); err != nil {
			return 0, fmt.Errorf("publish batch to %s: %w", queue, err)
		}
	}
	o.log.Info("batch published",
		zap.String("project", projectSlug),
		zap.Int("total", len(msgs)),
		zap.Int("published", len(admitted)))
	return len(admitted), nil
}

// admit registers new work items and filters out already exported ones.
func (o *Orchestrator) admit(ctx context.Context, projectSlug string, msgs []message.Message) ([]message.Message, error) {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		exported, err := o.ledger.AlreadyExported(ctx, projectSlug, m.MRN, m.AccessionNumber, m.StudyDate)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			if err := o.ledger.Admit(ctx, projectSlug, m); err != nil {
				return nil, fmt.Errorf("admit %s: %w", m.Identifier(), err)
			}
			out = append(out, m)
		case err != nil:
			return nil, fmt.Errorf("check %s: %w", m.Identifier(), err)
		case exported:
			o.log.Debug("skipping exported work item", zap.String("item", m.Identifier()))
		default:
			out = append(out, m)
		}
	}
	return out, nil
}

// retryUntilStable waits for the queues to drain, lets the pipeline
// settle, then compares the project's exported count with the previous
// round. Unchanged means done; progress means the remaining unexported
// items are republished. The first round compares against the pre-batch
// baseline.
func (o *Orchestrator) retryUntilStable(ctx context.Context, projectSlug string, msgs []message.Message, lastExported int64) error {
	for attempt := 1; attempt <= o.cfg.NumRetries; attempt++ {
		if err := o.waitForDrain(ctx); err != nil {
			return err
		}
		if err := sleepCtx(ctx, o.cfg.RetryInterval); err != nil {
			return err
		}

		exported, err := o.ledger.ExportedCountForProject(ctx, projectSlug)
		if err != nil {
			return fmt.Errorf("count exported for %s: %w", projectSlug, err)
		}
		if exported == lastExported {
			o.log.Info("export count stable, batch finished",
				zap.String("project", projectSlug),
				zap.Int64("exported", exported))
			return nil
		}

		o.log.Info("export count moved, republishing remaining work",
			zap.String("project", projectSlug),
			zap.Int64("exported", exported),
			zap.Int64("previous", lastExported),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.cfg.NumRetries))
		lastExported = exported
		if _, err := o.populate(ctx, projectSlug, msgs); err != nil {
			return err
		}
	}

	o.log.Warn("retries exhausted with work still outstanding",
		zap.String("project", projectSlug),
		zap.Int("attempts", o.cfg.NumRetries))
	return nil
}

// waitForDrain blocks until every watched queue reports an empty backlog.
func (o *Orchestrator) waitForDrain(ctx context.Context) error {
	for {
		backlog := 0
		for _, queue := range o.watchedQueues() {
			n, err := o.stats.PendingMessages(queue)
			if err != nil {
				return fmt.Errorf("backlog of %s: %w", queue, err)
			}
			backlog += n
		}
		if backlog == 0 {
			return nil
		}
		o.log.Debug("waiting for queues to drain", zap.Int("backlog", backlog))
		if err := sleepCtx(ctx, o.cfg.DrainPollInterval); err != nil {
			return err
		}
	}
}

// watchedQueues is the populated queues plus the secondary imaging queue,
// which fills up as a side effect of primary archive misses.
func (o *Orchestrator) watchedQueues() []string {
	queues := make([]string, len(o.cfg.Queues), len(o.cfg.Queues)+1)
	copy(queues, o.cfg.Queues)
	for _, q := range queues {
		if q == natsclient.QueueImagingSecondary {
			return queues
		}
	}
	return append(queues, natsclient.QueueImagingSecondary)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
