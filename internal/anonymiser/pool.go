package anonymiser

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
)

// Pool runs study processing on a fixed set of workers so the webhook
// handler never blocks on the tag engine or zip work.
type Pool struct {
	anonymiser *Anonymiser
	workers    int
	jobs       chan string
	log        *zap.Logger
}

// NewPool constructs a Pool. workers defaults to 4 if not positive.
func NewPool(a *Anonymiser, workers, backlog int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if backlog <= 0 {
		backlog = 64
	}
	return &Pool{
		anonymiser: a,
		workers:    workers,
		jobs:       make(chan string, backlog),
		log:        log,
	}
}

// Start launches the workers. It blocks until ctx is cancelled and all
// in-flight studies are finished.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case studyID := <-p.jobs:
					p.process(ctx, studyID)
				}
			}
		}()
	}
	wg.Wait()
	p.log.Info("anonymiser pool stopped")
}

// Submit queues a study for processing. It reports false when the backlog
// is full; the node will call back again on the next stability check.
func (p *Pool) Submit(studyID string) bool {
	select {
	case p.jobs <- studyID:
		return true
	default:
		return false
	}
}

func (p *Pool) process(ctx context.Context, studyID string) {
	err := p.anonymiser.ProcessStudy(ctx, studyID)
	if err == nil {
		return
	}
	var discard *pipeline.DiscardStudyError
	if errors.As(err, &discard) {
		// Already logged with its reason; dropped by policy, not a failure.
		return
	}
	p.log.Error("study processing failed",
		zap.String("study", studyID), zap.Error(err))
}
