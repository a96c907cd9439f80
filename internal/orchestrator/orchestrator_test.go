package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SAFEHR-data/PIXL-sub000/internal/ledger"
	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type batchLedger struct {
	ledger.Ledger // unused methods panic

	admitted []string
	exported map[string]bool

	// counts is consumed one value per ExportedCountForProject call.
	counts []int64
}

func (l *batchLedger) Admit(_ context.Context, _ string, m message.Message) error {
	l.admitted = append(l.admitted, m.Identifier())
	return nil
}

func (l *batchLedger) AlreadyExported(_ context.Context, _, mrn, accession string, _ message.Date) (bool, error) {
	exported, known := l.exported[mrn+"/"+accession]
	if !known {
		return false, fmt.Errorf("%w: item %s/%s", ledger.ErrNotFound, mrn, accession)
	}
	return exported, nil
}

func (l *batchLedger) ExportedCountForProject(context.Context, string) (int64, error) {
	if len(l.counts) == 0 {
		return 0, nil
	}
	n := l.counts[0]
	l.counts = l.counts[1:]
	return n, nil
}

type recordingPublisher struct {
	batches [][]message.Message
	queues  []string
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, msgs []message.Message) error {
	p.queues = append(p.queues, queue)
	p.batches = append(p.batches, msgs)
	return nil
}

type scriptedStats struct {
	// backlogs is consumed one value per poll round.
	backlogs []int
	polls    int
}

func (s *scriptedStats) PendingMessages(string) (int, error) {
	s.polls++
	if len(s.backlogs) == 0 {
		return 0, nil
	}
	n := s.backlogs[0]
	s.backlogs = s.backlogs[1:]
	return n, nil
}

func workItem(mrn, accession string, studyDate message.Date) message.Message {
	return message.Message{
		MRN:                       mrn,
		AccessionNumber:           accession,
		StudyDate:                 studyDate,
		ProjectName:               "test-extract-uclh-omop-cdm",
		ExtractGeneratedTimestamp: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fastConfig() Config {
	return Config{
		NumRetries:        3,
		RetryInterval:     time.Millisecond,
		DrainPollInterval: time.Millisecond,
	}
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestRunAdmitsAndPublishesChronologically(t *testing.T) {
	led := &batchLedger{exported: map[string]bool{}}
	pub := &recordingPublisher{}

	later := workItem("mrn-1", "acc-1", message.NewDate(2023, time.June, 1))
	earlier := workItem("mrn-2", "acc-2", message.NewDate(2022, time.January, 5))

	o := New(fastConfig(), led, pub, &scriptedStats{}, zaptest.NewLogger(t))
	require.NoError(t, o.Run(context.Background(), []message.Message{later, earlier}))

	assert.Equal(t, []string{"mrn-1/acc-1", "mrn-2/acc-2"}, led.admitted)
	require.Len(t, pub.batches, 1, "stable export count of zero stops after one round")
	assert.Equal(t, []string{"imaging-primary"}, pub.queues)
	assert.Equal(t, "mrn-2/acc-2", pub.batches[0][0].Identifier())
	assert.Equal(t, "mrn-1/acc-1", pub.batches[0][1].Identifier())
}

func TestRunDeduplicatesBatch(t *testing.T) {
	led := &batchLedger{exported: map[string]bool{}}
	pub := &recordingPublisher{}
	m := workItem("mrn-1", "acc-1", message.NewDate(2023, time.June, 1))

	o := New(fastConfig(), led, pub, &scriptedStats{}, zaptest.NewLogger(t))
	require.NoError(t, o.Run(context.Background(), []message.Message{m, m, m}))

	require.Len(t, pub.batches, 1)
	assert.Len(t, pub.batches[0], 1)
}

func TestRunSkipsExportedItems(t *testing.T) {
	led := &batchLedger{exported: map[string]bool{"mrn-1/acc-1": true}}
	pub := &recordingPublisher{}

	o := New(fastConfig(), led, pub, &scriptedStats{}, zaptest.NewLogger(t))
	err := o.Run(context.Background(), []message.Message{
		workItem("mrn-1", "acc-1", message.NewDate(2023, time.June, 1)),
	})

	require.NoError(t, err)
	assert.Empty(t, pub.batches, "fully exported batch publishes nothing")
	assert.Empty(t, led.admitted)
}

func TestRunRepublishesUntilCountStable(t *testing.T) {
	// Baseline read, then one count per stability round.
	led := &batchLedger{exported: map[string]bool{}, counts: []int64{0, 1, 1}}
	pub := &recordingPublisher{}

	o := New(fastConfig(), led, pub, &scriptedStats{}, zaptest.NewLogger(t))
	err := o.Run(context.Background(), []message.Message{
		workItem("mrn-1", "acc-1", message.NewDate(2023, time.June, 1)),
		workItem("mrn-2", "acc-2", message.NewDate(2023, time.June, 2)),
	})

	require.NoError(t, err)
	// Initial publish, then one replay after the count moved from 0 to 1.
	assert.Len(t, pub.batches, 2)
}

func TestRunSeedsBaselineFromPriorExports(t *testing.T) {
	// Five exports from an earlier extract, none from this batch. The
	// first round already sees a stable count.
	led := &batchLedger{exported: map[string]bool{}, counts: []int64{5, 5}}
	pub := &recordingPublisher{}

	o := New(fastConfig(), led, pub, &scriptedStats{}, zaptest.NewLogger(t))
	err := o.Run(context.Background(), []message.Message{
		workItem("mrn-1", "acc-1", message.NewDate(2023, time.June, 1)),
	})

	require.NoError(t, err)
	assert.Len(t, pub.batches, 1, "prior exports must not count as batch progress")
}

func TestRunStopsWhenRetriesExhausted(t *testing.T) {
	led := &batchLedger{exported: map[string]bool{}, counts: []int64{0, 1, 2, 3}}
	pub := &recordingPublisher{}
	cfg := fastConfig()
	cfg.NumRetries = 2

	o := New(cfg, led, pub, &scriptedStats{}, zaptest.NewLogger(t))
	err := o.Run(context.Background(), []message.Message{
		workItem("mrn-1", "acc-1", message.NewDate(2023, time.June, 1)),
	})

	require.NoError(t, err)
	assert.Len(t, pub.batches, 3, "initial publish plus one replay per retry")
}

func TestWaitForDrainPollsUntilEmpty(t *testing.T) {
	led := &batchLedger{exported: map[string]bool{}}
	// Two watched queues per round: first round reports a backlog, the
	// second round is clean.
	stats := &scriptedStats{backlogs: []int{3, 1, 0, 0}}

	o := New(fastConfig(), led, &recordingPublisher{}, stats, zaptest.NewLogger(t))
	require.NoError(t, o.waitForDrain(context.Background()))
	assert.Equal(t, 4, stats.polls)
}

func TestRunRejectsEmptyBatch(t *testing.T) {
	o := New(fastConfig(), &batchLedger{}, &recordingPublisher{}, &scriptedStats{}, zaptest.NewLogger(t))
	assert.Error(t, o.Run(context.Background(), nil))
}

func TestSleepCtxHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
