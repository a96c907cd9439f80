package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
)

func testBody(t *testing.T) []byte {
	t.Helper()
	m := message.Message{
		MRN:                       "987654321",
		AccessionNumber:           "AA12345601",
		StudyDate:                 message.NewDate(2023, time.January, 12),
		ProcedureOccurrenceID:     1,
		ProjectName:               "test-extract",
		ExtractGeneratedTimestamp: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	b, err := m.Serialise()
	require.NoError(t, err)
	return b
}

func testConsumer(t *testing.T, h Handler) (*Consumer, *[]string) {
	t.Helper()
	var published []string
	c := &Consumer{
		cfg: ConsumerConfig{
			Queue:         natsclient.QueueImagingPrimary,
			FallbackQueue: natsclient.QueueImagingSecondary,
		},
		handler: h,
		log:     zaptest.NewLogger(t),
	}
	c.publish = func(subject string, data []byte) error {
		published = append(published, subject)
		return nil
	}
	return c, &published
}

func TestHandleBodySuccess(t *testing.T) {
	var got message.Message
	c, published := testConsumer(t, func(_ context.Context, m message.Message) error {
		got = m
		return nil
	})

	act := c.handleBody(context.Background(), testBody(t))
	assert.Equal(t, actionDone, act)
	assert.Equal(t, "987654321", got.MRN)
	assert.Empty(t, *published)
}

func TestHandleBodyMalformedDrops(t *testing.T) {
	called := false
	c, published := testConsumer(t, func(context.Context, message.Message) error {
		called = true
		return nil
	})

	act := c.handleBody(context.Background(), []byte("{not json"))
	assert.Equal(t, actionDrop, act)
	assert.False(t, called)
	assert.Empty(t, *published)
}

func TestHandleBodyRequeueRepublishesSameQueue(t *testing.T) {
	c, published := testConsumer(t, func(context.Context, message.Message) error {
		return &pipeline.RequeueError{Reason: "archive busy"}
	})

	act := c.handleBody(context.Background(), testBody(t))
	assert.Equal(t, actionRepublishSame, act)
	require.Len(t, *published, 1)
	assert.Equal(t, natsclient.Subject(natsclient.QueueImagingPrimary), (*published)[0])
}

func TestHandleBodyNotInPrimaryGoesToFallback(t *testing.T) {
	c, published := testConsumer(t, func(context.Context, message.Message) error {
		return &pipeline.NotInPrimaryError{Identifier: "987654321/AA12345601"}
	})

	act := c.handleBody(context.Background(), testBody(t))
	assert.Equal(t, actionRepublishFallback, act)
	require.Len(t, *published, 1)
	assert.Equal(t, natsclient.Subject(natsclient.QueueImagingSecondary), (*published)[0])
}

func TestHandleBodyNotInPrimaryWithoutFallbackDrops(t *testing.T) {
	c, published := testConsumer(t, func(context.Context, message.Message) error {
		return &pipeline.NotInPrimaryError{Identifier: "x/y"}
	})
	c.cfg.FallbackQueue = ""

	act := c.handleBody(context.Background(), testBody(t))
	assert.Equal(t, actionDrop, act)
	assert.Empty(t, *published)
}

func TestHandleBodyOtherErrorsAreTerminal(t *testing.T) {
	c, published := testConsumer(t, func(context.Context, message.Message) error {
		return errors.New("study corrupt")
	})

	act := c.handleBody(context.Background(), testBody(t))
	assert.Equal(t, actionDrop, act)
	assert.Empty(t, *published, "terminal failures must not republish")
}

func TestClassify(t *testing.T) {
	act, _ := classify(nil)
	assert.Equal(t, actionDone, act)

	act, reason := classify(&pipeline.RequeueError{Reason: "pending jobs"})
	assert.Equal(t, actionRepublishSame, act)
	assert.Equal(t, "pending jobs", reason)

	act, _ = classify(&pipeline.NotInPrimaryError{Identifier: "a/b"})
	assert.Equal(t, actionRepublishFallback, act)

	act, _ = classify(&pipeline.DiscardStudyError{Reason: "manufacturer"})
	assert.Equal(t, actionDrop, act)

	wrapped := errors.New("wrap: " + (&pipeline.RequeueError{Reason: "r"}).Error())
	act, _ = classify(wrapped)
	assert.Equal(t, actionDrop, act, "only typed errors steer dispatch")
}
