package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/pipeline"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
	"github.com/SAFEHR-data/PIXL-sub000/internal/ratelimit"
)

// rateLimitNakDelay is how long a rate-limited delivery stays parked before
// the broker offers it again.
const rateLimitNakDelay = time.Second

// Handler processes one work item. Returning a pipeline error type steers
// the dispatch decision; any other error is terminal for the delivery.
type Handler func(ctx context.Context, msg message.Message) error

// RawHandler processes one delivery body without the work-item envelope,
// for queues carrying their own message shape (e.g. export notices).
type RawHandler func(ctx context.Context, data []byte) error

// action is the consumer's dispatch decision after a callback returns.
type action int

const (
	actionDone action = iota
	actionRepublishSame
	actionRepublishFallback
	actionDrop
)

// ConsumerConfig wires one durable queue consumer.
type ConsumerConfig struct {
	// Queue is the logical queue name, e.g. natsclient.QueueImagingPrimary.
	Queue string
	// FallbackQueue, when set, receives republished items whose study was
	// not found in the primary archive.
	FallbackQueue string
	// BucketKey selects the token bucket gating this consumer.
	BucketKey string
	// MaxInFlight bounds unacked deliveries per fetch round.
	MaxInFlight int
}

// Consumer is a durable pull consumer over one queue.
type Consumer struct {
	nats       *natsclient.Client
	cfg        ConsumerConfig
	bucket     *ratelimit.TokenBucket
	handler    Handler
	rawHandler RawHandler
	log        *zap.Logger

	// publish is swappable so dispatch can be exercised without a broker.
	publish func(subject string, data []byte) error
}

// NewConsumer constructs a Consumer. The bucket gates admission; pass the
// key the deployment assigned to this queue.
func NewConsumer(n *natsclient.Client, cfg ConsumerConfig, bucket *ratelimit.TokenBucket, h Handler, log *zap.Logger) *Consumer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	c := &Consumer{nats: n, cfg: cfg, bucket: bucket, handler: h, log: log}
	c.publish = func(subject string, data []byte) error {
		_, err := n.JS.Publish(subject, data)
		return err
	}
	return c
}

// NewRawConsumer is NewConsumer for queues with a non-work-item envelope.
func NewRawConsumer(n *natsclient.Client, cfg ConsumerConfig, bucket *ratelimit.TokenBucket, h RawHandler, log *zap.Logger) *Consumer {
	c := NewConsumer(n, cfg, bucket, nil, log)
	c.rawHandler = h
	return c
}

// Start creates the durable pull subscription and launches the processing
// loop in a background goroutine. It returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	durable := natsclient.Durable(c.cfg.Queue)
	sub, err := c.nats.JS.PullSubscribe(
		natsclient.Subject(c.cfg.Queue),
		durable,
		nats.BindStream(natsclient.StreamPixl),
	)
	if err != nil {
		return fmt.Errorf("consumer %s: PullSubscribe: %w", c.cfg.Queue, err)
	}

	c.log.Info("queue consumer initialised",
		zap.String("stream", natsclient.StreamPixl),
		zap.String("durable", durable),
		zap.String("queue", c.cfg.Queue),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.log.Info("queue consumer stopping", zap.String("queue", c.cfg.Queue))
				return
			default:
				msgs, err := sub.Fetch(c.cfg.MaxInFlight, nats.Context(ctx))
				if err != nil {
					continue // nats.ErrTimeout on empty queue — not an error
				}
				var wg sync.WaitGroup
				for _, msg := range msgs {
					wg.Add(1)
					go func(msg *nats.Msg) {
						defer wg.Done()
						c.processDelivery(ctx, msg)
					}(msg)
				}
				wg.Wait()
			}
		}
	}()

	return nil
}

// processDelivery applies the admission gate, then acks and hands the body
// to the callback. Acking before the callback is deliberate: the ledger
// already records the work, so a failed callback is replayed by the
// orchestrator rather than by broker redelivery.
func (c *Consumer) processDelivery(ctx context.Context, msg *nats.Msg) {
	ok, err := c.bucket.TryAcquire(c.cfg.BucketKey)
	if err != nil {
		c.log.Error("rate limiter misconfigured, parking delivery",
			zap.String("queue", c.cfg.Queue), zap.Error(err))
		_ = msg.NakWithDelay(rateLimitNakDelay)
		return
	}
	if !ok {
		_ = msg.NakWithDelay(rateLimitNakDelay)
		return
	}

	if err := msg.Ack(); err != nil {
		c.log.Error("ack failed, skipping delivery",
			zap.String("queue", c.cfg.Queue), zap.Error(err))
		return
	}

	c.handleBody(ctx, msg.Data)
}

// handleBody parses, invokes the callback and acts on the dispatch
// decision. The delivery is already acked; every path ends the message's
// life on this queue.
func (c *Consumer) handleBody(ctx context.Context, data []byte) action {
	var (
		ident string
		err   error
	)
	if c.rawHandler != nil {
		ident = c.cfg.Queue + " delivery"
		err = c.rawHandler(ctx, data)
	} else {
		m, derr := message.Deserialise(data)
		if derr != nil {
			c.log.Error("dropping malformed work item",
				zap.String("queue", c.cfg.Queue), zap.Error(derr))
			return actionDrop
		}
		ident = m.Identifier()
		err = c.handler(ctx, m)
	}

	act, reason := classify(err)
	switch act {
	case actionDone:
	case actionRepublishSame:
		c.log.Info("requeueing work item",
			zap.String("queue", c.cfg.Queue),
			zap.String("item", ident),
			zap.String("reason", reason))
		c.republish(c.cfg.Queue, data, ident)
	case actionRepublishFallback:
		if c.cfg.FallbackQueue == "" {
			c.log.Warn("no fallback queue, dropping work item",
				zap.String("queue", c.cfg.Queue),
				zap.String("item", ident),
				zap.String("reason", reason))
			return actionDrop
		}
		c.log.Info("republishing work item to fallback queue",
			zap.String("queue", c.cfg.Queue),
			zap.String("fallback", c.cfg.FallbackQueue),
			zap.String("item", ident),
			zap.String("reason", reason))
		c.republish(c.cfg.FallbackQueue, data, ident)
	case actionDrop:
		c.log.Warn("dropping work item",
			zap.String("queue", c.cfg.Queue),
			zap.String("item", ident),
			zap.String("reason", reason))
	}
	return act
}

func (c *Consumer) republish(queue string, data []byte, ident string) {
	if err := c.publish(natsclient.Subject(queue), data); err != nil {
		c.log.Error("republish failed, work item lost until orchestrator replay",
			zap.String("queue", queue),
			zap.String("item", ident),
			zap.Error(err))
	}
}

// classify maps a callback error to the dispatch decision.
func classify(err error) (action, string) {
	if err == nil {
		return actionDone, ""
	}

	var requeue *pipeline.RequeueError
	if errors.As(err, &requeue) {
		return actionRepublishSame, requeue.Reason
	}
	var notInPrimary *pipeline.NotInPrimaryError
	if errors.As(err, &notInPrimary) {
		return actionRepublishFallback, notInPrimary.Error()
	}
	return actionDrop, err.Error()
}
