// Package queue adapts the JetStream work-queue stream to the pipeline's
// delivery contract: durable at-least-once queues, rate-gated admission and
// ack-then-invoke dispatch. Consumer callbacks never trigger broker
// redelivery; replay belongs to the orchestrator's stability loop.
package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/SAFEHR-data/PIXL-sub000/internal/message"
	"github.com/SAFEHR-data/PIXL-sub000/internal/platform/natsclient"
)

// Producer publishes work items onto a named queue.
type Producer struct {
	nats *natsclient.Client
	log  *zap.Logger
}

// NewProducer constructs a Producer.
func NewProducer(n *natsclient.Client, log *zap.Logger) *Producer {
	return &Producer{nats: n, log: log}
}

// Publish sends the messages in slice order. Callers wanting chronological
// processing sort before calling.
func (p *Producer) Publish(ctx context.Context, queue string, msgs []message.Message) error {
	subject := natsclient.Subject(queue)
	for _, m := range msgs {
		data, err := m.Serialise()
		if err != nil {
			return fmt.Errorf("serialise %s: %w", m.Identifier(), err)
		}
		if _, err := p.nats.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s to %s: %w", m.Identifier(), queue, err)
		}
	}
	p.log.Info("published work items",
		zap.String("queue", queue), zap.Int("count", len(msgs)))
	return nil
}

// PublishExport announces a finished study on the export queue.
func (p *Producer) PublishExport(ctx context.Context, e message.Export) error {
	data, err := e.Serialise()
	if err != nil {
		return err
	}
	subject := natsclient.Subject(natsclient.QueueExport)
	if _, err := p.nats.JS.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish export notice for %s: %w", e.PseudoStudyUID, err)
	}
	return nil
}
