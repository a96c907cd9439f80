package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamPixl is the durable work-queue stream that carries every
	// pipeline queue as a distinct subject.
	StreamPixl = "PIXL"

	// QueueImagingPrimary holds work items to be fetched from the primary
	// imaging archive.
	QueueImagingPrimary = "imaging-primary"
	// QueueImagingSecondary holds work items that missed the primary archive
	// and fall back to the secondary one.
	QueueImagingSecondary = "imaging-secondary"
	// QueueExport holds anonymised studies awaiting delivery to a sink.
	QueueExport = "export"
)

// Subject maps a queue name onto its JetStream subject.
func Subject(queue string) string {
	return "pixl." + queue
}

// Durable is the name of a queue's single durable consumer.
func Durable(queue string) string {
	return "pixl-" + queue
}

// ProvisionStreams idempotently creates the PIXL work-queue stream.
// Work-queue retention gives the at-least-once, remove-on-ack semantics the
// pipeline queues rely on; each queue gets exactly one durable consumer
// filtered to its subject, so the non-overlap constraint holds.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamPixl)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamPixl))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name: StreamPixl,
		Subjects: []string{
			Subject(QueueImagingPrimary),
			Subject(QueueImagingSecondary),
			Subject(QueueExport),
		},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamPixl))
	return nil
}

// PendingMessages reports how many messages remain undelivered or unacked
// for the durable consumer of the given queue. A missing consumer counts as
// zero, which happens before the consuming service has started.
func (c *Client) PendingMessages(queue string) (int, error) {
	info, err := c.JS.ConsumerInfo(StreamPixl, Durable(queue))
	if err != nil {
		if err == nats.ErrConsumerNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("consumer info for %s: %w", queue, err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}
