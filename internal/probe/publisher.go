package probe

import (
	"context"
	"fmt"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/factory"
	"NetTrafficSentinel/internal/logging"
	"NetTrafficSentinel/internal/model"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

func init() {
	factory.RegisterWriter("nats", func(def config.WriterDef, logger logrus.FieldLogger) (model.Writer, error) {
		return NewPublisher(def.NATS, logger)
	})
}

// recordsPerMessage keeps a message well below the default 1 MB NATS payload limit.
const recordsPerMessage = 10000

// Publisher publishes every flushed snapshot to a NATS subject. It implements
// model.Writer.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     *logrus.Entry
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.NATSConfig, logger logrus.FieldLogger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("sentinel-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log := logging.WithComponent(logger, "nats")
	log.WithField("url", cfg.URL).Info("Connected to NATS server")
	return &Publisher{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Name implements model.Writer.
func (p *Publisher) Name() string { return "nats" }

// Commit serializes the snapshot and publishes it, then waits for the server
// to acknowledge the flush.
func (p *Publisher) Commit(ctx context.Context, snap model.Snapshot) error {
	for _, msg := range EncodeSnapshot(snap, recordsPerMessage) {
		if err := p.nc.Publish(p.subject, msg); err != nil {
			return fmt.Errorf("failed to publish snapshot %s: %w", snap.ID, err)
		}
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.log.Info("NATS connection drained and closed.")
	return err
}
