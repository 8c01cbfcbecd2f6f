package probe

import (
	"fmt"

	"NetTrafficSentinel/internal/config"
	"NetTrafficSentinel/internal/logging"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// FragmentHandler is a function that processes a received snapshot fragment.
type FragmentHandler func(f Fragment)

// Subscriber is responsible for subscribing to a NATS subject and processing messages.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	log     *logrus.Entry
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.NATSConfig, logger logrus.FieldLogger) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("sentinel-subscriber"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log := logging.WithComponent(logger, "nats")
	log.WithField("url", cfg.URL).Info("Connected to NATS server")
	return &Subscriber{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Start subscribes to the configured subject and hands every decoded fragment
// to handler. Undecodable messages are logged and skipped.
func (s *Subscriber) Start(handler FragmentHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		f, err := DecodeFragment(msg.Data)
		if err != nil {
			s.log.WithError(err).Warn("Error decoding snapshot message")
			return
		}
		handler(f)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.WithField("subject", s.subject).Info("Subscribed. Waiting for messages...")
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed.")
	}
}
