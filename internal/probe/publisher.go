// Package probe carries engine events over NATS.
package probe

import (
	"fmt"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/model"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
)

// Publisher is an event sink that publishes every event to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	glog.Infof("connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

func (p *Publisher) Name() string { return "nats" }

// Write serializes an event and publishes it to the configured subject.
func (p *Publisher) Write(ev model.Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return err
	}
	glog.Info("NATS connection drained and closed")
	return nil
}
