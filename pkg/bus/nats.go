package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSConfig holds broker connection configuration.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"client_id"`
}

// NATSPublisher publishes execution events over NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NewNATSPublisher connects to the broker and returns a publisher.
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	logger := logrus.WithField("component", "bus")

	opts := []nats.Option{
		nats.Name(config.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Errorf("NATS error: %v", err)
		}),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish JSON-encodes the payload and publishes it on the subject.
func (p *NATSPublisher) Publish(subject string, payload interface{}) error {
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.conn.Publish(subject, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	p.logger.Debugf("Published to %s", subject)
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
