package relaysync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const DefaultNATSSubjectPrefix = "relaysync.events"

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge forwards every bus event to NATS on <prefix>.<event type> so other
// subsystems (webhook fan-out, alerting) can react without linking against the engine.
type NATSBridge struct {
	publisher   Publisher
	prefix      string
	logger      logrus.FieldLogger
	unsubscribe func()
}

func NewNATSBridge(bus *EventBus, publisher Publisher, prefix string, logger logrus.FieldLogger) *NATSBridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultNATSSubjectPrefix
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	bridge := &NATSBridge{publisher: publisher, prefix: prefix, logger: logger}
	bridge.unsubscribe = bus.SubscribeAll(bridge.forward)
	return bridge
}

func (b *NATSBridge) Subject(eventType BusEventType) string {
	return b.prefix + "." + string(eventType)
}

func (b *NATSBridge) forward(event BusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.WithError(err).WithField("event_type", event.Type).Warn("failed to marshal bus event for NATS")
		return
	}
	if err := b.publisher.Publish(b.Subject(event.Type), data); err != nil {
		b.logger.WithError(err).WithField("event_type", event.Type).Warn("failed to publish bus event to NATS")
	}
}

func (b *NATSBridge) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

// ConnectNATS dials the server with reconnect handling that logs connection changes.
func ConnectNATS(url string, maxReconnect int, reconnectWait time.Duration, logger logrus.FieldLogger) (*nats.Conn, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name("relaysync"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Infof("connected to NATS at %s", url)
	return conn, nil
}
