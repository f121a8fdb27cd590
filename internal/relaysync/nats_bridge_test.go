package relaysync

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestNATSBridgeForwardsBusEvents(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	bus := NewEventBus(EventBusOptions{Logger: logger})
	publisher := &recordingPublisher{}
	bridge := NewNATSBridge(bus, publisher, ".acme.sync.", logger)

	assert.Equal(t, "acme.sync.sync_error", bridge.Subject(EventSyncError))
	bus.Publish(BusEvent{Type: EventSyncCompleted, CanonicalID: "c1", Store: StoreWorkspace})

	require.Len(t, publisher.subjects, 1)
	assert.Equal(t, "acme.sync.sync_completed", publisher.subjects[0])
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(publisher.payloads[0], &decoded))
	assert.Equal(t, "c1", decoded["canonicalId"])
	assert.Equal(t, "workspace", decoded["store"])

	bridge.Close()
	bus.Publish(BusEvent{Type: EventSyncCompleted})
	assert.Len(t, publisher.subjects, 1)
}

func TestNATSBridgeLogsPublishFailures(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	bus := NewEventBus(EventBusOptions{Logger: logger})
	bridge := NewNATSBridge(bus, &recordingPublisher{err: errors.New("nats: connection closed")}, "", logger)
	defer bridge.Close()

	assert.Equal(t, DefaultNATSSubjectPrefix+".sweep_started", bridge.Subject(EventSweepStarted))
	bus.Publish(BusEvent{Type: EventSweepStarted})
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "failed to publish bus event to NATS", hook.LastEntry().Message)
}
