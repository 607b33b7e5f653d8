package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

const testUUID = "9205255a-0001-4b26-9bd2-7a1e61b39c11"

type fakeBroker struct {
	mutex    sync.Mutex
	handlers map[string]hub.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]hub.MessageHandler)}
}

func (b *fakeBroker) PublishMessageQ1(topic string, payload []byte) error { return nil }

func (b *fakeBroker) SubscribeQ1(filter string, handler hub.MessageHandler) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlers[filter] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(filter string) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.handlers, filter)
	return nil
}

func newTestRecorder(t *testing.T) (*Recorder, *store.Store, *fakeBroker) {
	t.Helper()
	db, err := csql.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewStore(db)
	require.NoError(t, err)

	broker := newFakeBroker()
	recorder := MustNewRecorder(&Builder{Store: s, Broker: broker})
	t.Cleanup(recorder.Stop)
	return recorder, s, broker
}

func TestRecorderSubscribes(t *testing.T) {
	_, _, broker := newTestRecorder(t)
	for _, filter := range []string{wire.TelemetryFilter, wire.StatusFilter, wire.EventsFilter} {
		assert.Contains(t, broker.handlers, filter)
	}
}

func TestTelemetryIsRecorded(t *testing.T) {
	recorder, s, _ := newTestRecorder(t)
	ctx := context.Background()
	_, err := s.UpsertDevice(ctx, testUUID, "", nil)
	require.NoError(t, err)

	recorder.onMessage(wire.HubPrefix+testUUID+"/telemetry", []byte(`{"t":21}`))

	events, err := s.QueryEvents(ctx, store.EventFilter{DeviceID: testUUID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, wire.HubPrefix+testUUID+"/telemetry", events[0].Topic)

	device, err := s.GetDevice(ctx, testUUID)
	require.NoError(t, err)
	assert.NotEmpty(t, device.Meta["last_seen"])
}

func TestStatusUpdatesDevice(t *testing.T) {
	recorder, s, _ := newTestRecorder(t)
	ctx := context.Background()
	_, err := s.UpsertDevice(ctx, testUUID, "", nil)
	require.NoError(t, err)

	recorder.onMessage(wire.HubPrefix+testUUID+"/status", []byte(`{"status":"online","ts":1722500000}`))
	device, err := s.GetDevice(ctx, testUUID)
	require.NoError(t, err)
	assert.Equal(t, "online", device.Meta["status"])

	recorder.onMessage(wire.HubPrefix+testUUID+"/status", []byte(`{"status":"offline","ts":1722500060}`))
	device, err = s.GetDevice(ctx, testUUID)
	require.NoError(t, err)
	assert.Equal(t, "offline", device.Meta["status"])
}

func TestMessagesOutsideTheNamespaceAreIgnored(t *testing.T) {
	recorder, s, _ := newTestRecorder(t)

	recorder.onMessage("devices/something/else", []byte(`{}`))
	events, err := s.QueryEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
