package twin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

const testUUID = "9205255a-0001-4b26-9bd2-7a1e61b39c11"

type published struct {
	topic   string
	payload []byte
}

// fakeBroker records publishes and lets the test deliver messages to the
// subscribed handlers.
type fakeBroker struct {
	mutex    sync.Mutex
	messages []published
	handlers map[string]hub.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]hub.MessageHandler)}
}

func (b *fakeBroker) PublishMessageQ1(topic string, payload []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.messages = append(b.messages, published{topic: topic, payload: payload})
	return nil
}

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

func (b *fakeBroker) publishedTo(topic string) [][]byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	var payloads [][]byte
	for _, message := range b.messages {
		if message.topic == topic {
			payloads = append(payloads, message.payload)
		}
	}
	return payloads
}

func newTestEngine(t *testing.T) (*Engine, *fakeBroker) {
	t.Helper()
	db, err := csql.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewStore(db)
	require.NoError(t, err)

	broker := newFakeBroker()
	engine := MustNewEngine(&Builder{Store: s, Broker: broker})
	t.Cleanup(engine.Stop)
	return engine, broker
}

func TestDelta(t *testing.T) {
	assert.Empty(t, Delta(map[string]any{}, map[string]any{"x": 1.0}))
	assert.Equal(t, map[string]any{"x": 2.0},
		Delta(map[string]any{"x": 2.0}, map[string]any{"x": 1.0}))
	assert.Empty(t, Delta(map[string]any{"x": 2.0}, map[string]any{"x": 2.0}))

	// equality is structural, not textual
	assert.Empty(t, Delta(
		map[string]any{"cfg": map[string]any{"a": 1.0, "b": 2.0}},
		map[string]any{"cfg": map[string]any{"b": 2.0, "a": 1.0}}))
	assert.Equal(t, map[string]any{"cfg": map[string]any{"a": 1.0}},
		Delta(
			map[string]any{"cfg": map[string]any{"a": 1.0}},
			map[string]any{"cfg": map[string]any{"a": 2.0}}))
}

func TestTwinReconciliation(t *testing.T) {
	engine, broker := newTestEngine(t)
	ctx := context.Background()

	// device reports x=1
	accepted, err := engine.ApplyUpdate(ctx, testUUID, wire.TwinUpdate{
		Reported: map[string]any{"x": 1.0},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), accepted.Reported.Version)
	require.NotNil(t, accepted.Updated)
	assert.Equal(t, uint64(1), accepted.Updated.Reported)
	assert.Len(t, broker.publishedTo(wire.TwinAcceptedTopic(testUUID)), 1)
	assert.Empty(t, broker.publishedTo(wire.TwinDeltaTopic(testUUID)))

	// the application wants x=2, the delta goes out
	_, err = engine.ApplyUpdate(ctx, testUUID, wire.TwinUpdate{
		Desired: map[string]any{"x": 2.0},
	})
	require.NoError(t, err)
	deltas := broker.publishedTo(wire.TwinDeltaTopic(testUUID))
	require.Len(t, deltas, 1)
	delta := wire.TwinDelta{}
	require.NoError(t, json.Unmarshal(deltas[0], &delta))
	assert.Equal(t, testUUID, delta.DeviceID)
	assert.Equal(t, map[string]any{"x": 2.0}, delta.Delta)
	assert.Equal(t, uint64(1), delta.DesiredVersion)
	assert.Equal(t, uint64(1), delta.ReportedVersion)

	// the device converges, no further delta
	_, err = engine.ApplyUpdate(ctx, testUUID, wire.TwinUpdate{
		Reported: map[string]any{"x": 2.0},
	})
	require.NoError(t, err)
	assert.Len(t, broker.publishedTo(wire.TwinDeltaTopic(testUUID)), 1)
}

func TestTwinNoOpUpdate(t *testing.T) {
	engine, broker := newTestEngine(t)
	ctx := context.Background()

	accepted, err := engine.ApplyUpdate(ctx, testUUID, wire.TwinUpdate{})
	require.NoError(t, err)
	assert.Nil(t, accepted.Updated)
	assert.Equal(t, uint64(0), accepted.Desired.Version)
	assert.Equal(t, uint64(0), accepted.Reported.Version)
	assert.Len(t, broker.publishedTo(wire.TwinAcceptedTopic(testUUID)), 1)
	assert.Empty(t, broker.publishedTo(wire.TwinDeltaTopic(testUUID)))
}

func TestTwinGetViaBroker(t *testing.T) {
	engine, broker := newTestEngine(t)
	_, err := engine.ApplyUpdate(context.Background(), testUUID, wire.TwinUpdate{
		Reported: map[string]any{"x": 1.0},
	})
	require.NoError(t, err)
	before := len(broker.publishedTo(wire.TwinAcceptedTopic(testUUID)))

	handler := broker.handlers[wire.TwinGetFilter]
	require.NotNil(t, handler)
	handler(wire.HubPrefix+testUUID+"/twin/get", nil)

	assert.Eventually(t, func() bool {
		return len(broker.publishedTo(wire.TwinAcceptedTopic(testUUID))) == before+1
	}, time.Second, 10*time.Millisecond)

	payloads := broker.publishedTo(wire.TwinAcceptedTopic(testUUID))
	accepted := wire.TwinAccepted{}
	require.NoError(t, json.Unmarshal(payloads[len(payloads)-1], &accepted))
	assert.Equal(t, testUUID, accepted.DeviceID)
	assert.Equal(t, uint64(1), accepted.Reported.Version)
	assert.Equal(t, 1.0, accepted.Reported.Doc["x"])
	assert.Nil(t, accepted.Updated)
}

func TestTwinUpdateRejectsBadPayload(t *testing.T) {
	_, broker := newTestEngine(t)

	handler := broker.handlers[wire.TwinUpdateFilter]
	require.NotNil(t, handler)
	handler(wire.HubPrefix+testUUID+"/twin/update", []byte(`{"desired": 5}`))

	assert.Eventually(t, func() bool {
		return len(broker.publishedTo(wire.TwinRejectedTopic(testUUID))) == 1
	}, time.Second, 10*time.Millisecond)

	rejection := wire.Rejection{}
	payloads := broker.publishedTo(wire.TwinRejectedTopic(testUUID))
	require.NoError(t, json.Unmarshal(payloads[0], &rejection))
	assert.Equal(t, hub.ErrBadRequest, rejection.Error)
}
