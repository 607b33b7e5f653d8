package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeberry/devicehub/core/access"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/ipc"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/twin"
	"github.com/edgeberry/devicehub/hub/wire"
)

const testUUID = "9205255a-0001-4b26-9bd2-7a1e61b39c11"

type published struct {
	topic   string
	payload []byte
}

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

func (b *fakeBroker) lastTo(prefix string) (string, []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	var (
		topic   string
		payload []byte
	)
	for _, message := range b.messages {
		if strings.HasPrefix(message.topic, prefix) {
			topic = message.topic
			payload = message.payload
		}
	}
	return topic, payload
}

func (b *fakeBroker) deliver(filter, topic string, payload []byte) {
	b.mutex.Lock()
	handler := b.handlers[filter]
	b.mutex.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

type testGateway struct {
	service    *Service
	store      *store.Store
	broker     *fakeBroker
	twinBroker *fakeBroker
	server     *httptest.Server
	token      string
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	db, err := csql.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewStore(db)
	require.NoError(t, err)

	bus := ipc.NewBus()
	twinBroker := newFakeBroker()
	engine := twin.MustNewEngine(&twin.Builder{Store: s, Broker: twinBroker, Bus: bus})
	t.Cleanup(engine.Stop)

	broker := newFakeBroker()
	router := mux.NewRouter()
	service := MustNewService(&Builder{
		Store:         s,
		Broker:        broker,
		Bus:           bus,
		Router:        router,
		AdminJwt:      &access.AdminJwtBuilder{Secret: "test-secret", TTL: time.Hour},
		AdminUser:     "admin",
		AdminPassword: "pw",
		MethodTimeout: 200 * time.Millisecond,
		ConnectionStatus: func() bool {
			return true
		},
	})
	t.Cleanup(service.Stop)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	token, err := s.CreateToken(context.Background(), "test-app", "*", nil)
	require.NoError(t, err)

	return &testGateway{
		service:    service,
		store:      s,
		broker:     broker,
		twinBroker: twinBroker,
		server:     server,
		token:      token.Token,
	}
}

func (g *testGateway) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return response
}

func decodeBody(t *testing.T, response *http.Response, value any) {
	t.Helper()
	defer response.Body.Close()
	require.NoError(t, json.NewDecoder(response.Body).Decode(value))
}

func TestHealthIsOpen(t *testing.T) {
	g := newTestGateway(t)
	response := g.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	health := map[string]any{}
	decodeBody(t, response, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "devicehub", health["service"])
}

func TestBearerTokenRequired(t *testing.T) {
	g := newTestGateway(t)

	response := g.request(t, http.MethodGet, "/api/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	response.Body.Close()

	response = g.request(t, http.MethodGet, "/api/devices", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	response.Body.Close()

	response = g.request(t, http.MethodGet, "/api/devices", g.token, nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	response.Body.Close()

	// a validated token gets its last_used stamped
	tokens, err := g.store.ListTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.NotNil(t, tokens[0].LastUsed)
}

func TestDeviceRoutesAcceptNameAndUUID(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.store.UpsertDevice(context.Background(), testUUID, "", nil)
	require.NoError(t, err)

	for _, id := range []string{testUUID, "EDGB-9205"} {
		response := g.request(t, http.MethodGet, "/api/devices/"+id, g.token, nil)
		assert.Equal(t, http.StatusOK, response.StatusCode)
		device := store.Device{}
		decodeBody(t, response, &device)
		assert.Equal(t, testUUID, device.UUID)
		assert.Equal(t, "EDGB-9205", device.Name)
	}

	response := g.request(t, http.MethodGet, "/api/devices/unknown-device", g.token, nil)
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
	response.Body.Close()
}

func TestTwinRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	_, err := g.store.UpsertDevice(ctx, testUUID, "", nil)
	require.NoError(t, err)
	_, err = g.store.SetReported(ctx, testUUID, map[string]any{"x": 1.0})
	require.NoError(t, err)

	// the admin raises desired x to 2; the twin engine publishes the delta
	response := g.request(t, http.MethodPatch, "/api/devices/EDGB-9205/twin", g.token,
		map[string]any{"desired": map[string]any{"x": 2.0}})
	assert.Equal(t, http.StatusOK, response.StatusCode)
	accepted := wire.TwinAccepted{}
	decodeBody(t, response, &accepted)
	assert.Equal(t, "EDGB-9205", accepted.DeviceID)
	assert.Equal(t, uint64(1), accepted.Desired.Version)

	_, delta := g.twinBroker.lastTo(wire.TwinDeltaTopic(testUUID))
	require.NotNil(t, delta)
	twinDelta := wire.TwinDelta{}
	require.NoError(t, json.Unmarshal(delta, &twinDelta))
	assert.Equal(t, map[string]any{"x": 2.0}, twinDelta.Delta)

	response = g.request(t, http.MethodGet, "/api/devices/EDGB-9205/twin", g.token, nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	decodeBody(t, response, &accepted)
	assert.Equal(t, "EDGB-9205", accepted.DeviceID)
	assert.Equal(t, 2.0, accepted.Desired.Doc["x"])
	assert.Equal(t, 1.0, accepted.Reported.Doc["x"])
}

func TestMethodCallTimesOut(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.store.UpsertDevice(context.Background(), testUUID, "", nil)
	require.NoError(t, err)

	response := g.request(t, http.MethodPost, "/api/devices/EDGB-9205/methods/identify", g.token,
		map[string]any{"payload": map[string]any{"duration": 5}})
	assert.Equal(t, http.StatusGatewayTimeout, response.StatusCode)
	body := map[string]string{}
	decodeBody(t, response, &body)
	assert.Equal(t, hub.ErrMethodTimeout, body["error"])
}

func TestMethodCallOnUnknownDevice(t *testing.T) {
	g := newTestGateway(t)
	response := g.request(t, http.MethodPost, "/api/devices/ghost/methods/identify", g.token, nil)
	assert.Equal(t, http.StatusNotFound, response.StatusCode)
	response.Body.Close()
}

func TestMethodCallCorrelation(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.store.UpsertDevice(context.Background(), testUUID, "", nil)
	require.NoError(t, err)

	// the fake device answers as soon as the request is published
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			_, payload := g.broker.lastTo(wire.MethodRequestTopic(testUUID, "identify"))
			if payload == nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			request := wire.MethodRequest{}
			if err := json.Unmarshal(payload, &request); err != nil {
				return
			}
			responseBody, _ := json.Marshal(wire.MethodResponse{
				RequestID: request.RequestID,
				Status:    200,
				Payload:   json.RawMessage(`{"ack":true}`),
			})
			g.broker.deliver(wire.MethodResponseFilter,
				wire.MethodResponseTopic(testUUID, "identify"), responseBody)
			return
		}
	}()

	response := g.request(t, http.MethodPost, "/api/devices/EDGB-9205/methods/identify", g.token,
		map[string]any{"payload": map[string]any{"duration": 5}})
	<-done
	assert.Equal(t, http.StatusOK, response.StatusCode)
	result := map[string]any{}
	decodeBody(t, response, &result)
	assert.Equal(t, float64(200), result["status"])
	assert.NotEmpty(t, result["requestId"])
}

func TestBatchMethods(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.store.UpsertDevice(context.Background(), testUUID, "", nil)
	require.NoError(t, err)

	response := g.request(t, http.MethodPost, "/api/batch/methods", g.token, map[string]any{
		"deviceIds":  []string{"EDGB-9205", "ghost"},
		"methodName": "reboot",
	})
	assert.Equal(t, http.StatusOK, response.StatusCode)
	result := struct {
		OK      bool `json:"ok"`
		Results []struct {
			DeviceID  string `json:"deviceId"`
			RequestID string `json:"requestId"`
			Error     string `json:"error"`
		} `json:"results"`
	}{}
	decodeBody(t, response, &result)
	assert.True(t, result.OK)
	require.Len(t, result.Results, 2)
	assert.NotEmpty(t, result.Results[0].RequestID)
	assert.Equal(t, hub.ErrNotFound, result.Results[1].Error)

	topic, _ := g.broker.lastTo(wire.MethodRequestTopic(testUUID, "reboot"))
	assert.NotEmpty(t, topic)
}

func TestAdminRoutes(t *testing.T) {
	g := newTestGateway(t)

	// applications are not admins
	response := g.request(t, http.MethodGet, "/api/whitelist", g.token, nil)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	response.Body.Close()

	response = g.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "pw",
	})
	assert.Equal(t, http.StatusOK, response.StatusCode)
	login := map[string]string{}
	decodeBody(t, response, &login)
	require.NotEmpty(t, login["token"])

	response = g.request(t, http.MethodPost, "/api/whitelist", login["token"], map[string]string{
		"uuid": testUUID, "note": "lab unit",
	})
	assert.Equal(t, http.StatusCreated, response.StatusCode)
	response.Body.Close()

	response = g.request(t, http.MethodGet, "/api/whitelist", login["token"], nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	entries := []store.AllowlistEntry{}
	decodeBody(t, response, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, testUUID, entries[0].UUID)

	response = g.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	response.Body.Close()
}

func TestStats(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	_, err := g.store.UpsertDevice(ctx, testUUID, "", nil)
	require.NoError(t, err)
	require.NoError(t, g.store.UpdateDeviceStatus(ctx, testUUID, "online"))

	response := g.request(t, http.MethodGet, "/api/stats/devices", g.token, nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	stats := store.DeviceStats{}
	decodeBody(t, response, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Online)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebsocketRejectsInvalidToken(t *testing.T) {
	g := newTestGateway(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(g.server)+"/ws?token=wrong", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestWebsocketFanOut(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.store.UpsertDevice(context.Background(), testUUID, "", nil)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(g.server)+"/ws?token="+g.token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "subscribe",
		"topics":  []string{"*"},
		"devices": []string{"EDGB-9205"},
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, "subscribed", frame["type"])

	// telemetry from the subscribed device arrives under its name
	g.broker.deliver(wire.TelemetryFilter,
		wire.HubPrefix+testUUID+"/telemetry", []byte(`{"t":21}`))
	frame = readFrame(t, conn)
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "EDGB-9205", frame["deviceId"])

	// telemetry from another device is filtered out; a ping proves the
	// connection is drained
	g.broker.deliver(wire.TelemetryFilter,
		wire.HubPrefix+"11111111-2222-3333-4444-555555555555/telemetry", []byte(`{}`))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestWebsocketCallMethod(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.store.UpsertDevice(context.Background(), testUUID, "", nil)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(g.server)+"/ws?token="+g.token, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			_, payload := g.broker.lastTo(wire.MethodRequestTopic(testUUID, "identify"))
			if payload == nil {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			request := wire.MethodRequest{}
			if err := json.Unmarshal(payload, &request); err != nil {
				return
			}
			responseBody, _ := json.Marshal(wire.MethodResponse{
				RequestID: request.RequestID,
				Status:    200,
			})
			g.broker.deliver(wire.MethodResponseFilter,
				wire.MethodResponseTopic(testUUID, "identify"), responseBody)
			return
		}
	}()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       "callMethod",
		"deviceId":   "EDGB-9205",
		"methodName": "identify",
		"requestId":  "ws-test-1",
		"payload":    map[string]any{"duration": 5},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "methodResponse", frame["type"])
	assert.Equal(t, "ws-test-1", frame["requestId"])
	assert.Equal(t, float64(200), frame["status"])
	assert.Equal(t, "EDGB-9205", frame["deviceId"])
}
