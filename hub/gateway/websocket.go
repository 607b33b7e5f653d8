package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socketHub tracks the connected websocket clients.
type socketHub struct {
	service *Service

	mutex   sync.RWMutex
	clients map[*socketClient]bool
}

// socketClient is one websocket connection with its subscription sets.
// Devices are stored resolved to UUIDs; "*" subscribes to everything.
type socketClient struct {
	conn *websocket.Conn
	send chan []byte

	mutex   sync.RWMutex
	topics  map[string]bool
	devices map[string]bool
}

func newSocketHub(service *Service) *socketHub {
	return &socketHub{
		service: service,
		clients: make(map[*socketClient]bool),
	}
}

// clientFrame is the envelope of every frame a client sends.
type clientFrame struct {
	Type       string          `json:"type"`
	Topics     []string        `json:"topics,omitempty"`
	Devices    []string        `json:"devices,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
	MethodName string          `json:"methodName,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (h *socketHub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Warnln("websocket upgrade failed")
		return
	}

	// the token travels in the query string; validation is the same as for REST
	secret := r.URL.Query().Get("token")
	if secret == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}
	if _, err := h.service.authorizeToken(r, secret); err != nil {
		if hub.CodeOf(err) == hub.ErrDBUnavailable || hub.CodeOf(err) == hub.ErrInternal {
			closeWith(conn, websocket.CloseInternalServerErr, "store unavailable")
		} else {
			closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
		}
		return
	}

	client := &socketClient{
		conn:    conn,
		send:    make(chan []byte, 64),
		topics:  make(map[string]bool),
		devices: make(map[string]bool),
	}
	h.mutex.Lock()
	h.clients[client] = true
	h.mutex.Unlock()

	go client.writeLoop()
	h.readLoop(client)
}

func (h *socketHub) readLoop(client *socketClient) {
	defer h.drop(client)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		frame := clientFrame{}
		if err := json.Unmarshal(data, &frame); err != nil {
			client.sendFrame(map[string]any{"type": "error", "message": "cannot parse frame"})
			continue
		}
		h.handleFrame(client, frame)
	}
}

func (h *socketHub) handleFrame(client *socketClient, frame clientFrame) {
	switch frame.Type {
	case "subscribe":
		h.subscribe(client, frame)
	case "unsubscribe":
		client.unsubscribe(frame.Topics, frame.Devices)
		client.sendFrame(map[string]any{"type": "unsubscribed"})
	case "ping":
		client.sendFrame(map[string]any{"type": "pong"})
	case "pong":
		// nothing to do
	case "callMethod":
		go h.callMethod(client, frame)
	case "sendMessage":
		go h.sendMessage(client, frame)
	default:
		client.sendFrame(map[string]any{"type": "error", "message": "unknown frame type"})
	}
}

func (h *socketHub) subscribe(client *socketClient, frame clientFrame) {
	resolved := []string{}
	for _, device := range frame.Devices {
		if device == "*" {
			resolved = append(resolved, "*")
			continue
		}
		deviceUUID, _, err := h.resolve(device)
		if err != nil {
			client.sendFrame(map[string]any{"type": "error", "message": "unknown device " + device})
			continue
		}
		resolved = append(resolved, deviceUUID)
	}
	client.addSubscription(frame.Topics, resolved)
	client.sendFrame(map[string]any{"type": "subscribed", "topics": frame.Topics, "devices": frame.Devices})
}

func (h *socketHub) callMethod(client *socketClient, frame clientFrame) {
	deviceUUID, name, err := h.resolve(frame.DeviceID)
	if err != nil {
		client.sendFrame(map[string]any{"type": "error", "message": "unknown device " + frame.DeviceID})
		return
	}
	requestID := frame.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	response, err := h.service.callMethodWithID(deviceUUID, frame.MethodName, frame.Payload, requestID)
	if err != nil {
		client.sendFrame(map[string]any{
			"type":      "methodResponse",
			"requestId": requestID,
			"deviceId":  name,
			"status":    http.StatusGatewayTimeout,
			"message":   hub.CodeOf(err),
		})
		return
	}
	client.sendFrame(map[string]any{
		"type":      "methodResponse",
		"requestId": response.RequestID,
		"deviceId":  name,
		"status":    response.Status,
		"payload":   response.Payload,
		"message":   response.Message,
	})
}

func (h *socketHub) sendMessage(client *socketClient, frame clientFrame) {
	deviceUUID, name, err := h.resolve(frame.DeviceID)
	if err != nil {
		client.sendFrame(map[string]any{"type": "error", "message": "unknown device " + frame.DeviceID})
		return
	}
	topic := wire.HubPrefix + deviceUUID + "/messages/devicebound"
	if err := h.service.broker.PublishMessageQ1(topic, frame.Payload); err != nil {
		client.sendFrame(map[string]any{"type": "sendMessageResult", "deviceId": name, "ok": false})
		return
	}
	client.sendFrame(map[string]any{"type": "sendMessageResult", "deviceId": name, "ok": true})
}

func (h *socketHub) resolve(idOrName string) (deviceUUID, name string, err error) {
	ctx := context.Background()
	device, err := h.service.store.GetDevice(ctx, idOrName)
	if err == nil {
		return device.UUID, device.Name, nil
	}
	deviceUUID, err = h.service.store.ResolveUUIDByName(ctx, idOrName)
	if err != nil {
		return "", "", err
	}
	return deviceUUID, idOrName, nil
}

// fanOut delivers one broker message to every client whose subscription
// matches the topic type and the device.
func (h *socketHub) fanOut(topic string, payload []byte) {
	deviceUUID := wire.DeviceUUID(topic)
	kind := wire.TopicKind(topic)
	if deviceUUID == "" || kind == "" {
		return
	}

	name, err := h.service.store.ResolveNameByUUID(context.Background(), deviceUUID)
	if err != nil {
		// unregistered devices are delivered under their uuid
		name = deviceUUID
	}

	var data any
	if json.Valid(payload) {
		data = json.RawMessage(payload)
	} else {
		data = string(payload)
	}
	frame, _ := json.Marshal(map[string]any{
		"type":     "message",
		"topic":    topic,
		"deviceId": name,
		"data":     data,
	})

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		if client.matches(kind, deviceUUID) {
			select {
			case client.send <- frame:
			default:
				// a slow client drops messages rather than blocking the fan-out
			}
		}
	}
}

func (h *socketHub) drop(client *socketClient) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mutex.Unlock()
	client.conn.Close()
}

// closeAll performs the orderly shutdown close on every connection.
func (h *socketHub) closeAll() {
	h.mutex.Lock()
	clients := make([]*socketClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		close(client.send)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		client.conn.Close()
	}
}

func (c *socketClient) writeLoop() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (c *socketClient) sendFrame(frame map[string]any) {
	data, _ := json.Marshal(frame)
	defer func() {
		// the send channel closes when the client disconnects; a frame in
		// flight for that client is dropped
		recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *socketClient) addSubscription(topics, devices []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, topic := range topics {
		c.topics[topic] = true
	}
	for _, device := range devices {
		c.devices[device] = true
	}
}

func (c *socketClient) unsubscribe(topics, devices []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(topics) == 0 && len(devices) == 0 {
		c.topics = make(map[string]bool)
		c.devices = make(map[string]bool)
		return
	}
	for _, topic := range topics {
		delete(c.topics, topic)
	}
	for _, device := range devices {
		delete(c.devices, device)
	}
}

func (c *socketClient) matches(kind, deviceUUID string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if !c.topics[kind] && !c.topics["*"] {
		return false
	}
	return c.devices[deviceUUID] || c.devices["*"]
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	conn.Close()
}
