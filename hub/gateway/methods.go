package gateway

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/wire"
)

// pendingCalls holds the outstanding direct method calls. Responses arrive
// asynchronously on the response topics; a single dispatcher matches them
// by request id. No event emitters, just a map.
type pendingCalls struct {
	mutex sync.Mutex
	calls map[string]chan wire.MethodResponse
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan wire.MethodResponse)}
}

func (p *pendingCalls) add(requestID string) chan wire.MethodResponse {
	ch := make(chan wire.MethodResponse, 1)
	p.mutex.Lock()
	p.calls[requestID] = ch
	p.mutex.Unlock()
	return ch
}

func (p *pendingCalls) remove(requestID string) {
	p.mutex.Lock()
	delete(p.calls, requestID)
	p.mutex.Unlock()
}

// resolve delivers a response to the waiting caller. A response without a
// pending entry is a late arrival after timeout and is discarded.
func (p *pendingCalls) resolve(response wire.MethodResponse) {
	p.mutex.Lock()
	ch, ok := p.calls[response.RequestID]
	if ok {
		delete(p.calls, response.RequestID)
	}
	p.mutex.Unlock()
	if ok {
		ch <- response
	}
}

// cancelAll drops every pending entry; the waiting callers run into their
// timeouts.
func (p *pendingCalls) cancelAll() {
	p.mutex.Lock()
	p.calls = make(map[string]chan wire.MethodResponse)
	p.mutex.Unlock()
}

// onMethodResponse is the single dispatcher for all method response topics.
func (s *Service) onMethodResponse(topic string, payload []byte) {
	response := wire.MethodResponse{}
	if err := json.Unmarshal(payload, &response); err != nil || response.RequestID == "" {
		logger.Default().Warnln("discarding malformed method response on", topic)
		return
	}
	s.pending.resolve(response)
	// responses also fan out to subscribed websocket clients
	s.sockets.fanOut(topic, payload)
}

// CallMethod publishes a direct method request and waits for the
// correlated response, up to the method timeout.
func (s *Service) CallMethod(deviceUUID, method string, payload json.RawMessage) (wire.MethodResponse, error) {
	return s.callMethodWithID(deviceUUID, method, payload, uuid.NewString())
}

func (s *Service) callMethodWithID(deviceUUID, method string, payload json.RawMessage, requestID string) (wire.MethodResponse, error) {
	request := wire.MethodRequest{
		RequestID:  requestID,
		MethodName: method,
		Payload:    payload,
	}
	body, _ := json.Marshal(request)

	ch := s.pending.add(requestID)
	defer s.pending.remove(requestID)

	if err := s.broker.PublishMessageQ1(wire.MethodRequestTopic(deviceUUID, method), body); err != nil {
		return wire.MethodResponse{}, hub.NewError(hub.ErrInternal, "cannot publish method request")
	}

	timer := time.NewTimer(s.methodTimeout)
	defer timer.Stop()
	select {
	case response := <-ch:
		return response, nil
	case <-timer.C:
		return wire.MethodResponse{RequestID: requestID},
			hub.NewError(hub.ErrMethodTimeout, "device did not answer within the method timeout")
	}
}

// SubmitMethod publishes a direct method request without waiting.
func (s *Service) SubmitMethod(deviceUUID, method string, payload json.RawMessage) (string, error) {
	requestID := uuid.NewString()
	request := wire.MethodRequest{
		RequestID:  requestID,
		MethodName: method,
		Payload:    payload,
	}
	body, _ := json.Marshal(request)
	if err := s.broker.PublishMessageQ1(wire.MethodRequestTopic(deviceUUID, method), body); err != nil {
		return "", hub.NewError(hub.ErrInternal, "cannot publish method request")
	}
	return requestID, nil
}

func (s *Service) invokeMethod(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	deviceUUID, _, err := s.resolveDevice(r, params["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	request := struct {
		Payload json.RawMessage `json:"payload,omitempty"`
	}{}
	body, _ := io.ReadAll(r.Body)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &request); err != nil {
			writeError(w, hub.NewError(hub.ErrBadRequest, "cannot parse method call"))
			return
		}
	}

	response, err := s.CallMethod(deviceUUID, params["method"], request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":    response.Status,
		"payload":   response.Payload,
		"message":   response.Message,
		"requestId": response.RequestID,
	})
}

func (s *Service) batchMethods(w http.ResponseWriter, r *http.Request) {
	request := struct {
		DeviceIDs  []string        `json:"deviceIds"`
		MethodName string          `json:"methodName"`
		Payload    json.RawMessage `json:"payload,omitempty"`
	}{}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &request); err != nil ||
		len(request.DeviceIDs) == 0 || request.MethodName == "" {
		writeError(w, hub.NewError(hub.ErrBadRequest, "deviceIds and methodName are required"))
		return
	}

	type submission struct {
		DeviceID  string `json:"deviceId"`
		RequestID string `json:"requestId,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	results := []submission{}
	for _, id := range request.DeviceIDs {
		deviceUUID, name, err := s.resolveDevice(r, id)
		if err != nil {
			results = append(results, submission{DeviceID: id, Error: hub.CodeOf(err)})
			continue
		}
		requestID, err := s.SubmitMethod(deviceUUID, request.MethodName, request.Payload)
		if err != nil {
			results = append(results, submission{DeviceID: name, Error: hub.CodeOf(err)})
			continue
		}
		results = append(results, submission{DeviceID: name, RequestID: requestID})
	}
	writeJSON(w, map[string]any{"ok": true, "results": results})
}
