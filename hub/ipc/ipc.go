/*
Package ipc provides the local method-invocation bus of the hub.

The bus holds a single registry of named interfaces (Devices, Certificate,
Whitelist, Twin, Application), each with explicit operations. Calls are
synchronous request/response with struct payloads; errors travel in-band
as {ok:false, error:code} rather than transport faults.

The same surface is additionally served over a unix-domain socket with
newline-delimited JSON envelopes, for local tooling.
*/
package ipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
)

// Handler implements one operation of one interface.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Bus is the interface registry.
type Bus struct {
	mutex      sync.RWMutex
	interfaces map[string]map[string]Handler

	listener net.Listener
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{interfaces: make(map[string]map[string]Handler)}
}

// Register adds an operation handler under an interface name. Registering
// the same operation twice panics; the registry is meant to be the single
// concrete service surface.
func (b *Bus) Register(iface, operation string, handler Handler) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	ops, ok := b.interfaces[iface]
	if !ok {
		ops = make(map[string]Handler)
		b.interfaces[iface] = ops
	}
	if _, ok := ops[operation]; ok {
		panic(fmt.Sprintf("operation %s.%s registered twice", iface, operation))
	}
	ops[operation] = handler
}

// Call invokes an operation in-process. The in value is serialized to the
// handler; the handler's result is deserialized into out when out is not
// nil.
func (b *Bus) Call(ctx context.Context, iface, operation string, in, out any) error {
	b.mutex.RLock()
	handler, ok := b.interfaces[iface][operation]
	b.mutex.RUnlock()
	if !ok {
		return hub.NewError(hub.ErrNotFound, fmt.Sprintf("no operation %s.%s", iface, operation))
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return hub.NewError(hub.ErrBadRequest, err.Error())
	}
	result, err := handler(ctx, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(resultJSON, out)
}

type envelope struct {
	Interface string          `json:"interface"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type reply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Serve listens on a unix-domain socket and serves bus calls until the
// listener is closed. A stale socket file from a previous run is removed.
func (b *Bus) Serve(socketPath string) error {
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	b.mutex.Lock()
	b.listener = listener
	b.mutex.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go b.serveConnection(conn)
		}
	}()
	return nil
}

// Close stops the socket listener.
func (b *Bus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.listener == nil {
		return nil
	}
	err := b.listener.Close()
	b.listener = nil
	return err
}

func (b *Bus) serveConnection(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			encoder.Encode(reply{OK: false, Error: hub.ErrBadRequest, Message: "invalid envelope"})
			continue
		}

		b.mutex.RLock()
		handler, ok := b.interfaces[env.Interface][env.Operation]
		b.mutex.RUnlock()
		if !ok {
			encoder.Encode(reply{OK: false, Error: hub.ErrNotFound,
				Message: fmt.Sprintf("no operation %s.%s", env.Interface, env.Operation)})
			continue
		}

		result, err := handler(context.Background(), env.Payload)
		if err != nil {
			encoder.Encode(reply{OK: false, Error: hub.CodeOf(err), Message: hub.MessageOf(err)})
			continue
		}
		if err := encoder.Encode(reply{OK: true, Result: result}); err != nil {
			logger.Default().WithError(err).Warnln("cannot write ipc reply")
			return
		}
	}
}
