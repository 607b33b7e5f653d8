/*
Package twin implements the twin reconciliation engine.

Each device owns a pair of documents: desired (cloud-authored intent) and
reported (device-reported state). Updates shallow-merge into the stored
documents and advance their versions; whenever desired and reported
disagree after an update, the delta is published to the device.
*/
package twin

import (
	"context"
	"reflect"

	"github.com/alitto/pond/v2"
	"github.com/goccy/go-json"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/ipc"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

// Builder is a builder helper for the Engine.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// Broker is the MQTT client with the twin service identity. This is mandatory.
	Broker hub.MessageBroker
	// Bus is the local IPC bus. Optional; when set, the Twin interface is
	// registered on it so the gateway can service REST calls without
	// traversing the broker.
	Bus *ipc.Bus
	// Workers bounds the number of concurrently handled messages.
	// Zero means 8.
	Workers int
}

// Engine is the twin engine.
type Engine struct {
	store  *store.Store
	broker hub.MessageBroker
	pool   pond.Pool
}

// MustNewEngine wires the engine and subscribes to the twin topics.
func MustNewEngine(b *Builder) *Engine {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Broker == nil {
		panic("broker is missing")
	}

	workers := b.Workers
	if workers <= 0 {
		workers = 8
	}
	e := &Engine{
		store:  b.Store,
		broker: b.Broker,
		pool:   pond.NewPool(workers),
	}

	if err := e.broker.SubscribeQ1(wire.TwinGetFilter, e.onGet); err != nil {
		panic(err)
	}
	if err := e.broker.SubscribeQ1(wire.TwinUpdateFilter, e.onUpdate); err != nil {
		panic(err)
	}

	if b.Bus != nil {
		e.registerIPC(b.Bus)
	}
	return e
}

// Stop drains the worker pool.
func (e *Engine) Stop() {
	e.pool.StopAndWait()
}

func (e *Engine) onGet(topic string, payload []byte) {
	uuid := wire.DeviceUUID(topic)
	if uuid == "" {
		return
	}
	e.pool.Submit(func() {
		desired, reported, err := e.store.GetTwin(context.Background(), uuid)
		if err != nil {
			logger.Default().WithError(err).Errorln("cannot load twin for", uuid)
			e.reject(uuid, "cannot load twin")
			return
		}
		e.publishAccepted(uuid, desired, reported, nil)
	})
}

func (e *Engine) onUpdate(topic string, payload []byte) {
	uuid := wire.DeviceUUID(topic)
	if uuid == "" {
		return
	}
	e.pool.Submit(func() {
		// sections must be objects; anything else is a structural error
		sections := struct {
			Desired  json.RawMessage `json:"desired"`
			Reported json.RawMessage `json:"reported"`
		}{}
		if err := json.Unmarshal(payload, &sections); err != nil {
			e.reject(uuid, "cannot parse update")
			return
		}
		update := wire.TwinUpdate{}
		if len(sections.Desired) > 0 && string(sections.Desired) != "null" {
			if err := json.Unmarshal(sections.Desired, &update.Desired); err != nil {
				e.reject(uuid, "desired is not an object")
				return
			}
		}
		if len(sections.Reported) > 0 && string(sections.Reported) != "null" {
			if err := json.Unmarshal(sections.Reported, &update.Reported); err != nil {
				e.reject(uuid, "reported is not an object")
				return
			}
		}
		if _, err := e.ApplyUpdate(context.Background(), uuid, update); err != nil {
			e.reject(uuid, hub.MessageOf(err))
		}
	})
}

// ApplyUpdate merges the update into the stored twin pair, publishes the
// accepted pair, and publishes the delta when desired and reported
// disagree. An update with neither section is a no-op that still answers
// on the accepted topic.
func (e *Engine) ApplyUpdate(ctx context.Context, uuid string, update wire.TwinUpdate) (wire.TwinAccepted, error) {
	var (
		desired, reported wire.TwinDocument
		updated           *wire.TwinVersion
		err               error
	)

	if update.Desired == nil && update.Reported == nil {
		desired, reported, err = e.store.GetTwin(ctx, uuid)
		if err != nil {
			return wire.TwinAccepted{}, err
		}
		accepted := e.publishAccepted(uuid, desired, reported, nil)
		return accepted, nil
	}

	updated = &wire.TwinVersion{}
	if update.Desired != nil {
		desired, err = e.store.SetDesired(ctx, uuid, update.Desired)
		if err != nil {
			return wire.TwinAccepted{}, err
		}
		updated.Desired = desired.Version
	}
	if update.Reported != nil {
		reported, err = e.store.SetReported(ctx, uuid, update.Reported)
		if err != nil {
			return wire.TwinAccepted{}, err
		}
		updated.Reported = reported.Version
	}
	// load the halves the update did not touch
	if update.Desired == nil || update.Reported == nil {
		d, r, err := e.store.GetTwin(ctx, uuid)
		if err != nil {
			return wire.TwinAccepted{}, err
		}
		if update.Desired == nil {
			desired = d
		}
		if update.Reported == nil {
			reported = r
		}
	}

	accepted := e.publishAccepted(uuid, desired, reported, updated)

	delta := Delta(desired.Doc, reported.Doc)
	if len(delta) > 0 {
		body, _ := json.Marshal(wire.TwinDelta{
			DeviceID:        uuid,
			Delta:           delta,
			DesiredVersion:  desired.Version,
			ReportedVersion: reported.Version,
		})
		if err := e.broker.PublishMessageQ1(wire.TwinDeltaTopic(uuid), body); err != nil {
			logger.Default().WithError(err).Errorln("cannot publish twin delta for", uuid)
		}
	}
	return accepted, nil
}

// GetTwin loads the twin pair without publishing anything.
func (e *Engine) GetTwin(ctx context.Context, uuid string) (wire.TwinAccepted, error) {
	desired, reported, err := e.store.GetTwin(ctx, uuid)
	if err != nil {
		return wire.TwinAccepted{}, err
	}
	return wire.TwinAccepted{DeviceID: uuid, Desired: desired, Reported: reported}, nil
}

// Delta returns the keys where desired and reported disagree, with
// desired's value. Equality is JSON-structural.
func Delta(desired, reported map[string]any) map[string]any {
	delta := map[string]any{}
	for k, v := range desired {
		if !reflect.DeepEqual(v, reported[k]) {
			delta[k] = v
		}
	}
	return delta
}

func (e *Engine) publishAccepted(uuid string, desired, reported wire.TwinDocument, updated *wire.TwinVersion) wire.TwinAccepted {
	accepted := wire.TwinAccepted{
		DeviceID: uuid,
		Desired:  desired,
		Reported: reported,
		Updated:  updated,
	}
	body, _ := json.Marshal(accepted)
	if err := e.broker.PublishMessageQ1(wire.TwinAcceptedTopic(uuid), body); err != nil {
		logger.Default().WithError(err).Errorln("cannot publish twin accepted for", uuid)
	}
	return accepted
}

func (e *Engine) reject(uuid, message string) {
	body, _ := json.Marshal(wire.Rejection{Error: hub.ErrBadRequest, Message: message})
	if err := e.broker.PublishMessageQ1(wire.TwinRejectedTopic(uuid), body); err != nil {
		logger.Default().WithError(err).Errorln("cannot publish twin rejected for", uuid)
	}
}

// ipc payloads

type twinRequest struct {
	UUID  string         `json:"uuid"`
	Patch map[string]any `json:"patch,omitempty"`
}

type statusRequest struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

func (e *Engine) registerIPC(bus *ipc.Bus) {
	bus.Register("Twin", "GetTwin", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := twinRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return e.GetTwin(ctx, request.UUID)
	})
	bus.Register("Twin", "SetDesired", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := twinRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		if request.Patch == nil {
			request.Patch = map[string]any{}
		}
		return e.ApplyUpdate(ctx, request.UUID, wire.TwinUpdate{Desired: request.Patch})
	})
	bus.Register("Twin", "SetReported", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := twinRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		if request.Patch == nil {
			request.Patch = map[string]any{}
		}
		return e.ApplyUpdate(ctx, request.UUID, wire.TwinUpdate{Reported: request.Patch})
	})
	bus.Register("Twin", "ListDevices", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return e.store.ListDevices(ctx, store.DeviceFilter{})
	})
	bus.Register("Twin", "UpdateDeviceStatus", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := statusRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return nil, e.store.UpdateDeviceStatus(ctx, request.UUID, request.Status)
	})
}
