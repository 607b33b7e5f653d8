/*
Package provisioning implements the bootstrap pipeline of the hub.

A device publishes a CSR on its provision request topic using the shared
"provisioning" identity. The service checks the UUID allow-list, has the
CA issue a client certificate with CN bound to the UUID, registers the
device, consumes the allow-list entry and answers on the accepted topic.
Every rejection lands on the rejected topic as {error, message}.
*/
package provisioning

import (
	"context"

	"github.com/alitto/pond/v2"
	"github.com/goccy/go-json"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/core/schema"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/ca"
	"github.com/edgeberry/devicehub/hub/ipc"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

const requestSchemaID = "devicehub:provision-request"

var requestSchema = `{
	"$id": "devicehub:provision-request",
	"type": "object",
	"properties": {
		"uuid": { "type": "string" },
		"csrPem": { "type": "string" },
		"name": { "type": "string" },
		"meta": { "type": "object" },
		"token": { "type": "string" }
	}
}`

// Builder is a builder helper for the Service.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// CA is the certificate authority. This is mandatory.
	CA *ca.CA
	// Broker is the MQTT client with the provisioning identity. This is mandatory.
	Broker hub.MessageBroker
	// Bus is the local IPC bus. Optional; when set, the Certificate and
	// Whitelist interfaces are registered on it.
	Bus *ipc.Bus
	// EnforceWhitelist rejects UUIDs that are not on the allow-list.
	EnforceWhitelist bool
	// CertDays is the validity in days for issued certificates. Zero
	// means the CA default.
	CertDays int
	// Workers bounds the number of concurrently handled requests.
	// Zero means 8.
	Workers int
}

// Service is the provisioning broker.
type Service struct {
	store            *store.Store
	ca               *ca.CA
	broker           hub.MessageBroker
	enforceWhitelist bool
	certDays         int

	validator *schema.Validator
	pool      pond.Pool
}

// MustNewService wires the service and subscribes to the wildcard provision
// request topic.
func MustNewService(b *Builder) *Service {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.CA == nil {
		panic("CA is missing")
	}
	if b.Broker == nil {
		panic("broker is missing")
	}

	validator, err := schema.NewValidator([]string{requestSchema}, nil)
	if err != nil {
		panic(err)
	}

	workers := b.Workers
	if workers <= 0 {
		workers = 8
	}

	s := &Service{
		store:            b.Store,
		ca:               b.CA,
		broker:           b.Broker,
		enforceWhitelist: b.EnforceWhitelist,
		certDays:         b.CertDays,
		validator:        validator,
		pool:             pond.NewPool(workers),
	}

	if err := s.broker.SubscribeQ1(wire.ProvisionRequestFilter, s.onRequest); err != nil {
		panic(err)
	}

	if b.Bus != nil {
		s.registerIPC(b.Bus)
	}
	return s
}

// Stop drains the worker pool.
func (s *Service) Stop() {
	s.pool.StopAndWait()
}

func (s *Service) onRequest(topic string, payload []byte) {
	uuid := wire.DeviceUUID(topic)
	if uuid == "" {
		return
	}
	s.pool.Submit(func() {
		s.handleRequest(context.Background(), uuid, payload)
	})
}

func (s *Service) handleRequest(ctx context.Context, uuid string, payload []byte) {
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, uuid)
	rlog.Infoln("provision request from", uuid)

	if err := s.validator.Validate(requestSchemaID, payload); err != nil {
		s.reject(uuid, hub.NewError(hub.ErrBadRequest, err.Error()))
		return
	}
	request := wire.ProvisionRequest{}
	if err := json.Unmarshal(payload, &request); err != nil {
		s.reject(uuid, hub.NewError(hub.ErrBadRequest, "cannot parse request"))
		return
	}
	if request.UUID != "" && request.UUID != uuid {
		s.reject(uuid, hub.NewError(hub.ErrUUIDMismatch, "payload uuid does not match topic uuid"))
		return
	}

	if s.enforceWhitelist {
		entry, err := s.store.CheckUUID(ctx, uuid)
		if err != nil {
			s.reject(uuid, err)
			return
		}
		if entry.UsedAt != nil {
			s.reject(uuid, hub.NewError(hub.ErrUUIDAlreadyUsed, "uuid has already been used"))
			return
		}
	}

	if request.CSRPem == "" {
		s.reject(uuid, hub.NewError(hub.ErrMissingCSRPem, "csrPem is required"))
		return
	}

	certPem, chainPem, err := s.ca.IssueFromCSR(uuid, request.CSRPem, s.certDays)
	if err != nil {
		s.reject(uuid, err)
		return
	}

	// registry and allow-list must be persisted before accepted goes out;
	// the orphaned certificate of a failed attempt is harmless
	meta := map[string]any{}
	if len(request.Meta) > 0 {
		if err := json.Unmarshal(request.Meta, &meta); err != nil {
			s.reject(uuid, hub.NewError(hub.ErrBadRequest, "meta is not an object"))
			return
		}
	}
	if _, err := s.store.UpsertDevice(ctx, uuid, request.Name, meta); err != nil {
		rlog.WithError(err).Errorln("cannot upsert device")
		s.reject(uuid, hub.NewError(hub.ErrInternal, "cannot persist device"))
		return
	}
	if err := s.store.MarkUsed(ctx, uuid); err != nil {
		if s.enforceWhitelist || hub.CodeOf(err) != hub.ErrUUIDNotWhitelisted {
			rlog.WithError(err).Errorln("cannot mark allow-list entry used")
			s.reject(uuid, hub.NewError(hub.ErrInternal, "cannot consume allow-list entry"))
			return
		}
	}

	accepted := wire.ProvisionAccepted{
		DeviceID:   uuid,
		CertPem:    certPem,
		CaChainPem: chainPem,
	}
	body, _ := json.Marshal(accepted)
	if err := s.broker.PublishMessageQ1(wire.ProvisionAcceptedTopic(uuid), body); err != nil {
		rlog.WithError(err).Errorln("cannot publish provision accepted")
		return
	}
	rlog.Infoln("provisioned device", uuid)
}

func (s *Service) reject(uuid string, err error) {
	logger.Default().Infoln("provision rejected for", uuid, "-", err.Error())
	body, _ := json.Marshal(wire.Rejection{
		Error:   hub.CodeOf(err),
		Message: hub.MessageOf(err),
	})
	if err := s.broker.PublishMessageQ1(wire.ProvisionRejectedTopic(uuid), body); err != nil {
		logger.Default().WithError(err).Errorln("cannot publish provision rejected")
	}
}

// ipc payloads

type issueRequest struct {
	UUID   string `json:"uuid"`
	CSRPem string `json:"csrPem"`
	Days   int    `json:"days,omitempty"`
}

type issueResponse struct {
	OK       bool   `json:"ok"`
	CertPem  string `json:"certPem,omitempty"`
	ChainPem string `json:"chainPem,omitempty"`
	Error    string `json:"error,omitempty"`
}

type uuidRequest struct {
	UUID string `json:"uuid"`
	Note string `json:"note,omitempty"`
}

func (s *Service) registerIPC(bus *ipc.Bus) {
	bus.Register("Certificate", "IssueFromCSR", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := issueRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		certPem, chainPem, err := s.ca.IssueFromCSR(request.UUID, request.CSRPem, request.Days)
		if err != nil {
			return issueResponse{OK: false, Error: hub.CodeOf(err)}, nil
		}
		return issueResponse{OK: true, CertPem: certPem, ChainPem: chainPem}, nil
	})

	bus.Register("Whitelist", "CheckUUID", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return s.store.CheckUUID(ctx, request.UUID)
	})
	bus.Register("Whitelist", "Get", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return s.store.CheckUUID(ctx, request.UUID)
	})
	bus.Register("Whitelist", "List", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return s.store.ListAllowlist(ctx)
	})
	bus.Register("Whitelist", "Add", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return nil, s.store.AddToAllowlist(ctx, request.UUID, request.Note)
	})
	bus.Register("Whitelist", "Remove", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return nil, s.store.RemoveFromAllowlist(ctx, request.UUID)
	})
	bus.Register("Whitelist", "MarkUsed", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return nil, s.store.MarkUsed(ctx, request.UUID)
	})
}
