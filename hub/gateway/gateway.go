/*
Package gateway implements the application-facing HTTP and WebSocket
surface of the hub.

Applications authenticate with bearer tokens from the api_tokens table;
administrators with a JWT issued by the login route. Every device-addressed
API accepts either the device UUID or the human name; the gateway resolves
to UUID before touching the broker and re-injects the name in responses.
*/
package gateway

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core/access"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/ipc"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

// Builder is a builder helper for the Service.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// Broker is the MQTT client with the application identity. This is mandatory.
	Broker hub.MessageBroker
	// Bus is the local IPC bus carrying the Twin interface. This is mandatory.
	Bus *ipc.Bus
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// AdminJwt enables the admin login route and JWT middleware.
	AdminJwt *access.AdminJwtBuilder
	// AdminUser and AdminPassword are the admin UI credentials.
	AdminUser     string
	AdminPassword string
	// MethodTimeout is the direct method timeout. Zero means 30 seconds.
	MethodTimeout time.Duration
	// ConnectionStatus reports whether the broker connection is up. It
	// backs the Application.GetConnectionStatus IPC operation.
	ConnectionStatus func() bool
}

// Service is the application gateway.
type Service struct {
	store         *store.Store
	broker        hub.MessageBroker
	bus           *ipc.Bus
	methodTimeout time.Duration

	pending *pendingCalls
	sockets *socketHub

	authCache *access.AuthorizationCache
}

// MustNewService wires the gateway: routes, middleware, the broker
// subscriptions for the WebSocket fan-out, and the method response
// dispatcher.
func MustNewService(b *Builder) *Service {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Broker == nil {
		panic("broker is missing")
	}
	if b.Bus == nil {
		panic("bus is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}

	timeout := b.MethodTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s := &Service{
		store:         b.Store,
		broker:        b.Broker,
		bus:           b.Bus,
		methodTimeout: timeout,
		pending:       newPendingCalls(),
		authCache:     access.NewAuthorizationCache(),
	}
	s.sockets = newSocketHub(s)

	logger.AddRequestID(b.Router)
	s.handleCORS(b.Router)
	if b.AdminJwt != nil {
		b.Router.Use(access.NewAdminJwtMiddleware(b.AdminJwt))
		s.handleLoginRoute(b.Router, b.AdminJwt, b.AdminUser, b.AdminPassword)
	}
	b.Router.Use(s.tokenMiddleware)
	access.HandleAuthorizationRoute(b.Router)
	s.handleRoutes(b.Router)

	// one broker-side subscription per topic family; the sockets fan the
	// messages out to the matching connections
	for _, filter := range []string{
		wire.TelemetryFilter,
		wire.StatusFilter,
		wire.TwinReportedFilter,
		wire.EventsFilter,
	} {
		if err := s.broker.SubscribeQ1(filter, s.sockets.fanOut); err != nil {
			panic(err)
		}
	}
	if err := s.broker.SubscribeQ1(wire.MethodResponseFilter, s.onMethodResponse); err != nil {
		panic(err)
	}

	s.registerIPC(b.Bus, b.ConnectionStatus)
	return s
}

// Stop closes all WebSocket connections and cancels the pending method
// calls.
func (s *Service) Stop() {
	s.sockets.closeAll()
	s.pending.cancelAll()
}

func (s *Service) handleCORS(router *mux.Router) {
	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
	router.Use(corsMiddleware)
	router.Use(func(h http.Handler) http.Handler { return handlers.CompressHandler(h) })
}

// tokenMiddleware authorizes requests with an application bearer token.
// The health and login routes stay open, and /ws passes through because the
// websocket handler validates its own query-string token; everything else
// requires either an admin JWT (handled before this middleware) or a valid
// token.
func (s *Service) tokenMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/api/auth/login" || r.URL.Path == "/ws" {
			h.ServeHTTP(w, r)
			return
		}
		if auth := access.AuthorizationFromContext(r.Context()); auth != nil {
			h.ServeHTTP(w, r)
			return
		}

		secret := ""
		bearer := r.Header.Get("Authorization")
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			secret = bearer[7:]
		}
		if secret == "" {
			writeError(w, hub.NewError(hub.ErrInvalidToken, "missing bearer token"))
			return
		}

		auth, err := s.authorizeToken(r, secret)
		if err != nil {
			writeError(w, err)
			return
		}
		h.ServeHTTP(w, r.WithContext(auth.ContextWithAuthorization(r.Context())))
	})
}

// authorizeToken validates a token secret, stamps its last-used timestamp
// and returns the resulting authorization.
func (s *Service) authorizeToken(r *http.Request, secret string) (*access.Authorization, error) {
	token, err := s.store.ValidateToken(r.Context(), secret)
	if err != nil {
		s.authCache.Invalidate(secret)
		return nil, err
	}
	if err := s.store.TouchLastUsed(r.Context(), token.ID); err != nil {
		logger.FromContext(r.Context()).WithError(err).Warnln("cannot touch token", token.ID)
	}
	auth := s.authCache.Read(secret)
	if auth == nil {
		auth = &access.Authorization{
			Roles: []string{"application"},
			Selectors: map[string]string{
				"token_id": token.ID,
				"scopes":   token.Scopes,
			},
		}
		s.authCache.Write(secret, auth)
	}
	return auth, nil
}

func (s *Service) handleLoginRoute(router *mux.Router, jwtBuilder *access.AdminJwtBuilder, user, password string) {
	router.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		credentials := struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}{}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &credentials); err != nil {
			writeError(w, hub.NewError(hub.ErrBadRequest, "cannot parse credentials"))
			return
		}
		if user == "" || credentials.Username != user || credentials.Password != password {
			writeError(w, hub.NewError(hub.ErrInvalidToken, "invalid credentials"))
			return
		}
		token, err := jwtBuilder.IssueAdminToken(credentials.Username)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorf("Error 3102")
			http.Error(w, "Error 3102", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"token": token})
	}).Methods(http.MethodOptions, http.MethodPost)
}

func (s *Service) handleRoutes(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "ok",
			"service":   "devicehub",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/api/devices", s.listDevices).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{id}", s.getDevice).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{id}", s.patchDevice).Methods(http.MethodPatch)
	router.HandleFunc("/api/devices/{id}", s.deleteDevice).Methods(http.MethodDelete)
	router.HandleFunc("/api/devices/{id}/twin", s.getTwin).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{id}/twin", s.patchTwin).Methods(http.MethodPatch)
	router.HandleFunc("/api/devices/{id}/events", s.getEvents).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/devices/{id}/methods/{method}", s.invokeMethod).Methods(http.MethodPost)
	router.HandleFunc("/api/batch/methods", s.batchMethods).Methods(http.MethodPost)
	router.HandleFunc("/api/telemetry", s.getTelemetry).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/stats/devices", s.getStats).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/api/whitelist", s.requireAdmin(s.listWhitelist)).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/whitelist", s.requireAdmin(s.addWhitelist)).Methods(http.MethodPost)
	router.HandleFunc("/api/whitelist/{uuid}", s.requireAdmin(s.removeWhitelist)).Methods(http.MethodDelete)
	router.HandleFunc("/api/tokens", s.requireAdmin(s.listTokens)).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/tokens", s.requireAdmin(s.createToken)).Methods(http.MethodPost)
	router.HandleFunc("/api/tokens/{id}", s.requireAdmin(s.deleteToken)).Methods(http.MethodDelete)

	router.HandleFunc("/ws", s.sockets.serveWs).Methods(http.MethodGet)
}

func (s *Service) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole("admin") {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// resolveDevice accepts a device UUID or a device name and returns both.
func (s *Service) resolveDevice(r *http.Request, idOrName string) (uuid, name string, err error) {
	device, err := s.store.GetDevice(r.Context(), idOrName)
	if err == nil {
		return device.UUID, device.Name, nil
	}
	if hub.CodeOf(err) != hub.ErrNotFound {
		return "", "", err
	}
	uuid, err = s.store.ResolveUUIDByName(r.Context(), idOrName)
	if err != nil {
		return "", "", err
	}
	return uuid, idOrName, nil
}

func (s *Service) listDevices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.DeviceFilter{
		Status: query.Get("status"),
		Model:  query.Get("model"),
	}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	if since := query.Get("seenSince"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			filter.SeenSince = &ts
		}
	}
	if until := query.Get("seenUntil"); until != "" {
		if ts, err := time.Parse(time.RFC3339, until); err == nil {
			filter.SeenUntil = &ts
		}
	}

	devices, err := s.store.ListDevices(r.Context(), filter)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3110")
		http.Error(w, "Error 3110", http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

func (s *Service) getDevice(w http.ResponseWriter, r *http.Request) {
	uuid, _, err := s.resolveDevice(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	device, err := s.store.GetDevice(r.Context(), uuid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, device)
}

func (s *Service) patchDevice(w http.ResponseWriter, r *http.Request) {
	uuid, _, err := s.resolveDevice(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	patch := struct {
		Name string         `json:"name,omitempty"`
		Meta map[string]any `json:"meta,omitempty"`
	}{}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &patch); err != nil {
		writeError(w, hub.NewError(hub.ErrBadRequest, "cannot parse patch"))
		return
	}
	device, err := s.store.UpsertDevice(r.Context(), uuid, patch.Name, patch.Meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, device)
}

func (s *Service) deleteDevice(w http.ResponseWriter, r *http.Request) {
	uuid, _, err := s.resolveDevice(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteDevice(r.Context(), uuid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) getTwin(w http.ResponseWriter, r *http.Request) {
	uuid, name, err := s.resolveDevice(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	accepted := wire.TwinAccepted{}
	if err := s.bus.Call(r.Context(), "Twin", "GetTwin", map[string]string{"uuid": uuid}, &accepted); err != nil {
		writeError(w, err)
		return
	}
	accepted.DeviceID = name
	writeJSON(w, accepted)
}

func (s *Service) patchTwin(w http.ResponseWriter, r *http.Request) {
	uuid, name, err := s.resolveDevice(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	update := wire.TwinUpdate{}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &update); err != nil {
		writeError(w, hub.NewError(hub.ErrBadRequest, "cannot parse twin update"))
		return
	}

	accepted := wire.TwinAccepted{}
	if update.Desired != nil {
		err = s.bus.Call(r.Context(), "Twin", "SetDesired",
			map[string]any{"uuid": uuid, "patch": update.Desired}, &accepted)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if update.Reported != nil {
		err = s.bus.Call(r.Context(), "Twin", "SetReported",
			map[string]any{"uuid": uuid, "patch": update.Reported}, &accepted)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if update.Desired == nil && update.Reported == nil {
		err = s.bus.Call(r.Context(), "Twin", "GetTwin", map[string]string{"uuid": uuid}, &accepted)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	accepted.DeviceID = name
	writeJSON(w, accepted)
}

func (s *Service) getEvents(w http.ResponseWriter, r *http.Request) {
	uuid, _, err := s.resolveDevice(r, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	filter := eventFilterFromQuery(r)
	filter.DeviceID = uuid
	events, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3111")
		http.Error(w, "Error 3111", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *Service) getTelemetry(w http.ResponseWriter, r *http.Request) {
	filter := eventFilterFromQuery(r)
	if deviceID := r.URL.Query().Get("deviceId"); deviceID != "" {
		uuid, _, err := s.resolveDevice(r, deviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.DeviceID = uuid
	}
	events, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3112")
		http.Error(w, "Error 3112", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3113")
		http.Error(w, "Error 3113", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Service) listWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAllowlist(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3114")
		http.Error(w, "Error 3114", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (s *Service) addWhitelist(w http.ResponseWriter, r *http.Request) {
	entry := struct {
		UUID string `json:"uuid"`
		Note string `json:"note,omitempty"`
	}{}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &entry); err != nil || entry.UUID == "" {
		writeError(w, hub.NewError(hub.ErrBadRequest, "uuid is required"))
		return
	}
	if err := s.store.AddToAllowlist(r.Context(), entry.UUID, entry.Note); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveFromAllowlist(r.Context(), mux.Vars(r)["uuid"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.store.ListTokens(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 3115")
		http.Error(w, "Error 3115", http.StatusInternalServerError)
		return
	}
	writeJSON(w, tokens)
}

func (s *Service) createToken(w http.ResponseWriter, r *http.Request) {
	request := struct {
		Name      string     `json:"name"`
		Scopes    string     `json:"scopes,omitempty"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}{}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &request); err != nil || request.Name == "" {
		writeError(w, hub.NewError(hub.ErrBadRequest, "name is required"))
		return
	}
	token, err := s.store.CreateToken(r.Context(), request.Name, request.Scopes, request.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, token)
}

func (s *Service) deleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteToken(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) registerIPC(bus *ipc.Bus, connectionStatus func() bool) {
	type uuidRequest struct {
		UUID string `json:"uuid"`
	}
	type setRequest struct {
		UUID string         `json:"uuid"`
		Name string         `json:"name,omitempty"`
		Meta map[string]any `json:"meta,omitempty"`
	}

	bus.Register("Devices", "List", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return s.store.ListDevices(ctx, store.DeviceFilter{})
	})
	bus.Register("Devices", "Get", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return s.store.GetDevice(ctx, request.UUID)
	})
	bus.Register("Devices", "Set", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := setRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return s.store.UpsertDevice(ctx, request.UUID, request.Name, request.Meta)
	})
	bus.Register("Devices", "Remove", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return nil, s.store.DeleteDevice(ctx, request.UUID)
	})
	bus.Register("Devices", "ResolveDeviceNameByUUID", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		name, err := s.store.ResolveNameByUUID(ctx, request.UUID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"name": name}, nil
	})
	bus.Register("Devices", "UpdateLastSeen", func(ctx context.Context, payload json.RawMessage) (any, error) {
		request := uuidRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, hub.NewError(hub.ErrBadRequest, err.Error())
		}
		return nil, s.store.UpdateLastSeen(ctx, request.UUID)
	})

	bus.Register("Application", "GetConnectionStatus", func(ctx context.Context, payload json.RawMessage) (any, error) {
		connected := false
		if connectionStatus != nil {
			connected = connectionStatus()
		}
		return map[string]bool{"connected": connected}, nil
	})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	jsonData, _ := json.Marshal(value)
	w.Write(jsonData)
}

// writeError maps the hub error taxonomy to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := hub.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case hub.ErrBadRequest, hub.ErrInvalidUUID, hub.ErrInvalidCSR, hub.ErrCSRCNMismatch,
		hub.ErrMissingCSRPem, hub.ErrUUIDMismatch:
		status = http.StatusBadRequest
	case hub.ErrInvalidToken, hub.ErrTokenExpired, hub.ErrTokenInactive,
		hub.ErrUUIDNotWhitelisted, hub.ErrUUIDAlreadyUsed:
		status = http.StatusUnauthorized
	case hub.ErrNotFound, hub.ErrNoRootCA:
		status = http.StatusNotFound
	case hub.ErrDuplicate:
		status = http.StatusConflict
	case hub.ErrMethodTimeout:
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	jsonData, _ := json.Marshal(map[string]string{
		"error":   code,
		"details": hub.MessageOf(err),
	})
	w.Write(jsonData)
}

func eventFilterFromQuery(r *http.Request) store.EventFilter {
	query := r.URL.Query()
	filter := store.EventFilter{}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	if start := query.Get("startTime"); start != "" {
		if ts, err := time.Parse(time.RFC3339, start); err == nil {
			filter.StartTime = &ts
		}
	}
	if end := query.Get("endTime"); end != "" {
		if ts, err := time.Parse(time.RFC3339, end); err == nil {
			filter.EndTime = &ts
		}
	}
	return filter
}
