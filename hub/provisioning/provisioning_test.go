package provisioning

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/ca"
	"github.com/edgeberry/devicehub/hub/store"
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

func (b *fakeBroker) lastTo(topic string) []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	var payload []byte
	for _, message := range b.messages {
		if message.topic == topic {
			payload = message.payload
		}
	}
	return payload
}

func makeCSR(t *testing.T, cn string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func newTestService(t *testing.T, enforceWhitelist bool) (*Service, *store.Store, *fakeBroker) {
	t.Helper()
	db, err := csql.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewStore(db)
	require.NoError(t, err)

	dir := t.TempDir()
	authority := ca.New(&ca.Builder{
		CertFile: filepath.Join(dir, "ca.crt"),
		KeyFile:  filepath.Join(dir, "ca.key"),
	})
	require.NoError(t, authority.EnsureRootCA("", 0, 2048))

	broker := newFakeBroker()
	service := MustNewService(&Builder{
		Store:            s,
		CA:               authority,
		Broker:           broker,
		EnforceWhitelist: enforceWhitelist,
	})
	t.Cleanup(service.Stop)
	return service, s, broker
}

func request(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(fields)
	require.NoError(t, err)
	return payload
}

func rejectionCode(t *testing.T, broker *fakeBroker) string {
	t.Helper()
	payload := broker.lastTo(wire.ProvisionRejectedTopic(testUUID))
	require.NotNil(t, payload, "expected a rejection")
	rejection := wire.Rejection{}
	require.NoError(t, json.Unmarshal(payload, &rejection))
	return rejection.Error
}

func TestHappyProvisioning(t *testing.T) {
	service, s, broker := newTestService(t, true)
	ctx := context.Background()
	require.NoError(t, s.AddToAllowlist(ctx, testUUID, "lab unit"))

	service.handleRequest(ctx, testUUID, request(t, map[string]any{
		"csrPem": makeCSR(t, testUUID),
		"meta":   map[string]any{"model": "edgeberry-4"},
	}))

	payload := broker.lastTo(wire.ProvisionAcceptedTopic(testUUID))
	require.NotNil(t, payload, "expected an accepted publish")
	accepted := wire.ProvisionAccepted{}
	require.NoError(t, json.Unmarshal(payload, &accepted))
	assert.Equal(t, testUUID, accepted.DeviceID)

	block, _ := pem.Decode([]byte(accepted.CertPem))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, testUUID, cert.Subject.CommonName)
	assert.NotEmpty(t, accepted.CaChainPem)

	device, err := s.GetDevice(ctx, testUUID)
	require.NoError(t, err)
	assert.Equal(t, "EDGB-9205", device.Name)
	assert.Equal(t, "edgeberry-4", device.Meta["model"])

	entry, err := s.CheckUUID(ctx, testUUID)
	require.NoError(t, err)
	assert.NotNil(t, entry.UsedAt)
}

func TestProvisioningCNMismatch(t *testing.T) {
	service, s, broker := newTestService(t, true)
	ctx := context.Background()
	require.NoError(t, s.AddToAllowlist(ctx, testUUID, ""))

	service.handleRequest(ctx, testUUID, request(t, map[string]any{
		"csrPem": makeCSR(t, "attacker"),
	}))

	assert.Equal(t, hub.ErrCSRCNMismatch, rejectionCode(t, broker))
	assert.Nil(t, broker.lastTo(wire.ProvisionAcceptedTopic(testUUID)))

	// the allow-list entry is untouched
	entry, err := s.CheckUUID(ctx, testUUID)
	require.NoError(t, err)
	assert.Nil(t, entry.UsedAt)
	_, err = s.GetDevice(ctx, testUUID)
	assert.Equal(t, hub.ErrNotFound, hub.CodeOf(err))
}

func TestProvisioningDoubleUse(t *testing.T) {
	service, s, broker := newTestService(t, true)
	ctx := context.Background()
	require.NoError(t, s.AddToAllowlist(ctx, testUUID, ""))
	require.NoError(t, s.MarkUsed(ctx, testUUID))

	service.handleRequest(ctx, testUUID, request(t, map[string]any{
		"csrPem": makeCSR(t, testUUID),
	}))

	assert.Equal(t, hub.ErrUUIDAlreadyUsed, rejectionCode(t, broker))
}

func TestProvisioningNotWhitelisted(t *testing.T) {
	service, _, broker := newTestService(t, true)

	service.handleRequest(context.Background(), testUUID, request(t, map[string]any{
		"csrPem": makeCSR(t, testUUID),
	}))

	assert.Equal(t, hub.ErrUUIDNotWhitelisted, rejectionCode(t, broker))
}

func TestProvisioningMissingCSR(t *testing.T) {
	service, s, broker := newTestService(t, true)
	ctx := context.Background()
	require.NoError(t, s.AddToAllowlist(ctx, testUUID, ""))

	service.handleRequest(ctx, testUUID, request(t, map[string]any{
		"name": "pump-A",
	}))

	assert.Equal(t, hub.ErrMissingCSRPem, rejectionCode(t, broker))
}

func TestProvisioningUUIDMismatch(t *testing.T) {
	service, s, broker := newTestService(t, true)
	ctx := context.Background()
	require.NoError(t, s.AddToAllowlist(ctx, testUUID, ""))

	service.handleRequest(ctx, testUUID, request(t, map[string]any{
		"uuid":   "11111111-2222-3333-4444-555555555555",
		"csrPem": makeCSR(t, testUUID),
	}))

	assert.Equal(t, hub.ErrUUIDMismatch, rejectionCode(t, broker))
}

func TestProvisioningBadPayloadShape(t *testing.T) {
	service, s, broker := newTestService(t, true)
	ctx := context.Background()
	require.NoError(t, s.AddToAllowlist(ctx, testUUID, ""))

	service.handleRequest(ctx, testUUID, []byte(`{"csrPem": 42}`))
	assert.Equal(t, hub.ErrBadRequest, rejectionCode(t, broker))

	service.handleRequest(ctx, testUUID, []byte(`not json`))
	assert.Equal(t, hub.ErrBadRequest, rejectionCode(t, broker))
}

func TestProvisioningWithoutWhitelist(t *testing.T) {
	service, s, broker := newTestService(t, false)
	ctx := context.Background()

	// no allow-list entry, the deployment does not enforce one
	service.handleRequest(ctx, testUUID, request(t, map[string]any{
		"csrPem": makeCSR(t, testUUID),
		"name":   "pump-A",
	}))

	payload := broker.lastTo(wire.ProvisionAcceptedTopic(testUUID))
	require.NotNil(t, payload)

	device, err := s.GetDevice(ctx, testUUID)
	require.NoError(t, err)
	assert.Equal(t, "pump-A", device.Name)
}
