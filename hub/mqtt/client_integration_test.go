package mqtt

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/edgeberry/devicehub/hub/wire"
)

// IntegrationTestSuite runs against a real broker in a container. Set
// DEVICEHUB_INTEGRATION=1 to enable it.
type IntegrationTestSuite struct {
	suite.Suite
	brokerContainer testcontainers.Container
	brokerURL       string
}

func TestIntegrationSuite(t *testing.T) {
	if os.Getenv("DEVICEHUB_INTEGRATION") == "" {
		t.Skip("set DEVICEHUB_INTEGRATION=1 to run the broker integration suite")
	}
	suite.Run(t, new(IntegrationTestSuite))
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	request := testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: request,
		Started:          true,
	})
	s.Require().NoError(err)
	s.brokerContainer = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "1883")
	s.Require().NoError(err)
	s.brokerURL = fmt.Sprintf("tcp://%s:%s", host, port.Port())
}

func (s *IntegrationTestSuite) TearDownSuite() {
	if s.brokerContainer != nil {
		s.brokerContainer.Terminate(context.Background())
	}
}

func (s *IntegrationTestSuite) newClient(clientID string) *Client {
	client := NewClient(&Builder{URL: s.brokerURL, ClientID: clientID})
	s.Require().NoError(client.Connect(30 * time.Second))
	return client
}

func (s *IntegrationTestSuite) TestPublishSubscribeRoundTrip() {
	publisher := s.newClient("it-publisher")
	defer publisher.Disconnect(250 * time.Millisecond)
	subscriber := s.newClient("it-subscriber")
	defer subscriber.Disconnect(250 * time.Millisecond)

	received := make(chan []byte, 1)
	err := subscriber.SubscribeQ1(wire.TelemetryFilter, func(topic string, payload []byte) {
		received <- payload
	})
	s.Require().NoError(err)

	topic := wire.HubPrefix + "9205255a-0001-4b26-9bd2-7a1e61b39c11/telemetry"
	s.Require().NoError(publisher.PublishMessageQ1(topic, []byte(`{"t":21}`)))

	select {
	case payload := <-received:
		s.JSONEq(`{"t":21}`, string(payload))
	case <-time.After(10 * time.Second):
		s.Fail("no message within timeout")
	}
}

func (s *IntegrationTestSuite) TestRetainedStatus() {
	publisher := s.newClient("it-status-publisher")
	defer publisher.Disconnect(250 * time.Millisecond)

	topic := wire.HubPrefix + "11111111-2222-3333-4444-555555555555/status"
	s.Require().NoError(publisher.PublishRetainedQ1(topic, []byte(`{"status":"online","ts":1}`)))

	// a late subscriber still sees the retained value
	subscriber := s.newClient("it-status-subscriber")
	defer subscriber.Disconnect(250 * time.Millisecond)

	received := make(chan []byte, 1)
	err := subscriber.SubscribeQ1(wire.StatusFilter, func(topic string, payload []byte) {
		received <- payload
	})
	s.Require().NoError(err)

	select {
	case payload := <-received:
		s.Contains(string(payload), "online")
	case <-time.After(10 * time.Second):
		s.Fail("no retained message within timeout")
	}
}
