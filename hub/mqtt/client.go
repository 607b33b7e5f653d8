/*
Package mqtt provides the broker client used by the hub services.

The broker itself is an off-the-shelf mTLS broker; every hub service
attaches to it with its own client identity certificate. The wrapper keeps
track of subscriptions and re-establishes them after a reconnect.
*/
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
)

// Builder is a builder helper for the Client.
type Builder struct {
	// URL is the broker url, e.g. "ssl://localhost:8883". This is mandatory.
	URL string
	// ClientID is the MQTT client identifier. This is mandatory.
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	CACertFile string
	// CertFile and KeyFile are the client identity certificate files.
	CertFile string
	KeyFile  string
	// InsecureSkipVerify disables broker certificate verification.
	InsecureSkipVerify bool
}

// Client is an MQTT client for one hub service identity.
type Client struct {
	conn paho.Client

	subsMutex sync.RWMutex
	subs      map[string]hub.MessageHandler
}

// NewClient returns a new client. The client will not connect until you
// call Connect().
func NewClient(b *Builder) *Client {
	if len(b.URL) == 0 {
		panic("broker url missing")
	}
	if len(b.ClientID) == 0 {
		panic("client id missing")
	}

	c := &Client{subs: make(map[string]hub.MessageHandler)}

	opts := paho.NewClientOptions().
		AddBroker(b.URL).
		SetClientID(b.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(2 * time.Second).
		SetOrderMatters(false)
	if b.Username != "" {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}

	if b.CertFile != "" || b.CACertFile != "" {
		tlsConfig := &tls.Config{InsecureSkipVerify: b.InsecureSkipVerify}
		if b.CACertFile != "" {
			caCert, err := os.ReadFile(b.CACertFile)
			if err != nil {
				panic(err)
			}
			caCertPool := x509.NewCertPool()
			ok := caCertPool.AppendCertsFromPEM(caCert)
			logger.Default().Debugln("broker ca certs OK =", ok)
			tlsConfig.RootCAs = caCertPool
		}
		if b.CertFile != "" {
			crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
			if err != nil {
				panic(err)
			}
			tlsConfig.Certificates = []tls.Certificate{crt}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(conn paho.Client) {
		logger.Default().Infoln("mqtt connected:", b.ClientID)
		c.resubscribe()
	})
	opts.SetConnectionLostHandler(func(conn paho.Client, err error) {
		logger.Default().WithError(err).Warnln("mqtt connection lost:", b.ClientID)
	})

	c.conn = paho.NewClient(opts)
	return c
}

// Connect connects to the broker, retrying with exponential backoff until
// the broker answers or the timeout elapses.
func (c *Client) Connect(timeout time.Duration) error {
	connect := func() error {
		token := c.conn.Connect()
		token.Wait()
		return token.Error()
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	return backoff.Retry(connect, policy)
}

// IsConnected reports whether the broker connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Disconnect closes the connection after the given grace period.
func (c *Client) Disconnect(grace time.Duration) {
	c.conn.Disconnect(uint(grace.Milliseconds()))
}

// PublishMessageQ1 publishes an MQTT message with quality level 1.
func (c *Client) PublishMessageQ1(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

// PublishRetainedQ1 publishes a retained MQTT message with quality level 1.
func (c *Client) PublishRetainedQ1(topic string, payload []byte) error {
	token := c.conn.Publish(topic, 1, true, payload)
	token.Wait()
	return token.Error()
}

// SubscribeQ1 subscribes to a topic filter at quality level 1. The
// subscription survives reconnects.
func (c *Client) SubscribeQ1(filter string, handler hub.MessageHandler) error {
	c.subsMutex.Lock()
	c.subs[filter] = handler
	c.subsMutex.Unlock()

	token := c.conn.Subscribe(filter, 1, func(conn paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(filter string) error {
	c.subsMutex.Lock()
	delete(c.subs, filter)
	c.subsMutex.Unlock()

	token := c.conn.Unsubscribe(filter)
	token.Wait()
	return token.Error()
}

func (c *Client) resubscribe() {
	c.subsMutex.RLock()
	defer c.subsMutex.RUnlock()
	for filter, handler := range c.subs {
		handler := handler
		token := c.conn.Subscribe(filter, 1, func(conn paho.Client, msg paho.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Default().WithError(err).Errorf("cannot resubscribe to %s", filter)
		}
	}
}

var _ hub.MessageBroker = (*Client)(nil)

// String describes the client for log lines.
func (c *Client) String() string {
	reader := c.conn.OptionsReader()
	return fmt.Sprintf("mqtt client %s", reader.ClientID())
}
