// devicesim is a virtual device for exercising a running hub. It
// provisions itself through the bootstrap pipeline, then answers twin
// deltas and direct methods and publishes telemetry until interrupted.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub/mqtt"
	"github.com/edgeberry/devicehub/hub/wire"
)

// Service holds the configuration for the simulated device
type Service struct {
	MQTTURL           string        `env:"MQTT_URL,default=ssl://localhost:8883" description:"the broker url"`
	MQTTTLSCa         string        `env:"MQTT_TLS_CA" description:"broker ca certificate file"`
	MQTTTLSCert       string        `env:"MQTT_TLS_CERT" description:"bootstrap identity certificate file"`
	MQTTTLSKey        string        `env:"MQTT_TLS_KEY" description:"bootstrap identity key file"`
	DeviceUUID        string        `env:"DEVICE_UUID" description:"device uuid, generated when empty"`
	DeviceName        string        `env:"DEVICE_NAME" description:"optional device name"`
	TelemetryInterval time.Duration `env:"TELEMETRY_INTERVAL,default=10s" description:"telemetry cadence"`
	StateDir          string        `env:"STATE_DIR,default=devicesim-state" description:"where the issued identity is kept"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)

	deviceUUID := service.DeviceUUID
	if deviceUUID == "" {
		deviceUUID = uuid.NewString()
	}
	rlog := logger.Default().WithField("device", deviceUUID)

	client := mqtt.NewClient(&mqtt.Builder{
		URL:        service.MQTTURL,
		ClientID:   "provisioning",
		CACertFile: service.MQTTTLSCa,
		CertFile:   service.MQTTTLSCert,
		KeyFile:    service.MQTTTLSKey,
	})
	if err := client.Connect(time.Minute); err != nil {
		rlog.WithError(err).Fatal("cannot connect with the bootstrap identity")
	}

	certPem, chainPem, keyPem := provision(client, deviceUUID, service.DeviceName, rlog)
	client.Disconnect(250 * time.Millisecond)

	if err := os.MkdirAll(service.StateDir, 0700); err != nil {
		rlog.WithError(err).Fatal("cannot create state dir")
	}
	certFile := service.StateDir + "/device.crt"
	keyFile := service.StateDir + "/device.key"
	caFile := service.StateDir + "/ca.crt"
	os.WriteFile(certFile, []byte(certPem), 0644)
	os.WriteFile(keyFile, []byte(keyPem), 0600)
	os.WriteFile(caFile, []byte(chainPem), 0644)
	rlog.Infoln("provisioned, reconnecting with the device identity")

	// from here on the device speaks with its own identity; the broker
	// binds the certificate CN to the topic namespace
	device := mqtt.NewClient(&mqtt.Builder{
		URL:        service.MQTTURL,
		ClientID:   deviceUUID,
		CACertFile: service.MQTTTLSCa,
		CertFile:   certFile,
		KeyFile:    keyFile,
	})
	if err := device.Connect(time.Minute); err != nil {
		rlog.WithError(err).Fatal("cannot connect with the device identity")
	}
	defer device.Disconnect(250 * time.Millisecond)

	status, _ := json.Marshal(wire.StatusMessage{Status: "online", TS: time.Now().Unix()})
	device.PublishRetainedQ1(wire.HubPrefix+deviceUUID+"/status", status)

	// twin deltas are acknowledged by reporting the desired values back
	device.SubscribeQ1(wire.TwinDeltaTopic(deviceUUID), func(topic string, payload []byte) {
		delta := wire.TwinDelta{}
		if err := json.Unmarshal(payload, &delta); err != nil {
			return
		}
		rlog.Infoln("applying twin delta")
		update, _ := json.Marshal(wire.TwinUpdate{Reported: delta.Delta})
		device.PublishMessageQ1(wire.HubPrefix+deviceUUID+"/twin/update", update)
	})

	// every direct method is acknowledged with its own payload
	device.SubscribeQ1(wire.HubPrefix+deviceUUID+"/methods/+/request", func(topic string, payload []byte) {
		request := wire.MethodRequest{}
		if err := json.Unmarshal(payload, &request); err != nil {
			return
		}
		rlog.Infoln("answering method", request.MethodName)
		response, _ := json.Marshal(wire.MethodResponse{
			RequestID: request.RequestID,
			Status:    200,
			Payload:   request.Payload,
		})
		device.PublishMessageQ1(wire.MethodResponseTopic(deviceUUID, request.MethodName), response)
	})

	ticker := time.NewTicker(service.TelemetryInterval)
	defer ticker.Stop()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			telemetry, _ := json.Marshal(map[string]any{
				"temperature": 20 + float64(time.Now().Unix()%10)/2,
				"ts":          time.Now().Unix(),
			})
			device.PublishMessageQ1(wire.HubPrefix+deviceUUID+"/telemetry", telemetry)
		case <-signalCh:
			status, _ := json.Marshal(wire.StatusMessage{Status: "offline", TS: time.Now().Unix()})
			device.PublishRetainedQ1(wire.HubPrefix+deviceUUID+"/status", status)
			rlog.Infoln("stopped")
			return
		}
	}
}

// provision runs the bootstrap handshake: key, CSR, request, answer.
func provision(client *mqtt.Client, deviceUUID, name string, rlog *logrus.Entry) (certPem, chainPem, keyPem string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		rlog.WithError(err).Fatal("cannot generate device key")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		rlog.WithError(err).Fatal("cannot marshal device key")
	}
	keyPem = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))

	csrDER, err := x509.CreateCertificateRequest(rand.Reader,
		&x509.CertificateRequest{Subject: pkix.Name{CommonName: deviceUUID}}, key)
	if err != nil {
		rlog.WithError(err).Fatal("cannot create csr")
	}
	csrPem := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}))

	answer := make(chan wire.ProvisionAccepted, 1)
	client.SubscribeQ1(wire.ProvisionAcceptedTopic(deviceUUID), func(topic string, payload []byte) {
		accepted := wire.ProvisionAccepted{}
		if err := json.Unmarshal(payload, &accepted); err == nil {
			answer <- accepted
		}
	})
	client.SubscribeQ1(wire.ProvisionRejectedTopic(deviceUUID), func(topic string, payload []byte) {
		rejection := wire.Rejection{}
		json.Unmarshal(payload, &rejection)
		rlog.Fatalf("provisioning rejected: %s (%s)", rejection.Error, rejection.Message)
	})

	request, _ := json.Marshal(wire.ProvisionRequest{
		UUID:   deviceUUID,
		CSRPem: csrPem,
		Name:   name,
		Meta:   json.RawMessage(`{"model":"devicesim"}`),
	})
	if err := client.PublishMessageQ1(wire.HubPrefix+deviceUUID+"/provision/request", request); err != nil {
		rlog.WithError(err).Fatal("cannot publish provision request")
	}

	select {
	case accepted := <-answer:
		return accepted.CertPem, accepted.CaChainPem, keyPem
	case <-time.After(time.Minute):
		rlog.Fatal("no provisioning answer within timeout")
		return
	}
}
