package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/edgeberry/devicehub/core/access"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub/ca"
	"github.com/edgeberry/devicehub/hub/events"
	"github.com/edgeberry/devicehub/hub/gateway"
	"github.com/edgeberry/devicehub/hub/ipc"
	"github.com/edgeberry/devicehub/hub/kss"
	"github.com/edgeberry/devicehub/hub/mqtt"
	"github.com/edgeberry/devicehub/hub/provisioning"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/translator"
	"github.com/edgeberry/devicehub/hub/twin"
)

// Service holds the configuration for the device hub
type Service struct {
	MQTTURL                   string        `env:"MQTT_URL,default=ssl://localhost:8883" description:"the broker url"`
	MQTTUsername              string        `env:"MQTT_USERNAME" description:"optional broker username"`
	MQTTPassword              string        `env:"MQTT_PASSWORD" description:"optional broker password"`
	MQTTTLSCa                 string        `env:"MQTT_TLS_CA" description:"broker ca certificate file"`
	MQTTTLSCert               string        `env:"MQTT_TLS_CERT" description:"client identity certificate file"`
	MQTTTLSKey                string        `env:"MQTT_TLS_KEY" description:"client identity key file"`
	MQTTTLSRejectUnauthorized bool          `env:"MQTT_TLS_REJECT_UNAUTHORIZED,default=true" description:"verify the broker certificate"`
	CACrtPath                 string        `env:"CA_CRT_PATH,default=certs/root/ca.crt" description:"root ca certificate file"`
	CAKeyPath                 string        `env:"CA_KEY_PATH,default=certs/root/ca.key" description:"root ca key file"`
	CertDays                  int           `env:"CERT_DAYS,default=825" description:"validity of issued device certificates in days"`
	EnforceWhitelist          bool          `env:"ENFORCE_WHITELIST,default=true" description:"reject uuids that are not on the allow-list"`
	DBPath                    string        `env:"DB_PATH,default=devicehub.db" description:"path of the embedded database file"`
	Port                      string        `env:"PORT,default=8080" description:"the admin http port"`
	ApplicationPort           string        `env:"APPLICATION_PORT,default=3000" description:"the application gateway port"`
	AdminUser                 string        `env:"ADMIN_USER" description:"admin ui username"`
	AdminPassword             string        `env:"ADMIN_PASSWORD" description:"admin ui password"`
	JWTSecret                 string        `env:"JWT_SECRET" description:"admin jwt signing secret"`
	JWTTTL                    time.Duration `env:"JWT_TTL,default=24h" description:"admin jwt lifetime"`
	NameCacheTTL              time.Duration `env:"NAME_CACHE_TTL,default=1m" description:"name translator cache ttl"`
	KssDriver                 string        `env:"KSS_DRIVER" description:"certificate artifact store driver: Local or AWSS3"`
	KssPath                   string        `env:"KSS_PATH,default=certs/archive" description:"artifact store base path for the Local driver"`
	KssS3Bucket               string        `env:"KSS_S3_BUCKET" description:"artifact store bucket for the AWSS3 driver"`
	KssS3Region               string        `env:"KSS_S3_REGION" description:"artifact store region for the AWSS3 driver"`
	KafkaBrokers              string        `env:"KAFKA_BROKERS" description:"comma separated kafka brokers for the event export"`
	KafkaEventTopic           string        `env:"KAFKA_EVENT_TOPIC,default=devicehub-events" description:"kafka topic for the event export"`
	IPCSocket                 string        `env:"IPC_SOCKET,default=/run/devicehub/ipc.sock" description:"unix socket of the local ipc bus"`
	LogLevel                  string        `env:"LOG_LEVEL,default=info" description:"log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel := logrus.InfoLevel
	switch strings.ToLower(service.LogLevel) {
	case "debug":
		logLevel = logrus.DebugLevel
	case "warning", "warn":
		logLevel = logrus.WarnLevel
	case "error":
		logLevel = logrus.ErrorLevel
	}
	logger.InitLogger(logLevel)

	db := csql.MustOpen(service.DBPath)
	defer db.Close()
	st := store.MustNewStore(db)

	archive, err := kss.NewDriver(kss.Configuration{
		DriverType:         kss.DriverType(service.KssDriver),
		LocalConfiguration: &kss.LocalConfiguration{BasePath: service.KssPath},
		S3Configuration: &kss.S3Configuration{
			AWSBucketName: service.KssS3Bucket,
			AWSRegion:     service.KssS3Region,
			KeyPrefix:     "devicehub/",
		},
	})
	if err != nil {
		logger.Default().WithError(err).Fatal("cannot create artifact store")
	}

	authority := ca.New(&ca.Builder{
		CertFile:    service.CACrtPath,
		KeyFile:     service.CAKeyPath,
		DefaultDays: service.CertDays,
		Archive:     archive,
	})
	if err := authority.EnsureRootCA("", 0, 0); err != nil {
		logger.Default().WithError(err).Fatal("cannot ensure root CA")
	}

	bus := ipc.NewBus()
	if err := bus.Serve(service.IPCSocket); err != nil {
		logger.Default().WithError(err).Warnln("cannot serve ipc socket", service.IPCSocket)
	}

	newClient := func(clientID string) *mqtt.Client {
		c := mqtt.NewClient(&mqtt.Builder{
			URL:                service.MQTTURL,
			ClientID:           clientID,
			Username:           service.MQTTUsername,
			Password:           service.MQTTPassword,
			CACertFile:         service.MQTTTLSCa,
			CertFile:           service.MQTTTLSCert,
			KeyFile:            service.MQTTTLSKey,
			InsecureSkipVerify: !service.MQTTTLSRejectUnauthorized,
		})
		if err := c.Connect(time.Minute); err != nil {
			logger.Default().WithError(err).Fatal("cannot connect to broker as ", clientID)
		}
		return c
	}

	// every service attaches to the broker with its own client and client
	// id; all of them present the same MQTT_TLS_CERT/MQTT_TLS_KEY
	// certificate, there is no per-service certificate setting
	provisioningClient := newClient("provisioning")
	twinClient := newClient("twin-service")
	recorderClient := newClient("event-recorder")
	translatorClient := newClient("name-translator")
	gatewayClient := newClient("application-gateway")

	provisioningService := provisioning.MustNewService(&provisioning.Builder{
		Store:            st,
		CA:               authority,
		Broker:           provisioningClient,
		Bus:              bus,
		EnforceWhitelist: service.EnforceWhitelist,
		CertDays:         service.CertDays,
	})

	twinEngine := twin.MustNewEngine(&twin.Builder{
		Store:  st,
		Broker: twinClient,
		Bus:    bus,
	})

	var kafkaBrokers []string
	if service.KafkaBrokers != "" {
		kafkaBrokers = strings.Split(service.KafkaBrokers, ",")
	}
	recorder := events.MustNewRecorder(&events.Builder{
		Store:        st,
		Broker:       recorderClient,
		KafkaBrokers: kafkaBrokers,
		KafkaTopic:   service.KafkaEventTopic,
	})

	nameTranslator := translator.MustNewTranslator(&translator.Builder{
		Store:    st,
		Broker:   translatorClient,
		CacheTTL: service.NameCacheTTL,
	})

	router := mux.NewRouter()
	var adminJwt *access.AdminJwtBuilder
	if service.JWTSecret != "" {
		adminJwt = &access.AdminJwtBuilder{Secret: service.JWTSecret, TTL: service.JWTTTL}
	}
	gatewayService := gateway.MustNewService(&gateway.Builder{
		Store:            st,
		Broker:           gatewayClient,
		Bus:              bus,
		Router:           router,
		AdminJwt:         adminJwt,
		AdminUser:        service.AdminUser,
		AdminPassword:    service.AdminPassword,
		ConnectionStatus: gatewayClient.IsConnected,
	})

	applicationServer := &http.Server{Addr: ":" + service.ApplicationPort, Handler: router}
	go func() {
		logger.Default().Infoln("application gateway listens on port :" + service.ApplicationPort)
		if err := applicationServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Default().WithError(err).Fatal("application gateway failed")
		}
	}()

	adminServer := &http.Server{Addr: ":" + service.Port, Handler: router}
	if service.Port != service.ApplicationPort {
		go func() {
			logger.Default().Infoln("admin http listens on port :" + service.Port)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Default().WithError(err).Fatal("admin http failed")
			}
		}()
	}

	logger.Default().Infoln("device hub started")
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	logger.Default().Infoln("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	applicationServer.Shutdown(ctx)
	if service.Port != service.ApplicationPort {
		adminServer.Shutdown(ctx)
	}

	gatewayService.Stop()
	nameTranslator.Stop()
	recorder.Stop()
	twinEngine.Stop()
	provisioningService.Stop()
	bus.Close()

	for _, client := range []*mqtt.Client{
		gatewayClient, translatorClient, recorderClient, twinClient, provisioningClient,
	} {
		client.Disconnect(250 * time.Millisecond)
	}
	logger.Default().Infoln("stopped")
}
