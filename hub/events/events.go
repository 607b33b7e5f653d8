/*
Package events records device events into the store's event table.

The recorder subscribes to the telemetry, status and event topics, appends
each message to the device event log, and stamps the device's last-seen
timestamp. Status messages additionally update the retained status value
in the device meta document. An optional Kafka writer exports every
recorded event for downstream consumers.
*/
package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	kafka "github.com/segmentio/kafka-go"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/store"
	"github.com/edgeberry/devicehub/hub/wire"
)

// Builder is a builder helper for the Recorder.
type Builder struct {
	// Store is the identity store. This is mandatory.
	Store *store.Store
	// Broker is the MQTT client with the recorder identity. This is mandatory.
	Broker hub.MessageBroker
	// KafkaBrokers enables the Kafka export when non-empty.
	KafkaBrokers []string
	// KafkaTopic is the export topic. Mandatory when KafkaBrokers is set.
	KafkaTopic string
}

// Recorder feeds the device event log.
type Recorder struct {
	store  *store.Store
	broker hub.MessageBroker
	writer *kafka.Writer
}

// MustNewRecorder wires the recorder and subscribes to the device topics.
func MustNewRecorder(b *Builder) *Recorder {
	if b.Store == nil {
		panic("store is missing")
	}
	if b.Broker == nil {
		panic("broker is missing")
	}

	r := &Recorder{store: b.Store, broker: b.Broker}
	if len(b.KafkaBrokers) > 0 {
		if b.KafkaTopic == "" {
			panic("kafka topic is missing")
		}
		r.writer = &kafka.Writer{
			Addr:     kafka.TCP(b.KafkaBrokers...),
			Topic:    b.KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	for _, filter := range []string{wire.TelemetryFilter, wire.StatusFilter, wire.EventsFilter} {
		if err := r.broker.SubscribeQ1(filter, r.onMessage); err != nil {
			panic(err)
		}
	}
	return r
}

// Stop closes the Kafka writer.
func (r *Recorder) Stop() {
	if r.writer != nil {
		r.writer.Close()
	}
}

func (r *Recorder) onMessage(topic string, payload []byte) {
	uuid := wire.DeviceUUID(topic)
	if uuid == "" {
		return
	}
	ctx := context.Background()

	if err := r.store.RecordEvent(ctx, uuid, topic, payload); err != nil {
		logger.Default().WithError(err).Errorln("cannot record event for", uuid)
		return
	}
	if err := r.store.UpdateLastSeen(ctx, uuid); err != nil {
		logger.Default().WithError(err).Warnln("cannot update last seen for", uuid)
	}

	if wire.TopicKind(topic) == "status" {
		status := wire.StatusMessage{}
		if err := json.Unmarshal(payload, &status); err == nil && status.Status != "" {
			if err := r.store.UpdateDeviceStatus(ctx, uuid, status.Status); err != nil {
				logger.Default().WithError(err).Warnln("cannot update status for", uuid)
			}
		}
	}

	if r.writer != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := r.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(uuid),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "topic", Value: []byte(topic)},
			},
		})
		if err != nil {
			logger.Default().WithError(err).Warnln("cannot export event to kafka")
		}
	}
}
