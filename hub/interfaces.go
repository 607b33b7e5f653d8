package hub

// MessagePublisher is an interface to publish MQTT messages
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte) error
}

// MessageHandler handles a single inbound MQTT message
type MessageHandler func(topic string, payload []byte)

// MessageSubscriber is an interface to subscribe to MQTT topic filters
type MessageSubscriber interface {
	SubscribeQ1(filter string, handler MessageHandler) error
	Unsubscribe(filter string) error
}

// MessageBroker is the full client surface the hub services need
type MessageBroker interface {
	MessagePublisher
	MessageSubscriber
}
