package wire

import "strings"

// Topic prefixes of the hub namespace.
const (
	HubPrefix        = "$devicehub/devices/"
	DeviceDataPrefix = "$devicehub/devicedata/"
	LegacyEventsSub  = "devices/+/messages/events/#"
)

// Topic filters the hub services subscribe to.
const (
	ProvisionRequestFilter = HubPrefix + "+/provision/request"
	TwinGetFilter          = HubPrefix + "+/twin/get"
	TwinUpdateFilter       = HubPrefix + "+/twin/update"
	TelemetryFilter        = HubPrefix + "+/telemetry"
	StatusFilter           = HubPrefix + "+/status"
	TwinReportedFilter     = HubPrefix + "+/twin/reported"
	EventsFilter           = HubPrefix + "+/events/+"
	MethodResponseFilter   = HubPrefix + "+/methods/+/response"
)

// ProvisionAcceptedTopic returns the accepted topic for a device UUID.
func ProvisionAcceptedTopic(uuid string) string {
	return HubPrefix + uuid + "/provision/accepted"
}

// ProvisionRejectedTopic returns the rejected topic for a device UUID.
func ProvisionRejectedTopic(uuid string) string {
	return HubPrefix + uuid + "/provision/rejected"
}

// TwinAcceptedTopic returns the twin update accepted topic.
func TwinAcceptedTopic(uuid string) string {
	return HubPrefix + uuid + "/twin/update/accepted"
}

// TwinDeltaTopic returns the twin update delta topic.
func TwinDeltaTopic(uuid string) string {
	return HubPrefix + uuid + "/twin/update/delta"
}

// TwinRejectedTopic returns the twin update rejected topic.
func TwinRejectedTopic(uuid string) string {
	return HubPrefix + uuid + "/twin/update/rejected"
}

// MethodRequestTopic returns the request topic of a direct method.
func MethodRequestTopic(uuid, method string) string {
	return HubPrefix + uuid + "/methods/" + method + "/request"
}

// MethodResponseTopic returns the response topic of a direct method.
func MethodResponseTopic(uuid, method string) string {
	return HubPrefix + uuid + "/methods/" + method + "/response"
}

// DeviceUUID extracts the {uuid} slot from a hub topic. It returns
// an empty string when the topic is not part of the hub namespace.
func DeviceUUID(topic string) string {
	rest, ok := strings.CutPrefix(topic, HubPrefix)
	if !ok {
		return ""
	}
	uuid, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return uuid
}

// TopicKind extracts the first path element after the {uuid} slot:
// "telemetry", "status", "twin", "events", "methods" or "provision".
func TopicKind(topic string) string {
	rest, ok := strings.CutPrefix(topic, HubPrefix)
	if !ok {
		return ""
	}
	_, after, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	kind, _, _ := strings.Cut(after, "/")
	return kind
}

// MethodName extracts the {m} slot from a methods topic.
func MethodName(topic string) string {
	rest, ok := strings.CutPrefix(topic, HubPrefix)
	if !ok {
		return ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 || parts[1] != "methods" {
		return ""
	}
	return parts[2]
}
