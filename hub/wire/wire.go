/*
Package wire defines the MQTT payloads of the device hub.

Each topic kind has one concrete payload type with strict decoding:
unrecognized fields are ignored, but a payload whose top-level shape does
not match its topic kind decodes to a bad_request rejection.
*/
package wire

import (
	"time"

	"github.com/goccy/go-json"
)

// ProvisionRequest is published by a device on
// $devicehub/devices/{uuid}/provision/request.
type ProvisionRequest struct {
	UUID   string          `json:"uuid,omitempty"`
	CSRPem string          `json:"csrPem"`
	Name   string          `json:"name,omitempty"`
	Meta   json.RawMessage `json:"meta,omitempty"`
	Token  string          `json:"token,omitempty"`
}

// ProvisionAccepted is the hub's answer on the accepted topic.
type ProvisionAccepted struct {
	DeviceID   string `json:"deviceId"`
	CertPem    string `json:"certPem"`
	CaChainPem string `json:"caChainPem"`
}

// Rejection is published on every .../rejected topic.
type Rejection struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TwinDocument is one half of a twin pair.
type TwinDocument struct {
	Version   uint64         `json:"version"`
	Doc       map[string]any `json:"doc"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TwinUpdate is published by a device or application on
// $devicehub/devices/{id}/twin/update. Each section present must be an
// object; anything else is a bad_request.
type TwinUpdate struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// TwinAccepted carries the full twin pair after a get or an accepted update.
type TwinAccepted struct {
	DeviceID string       `json:"deviceId"`
	Desired  TwinDocument `json:"desired"`
	Reported TwinDocument `json:"reported"`
	Updated  *TwinVersion `json:"updated,omitempty"`
}

// TwinVersion records the versions an update produced.
type TwinVersion struct {
	Desired  uint64 `json:"desired,omitempty"`
	Reported uint64 `json:"reported,omitempty"`
}

// TwinDelta is published when desired and reported disagree.
type TwinDelta struct {
	DeviceID        string         `json:"deviceId"`
	Delta           map[string]any `json:"delta"`
	DesiredVersion  uint64         `json:"desiredVersion"`
	ReportedVersion uint64         `json:"reportedVersion"`
}

// MethodRequest is published by the hub on
// $devicehub/devices/{id}/methods/{m}/request.
type MethodRequest struct {
	RequestID  string          `json:"requestId"`
	MethodName string          `json:"methodName"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MethodResponse is the device's answer on the matching response topic.
type MethodResponse struct {
	RequestID string          `json:"requestId"`
	Status    int             `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// StatusMessage is the retained LWT payload on
// $devicehub/devices/{id}/status.
type StatusMessage struct {
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}
