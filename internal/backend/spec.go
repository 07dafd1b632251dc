package backend

import (
	"context"
	"net/http"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

// Operation names a logical backend request independent of protocol.
type Operation string

const (
	// OpListDevices fetches every device of one family with a full snapshot.
	OpListDevices Operation = "list-devices"
	// OpSendCommand issues a device command; actuation stays asynchronous.
	OpSendCommand Operation = "send-command"
	// OpGetActivity fetches recent activity history for one device.
	OpGetActivity Operation = "get-activity"
)

// RequestSpec describes one logical operation. The dispatcher resolves it to
// a protocol adapter by device family.
type RequestSpec struct {
	Op        Operation
	Family    model.DeviceFamily
	AccountID string
	// Device is required for per-device operations, zero otherwise.
	Device  model.Descriptor
	Command string
	Params  map[string]any
}

// Response is the decoded outcome of one request.
type Response struct {
	// Devices is populated by OpListDevices.
	Devices []model.DeviceData
	// Result holds the decoded body for command and activity operations.
	Result map[string]any
	// Partial marks a GraphQL response that carried errors alongside data.
	Partial bool
	// Errors lists application-level error messages from a partial response.
	Errors []string
}

// Adapter encodes a request spec for one wire protocol and decodes its raw
// response. New device families plug in here without touching the
// dispatcher's auth and retry logic.
type Adapter interface {
	Encode(ctx context.Context, spec RequestSpec, token string) (*http.Request, error)
	Decode(spec RequestSpec, body []byte) (*Response, error)
}
