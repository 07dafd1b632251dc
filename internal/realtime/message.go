package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// deviceSubscriptionQuery follows the backend's per-serial state
// subscription shape. The selection mirrors the list query; the decoded
// object is treated as an opaque attribute delta.
const deviceSubscriptionQuery = `subscription GetDeviceState($serial: String!) {
  deviceStateBySerial(serial: $serial) { serial sequence timestamp delta }
}`

// envelope is the graphql-ws style message frame used on the wire.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// update is one parsed push message.
type update struct {
	serial string
	attrs  map[string]any
	stamp  int64
}

// parseDataMessage unpacks a data frame: {payload:{data:{<field>:{...}}}}.
// The inner object must carry the device serial; its remaining fields form
// the attribute delta, either nested under "delta" or inline.
func parseDataMessage(payload json.RawMessage) (update, error) {
	var frame struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return update{}, fmt.Errorf("decode data frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return update{}, fmt.Errorf("data frame has no subscription field")
	}

	var body map[string]any
	for _, raw := range frame.Data {
		if err := json.Unmarshal(raw, &body); err != nil {
			return update{}, fmt.Errorf("decode subscription payload: %w", err)
		}
		break
	}

	serial, _ := body["serial"].(string)
	if serial == "" {
		serial, _ = body["deviceSerial"].(string)
	}
	if serial == "" {
		return update{}, fmt.Errorf("push message has no device serial")
	}

	stamp := extractStamp(body)

	attrs, ok := body["delta"].(map[string]any)
	if !ok {
		// Inline shape: the body itself is the attribute map, minus the
		// envelope fields.
		attrs = make(map[string]any, len(body))
		for key, value := range body {
			switch key {
			case "serial", "deviceSerial", "sequence", "timestamp":
				continue
			}
			attrs[key] = value
		}
	}
	return update{serial: serial, attrs: attrs, stamp: stamp}, nil
}

// extractStamp normalizes the envelope's sequence-or-timestamp to Unix
// nanoseconds, the store's comparison domain. Plain sequence numbers that do
// not look like wall-clock values fall back to receipt time; the store's
// idempotent diff keeps replays harmless in that case.
func extractStamp(body map[string]any) int64 {
	if raw, ok := body["timestamp"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return at.UnixNano()
		}
	}
	if seq, ok := body["sequence"].(float64); ok {
		return normalizeEpoch(int64(seq))
	}
	if seq, ok := body["timestamp"].(float64); ok {
		return normalizeEpoch(int64(seq))
	}
	return time.Now().UTC().UnixNano()
}

func normalizeEpoch(v int64) int64 {
	switch {
	case v > 1e17: // already nanoseconds
		return v
	case v > 1e14: // microseconds
		return v * int64(time.Microsecond)
	case v > 1e11: // milliseconds
		return v * int64(time.Millisecond)
	case v > 1e8: // seconds
		return v * int64(time.Second)
	default:
		// A bare counter; use receipt time instead.
		return time.Now().UTC().UnixNano()
	}
}
