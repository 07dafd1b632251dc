package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

// Data keys on litterbox-v3 payloads. Everything else stays opaque.
const (
	v3KeySerial = "litterRobotSerial"
	v3KeyID     = "litterRobotId"
	v3KeyName   = "litterRobotNickname"

	v3CommandPrefix   = "<"
	v3CommandEndpoint = "dispatch-commands"
)

// RESTAdapter speaks the litterbox-v3 REST protocol: per-user resource paths,
// a bearer token and a static API key header.
type RESTAdapter struct {
	baseURL string
	apiKey  string
}

func NewRESTAdapter(baseURL, apiKey string) *RESTAdapter {
	return &RESTAdapter{baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey}
}

func (a *RESTAdapter) Encode(ctx context.Context, spec RequestSpec, token string) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	switch spec.Op {
	case OpListDevices:
		url := fmt.Sprintf("%s/users/%s/robots", a.baseURL, spec.AccountID)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	case OpGetActivity:
		url := fmt.Sprintf("%s/users/%s/robots/%s/activity", a.baseURL, spec.AccountID, spec.Device.BackendID)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	case OpSendCommand:
		url := fmt.Sprintf("%s/users/%s/robots/%s/%s", a.baseURL, spec.AccountID, spec.Device.BackendID, v3CommandEndpoint)
		payload, marshalErr := json.Marshal(map[string]string{
			"command": v3CommandPrefix + spec.Command,
			v3KeyID:   spec.Device.BackendID,
		})
		if marshalErr != nil {
			return nil, marshalErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return nil, fmt.Errorf("unsupported operation %q for family %q", spec.Op, spec.Family)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *RESTAdapter) Decode(spec RequestSpec, body []byte) (*Response, error) {
	switch spec.Op {
	case OpListDevices:
		var rows []map[string]any
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("device list is not an array: %w", err)
		}
		devices := make([]model.DeviceData, 0, len(rows))
		for _, row := range rows {
			serial, _ := row[v3KeySerial].(string)
			if serial == "" {
				// The backend reports units mid-onboarding without serials.
				continue
			}
			devices = append(devices, model.DeviceData{
				Serial:     serial,
				BackendID:  asString(row[v3KeyID]),
				Name:       asString(row[v3KeyName]),
				Family:     model.FamilyLitterBoxV3,
				Attributes: row,
			})
		}
		return &Response{Devices: devices}, nil
	case OpGetActivity, OpSendCommand:
		result := map[string]any{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &result); err != nil {
				return nil, fmt.Errorf("unexpected response body: %w", err)
			}
		}
		return &Response{Result: result}, nil
	}
	return nil, fmt.Errorf("unsupported operation %q", spec.Op)
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
}
