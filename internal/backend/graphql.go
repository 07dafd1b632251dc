package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

// Queries and field selections per GraphQL-backed family. Attribute schemas
// stay opaque: whatever object the backend returns becomes the attribute map.
const (
	lr4DeviceFields = `{ unitId serial nickname unitPowerStatus robotStatus unitTimezone isOnline litterLevel DFILevelPercent nightLightMode panelLockActive }`
	lr4ListQuery    = `query GetLR4($userId: String!) { getLitterRobot4ByUser(userId: $userId) ` + lr4DeviceFields + ` }`
	lr4CommandQuery = `mutation sendCommand($serial: String!, $command: String!, $value: String) {
  sendLitterRobot4Command(input: {serial: $serial, command: $command, value: $value})
}`
	lr4ActivityQuery = `query GetActivity($serial: String!, $limit: Int!) { litterRobot4Activity(serial: $serial, limit: $limit) { timestamp value } }`

	feederDeviceFields = `{ id serial name state { info } food_level meal_insert_size is_online }`
	feederListQuery    = `query GetFeeders { feeder_unit ` + feederDeviceFields + ` }`
	feederCommandQuery = `mutation sendCommand($serial: String!, $command: String!, $value: String) {
  sendFeederCommand(input: {serial: $serial, command: $command, value: $value})
}`
)

// GraphQLAdapter speaks single-endpoint GraphQL for one device family.
type GraphQLAdapter struct {
	endpoint string
	family   model.DeviceFamily
}

func NewGraphQLAdapter(endpoint string, family model.DeviceFamily) *GraphQLAdapter {
	return &GraphQLAdapter{endpoint: endpoint, family: family}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *GraphQLAdapter) Encode(ctx context.Context, spec RequestSpec, token string) (*http.Request, error) {
	payload, err := a.buildRequest(spec)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *GraphQLAdapter) buildRequest(spec RequestSpec) (graphqlRequest, error) {
	switch spec.Op {
	case OpListDevices:
		if a.family == model.FamilyFeeder {
			return graphqlRequest{Query: feederListQuery}, nil
		}
		return graphqlRequest{
			Query:     lr4ListQuery,
			Variables: map[string]any{"userId": spec.AccountID},
		}, nil
	case OpSendCommand:
		query := lr4CommandQuery
		if a.family == model.FamilyFeeder {
			query = feederCommandQuery
		}
		variables := map[string]any{"serial": spec.Device.Serial, "command": spec.Command}
		if value, ok, err := commandValue(spec.Params); err != nil {
			return graphqlRequest{}, err
		} else if ok {
			variables["value"] = value
		}
		return graphqlRequest{Query: query, Variables: variables}, nil
	case OpGetActivity:
		if a.family == model.FamilyFeeder {
			break
		}
		return graphqlRequest{
			Query:     lr4ActivityQuery,
			Variables: map[string]any{"serial": spec.Device.Serial, "limit": activityLimit(spec.Params)},
		}, nil
	}
	return graphqlRequest{}, fmt.Errorf("unsupported operation %q for family %q", spec.Op, a.family)
}

func (a *GraphQLAdapter) Decode(spec RequestSpec, body []byte) (*Response, error) {
	var envelope graphqlResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("not a graphql response: %w", err)
	}
	if len(envelope.Errors) == 0 && envelope.Data == nil {
		return nil, fmt.Errorf("graphql response carries neither data nor errors")
	}

	resp := &Response{}
	for _, gqlErr := range envelope.Errors {
		resp.Errors = append(resp.Errors, gqlErr.Message)
	}
	resp.Partial = len(envelope.Errors) > 0

	switch spec.Op {
	case OpListDevices:
		devices, err := a.decodeDeviceList(envelope.Data)
		if err != nil {
			return resp, err
		}
		resp.Devices = devices
	case OpSendCommand, OpGetActivity:
		result := map[string]any{}
		for field, raw := range envelope.Data {
			var value any
			if err := json.Unmarshal(raw, &value); err != nil {
				return resp, fmt.Errorf("decode field %q: %w", field, err)
			}
			result[field] = value
		}
		resp.Result = result
	}
	return resp, nil
}

func (a *GraphQLAdapter) decodeDeviceList(data map[string]json.RawMessage) ([]model.DeviceData, error) {
	field := "getLitterRobot4ByUser"
	if a.family == model.FamilyFeeder {
		field = "feeder_unit"
	}
	raw, ok := data[field]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("field %q is not a device array: %w", field, err)
	}
	devices := make([]model.DeviceData, 0, len(rows))
	for _, row := range rows {
		serial, _ := row["serial"].(string)
		if serial == "" {
			continue
		}
		backendID := asString(row["unitId"])
		if backendID == "" {
			backendID = asString(row["id"])
		}
		name := asString(row["nickname"])
		if name == "" {
			name = asString(row["name"])
		}
		devices = append(devices, model.DeviceData{
			Serial:     serial,
			BackendID:  backendID,
			Name:       name,
			Family:     a.family,
			Attributes: row,
		})
	}
	return devices, nil
}

func commandValue(params map[string]any) (string, bool, error) {
	if params == nil {
		return "", false, nil
	}
	raw, ok := params["value"]
	if !ok {
		return "", false, nil
	}
	switch t := raw.(type) {
	case string:
		return t, true, nil
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", t), true, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", false, err
	}
	return string(encoded), true, nil
}

func activityLimit(params map[string]any) int {
	if params != nil {
		if limit, ok := params["limit"].(int); ok && limit > 0 {
			return limit
		}
	}
	return 100
}
