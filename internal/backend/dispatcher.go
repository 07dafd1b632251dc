package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

const defaultTimeout = 15 * time.Second

// TokenSource supplies bearer tokens for outbound requests. Satisfied by
// session.Manager.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Dispatcher sends request specs through the adapter matching the device
// family, attaching auth and mapping transport errors. On a 401 it performs
// exactly one forced refresh and one retry.
type Dispatcher struct {
	tokens     TokenSource
	adapters   map[model.DeviceFamily]Adapter
	httpClient *http.Client
	logger     *slog.Logger
}

func NewDispatcher(tokens TokenSource, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tokens:     tokens,
		adapters:   make(map[model.DeviceFamily]Adapter),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
}

// WithHTTPClient overrides the transport, mainly for tests.
func (d *Dispatcher) WithHTTPClient(httpClient *http.Client) *Dispatcher {
	if httpClient != nil {
		d.httpClient = httpClient
	}
	return d
}

// Register installs the adapter for one device family.
func (d *Dispatcher) Register(family model.DeviceFamily, adapter Adapter) {
	d.adapters[family] = adapter
}

// Send resolves, authorizes and executes one request spec.
func (d *Dispatcher) Send(ctx context.Context, spec RequestSpec) (*Response, error) {
	adapter, ok := d.adapters[spec.Family]
	if !ok {
		return nil, &APIError{Kind: KindProtocolMismatch, Detail: fmt.Sprintf("no adapter for family %q", spec.Family)}
	}

	token, err := d.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := d.do(ctx, adapter, spec, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		d.logger.Warn("unauthorized response, forcing token refresh", "op", spec.Op, "family", spec.Family)
		token, err = d.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		status, body, err = d.do(ctx, adapter, spec, token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, &APIError{Kind: KindUnauthorized, Status: status}
		}
	}

	resp, err := adapter.Decode(spec, body)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok {
			return resp, apiErr
		}
		// Decode may have salvaged part of a mixed response; hand it back
		// with the error rather than discarding it.
		return resp, &APIError{Kind: KindProtocolMismatch, Status: status, Err: err}
	}
	if resp.Partial {
		return resp, &APIError{Kind: KindPartialData, Status: status, Detail: joinErrors(resp.Errors)}
	}
	return resp, nil
}

// do executes one attempt and maps transport-level failures. A 401 is
// returned to the caller for the refresh-and-retry pass; other error statuses
// become APIErrors here.
func (d *Dispatcher) do(ctx context.Context, adapter Adapter, spec RequestSpec, token string) (int, []byte, error) {
	req, err := adapter.Encode(ctx, spec, token)
	if err != nil {
		return 0, nil, &APIError{Kind: KindProtocolMismatch, Err: err}
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, nil, &APIError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &APIError{Kind: KindTransport, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, nil, &APIError{
			Kind:       KindRateLimited,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 400:
		return 0, nil, &APIError{
			Kind:   KindTransport,
			Status: resp.StatusCode,
			Detail: truncate(body, 256),
		}
	}
	return resp.StatusCode, body, nil
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func joinErrors(messages []string) string {
	joined := ""
	for i, msg := range messages {
		if i > 0 {
			joined += "; "
		}
		joined += msg
	}
	return joined
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
}
