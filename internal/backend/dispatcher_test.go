package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whiskerlink/whisker-bridge/internal/model"
)

type fakeTokens struct {
	ensureCalls  atomic.Int32
	refreshCalls atomic.Int32
	current      atomic.Value
}

func newFakeTokens(initial string) *fakeTokens {
	f := &fakeTokens{}
	f.current.Store(initial)
	return f
}

func (f *fakeTokens) EnsureValid(context.Context) (string, error) {
	f.ensureCalls.Add(1)
	return f.current.Load().(string), nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (string, error) {
	f.refreshCalls.Add(1)
	f.current.Store("token-refreshed")
	return "token-refreshed", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatcher(tokens TokenSource, baseURL string) *Dispatcher {
	d := NewDispatcher(tokens, testLogger())
	d.Register(model.FamilyLitterBoxV3, NewRESTAdapter(baseURL, "test-key"))
	return d
}

func listSpec() RequestSpec {
	return RequestSpec{Op: OpListDevices, Family: model.FamilyLitterBoxV3, AccountID: "user-123"}
}

func TestSendRefreshesOnUnauthorizedOnce(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer token-refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"litterRobotSerial":"LR3-001","litterRobotId":"42","litterRobotNickname":"Box"}]`))
	}))
	defer server.Close()

	tokens := newFakeTokens("token-stale")
	dispatcher := testDispatcher(tokens, server.URL)

	resp, err := dispatcher.Send(context.Background(), listSpec())
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Serial != "LR3-001" {
		t.Fatalf("unexpected devices: %+v", resp.Devices)
	}
	if tokens.refreshCalls.Load() != 1 {
		t.Fatalf("expected one forced refresh, got %d", tokens.refreshCalls.Load())
	}
	if requests.Load() != 2 {
		t.Fatalf("expected exactly two attempts, got %d", requests.Load())
	}
}

func TestSendSecondUnauthorizedIsTerminal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := newFakeTokens("token-stale")
	dispatcher := testDispatcher(tokens, server.URL)

	_, err := dispatcher.Send(context.Background(), listSpec())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindUnauthorized {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected exactly two attempts, got %d", requests.Load())
	}
	if tokens.refreshCalls.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", tokens.refreshCalls.Load())
	}
}

func TestSendRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	dispatcher := testDispatcher(newFakeTokens("token-1"), server.URL)

	_, err := dispatcher.Send(context.Background(), listSpec())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if apiErr.RetryAfter != 30*time.Second {
		t.Fatalf("expected retry after 30s, got %v", apiErr.RetryAfter)
	}
}

func TestSendServerErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	dispatcher := testDispatcher(newFakeTokens("token-1"), server.URL)

	_, err := dispatcher.Send(context.Background(), listSpec())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", apiErr.Status)
	}
}

func TestSendMalformedBodyIsProtocolMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer server.Close()

	dispatcher := testDispatcher(newFakeTokens("token-1"), server.URL)

	_, err := dispatcher.Send(context.Background(), listSpec())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindProtocolMismatch {
		t.Fatalf("expected protocol mismatch error, got %v", err)
	}
}

func TestSendUnknownFamily(t *testing.T) {
	dispatcher := NewDispatcher(newFakeTokens("token-1"), testLogger())

	_, err := dispatcher.Send(context.Background(), RequestSpec{Op: OpListDevices, Family: "toaster"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindProtocolMismatch {
		t.Fatalf("expected protocol mismatch for unknown family, got %v", err)
	}
}

func TestSendGraphQLPartialData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": {"getLitterRobot4ByUser": [{"serial": "LR4-001", "unitId": "7", "nickname": "Upstairs"}]},
			"errors": [{"message": "activity shard unavailable"}]
		}`))
	}))
	defer server.Close()

	dispatcher := NewDispatcher(newFakeTokens("token-1"), testLogger())
	dispatcher.Register(model.FamilyLitterBoxV4, NewGraphQLAdapter(server.URL, model.FamilyLitterBoxV4))

	resp, err := dispatcher.Send(context.Background(), RequestSpec{
		Op: OpListDevices, Family: model.FamilyLitterBoxV4, AccountID: "user-123",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindPartialData {
		t.Fatalf("expected partial data error, got %v", err)
	}
	if resp == nil || len(resp.Devices) != 1 {
		t.Fatalf("expected the partial response to still carry devices, got %+v", resp)
	}
	if resp.Devices[0].Serial != "LR4-001" {
		t.Fatalf("unexpected device: %+v", resp.Devices[0])
	}
}

func TestSendUndecodablePartialKeepsErrorDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"data": {"getLitterRobot4ByUser": "not-an-array"},
			"errors": [{"message": "activity shard unavailable"}]
		}`))
	}))
	defer server.Close()

	dispatcher := NewDispatcher(newFakeTokens("token-1"), testLogger())
	dispatcher.Register(model.FamilyLitterBoxV4, NewGraphQLAdapter(server.URL, model.FamilyLitterBoxV4))

	resp, err := dispatcher.Send(context.Background(), RequestSpec{
		Op: OpListDevices, Family: model.FamilyLitterBoxV4, AccountID: "user-123",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindProtocolMismatch {
		t.Fatalf("expected protocol mismatch error, got %v", err)
	}
	if resp == nil || !resp.Partial {
		t.Fatalf("expected the partial response alongside the error, got %+v", resp)
	}
	if len(resp.Errors) != 1 || resp.Errors[0] != "activity shard unavailable" {
		t.Fatalf("expected backend error detail kept, got %v", resp.Errors)
	}
}

func TestParseRetryAfterFormats(t *testing.T) {
	if got := parseRetryAfter("15"); got != 15*time.Second {
		t.Fatalf("expected 15s, got %v", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Fatalf("expected positive duration up to a minute, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected zero for empty header, got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("expected zero for garbage header, got %v", got)
	}
}
