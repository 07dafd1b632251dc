package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/whiskerlink/whisker-bridge/internal/credentials"
)

const (
	defaultTimeout = 10 * time.Second
	// defaultExpiryMargin treats tokens expiring this soon as already stale,
	// mirroring the provider-side clock leeway.
	defaultExpiryMargin = 30 * time.Second
)

// Config points the manager at the identity provider.
type Config struct {
	BaseURL      string
	ExpiryMargin time.Duration
}

// Manager owns login, silent refresh and logout against the identity
// provider. Concurrent callers needing a refresh collapse into one in-flight
// request; everyone waits on its outcome.
type Manager struct {
	cfg        Config
	creds      *credentials.Store
	httpClient *http.Client
	refresh    singleflight.Group
	logger     *slog.Logger
}

func NewManager(cfg Config, creds *credentials.Store, logger *slog.Logger) *Manager {
	return NewManagerWithHTTPClient(cfg, creds, &http.Client{Timeout: defaultTimeout}, logger)
}

func NewManagerWithHTTPClient(cfg Config, creds *credentials.Store, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = defaultExpiryMargin
	}
	return &Manager{cfg: cfg, creds: creds, httpClient: httpClient, logger: logger}
}

// Credentials exposes the underlying store for read access.
func (m *Manager) Credentials() *credentials.Store {
	return m.creds
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Login exchanges username/password for a token triple.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	resp, err := m.postJSON(ctx, m.cfg.BaseURL+"/login", body)
	if err != nil {
		return &AuthError{Kind: KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Kind: KindInvalidCredentials, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &AuthError{Kind: KindUnreachable, Err: httpError(resp)}
	}
	if err := m.storeTokens(resp.Body); err != nil {
		return &AuthError{Kind: KindUnreachable, Err: err}
	}
	m.logger.Info("logged in", "username", username)
	return nil
}

// EnsureValid returns a bearer-ready id token, silently refreshing when the
// stored one expires within the margin. A rejected refresh token surfaces as
// KindSessionExpired; the caller must log in again.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	if m.creds.ValidFor(m.cfg.ExpiryMargin) {
		tokens, _ := m.creds.Tokens()
		return tokens.IDToken, nil
	}
	return m.ForceRefresh(ctx)
}

// ForceRefresh performs one refresh regardless of current expiry. Used by the
// request dispatcher after a 401 whose token looked valid locally.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	result, err, _ := m.refresh.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	tokens, ok := m.creds.Tokens()
	if !ok || tokens.RefreshToken == "" {
		return "", &AuthError{Kind: KindSessionExpired, Err: credentials.ErrNoTokens}
	}

	resp, err := m.postJSON(ctx, m.cfg.BaseURL+"/refresh", map[string]string{"refresh_token": tokens.RefreshToken})
	if err != nil {
		return "", &AuthError{Kind: KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		m.logger.Warn("refresh token rejected", "status", resp.StatusCode)
		return "", &AuthError{Kind: KindSessionExpired, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return "", &AuthError{Kind: KindUnreachable, Err: httpError(resp)}
	}
	if err := m.storeTokens(resp.Body); err != nil {
		return "", &AuthError{Kind: KindUnreachable, Err: err}
	}
	refreshed, _ := m.creds.Tokens()
	m.logger.Debug("tokens refreshed", "expires_at", refreshed.ExpiresAt)
	return refreshed.IDToken, nil
}

// Logout drops the stored token triple.
func (m *Manager) Logout() {
	m.creds.Clear()
}

func (m *Manager) storeTokens(body io.Reader) error {
	var tr tokenResponse
	if err := json.NewDecoder(body).Decode(&tr); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	tokens := credentials.Tokens{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return m.creds.Update(tokens)
}

func (m *Manager) postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.httpClient.Do(req)
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
}
