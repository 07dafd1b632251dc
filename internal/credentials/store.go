package credentials

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoTokens indicates the store holds no usable token triple.
var ErrNoTokens = errors.New("credentials: no tokens stored")

// Tokens is the triple returned by the identity provider. The refresh token
// may or may not rotate between refreshes; whatever the provider returns last
// is authoritative.
type Tokens struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Store holds the current token triple for one account. All mutation goes
// through Update so listeners observe every change; reads return copies.
type Store struct {
	mu        sync.RWMutex
	tokens    Tokens
	accountID string
	listeners []func(Tokens)
}

func NewStore() *Store {
	return &Store{}
}

// Update replaces the stored triple. An empty refresh token in the incoming
// set keeps the previous one, since providers are free to omit it on renewal.
func (s *Store) Update(t Tokens) error {
	if t.IDToken == "" || t.AccessToken == "" {
		return ErrNoTokens
	}
	accountID, expiresAt, err := parseIDToken(t.IDToken)
	if err != nil {
		return err
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = expiresAt
	}

	s.mu.Lock()
	if t.RefreshToken == "" {
		t.RefreshToken = s.tokens.RefreshToken
	}
	s.tokens = t
	s.accountID = accountID
	listeners := make([]func(Tokens), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return nil
}

// Clear drops the stored triple, e.g. on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.tokens = Tokens{}
	s.accountID = ""
	s.mu.Unlock()
}

// Tokens returns a copy of the current triple.
func (s *Store) Tokens() (Tokens, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens.IDToken == "" {
		return Tokens{}, false
	}
	return s.tokens, true
}

// AccountID returns the account identifier claim from the id token.
func (s *Store) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID
}

// HasRefreshToken reports whether a silent refresh is possible.
func (s *Store) HasRefreshToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.RefreshToken != ""
}

// ValidFor reports whether the id token stays valid for at least margin.
func (s *Store) ValidFor(margin time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens.IDToken == "" || s.tokens.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(s.tokens.ExpiresAt) > margin
}

// OnUpdate registers a listener invoked after every successful Update.
// Used by embedders to persist refreshed tokens.
func (s *Store) OnUpdate(fn func(Tokens)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// parseIDToken extracts the account id ("mid") and expiry claims without
// verifying the signature; the provider is trusted over TLS and the claims
// are only used for scheduling refreshes.
func parseIDToken(raw string) (accountID string, expiresAt time.Time, err error) {
	claims := jwt.MapClaims{}
	if _, _, err = jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", time.Time{}, err
	}
	if mid, ok := claims["mid"].(string); ok {
		accountID = mid
	}
	if exp, expErr := claims.GetExpirationTime(); expErr == nil && exp != nil {
		expiresAt = exp.Time
	}
	return accountID, expiresAt, nil
}
