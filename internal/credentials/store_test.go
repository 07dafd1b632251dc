package credentials

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func makeIDToken(t *testing.T, accountID string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"mid": accountID,
		"exp": expiresAt.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func TestUpdateParsesClaims(t *testing.T) {
	store := NewStore()
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)

	err := store.Update(Tokens{
		AccessToken:  "access-1",
		IDToken:      makeIDToken(t, "user-123", expiresAt),
		RefreshToken: "refresh-1",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := store.AccountID(); got != "user-123" {
		t.Fatalf("expected account id user-123, got %q", got)
	}
	tokens, ok := store.Tokens()
	if !ok {
		t.Fatalf("expected stored tokens")
	}
	if !tokens.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, tokens.ExpiresAt)
	}
	if !store.ValidFor(30 * time.Minute) {
		t.Fatalf("expected token valid for 30m")
	}
	if store.ValidFor(2 * time.Hour) {
		t.Fatalf("expected token invalid for 2h margin")
	}
}

func TestUpdateKeepsRefreshTokenWhenOmitted(t *testing.T) {
	store := NewStore()
	expiresAt := time.Now().Add(time.Hour)

	if err := store.Update(Tokens{
		AccessToken:  "access-1",
		IDToken:      makeIDToken(t, "user-123", expiresAt),
		RefreshToken: "refresh-1",
	}); err != nil {
		t.Fatalf("initial update failed: %v", err)
	}
	if err := store.Update(Tokens{
		AccessToken: "access-2",
		IDToken:     makeIDToken(t, "user-123", expiresAt.Add(time.Hour)),
	}); err != nil {
		t.Fatalf("renewal update failed: %v", err)
	}

	tokens, _ := store.Tokens()
	if tokens.RefreshToken != "refresh-1" {
		t.Fatalf("expected prior refresh token kept, got %q", tokens.RefreshToken)
	}
	if tokens.AccessToken != "access-2" {
		t.Fatalf("expected new access token, got %q", tokens.AccessToken)
	}
}

func TestUpdateRejectsIncompleteTriple(t *testing.T) {
	store := NewStore()
	if err := store.Update(Tokens{AccessToken: "access-only"}); err == nil {
		t.Fatalf("expected error for missing id token")
	}
	if err := store.Update(Tokens{AccessToken: "a", IDToken: "not-a-jwt"}); err == nil {
		t.Fatalf("expected error for malformed id token")
	}
	if _, ok := store.Tokens(); ok {
		t.Fatalf("expected store to stay empty after rejected updates")
	}
}

func TestClearDropsState(t *testing.T) {
	store := NewStore()
	if err := store.Update(Tokens{
		AccessToken:  "access-1",
		IDToken:      makeIDToken(t, "user-123", time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	store.Clear()
	if _, ok := store.Tokens(); ok {
		t.Fatalf("expected no tokens after clear")
	}
	if store.HasRefreshToken() {
		t.Fatalf("expected refresh token dropped")
	}
	if store.ValidFor(0) {
		t.Fatalf("expected no validity after clear")
	}
}

func TestOnUpdateObservesEveryChange(t *testing.T) {
	store := NewStore()
	var seen []string
	store.OnUpdate(func(tokens Tokens) {
		seen = append(seen, tokens.AccessToken)
	})

	for _, access := range []string{"access-1", "access-2"} {
		if err := store.Update(Tokens{
			AccessToken:  access,
			IDToken:      makeIDToken(t, "user-123", time.Now().Add(time.Hour)),
			RefreshToken: "refresh-1",
		}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	if len(seen) != 2 || seen[0] != "access-1" || seen[1] != "access-2" {
		t.Fatalf("expected listener to see both updates, got %v", seen)
	}
}
