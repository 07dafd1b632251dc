package session

import "fmt"

// AuthErrorKind classifies identity provider failures.
type AuthErrorKind string

const (
	// KindInvalidCredentials means the provider rejected username/password.
	KindInvalidCredentials AuthErrorKind = "invalid_credentials"
	// KindSessionExpired means the refresh token was rejected; a new login
	// is required and is never performed silently.
	KindSessionExpired AuthErrorKind = "session_expired"
	// KindUnreachable means the provider could not be reached; safe to retry.
	KindUnreachable AuthErrorKind = "unreachable"
)

// AuthError describes a login or refresh failure.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Err == nil {
		return fmt.Sprintf("auth error: %s", e.Kind)
	}
	return fmt.Sprintf("auth error: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
