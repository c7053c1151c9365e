package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// Authenticator checks the token clients present. An empty token disables
// authentication.
type Authenticator struct {
	token string
}

// NewAuthenticator creates an Authenticator for token.
func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: token}
}

// IsEnabled returns true if authentication is required.
func (a *Authenticator) IsEnabled() bool {
	return a != nil && a.token != ""
}

// ValidateToken checks the provided token in constant time.
func (a *Authenticator) ValidateToken(provided string) error {
	if !a.IsEnabled() {
		return nil
	}
	if provided == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(provided)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// GenerateToken generates a random 256 bit token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
