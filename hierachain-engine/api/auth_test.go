package api

import (
	"testing"
)

func TestAuthenticator(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		provided string
		wantErr  error
	}{
		{"disabled accepts anything", "", "", nil},
		{"disabled ignores token", "", "whatever", nil},
		{"valid token", "abc", "abc", nil},
		{"missing token", "abc", "", ErrAuthRequired},
		{"wrong token", "abc", "abd", ErrAuthTokenMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAuthenticator(tt.token).ValidateToken(tt.provided)
			if err != tt.wantErr {
				t.Errorf("ValidateToken() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	var nilAuth *Authenticator
	if nilAuth.IsEnabled() {
		t.Error("nil authenticator should be disabled")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	b, _ := GenerateToken()

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("tokens should be random")
	}
}
