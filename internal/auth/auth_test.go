package auth

import (
	"testing"
	"time"
)

func TestGenerateToken_RoundTrip(t *testing.T) {
	service := &AuthService{secret: []byte("test-secret"), tokenExpiration: time.Hour}

	token, err := service.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("Expected no error generating token, got %v", err)
	}

	claims, err := service.ValidateToken(token)
	if err != nil {
		t.Fatalf("Expected token to validate, got %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("Expected user id user-1, got %q", claims.UserID)
	}
	if claims.Username != "alice" {
		t.Errorf("Expected username alice, got %q", claims.Username)
	}
}

func TestGenerateToken_UsesConfiguredExpiration(t *testing.T) {
	service := &AuthService{secret: []byte("test-secret"), tokenExpiration: 30 * time.Minute}

	token, err := service.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("Expected no error generating token, got %v", err)
	}

	claims, err := service.ValidateToken(token)
	if err != nil {
		t.Fatalf("Expected token to validate, got %v", err)
	}

	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	if lifetime != 30*time.Minute {
		t.Errorf("Expected 30m token lifetime, got %v", lifetime)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	service := &AuthService{secret: []byte("test-secret"), tokenExpiration: -time.Minute}

	token, err := service.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("Expected no error generating token, got %v", err)
	}

	if _, err := service.ValidateToken(token); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	issuer := &AuthService{secret: []byte("secret-a"), tokenExpiration: time.Hour}
	verifier := &AuthService{secret: []byte("secret-b"), tokenExpiration: time.Hour}

	token, err := issuer.GenerateToken("user-1", "alice")
	if err != nil {
		t.Fatalf("Expected no error generating token, got %v", err)
	}

	if _, err := verifier.ValidateToken(token); err == nil {
		t.Error("Expected token signed with a different secret to be rejected")
	}
}
