package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"warungpos/backend/internal/domain"
	"warungpos/backend/internal/store/memory"
)

func newTestAuthManager(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key", time.Hour, testManagerPIN, memory.NewSeeded())
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	auth := newTestAuthManager(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "Admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleAdmin || resp.Username != "admin" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := newTestAuthManager(t)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"}); err == nil {
		t.Fatalf("expected login with wrong password to fail")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "admin123"}); err == nil {
		t.Fatalf("expected login with unknown user to fail")
	}
}

func TestParseTokenRejectsTamperedToken(t *testing.T) {
	auth := newTestAuthManager(t)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := auth.ParseToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	auth := newTestAuthManager(t)
	other := NewAuthManager("another-secret-entirely", time.Hour, testManagerPIN, memory.NewSeeded())

	resp, err := other.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with a different secret to be rejected")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	auth := newTestAuthManager(t)

	token, err := auth.sign("cashier", domain.RoleCashier, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateManagerPIN(t *testing.T) {
	auth := newTestAuthManager(t)

	if !auth.ValidateManagerPIN(testManagerPIN) {
		t.Fatalf("expected configured pin to validate")
	}
	if auth.ValidateManagerPIN("000000") {
		t.Fatalf("expected wrong pin to fail")
	}
	if auth.ValidateManagerPIN("") {
		t.Fatalf("expected empty pin to fail")
	}
}

func TestPasswordHashHelpers(t *testing.T) {
	hash, err := hashPassword("rahasia1")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !isPasswordHash(hash) {
		t.Fatalf("expected bcrypt prefix, got %q", hash)
	}
	if !verifyPassword(hash, "rahasia1") {
		t.Fatalf("expected password to verify")
	}
	if verifyPassword(hash, "salah") {
		t.Fatalf("expected wrong password to fail")
	}
	if verifyPassword("plaintext", "plaintext") {
		t.Fatalf("plain stored values must never verify")
	}
	if strings.HasPrefix(hash, "rahasia") {
		t.Fatalf("hash must not contain the plaintext")
	}
}
