package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("LIBRIS_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-42", "Student", 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != "student" {
		t.Fatalf("role not normalized: %q", claims.Role)
	}
	if claims.ID == "" {
		t.Fatal("expected jti claim")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setSecret(t)

	if _, err := GenerateToken("", "student", time.Minute); err == nil {
		t.Fatal("expected error for empty user")
	}
	if _, err := GenerateToken("user-1", "", time.Minute); err == nil {
		t.Fatal("expected error for empty role")
	}
	if _, err := GenerateToken("user-1", "student", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-42", "admin", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := ParseAndValidate(tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("user-42", "admin", time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("LIBRIS_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-42", "admin", time.Minute); err == nil {
		t.Fatal("expected error when secret is unset")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-7", "Admin")

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %q ok=%v", id, ok)
	}
	role, ok := RoleFromContext(ctx)
	if !ok || role != "admin" {
		t.Fatalf("unexpected role: %q ok=%v", role, ok)
	}
	if !HasRole(ctx, "ADMIN") {
		t.Fatal("HasRole should match case-insensitively")
	}
	if HasRole(ctx, "student") {
		t.Fatal("HasRole matched the wrong role")
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no user")
	}
}
