package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"worklog-api/domain"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"email": "dev@example.com",
		"aud":   "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestRefreshAdoptsValidToken(t *testing.T) {
	s := New(testSecret, "authenticated")
	user, err := s.Refresh(signToken(t, validClaims()))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if user.ID != "user-123" || user.Email != "dev@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
	if !s.Authenticated() {
		t.Fatal("expected authenticated session")
	}
	if s.CurrentUser().IsGuest() {
		t.Fatal("current user must not be guest")
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	s := New(testSecret, "authenticated")
	claims := validClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	if _, err := s.Refresh(signToken(t, claims)); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
	if s.Authenticated() {
		t.Fatal("session must stay unauthenticated")
	}
	if !s.CurrentUser().IsGuest() {
		t.Fatal("expected guest identity")
	}
}

func TestRefreshRejectsWrongSignature(t *testing.T) {
	s := New(testSecret, "authenticated")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.Refresh(token); err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
}

func TestRefreshRejectsMissingSub(t *testing.T) {
	s := New(testSecret, "authenticated")
	claims := validClaims()
	delete(claims, "sub")
	if _, err := s.Refresh(signToken(t, claims)); err == nil {
		t.Fatal("expected token without sub to be rejected")
	}
}

func TestInvalidRefreshKeepsPreviousIdentity(t *testing.T) {
	s := New(testSecret, "authenticated")
	if _, err := s.Refresh(signToken(t, validClaims())); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	user, err := s.Refresh("not-a-token")
	if err == nil {
		t.Fatal("expected invalid token error")
	}
	if user.ID != "user-123" {
		t.Fatalf("previous identity must survive, got %+v", user)
	}
	if !s.Authenticated() {
		t.Fatal("session must still be authenticated")
	}
}

func TestClearDropsToGuest(t *testing.T) {
	s := New(testSecret, "authenticated")
	if _, err := s.Refresh(signToken(t, validClaims())); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s.Clear()
	if s.Authenticated() {
		t.Fatal("cleared session must not be authenticated")
	}
	if s.CurrentUser() != domain.Guest() {
		t.Fatalf("expected guest, got %+v", s.CurrentUser())
	}
	if s.AccessToken() != "" {
		t.Fatal("cleared session must hold no token")
	}
}

func TestAuthenticatedExpiresWithToken(t *testing.T) {
	s := New(testSecret, "authenticated")
	claims := validClaims()
	claims["exp"] = time.Now().Add(time.Second).Unix()
	if _, err := s.Refresh(signToken(t, claims)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !s.Authenticated() {
		t.Fatal("token should still be valid")
	}
	time.Sleep(1500 * time.Millisecond)
	if s.Authenticated() {
		t.Fatal("expired token must flip the session to unauthenticated")
	}
}
