package security

import (
	"strings"
	"testing"
	"time"
)

func testManager() *JWTManager {
	return NewJWTManager("issuer-test", "audience-test",
		"access-secret-0123456789abcdef0123456789",
		"refresh-secret-0123456789abcdef012345678")
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := testManager()
	raw, err := m.SignAccessToken(TokenPayload{UserID: "u1", Email: "a@b.c", Role: "user", SessionID: "s1"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.ParseAccessToken(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Email != "a@b.c" || claims.Role != "user" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.SessionID != "s1" || claims.ID != "s1" {
		t.Fatalf("session binding lost: session_id=%q jti=%q", claims.SessionID, claims.ID)
	}
	if claims.TokenType != "access" {
		t.Fatalf("token_type = %q", claims.TokenType)
	}
}

func TestRefreshTokenJTIEqualsSessionID(t *testing.T) {
	m := testManager()
	raw, err := m.SignRefreshToken("u1", "session-abc", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.ParseRefreshToken(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ID != "session-abc" {
		t.Fatalf("jti = %q, want session-abc", claims.ID)
	}
}

func TestRefreshTokenEmptySessionGetsRandomJTI(t *testing.T) {
	m := testManager()
	raw, err := m.SignRefreshToken("u1", "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.ParseRefreshToken(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ID == "" {
		t.Fatal("jti is empty")
	}
}

func TestParseRejectsCrossTypeAndTampering(t *testing.T) {
	m := testManager()
	access, _ := m.SignAccessToken(TokenPayload{UserID: "u1"}, time.Minute)
	refresh, _ := m.SignRefreshToken("u1", "s1", time.Hour)

	if _, err := m.ParseRefreshToken(access); err == nil {
		t.Fatal("access token parsed as refresh")
	}
	if _, err := m.ParseAccessToken(refresh); err == nil {
		t.Fatal("refresh token parsed as access")
	}

	parts := strings.Split(access, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := m.ParseAccessToken(tampered); err == nil {
		t.Fatal("tampered signature accepted")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	m := testManager()
	raw, err := m.SignAccessToken(TokenPayload{UserID: "u1"}, -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.ParseAccessToken(raw); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestParseRejectsForeignIssuer(t *testing.T) {
	other := NewJWTManager("someone-else", "audience-test",
		"access-secret-0123456789abcdef0123456789",
		"refresh-secret-0123456789abcdef012345678")
	raw, err := other.SignAccessToken(TokenPayload{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := testManager().ParseAccessToken(raw); err == nil {
		t.Fatal("token from a different issuer accepted")
	}
}
