package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/security"
)

const (
	testAccessSecret  = "access-secret-0123456789abcdef0123456789"
	testRefreshSecret = "refresh-secret-0123456789abcdef012345678"
)

func newTestJWT() *security.JWTManager {
	return security.NewJWTManager("sessiongate-test", "sessiongate-clients", testAccessSecret, testRefreshSecret)
}

func activeSession(userID, sessionID string) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		UserID:         userID,
		RefreshTokenID: sessionID,
		SessionType:    domain.SessionTypeWeb,
		LastActivity:   now,
		ExpiresAt:      now.Add(time.Hour),
		MaxConcurrent:  5,
	}
}

func TestVerifyAccessTokenRejectsWrongType(t *testing.T) {
	store := newMemSessionStore()
	svc := NewTokenService(newTestJWT(), store, 15*time.Minute, 7*24*time.Hour, 3, time.Millisecond)

	refresh, err := svc.IssueRefreshToken("u1", "s1")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	if claims := svc.VerifyAccessToken(refresh); claims != nil {
		t.Fatal("refresh token accepted as access token")
	}
	if claims := svc.VerifyAccessToken("not-a-token"); claims != nil {
		t.Fatal("garbage accepted as access token")
	}

	access, err := svc.IssueAccessToken(security.TokenPayload{UserID: "u1", Email: "a@b.c", Role: domain.RoleUser, SessionID: "s1"})
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	claims := svc.VerifyAccessToken(access)
	if claims == nil {
		t.Fatal("valid access token rejected")
	}
	if claims.Subject != "u1" || claims.SessionID != "s1" {
		t.Fatalf("unexpected claims: subject=%q session=%q", claims.Subject, claims.SessionID)
	}
}

func TestVerifyRefreshTokenRetriesUntilSessionAppears(t *testing.T) {
	store := newMemSessionStore()
	svc := NewTokenService(newTestJWT(), store, 15*time.Minute, 7*24*time.Hour, 3, 50*time.Millisecond)

	// the session record lands only after the first failed lookup,
	// simulating a refresh racing the login that minted the token
	sleeps := 0
	svc.sleep = func(d time.Duration) {
		if d != 50*time.Millisecond {
			t.Fatalf("unexpected retry delay %v", d)
		}
		sleeps++
		if sleeps == 1 {
			if err := store.Create(context.Background(), activeSession("u1", "s1")); err != nil {
				t.Fatalf("create session: %v", err)
			}
		}
	}

	raw, err := svc.IssueRefreshToken("u1", "s1")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	claims, err := svc.VerifyRefreshToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify refresh token: %v", err)
	}
	if claims.ID != "s1" {
		t.Fatalf("jti = %q, want s1", claims.ID)
	}
	if sleeps != 1 {
		t.Fatalf("sleeps = %d, want 1", sleeps)
	}
	if store.lookups != 2 {
		t.Fatalf("lookups = %d, want 2", store.lookups)
	}
}

func TestVerifyRefreshTokenExhaustsRetries(t *testing.T) {
	store := newMemSessionStore()
	svc := NewTokenService(newTestJWT(), store, 15*time.Minute, 7*24*time.Hour, 3, time.Millisecond)
	sleeps := 0
	svc.sleep = func(time.Duration) { sleeps++ }

	raw, err := svc.IssueRefreshToken("u1", "missing")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	if _, err := svc.VerifyRefreshToken(context.Background(), raw); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken", err)
	}
	if store.lookups != 3 {
		t.Fatalf("lookups = %d, want 3", store.lookups)
	}
	if sleeps != 2 {
		t.Fatalf("sleeps = %d, want 2", sleeps)
	}
}

func TestVerifyRefreshTokenStoreErrorIsNotRetried(t *testing.T) {
	store := newMemSessionStore()
	store.failFind = errors.New("store unavailable")
	svc := NewTokenService(newTestJWT(), store, 15*time.Minute, 7*24*time.Hour, 3, time.Millisecond)
	svc.sleep = func(time.Duration) { t.Fatal("slept on a non-retryable error") }

	raw, err := svc.IssueRefreshToken("u1", "s1")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	_, err = svc.VerifyRefreshToken(context.Background(), raw)
	if !errors.Is(err, store.failFind) {
		t.Fatalf("err = %v, want the store error", err)
	}
	if store.lookups != 1 {
		t.Fatalf("lookups = %d, want 1", store.lookups)
	}
}

func TestVerifyRefreshTokenRejectsSubjectMismatch(t *testing.T) {
	store := newMemSessionStore()
	if err := store.Create(context.Background(), activeSession("owner", "s1")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	svc := NewTokenService(newTestJWT(), store, 15*time.Minute, 7*24*time.Hour, 1, 0)

	raw, err := svc.IssueRefreshToken("intruder", "s1")
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	if _, err := svc.VerifyRefreshToken(context.Background(), raw); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("err = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestInvalidateTokenRetiresSession(t *testing.T) {
	store := newMemSessionStore()
	if err := store.Create(context.Background(), activeSession("u1", "s1")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	svc := NewTokenService(newTestJWT(), store, 15*time.Minute, 7*24*time.Hour, 1, 0)

	if err := svc.InvalidateToken(context.Background(), "s1", domain.ReasonLogout); err != nil {
		t.Fatalf("invalidate token: %v", err)
	}
	s, err := store.FindByRefreshTokenID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if s.InvalidatedAt == nil || s.InvalidatedReason == nil || *s.InvalidatedReason != domain.ReasonLogout {
		t.Fatal("session not invalidated with logout reason")
	}
}
