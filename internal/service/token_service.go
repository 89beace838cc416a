package service

import (
	"context"
	"errors"
	"time"

	"sessiongate/internal/observability"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
)

var (
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// TokenService issues and verifies the token pair. Access verification is
// pure signature/claims checking and never touches the store; refresh
// verification reconciles the token against its backing session record.
type TokenService struct {
	jwtMgr         *security.JWTManager
	store          repository.SessionStore
	accessTTL      time.Duration
	refreshTTL     time.Duration
	lookupAttempts int
	lookupDelay    time.Duration
	sleep          func(time.Duration)
}

func NewTokenService(jwtMgr *security.JWTManager, store repository.SessionStore, accessTTL, refreshTTL time.Duration, lookupAttempts int, lookupDelay time.Duration) *TokenService {
	if lookupAttempts < 1 {
		lookupAttempts = 1
	}
	return &TokenService{
		jwtMgr:         jwtMgr,
		store:          store,
		accessTTL:      accessTTL,
		refreshTTL:     refreshTTL,
		lookupAttempts: lookupAttempts,
		lookupDelay:    lookupDelay,
		sleep:          time.Sleep,
	}
}

func (s *TokenService) IssueAccessToken(p security.TokenPayload) (string, error) {
	return s.jwtMgr.SignAccessToken(p, s.accessTTL)
}

func (s *TokenService) IssueRefreshToken(userID, sessionID string) (string, error) {
	return s.jwtMgr.SignRefreshToken(userID, sessionID, s.refreshTTL)
}

// VerifyAccessToken returns nil for any malformed, expired or mis-signed
// token. Callers branch on the nil result; nothing is thrown past here.
func (s *TokenService) VerifyAccessToken(raw string) *security.Claims {
	claims, err := s.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		return nil
	}
	return claims
}

// VerifyRefreshToken checks the signature, then requires an active session
// whose refresh_token_id equals the jti and whose owner matches the subject.
// A missing session is retried on a short delay: a near-simultaneous refresh
// may race the session write of the request that minted this token.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, raw string) (*security.Claims, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(raw)
	if err != nil {
		observability.RecordRefreshVerification(ctx, "invalid_token", 0)
		return nil, ErrInvalidRefreshToken
	}
	for attempt := 1; ; attempt++ {
		_, err := s.store.FindActiveByRefreshTokenID(ctx, claims.Subject, claims.ID)
		if err == nil {
			observability.RecordRefreshVerification(ctx, "success", attempt)
			return claims, nil
		}
		if !errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordRefreshVerification(ctx, "store_error", attempt)
			return nil, err
		}
		if attempt >= s.lookupAttempts {
			observability.RecordRefreshVerification(ctx, "no_session", attempt)
			return nil, ErrInvalidRefreshToken
		}
		s.sleep(s.lookupDelay)
	}
}

// InvalidateToken retires the session backing the given jti.
func (s *TokenService) InvalidateToken(ctx context.Context, jti, reason string) error {
	return s.store.Invalidate(ctx, jti, reason)
}
