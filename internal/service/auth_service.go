package service

import (
	"context"
	"errors"

	"sessiongate/internal/domain"
	"sessiongate/internal/observability"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// LoginResult bundles everything a successful authentication produces.
type LoginResult struct {
	User         *domain.User
	Session      *domain.Session
	AccessToken  string
	RefreshToken string
	CSRFToken    string
}

type AuthService struct {
	users      repository.UserRepository
	sessions   *SessionService
	tokens     *TokenService
	bcryptCost int
}

func NewAuthService(users repository.UserRepository, sessions *SessionService, tokens *TokenService, bcryptCost int) *AuthService {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &AuthService{users: users, sessions: sessions, tokens: tokens, bcryptCost: bcryptCost}
}

func (s *AuthService) Register(ctx context.Context, email, name, password string, meta SessionMetadata) (*LoginResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Role:         domain.RoleUser,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return s.startSession(ctx, user, meta)
}

func (s *AuthService) Login(ctx context.Context, email, password string, meta SessionMetadata) (*LoginResult, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return s.startSession(ctx, user, meta)
}

// Refresh rotates the presented refresh token: the old session loses to
// exactly one racing winner, and the new session becomes the rotation
// anchor. The old token stops verifying as soon as the rotation lands.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta SessionMetadata) (*LoginResult, error) {
	claims, err := s.tokens.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	next := s.buildSession(ctx, user.ID, uuid.NewString(), meta)
	if err := s.sessions.store.Rotate(ctx, claims.ID, next); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// a concurrent refresh already rotated this token
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	observability.RecordSessionEvent(ctx, "rotated", next.SessionType)
	return s.finishLogin(ctx, user, next)
}

func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.InvalidateSession(ctx, sessionID, domain.ReasonLogout)
}

// startSession persists the session first; tokens bound to it are only
// minted afterwards so no verifier can observe a token without its record.
func (s *AuthService) startSession(ctx context.Context, user *domain.User, meta SessionMetadata) (*LoginResult, error) {
	sessionID := uuid.NewString()
	session, err := s.sessions.CreateSession(ctx, user.ID, sessionID, meta)
	if err != nil {
		return nil, err
	}
	return s.finishLogin(ctx, user, session)
}

func (s *AuthService) buildSession(ctx context.Context, userID, sessionID string, meta SessionMetadata) *domain.Session {
	now := s.sessions.now().UTC()
	loc := s.sessions.geo.Resolve(meta.IPAddress)
	sessionType := meta.SessionType
	if sessionType == "" {
		sessionType = domain.SessionTypeWeb
	}
	return &domain.Session{
		UserID:            userID,
		RefreshTokenID:    sessionID,
		DeviceFingerprint: meta.Fingerprint,
		UserAgent:         meta.UserAgent,
		IPAddress:         loc.IP,
		GeoCountry:        loc.Country,
		GeoCity:           loc.City,
		SessionType:       sessionType,
		LastActivity:      now,
		ExpiresAt:         now.Add(s.sessions.sessionTTL),
		MaxConcurrent:     s.sessions.userCap(ctx, userID),
	}
}

func (s *AuthService) finishLogin(ctx context.Context, user *domain.User, session *domain.Session) (*LoginResult, error) {
	payload := security.TokenPayload{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: session.RefreshTokenID,
	}
	access, err := s.tokens.IssueAccessToken(payload)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefreshToken(user.ID, session.RefreshTokenID)
	if err != nil {
		return nil, err
	}
	csrf, err := security.NewCSRFToken()
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		User:         user,
		Session:      session,
		AccessToken:  access,
		RefreshToken: refresh,
		CSRFToken:    csrf,
	}, nil
}
