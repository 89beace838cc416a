package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/http/middleware"
	"sessiongate/internal/http/response"
	"sessiongate/internal/observability"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
	"sessiongate/internal/service"
)

type AuthHandler struct {
	auth       *service.AuthService
	cookies    security.CookieWriter
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

func NewAuthHandler(auth *service.AuthService, cookies security.CookieWriter, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, cookies: cookies, accessTTL: accessTTL, refreshTTL: refreshTTL, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// loginPayload is the success body for register, login and refresh. Tokens
// are duplicated into the body for clients that cannot use cookies.
type loginPayload struct {
	User         *domain.User `json:"user"`
	SessionID    string       `json:"session_id"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	CSRFToken    string       `json:"csrf_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "a valid email is required", nil)
		return
	}
	if len(req.Password) < 12 {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "password must be at least 12 characters", nil)
		return
	}

	res, err := h.auth.Register(r.Context(), req.Email, strings.TrimSpace(req.Name), req.Password, metadataFromRequest(r))
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			response.Error(w, r, http.StatusConflict, "EMAIL_TAKEN", "email is already registered", nil)
			return
		}
		h.logger.ErrorContext(r.Context(), "register failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "registration failed", nil)
		return
	}
	observability.Audit(r, "auth.register", "user_id", res.User.ID)
	h.writeLogin(w, r, http.StatusCreated, res)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
		return
	}
	res, err := h.auth.Login(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)), req.Password, metadataFromRequest(r))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
			return
		}
		h.logger.ErrorContext(r.Context(), "login failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "login failed", nil)
		return
	}
	observability.Audit(r, "auth.login", "user_id", res.User.ID, "session_id", res.Session.RefreshTokenID)
	h.writeLogin(w, r, http.StatusOK, res)
}

// Refresh rotates the refresh token. The old token is dead on success; a
// replayed token (the loser of a rotation race included) gets a 401.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := security.GetCookie(r, security.RefreshTokenCookie)
	if raw == "" {
		var req refreshRequest
		if err := decodeJSON(r, &req); err == nil {
			raw = req.RefreshToken
		}
	}
	if raw == "" {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing refresh token", nil)
		return
	}

	res, err := h.auth.Refresh(r.Context(), raw, metadataFromRequest(r))
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) {
			h.cookies.ClearAuthCookies(w)
			response.Error(w, r, http.StatusUnauthorized, "INVALID_TOKEN", "refresh token is no longer valid", nil)
			return
		}
		h.logger.ErrorContext(r.Context(), "refresh failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "token refresh failed", nil)
		return
	}
	observability.Audit(r, "auth.refresh", "user_id", res.User.ID, "session_id", res.Session.RefreshTokenID)
	h.writeLogin(w, r, http.StatusOK, res)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing auth context", nil)
		return
	}
	if err := h.auth.Logout(r.Context(), sess.RefreshTokenID); err != nil {
		h.logger.ErrorContext(r.Context(), "logout failed", "session_id", sess.RefreshTokenID, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "logout failed", nil)
		return
	}
	h.cookies.ClearAuthCookies(w)
	observability.Audit(r, "auth.logout", "session_id", sess.RefreshTokenID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *AuthHandler) writeLogin(w http.ResponseWriter, r *http.Request, status int, res *service.LoginResult) {
	h.cookies.SetAuthCookies(w, res.AccessToken, res.RefreshToken, res.CSRFToken, h.accessTTL, h.refreshTTL)
	response.JSON(w, r, status, loginPayload{
		User:         res.User,
		SessionID:    res.Session.RefreshTokenID,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		CSRFToken:    res.CSRFToken,
		ExpiresAt:    res.Session.ExpiresAt,
	})
}

func metadataFromRequest(r *http.Request) service.SessionMetadata {
	sessionType := r.Header.Get("X-Session-Type")
	switch sessionType {
	case domain.SessionTypeWeb, domain.SessionTypeMobile, domain.SessionTypeAPI:
	default:
		sessionType = domain.SessionTypeWeb
	}
	return service.SessionMetadata{
		Fingerprint: security.DeviceFingerprint(r.Header),
		UserAgent:   r.UserAgent(),
		IPAddress:   r.RemoteAddr,
		SessionType: sessionType,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
