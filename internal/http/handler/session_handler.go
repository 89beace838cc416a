package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sessiongate/internal/domain"
	"sessiongate/internal/http/middleware"
	"sessiongate/internal/http/response"
	"sessiongate/internal/observability"
	"sessiongate/internal/security"
	"sessiongate/internal/service"
)

type SessionHandler struct {
	sessions *service.SessionService
	logger   *slog.Logger
}

func NewSessionHandler(sessions *service.SessionService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

// sessionView is the client-facing shape of a session row.
type sessionView struct {
	SessionID    string    `json:"session_id"`
	Current      bool      `json:"current"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip"`
	Location     string    `json:"location"`
	SessionType  string    `json:"session_type"`
	Suspicious   bool      `json:"suspicious"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func viewOf(s *domain.Session, currentID string) sessionView {
	return sessionView{
		SessionID:    s.RefreshTokenID,
		Current:      s.RefreshTokenID == currentID,
		UserAgent:    s.UserAgent,
		IPAddress:    s.IPAddress,
		Location:     s.GeoCountry + "/" + s.GeoCity,
		SessionType:  s.SessionType,
		Suspicious:   s.Suspicious,
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
	}
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, current, ok := authContext(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing auth context", nil)
		return
	}
	active, err := h.sessions.ListActive(r.Context(), claims.Subject)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list sessions failed", "user_id", claims.Subject, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "listing sessions failed", nil)
		return
	}
	views := make([]sessionView, 0, len(active))
	for i := range active {
		views = append(views, viewOf(&active[i], current.RefreshTokenID))
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, current, ok := authContext(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing auth context", nil)
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == current.RefreshTokenID {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "use logout to end the current session", nil)
		return
	}
	ok, err := h.sessions.RevokeSession(r.Context(), claims.Subject, sessionID, domain.ReasonUserRevoked)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "revoke session failed", "session_id", sessionID, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "revoking session failed", nil)
		return
	}
	if !ok {
		response.Error(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session", nil)
		return
	}
	observability.Audit(r, "session.revoked", "user_id", claims.Subject, "session_id", sessionID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *SessionHandler) RevokeOthers(w http.ResponseWriter, r *http.Request) {
	claims, current, ok := authContext(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing auth context", nil)
		return
	}
	n, err := h.sessions.InvalidateAllExcept(r.Context(), claims.Subject, current.RefreshTokenID, domain.ReasonUserRevoked)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "revoke others failed", "user_id", claims.Subject, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "revoking sessions failed", nil)
		return
	}
	observability.Audit(r, "session.revoked_others", "user_id", claims.Subject, "revoked", n)
	response.JSON(w, r, http.StatusOK, map[string]any{"status": "revoked", "revoked": n})
}

type limitRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

func (h *SessionHandler) UpdateLimit(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := authContext(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing auth context", nil)
		return
	}
	var req limitRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
		return
	}
	if err := h.sessions.UpdateMaxConcurrent(r.Context(), claims.Subject, req.MaxConcurrent); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	observability.Audit(r, "session.limit_updated", "user_id", claims.Subject, "max_concurrent", req.MaxConcurrent)
	response.JSON(w, r, http.StatusOK, map[string]any{"max_concurrent": req.MaxConcurrent})
}

// SecurityStatus reports the user's device/location spread and whether any
// live session is flagged.
func (h *SessionHandler) SecurityStatus(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := authContext(r)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "NO_TOKEN", "missing auth context", nil)
		return
	}
	stats, err := h.sessions.UserStats(r.Context(), claims.Subject)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "security status failed", "user_id", claims.Subject, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "computing security status failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}

func authContext(r *http.Request) (*security.Claims, *domain.Session, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return nil, nil, false
	}
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, nil, false
	}
	return claims, sess, true
}
