package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/http/response"
	"sessiongate/internal/observability"
	"sessiongate/internal/repository"
	"sessiongate/internal/security"
	"sessiongate/internal/service"
)

type contextKey string

const (
	ClaimsContextKey  contextKey = "claims"
	SessionContextKey contextKey = "session"
)

// denial is a short-circuit outcome of a gate step: the request stops here
// with a stable error code.
type denial struct {
	status  int
	code    string
	message string
}

// gateState is what the steps accumulate about the request. Later steps rely
// on earlier ones having populated their fields.
type gateState struct {
	token       string
	source      string
	fingerprint string
	claims      *security.Claims
	session     *domain.Session
}

type gateStep struct {
	name string
	run  func(w http.ResponseWriter, r *http.Request, st *gateState) *denial
}

// SessionGate authenticates requests end to end: token extraction and
// verification, session resolution, idle timeout, device binding, anomaly
// scoring and activity tracking run as an ordered step chain. A step either
// passes the request on or denies it; there is no other control flow.
type SessionGate struct {
	tokens         *service.TokenService
	sessions       *service.SessionService
	idleTimeout    time.Duration
	advisoryWindow time.Duration
	steps          []gateStep
}

// suspicionThreshold is the number of concurrent anomaly signals that flags
// a session without blocking the request.
const suspicionThreshold = 2

func NewSessionGate(tokens *service.TokenService, sessions *service.SessionService, idleTimeout, advisoryWindow time.Duration) *SessionGate {
	g := &SessionGate{
		tokens:         tokens,
		sessions:       sessions,
		idleTimeout:    idleTimeout,
		advisoryWindow: advisoryWindow,
	}
	g.steps = []gateStep{
		{name: "extract_token", run: g.extractToken},
		{name: "verify_token", run: g.verifyToken},
		{name: "resolve_session", run: g.resolveSession},
		{name: "idle_timeout", run: g.checkIdleTimeout},
		{name: "device_binding", run: g.checkDeviceBinding},
		{name: "suspicion_scan", run: g.scanForAnomalies},
		{name: "track_activity", run: g.adviseAndTouch},
	}
	return g
}

func (g *SessionGate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := &gateState{}
			for _, step := range g.steps {
				if d := step.run(w, r, st); d != nil {
					observability.RecordGateDecision(r.Context(), d.code)
					response.Error(w, r, d.status, d.code, d.message, nil)
					return
				}
			}
			observability.RecordGateDecision(r.Context(), "allowed")
			ctx := context.WithValue(r.Context(), ClaimsContextKey, st.claims)
			ctx = context.WithValue(ctx, SessionContextKey, st.session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (g *SessionGate) extractToken(_ http.ResponseWriter, r *http.Request, st *gateState) *denial {
	st.token = security.GetCookie(r, security.AccessTokenCookie)
	st.source = "cookie"
	if st.token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			st.token = strings.TrimSpace(auth[7:])
			st.source = "bearer"
		}
	}
	if st.token == "" {
		observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
		return &denial{http.StatusUnauthorized, "NO_TOKEN", "missing access token"}
	}
	return nil
}

func (g *SessionGate) verifyToken(_ http.ResponseWriter, r *http.Request, st *gateState) *denial {
	st.claims = g.tokens.VerifyAccessToken(st.token)
	if st.claims == nil {
		observability.RecordAccessTokenValidation(r.Context(), "invalid", st.source)
		return &denial{http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired access token"}
	}
	observability.RecordAccessTokenValidation(r.Context(), "valid", st.source)
	return nil
}

func (g *SessionGate) resolveSession(_ http.ResponseWriter, r *http.Request, st *gateState) *denial {
	ctx := r.Context()
	var (
		sess *domain.Session
		err  error
	)
	if st.claims.SessionID != "" {
		sess, err = g.sessions.ResolveSession(ctx, st.claims.Subject, st.claims.SessionID)
	} else {
		sess, err = g.sessions.MostRecentActive(ctx, st.claims.Subject)
	}
	switch {
	case err == nil:
		st.session = sess
		return nil
	case errors.Is(err, service.ErrSessionRevoked):
		return &denial{http.StatusUnauthorized, "SESSION_EXPIRED", "session has been invalidated or expired"}
	case errors.Is(err, repository.ErrSessionNotFound):
		return &denial{http.StatusUnauthorized, "SESSION_NOT_FOUND", "no session backs this token"}
	default:
		return &denial{http.StatusInternalServerError, "SESSION_ERROR", "session lookup failed"}
	}
}

func (g *SessionGate) checkIdleTimeout(_ http.ResponseWriter, r *http.Request, st *gateState) *denial {
	if g.idleTimeout <= 0 {
		return nil
	}
	if time.Since(st.session.LastActivity) <= g.idleTimeout {
		return nil
	}
	// best effort: the session is dead for this request either way
	_ = g.sessions.InvalidateSession(r.Context(), st.session.RefreshTokenID, domain.ReasonIdleTimeout)
	return &denial{http.StatusUnauthorized, "SESSION_TIMEOUT", "session timed out due to inactivity"}
}

func (g *SessionGate) checkDeviceBinding(_ http.ResponseWriter, r *http.Request, st *gateState) *denial {
	st.fingerprint = security.DeviceFingerprint(r.Header)
	if st.session.DeviceFingerprint == "" || st.session.DeviceFingerprint == st.fingerprint {
		return nil
	}
	if err := g.sessions.MarkSuspicious(r.Context(), st.session.RefreshTokenID, "fingerprint mismatch"); err != nil {
		observability.Audit(r, "session.mark_suspicious_failed", "session_id", st.session.RefreshTokenID, "error", err.Error())
	}
	return &denial{http.StatusUnauthorized, "DEVICE_MISMATCH", "request does not match the session's device"}
}

// scanForAnomalies never blocks: crossing the signal threshold flags the
// session and tells the client, and the request proceeds.
func (g *SessionGate) scanForAnomalies(w http.ResponseWriter, r *http.Request, st *gateState) *denial {
	if st.session.Suspicious {
		w.Header().Set("X-Suspicious-Activity-Detected", "true")
		return nil
	}
	report := g.sessions.DetectSuspiciousActivity(r.Context(), st.claims.Subject, st.fingerprint, clientIP(r))
	if report.Score() < suspicionThreshold {
		return nil
	}
	if err := g.sessions.MarkSuspicious(r.Context(), st.session.RefreshTokenID, "anomaly signals"); err != nil {
		observability.Audit(r, "session.mark_suspicious_failed", "session_id", st.session.RefreshTokenID, "error", err.Error())
	}
	st.session.Suspicious = true
	w.Header().Set("X-Suspicious-Activity-Detected", "true")
	observability.Audit(r, "session.flagged",
		"session_id", st.session.RefreshTokenID,
		"user_id", st.claims.Subject,
		"score", report.Score())
	return nil
}

// adviseAndTouch writes the advisory headers and records activity. It is the
// last step and never denies.
func (g *SessionGate) adviseAndTouch(w http.ResponseWriter, r *http.Request, st *gateState) *denial {
	ctx := r.Context()
	if st.claims.ExpiresAt != nil {
		left := time.Until(st.claims.ExpiresAt.Time)
		if left < 0 {
			left = 0
		}
		w.Header().Set("X-Session-Expires-In", strconv.Itoa(int(left.Seconds())))
		if left < g.advisoryWindow {
			w.Header().Set("X-Session-Refresh-Required", "true")
		}
	}

	active, err := g.sessions.ListActive(ctx, st.claims.Subject)
	if err == nil {
		w.Header().Set("X-Active-Sessions", strconv.Itoa(len(active)))
		if limit := st.session.MaxConcurrent; limit > 0 && len(active) > limit {
			// eviction normally happens at login; this catches drift
			if err := g.sessions.EnforceConcurrencyLimit(ctx, st.claims.Subject, limit); err != nil {
				observability.Audit(r, "session.enforce_cap_failed", "user_id", st.claims.Subject, "error", err.Error())
			}
		}
	}

	if err := g.sessions.RecordActivity(ctx, st.session.RefreshTokenID); err != nil {
		observability.Audit(r, "session.touch_failed", "session_id", st.session.RefreshTokenID, "error", err.Error())
	}
	return nil
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func SessionFromContext(ctx context.Context) (*domain.Session, bool) {
	s, ok := ctx.Value(SessionContextKey).(*domain.Session)
	return s, ok
}
