package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/geo"
	"sessiongate/internal/observability"
	"sessiongate/internal/repository"
)

const (
	recentSessionWindow = 30 * 24 * time.Hour
	recentSessionLimit  = 10
	rapidCreationWindow = time.Hour
	rapidCreationCount  = 5
	unusualHoursStart   = 2
	unusualHoursEnd     = 6
)

// SessionMetadata carries the request-derived attributes of a new session.
type SessionMetadata struct {
	Fingerprint string
	UserAgent   string
	IPAddress   string
	SessionType string
}

// SuspicionReport holds the four anomaly signals of a detection pass.
type SuspicionReport struct {
	NewDevice     bool `json:"new_device"`
	NewLocation   bool `json:"new_location"`
	RapidCreation bool `json:"rapid_creation"`
	UnusualHours  bool `json:"unusual_hours"`
}

func (r SuspicionReport) Score() int {
	n := 0
	for _, b := range []bool{r.NewDevice, r.NewLocation, r.RapidCreation, r.UnusualHours} {
		if b {
			n++
		}
	}
	return n
}

// SessionService owns the session record lifecycle: creation under the
// concurrency cap, activity tracking, anomaly detection, invalidation and
// the scheduled cleanup sweep.
type SessionService struct {
	store                repository.SessionStore
	geo                  geo.Resolver
	logger               *slog.Logger
	defaultMax           int
	sessionTTL           time.Duration
	invalidatedRetention time.Duration
	suspiciousRetention  time.Duration
	now                  func() time.Time
}

func NewSessionService(store repository.SessionStore, resolver geo.Resolver, logger *slog.Logger, defaultMax int, sessionTTL, invalidatedRetention, suspiciousRetention time.Duration) *SessionService {
	return &SessionService{
		store:                store,
		geo:                  resolver,
		logger:               logger,
		defaultMax:           defaultMax,
		sessionTTL:           sessionTTL,
		invalidatedRetention: invalidatedRetention,
		suspiciousRetention:  suspiciousRetention,
		now:                  time.Now,
	}
}

// CreateSession persists a new session for the user, evicting
// least-recently-active sessions first so the record fits under the cap.
// The caller must not hand out tokens bound to sessionID before this
// returns: creation happens-before the tokens become verifiable.
func (s *SessionService) CreateSession(ctx context.Context, userID, sessionID string, meta SessionMetadata) (*domain.Session, error) {
	now := s.now().UTC()
	limit := s.userCap(ctx, userID)
	if err := s.EnforceConcurrencyLimit(ctx, userID, limit-1); err != nil {
		return nil, err
	}
	loc := s.geo.Resolve(meta.IPAddress)
	sessionType := meta.SessionType
	if sessionType == "" {
		sessionType = domain.SessionTypeWeb
	}
	session := &domain.Session{
		UserID:            userID,
		RefreshTokenID:    sessionID,
		DeviceFingerprint: meta.Fingerprint,
		UserAgent:         meta.UserAgent,
		IPAddress:         loc.IP,
		GeoCountry:        loc.Country,
		GeoCity:           loc.City,
		SessionType:       sessionType,
		LastActivity:      now,
		ExpiresAt:         now.Add(s.sessionTTL),
		MaxConcurrent:     limit,
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}
	observability.RecordSessionEvent(ctx, "created", sessionType)
	return session, nil
}

// userCap reads the user's adjusted cap off any live session, falling back
// to the configured default for first logins.
func (s *SessionService) userCap(ctx context.Context, userID string) int {
	existing, err := s.store.FindAnyActiveByUser(ctx, userID)
	if err == nil && existing.MaxConcurrent > 0 {
		return existing.MaxConcurrent
	}
	return s.defaultMax
}

// EnforceConcurrencyLimit invalidates active sessions beyond max, least
// recently active first. Idempotent; safe to call on every request.
func (s *SessionService) EnforceConcurrencyLimit(ctx context.Context, userID string, max int) error {
	if max < 0 {
		max = 0
	}
	active, err := s.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) <= max {
		return nil
	}
	// active is sorted by last_activity descending, so the tail holds the
	// least recently used sessions
	for _, victim := range active[max:] {
		if err := s.store.Invalidate(ctx, victim.RefreshTokenID, domain.ReasonEvicted); err != nil {
			return err
		}
		observability.RecordSessionEvent(ctx, "evicted", victim.SessionType)
	}
	return nil
}

// RecordActivity advances the session's activity timestamp. The store drops
// stale writes, so concurrent calls cannot move the timestamp backwards.
func (s *SessionService) RecordActivity(ctx context.Context, sessionID string) error {
	return s.store.TouchActivity(ctx, sessionID, s.now().UTC())
}

// DetectSuspiciousActivity inspects the user's recent sessions for anomaly
// signals. It is a pure read: store failures are logged and reported as
// "nothing detected" rather than propagated.
func (s *SessionService) DetectSuspiciousActivity(ctx context.Context, userID, fingerprint, ip string) SuspicionReport {
	var report SuspicionReport
	now := s.now()

	recent, err := s.store.ListRecentByUser(ctx, userID, now.Add(-recentSessionWindow), recentSessionLimit)
	if err != nil {
		s.logger.WarnContext(ctx, "suspicion scan: recent sessions unavailable", "user_id", userID, "error", err)
		return report
	}
	if len(recent) > 0 {
		report.NewDevice = true
		report.NewLocation = true
		for _, sess := range recent {
			if sess.DeviceFingerprint == fingerprint {
				report.NewDevice = false
			}
			if sess.IPAddress == ip {
				report.NewLocation = false
			}
		}
	}

	created, err := s.store.CountCreatedSince(ctx, userID, now.Add(-rapidCreationWindow))
	if err != nil {
		s.logger.WarnContext(ctx, "suspicion scan: creation count unavailable", "user_id", userID, "error", err)
	} else if created > rapidCreationCount {
		report.RapidCreation = true
	}

	hour := now.Local().Hour()
	if hour >= unusualHoursStart && hour < unusualHoursEnd {
		report.UnusualHours = true
	}

	for signal, fired := range map[string]bool{
		"new_device":     report.NewDevice,
		"new_location":   report.NewLocation,
		"rapid_creation": report.RapidCreation,
		"unusual_hours":  report.UnusualHours,
	} {
		if fired {
			observability.RecordSuspicionSignal(ctx, signal)
		}
	}
	return report
}

func (s *SessionService) MarkSuspicious(ctx context.Context, sessionID, reason string) error {
	return s.store.MarkSuspicious(ctx, sessionID, reason, s.now().UTC())
}

func (s *SessionService) InvalidateSession(ctx context.Context, sessionID, reason string) error {
	err := s.store.Invalidate(ctx, sessionID, reason)
	if err == nil {
		observability.RecordSessionEvent(ctx, "invalidated", "")
	}
	return err
}

// RevokeSession invalidates sessionID only if it belongs to userID, so a
// user cannot tear down someone else's session by guessing ids. The false
// return means nothing matched.
func (s *SessionService) RevokeSession(ctx context.Context, userID, sessionID, reason string) (bool, error) {
	ok, err := s.store.InvalidateForUser(ctx, userID, sessionID, reason)
	if err == nil && ok {
		observability.RecordSessionEvent(ctx, "invalidated", "")
	}
	return ok, err
}

// InvalidateAllExcept terminates the user's sessions, optionally keeping
// one. Backs logout-everywhere and forced admin logout.
func (s *SessionService) InvalidateAllExcept(ctx context.Context, userID, keepSessionID, reason string) (int64, error) {
	n, err := s.store.InvalidateAllExcept(ctx, userID, keepSessionID, reason)
	if err == nil && n > 0 {
		observability.RecordSessionEvent(ctx, "invalidated_bulk", "")
	}
	return n, err
}

func (s *SessionService) ListActive(ctx context.Context, userID string) ([]domain.Session, error) {
	return s.store.ListActiveByUser(ctx, userID)
}

func (s *SessionService) FindSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	return s.store.FindActiveByRefreshTokenID(ctx, userID, sessionID)
}

// ErrSessionRevoked distinguishes a session that existed but was invalidated
// or timed out from one that never existed. The request gate maps the two to
// different client-facing codes.
var ErrSessionRevoked = errors.New("session revoked")

// ResolveSession returns the live session behind sessionID, requiring the
// record to belong to userID. A record that exists but is invalidated or
// past its expiry yields ErrSessionRevoked.
func (s *SessionService) ResolveSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.store.FindByRefreshTokenID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, repository.ErrSessionNotFound
	}
	if !sess.Active(s.now()) {
		return nil, ErrSessionRevoked
	}
	return sess, nil
}

// MostRecentActive backs access tokens minted before sessions carried their
// id in the claims.
func (s *SessionService) MostRecentActive(ctx context.Context, userID string) (*domain.Session, error) {
	return s.store.FindAnyActiveByUser(ctx, userID)
}

// UpdateMaxConcurrent adjusts the user's cap within [1,10] and immediately
// re-applies it to the live sessions.
func (s *SessionService) UpdateMaxConcurrent(ctx context.Context, userID string, limit int) error {
	if limit < 1 || limit > 10 {
		return errors.New("concurrency limit must be within [1,10]")
	}
	if err := s.store.SetMaxConcurrent(ctx, userID, limit); err != nil {
		return err
	}
	return s.EnforceConcurrencyLimit(ctx, userID, limit)
}

// CleanupExpired hard-deletes sessions past their TTL, invalidated sessions
// past the retention window and suspicious sessions past the (shorter)
// review window. The only scheduled hard-delete in the system.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	return s.store.DeleteExpired(ctx, repository.CleanupCutoffs{
		Now:               now,
		InvalidatedBefore: now.Add(-s.invalidatedRetention),
		SuspiciousBefore:  now.Add(-s.suspiciousRetention),
	})
}

func (s *SessionService) UserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	active, err := s.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &domain.UserStats{UserID: userID, ActiveSessions: len(active)}
	devices := map[string]struct{}{}
	locations := map[string]struct{}{}
	for i := range active {
		sess := &active[i]
		if sess.Suspicious {
			stats.SuspiciousCount++
		}
		if stats.LastActivity == nil || sess.LastActivity.After(*stats.LastActivity) {
			la := sess.LastActivity
			stats.LastActivity = &la
		}
		if _, ok := devices[sess.DeviceFingerprint]; !ok {
			devices[sess.DeviceFingerprint] = struct{}{}
			stats.Devices = append(stats.Devices, sess.DeviceFingerprint)
		}
		loc := sess.GeoCountry + "/" + sess.GeoCity
		if _, ok := locations[loc]; !ok {
			locations[loc] = struct{}{}
			stats.Locations = append(stats.Locations, loc)
		}
	}
	return stats, nil
}
