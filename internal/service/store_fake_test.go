package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/repository"
)

// memSessionStore is an in-memory SessionStore for service tests. It keys
// sessions by refresh token id and mirrors the stores' conditional-update
// semantics, including the monotonic activity guard.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	nextID   uint

	// lookups counts FindActiveByRefreshTokenID calls, for retry tests.
	lookups int
	// failFind forces every call of the named method to return err.
	failFind error
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*domain.Session)}
}

func (m *memSessionStore) Create(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.RefreshTokenID]; ok {
		return errors.New("duplicate refresh token id")
	}
	m.nextID++
	s.ID = m.nextID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := *s
	m.sessions[s.RefreshTokenID] = &cp
	return nil
}

func (m *memSessionStore) Rotate(ctx context.Context, oldID string, next *domain.Session) error {
	m.mu.Lock()
	old, ok := m.sessions[oldID]
	if !ok || !old.Active(time.Now()) {
		m.mu.Unlock()
		return repository.ErrSessionNotFound
	}
	now := time.Now().UTC()
	reason := domain.ReasonRotated
	old.InvalidatedAt = &now
	old.InvalidatedReason = &reason
	m.mu.Unlock()
	return m.Create(ctx, next)
}

func (m *memSessionStore) FindByRefreshTokenID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) FindActiveByRefreshTokenID(_ context.Context, userID, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.failFind != nil {
		return nil, m.failFind
	}
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID || !s.Active(time.Now()) {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) FindAnyActiveByUser(_ context.Context, userID string) (*domain.Session, error) {
	active := m.activeByUser(userID)
	if len(active) == 0 {
		return nil, repository.ErrSessionNotFound
	}
	return &active[0], nil
}

func (m *memSessionStore) ListActiveByUser(_ context.Context, userID string) ([]domain.Session, error) {
	return m.activeByUser(userID), nil
}

func (m *memSessionStore) activeByUser(userID string) []domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

func (m *memSessionStore) ListRecentByUser(_ context.Context, userID string, since time.Time, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.CreatedAt.After(since) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSessionStore) CountActiveByUser(_ context.Context, userID string) (int64, error) {
	return int64(len(m.activeByUser(userID))), nil
}

func (m *memSessionStore) CountCreatedSince(_ context.Context, userID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memSessionStore) TouchActivity(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Active(time.Now()) {
		return repository.ErrSessionNotFound
	}
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return nil
}

func (m *memSessionStore) Invalidate(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	if s.InvalidatedAt == nil {
		now := time.Now().UTC()
		s.InvalidatedAt = &now
		s.InvalidatedReason = &reason
	}
	return nil
}

func (m *memSessionStore) InvalidateForUser(ctx context.Context, userID, id, reason string) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	owned := ok && s.UserID == userID && s.InvalidatedAt == nil
	m.mu.Unlock()
	if !owned {
		return false, nil
	}
	return true, m.Invalidate(ctx, id, reason)
}

func (m *memSessionStore) InvalidateAllExcept(_ context.Context, userID, keepID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.RefreshTokenID != keepID && s.InvalidatedAt == nil {
			r := reason
			t := now
			s.InvalidatedAt = &t
			s.InvalidatedReason = &r
			n++
		}
	}
	return n, nil
}

func (m *memSessionStore) MarkSuspicious(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return repository.ErrSessionNotFound
	}
	s.Suspicious = true
	s.SuspiciousEvents = append(s.SuspiciousEvents, domain.SuspiciousEvent{Reason: reason, Timestamp: at})
	return nil
}

func (m *memSessionStore) SetMaxConcurrent(_ context.Context, userID string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.InvalidatedAt == nil {
			s.MaxConcurrent = limit
		}
	}
	return nil
}

func (m *memSessionStore) DeleteExpired(_ context.Context, cutoffs repository.CleanupCutoffs) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		switch {
		case s.ExpiresAt.Before(cutoffs.Now):
		case s.InvalidatedAt != nil && s.InvalidatedAt.Before(cutoffs.InvalidatedBefore):
		case s.Suspicious && s.CreatedAt.Before(cutoffs.SuspiciousBefore):
		default:
			continue
		}
		delete(m.sessions, id)
		n++
	}
	return n, nil
}

func (m *memSessionStore) Stats(_ context.Context) (*domain.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	stats := &domain.StoreStats{
		BySessionType: map[string]int64{},
		ByCountry:     map[string]int64{},
	}
	perUser := map[string]*domain.UserSessionCount{}
	for _, s := range m.sessions {
		if s.Suspicious {
			stats.SuspiciousSessions++
		}
		if !s.Active(now) {
			stats.ExpiredSessions++
			continue
		}
		stats.ActiveSessions++
		stats.BySessionType[s.SessionType]++
		stats.ByCountry[s.GeoCountry]++
		u, ok := perUser[s.UserID]
		if !ok {
			u = &domain.UserSessionCount{UserID: s.UserID}
			perUser[s.UserID] = u
		}
		u.Count++
		if s.MaxConcurrent > u.Cap {
			u.Cap = s.MaxConcurrent
		}
	}
	for _, u := range perUser {
		stats.PerUser = append(stats.PerUser, *u)
	}
	return stats, nil
}

func (m *memSessionStore) RecentCreationCounts(_ context.Context, since time.Time) ([]domain.UserSessionCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, s := range m.sessions {
		if s.CreatedAt.After(since) {
			counts[s.UserID]++
		}
	}
	var out []domain.UserSessionCount
	for userID, n := range counts {
		out = append(out, domain.UserSessionCount{UserID: userID, Count: n})
	}
	return out, nil
}

func (m *memSessionStore) RecentlyFlagged(_ context.Context, since time.Time) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		for _, ev := range s.SuspiciousEvents {
			if ev.Timestamp.After(since) {
				out = append(out, *s)
				break
			}
		}
	}
	return out, nil
}

func (m *memSessionStore) Ping(context.Context) error { return nil }

// memUserRepo is an in-memory UserRepository keyed by id and email.
type memUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.User
	byEmail map[string]*domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: map[string]*domain.User{}, byEmail: map[string]*domain.User{}}
}

func (m *memUserRepo) Create(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return repository.ErrEmailTaken
	}
	cp := *u
	m.byID[u.ID] = &cp
	m.byEmail[u.Email] = &cp
	return nil
}

func (m *memUserRepo) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[email]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserRepo) FindByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
