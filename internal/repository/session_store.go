package repository

import (
	"context"
	"errors"
	"time"

	"sessiongate/internal/domain"
)

var ErrSessionNotFound = errors.New("session not found")

// CleanupCutoffs bound the scheduled hard-delete sweep. Sessions past their
// absolute TTL go immediately; invalidated and suspicious sessions are kept
// for a retention window so they stay reviewable.
type CleanupCutoffs struct {
	Now               time.Time
	InvalidatedBefore time.Time
	SuspiciousBefore  time.Time
}

// SessionStore is the persistence contract for session records. All mutating
// operations are single-document/single-statement updates so concurrent
// requests for the same user never lose writes to read-modify-write races.
type SessionStore interface {
	Create(ctx context.Context, s *domain.Session) error
	// Rotate atomically invalidates the session identified by oldID and
	// inserts next. It returns ErrSessionNotFound when oldID is not an
	// active session, which is how exactly one of two racing refreshes wins.
	Rotate(ctx context.Context, oldID string, next *domain.Session) error

	FindByRefreshTokenID(ctx context.Context, id string) (*domain.Session, error)
	FindActiveByRefreshTokenID(ctx context.Context, userID, id string) (*domain.Session, error)
	// FindAnyActiveByUser backs tokens minted before session-id embedding:
	// the most recently active session for the user, if any.
	FindAnyActiveByUser(ctx context.Context, userID string) (*domain.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error)
	ListRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Session, error)
	CountActiveByUser(ctx context.Context, userID string) (int64, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// TouchActivity advances last_activity to at. Stale writers are dropped
	// by the store, never applied, so the timestamp only moves forward.
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Invalidate(ctx context.Context, id, reason string) error
	InvalidateForUser(ctx context.Context, userID, id, reason string) (bool, error)
	InvalidateAllExcept(ctx context.Context, userID, keepID, reason string) (int64, error)
	MarkSuspicious(ctx context.Context, id, reason string, at time.Time) error
	SetMaxConcurrent(ctx context.Context, userID string, limit int) error

	DeleteExpired(ctx context.Context, cutoffs CleanupCutoffs) (int64, error)
	Stats(ctx context.Context) (*domain.StoreStats, error)
	RecentCreationCounts(ctx context.Context, since time.Time) ([]domain.UserSessionCount, error)
	RecentlyFlagged(ctx context.Context, since time.Time) ([]domain.Session, error)
	Ping(ctx context.Context) error
}
