package repository

import (
	"context"
	"errors"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/observability"

	"gorm.io/gorm"
)

type GormSessionStore struct{ db *gorm.DB }

func NewGormSessionStore(db *gorm.DB) *GormSessionStore { return &GormSessionStore{db: db} }

func (r *GormSessionStore) Create(ctx context.Context, s *domain.Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *GormSessionStore) Rotate(ctx context.Context, oldID string, next *domain.Session) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&domain.Session{}).
			Where("refresh_token_id = ? AND invalidated_at IS NULL AND expires_at > ?", oldID, now).
			Updates(map[string]any{"invalidated_at": now, "invalidated_reason": domain.ReasonRotated})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return tx.Create(next).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate", "success")
	return nil
}

func (r *GormSessionStore) FindByRefreshTokenID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("refresh_token_id = ?", id).First(&s).Error
	return r.translateFind(ctx, "find_by_refresh_token_id", &s, err)
}

func (r *GormSessionStore) FindActiveByRefreshTokenID(ctx context.Context, userID, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND refresh_token_id = ? AND invalidated_at IS NULL AND expires_at > ?", userID, id, time.Now()).
		First(&s).Error
	return r.translateFind(ctx, "find_active_by_refresh_token_id", &s, err)
}

func (r *GormSessionStore) FindAnyActiveByUser(ctx context.Context, userID string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND invalidated_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("last_activity DESC").
		First(&s).Error
	return r.translateFind(ctx, "find_any_active_by_user", &s, err)
}

func (r *GormSessionStore) translateFind(ctx context.Context, op string, s *domain.Session, err error) (*domain.Session, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", op, "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	return s, nil
}

func (r *GormSessionStore) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND invalidated_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("last_activity DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_active_by_user", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_active_by_user", "success")
	return sessions, nil
}

func (r *GormSessionStore) ListRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_recent_by_user", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_recent_by_user", "success")
	return sessions, nil
}

func (r *GormSessionStore) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND invalidated_at IS NULL AND expires_at > ?", userID, time.Now()).
		Count(&n).Error
	return n, err
}

func (r *GormSessionStore) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&n).Error
	return n, err
}

func (r *GormSessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	// the last_activity guard keeps the timestamp monotonic under
	// concurrent touches; a stale writer simply matches zero rows
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("refresh_token_id = ? AND invalidated_at IS NULL AND last_activity < ?", id, at).
		Update("last_activity", at).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "touch_activity", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "touch_activity", "success")
	return nil
}

func (r *GormSessionStore) Invalidate(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("refresh_token_id = ? AND invalidated_at IS NULL", id).
		Updates(map[string]any{"invalidated_at": now, "invalidated_reason": reason}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "invalidate", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "invalidate", "success")
	return nil
}

func (r *GormSessionStore) InvalidateForUser(ctx context.Context, userID, id, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND refresh_token_id = ? AND invalidated_at IS NULL", userID, id).
		Updates(map[string]any{"invalidated_at": now, "invalidated_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "invalidate_for_user", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "invalidate_for_user", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionStore) InvalidateAllExcept(ctx context.Context, userID, keepID, reason string) (int64, error) {
	now := time.Now().UTC()
	q := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND invalidated_at IS NULL", userID)
	if keepID != "" {
		q = q.Where("refresh_token_id <> ?", keepID)
	}
	res := q.Updates(map[string]any{"invalidated_at": now, "invalidated_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "invalidate_all_except", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "invalidate_all_except", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionStore) MarkSuspicious(ctx context.Context, id, reason string, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.Session
		if err := tx.Where("refresh_token_id = ?", id).First(&s).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		events := append(s.SuspiciousEvents, domain.SuspiciousEvent{Reason: reason, Timestamp: at})
		return tx.Model(&domain.Session{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{"suspicious": true, "suspicious_events": events}).Error
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrSessionNotFound) {
			outcome = "not_found"
		}
		observability.RecordRepositoryOperation(ctx, "session", "mark_suspicious", outcome)
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "mark_suspicious", "success")
	return nil
}

func (r *GormSessionStore) SetMaxConcurrent(ctx context.Context, userID string, limit int) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND invalidated_at IS NULL", userID).
		Update("max_concurrent", limit).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "set_max_concurrent", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "set_max_concurrent", "success")
	return nil
}

func (r *GormSessionStore) DeleteExpired(ctx context.Context, cutoffs CleanupCutoffs) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", cutoffs.Now).
		Or("invalidated_at IS NOT NULL AND invalidated_at <= ?", cutoffs.InvalidatedBefore).
		Or("suspicious = ? AND created_at <= ?", true, cutoffs.SuspiciousBefore).
		Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "success")
	return res.RowsAffected, nil
}

type userAggRow struct {
	UserID string
	N      int64
	Cap    int
}

type labelAggRow struct {
	Label string
	N     int64
}

func (r *GormSessionStore) Stats(ctx context.Context) (*domain.StoreStats, error) {
	now := time.Now()
	stats := &domain.StoreStats{
		BySessionType: map[string]int64{},
		ByCountry:     map[string]int64{},
	}
	active := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&domain.Session{}).
			Where("invalidated_at IS NULL AND expires_at > ?", now)
	}
	if err := active().Count(&stats.ActiveSessions).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("suspicious = ?", true).Count(&stats.SuspiciousSessions).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("expires_at <= ?", now).Count(&stats.ExpiredSessions).Error; err != nil {
		return nil, err
	}
	var users []userAggRow
	if err := active().
		Select("user_id, COUNT(*) AS n, MAX(max_concurrent) AS cap").
		Group("user_id").
		Scan(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		stats.PerUser = append(stats.PerUser, domain.UserSessionCount{UserID: u.UserID, Count: u.N, Cap: u.Cap})
	}
	var types []labelAggRow
	if err := active().
		Select("session_type AS label, COUNT(*) AS n").
		Group("session_type").
		Scan(&types).Error; err != nil {
		return nil, err
	}
	for _, t := range types {
		stats.BySessionType[t.Label] = t.N
	}
	var countries []labelAggRow
	if err := active().
		Select("geo_country AS label, COUNT(*) AS n").
		Group("geo_country").
		Scan(&countries).Error; err != nil {
		return nil, err
	}
	for _, c := range countries {
		stats.ByCountry[c.Label] = c.N
	}
	return stats, nil
}

func (r *GormSessionStore) RecentCreationCounts(ctx context.Context, since time.Time) ([]domain.UserSessionCount, error) {
	var rows []userAggRow
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("created_at >= ?", since).
		Select("user_id, COUNT(*) AS n, MAX(max_concurrent) AS cap").
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make([]domain.UserSessionCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, domain.UserSessionCount{UserID: row.UserID, Count: row.N, Cap: row.Cap})
	}
	return counts, nil
}

func (r *GormSessionStore) RecentlyFlagged(ctx context.Context, since time.Time) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.WithContext(ctx).
		Where("suspicious = ? AND updated_at >= ?", true, since).
		Order("updated_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *GormSessionStore) Ping(ctx context.Context) error {
	db, err := r.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}
