package repository

import (
	"context"
	"errors"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/observability"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// sessionDoc is the document shape persisted to the sessions collection.
// The refresh token id is the natural unique key, so it doubles as _id.
type sessionDoc struct {
	ID                string                   `bson:"_id"`
	UserID            string                   `bson:"user_id"`
	DeviceFingerprint string                   `bson:"device_fingerprint"`
	UserAgent         string                   `bson:"user_agent"`
	IPAddress         string                   `bson:"ip"`
	GeoCountry        string                   `bson:"geo_country"`
	GeoCity           string                   `bson:"geo_city"`
	SessionType       string                   `bson:"session_type"`
	LastActivity      time.Time                `bson:"last_activity"`
	ExpiresAt         time.Time                `bson:"expires_at"`
	InvalidatedAt     *time.Time               `bson:"invalidated_at,omitempty"`
	InvalidatedReason *string                  `bson:"invalidated_reason,omitempty"`
	MaxConcurrent     int                      `bson:"max_concurrent"`
	Suspicious        bool                     `bson:"suspicious"`
	SuspiciousEvents  []domain.SuspiciousEvent `bson:"suspicious_events,omitempty"`
	LoginAttempts     int                      `bson:"login_attempts"`
	CreatedAt         time.Time                `bson:"created_at"`
	UpdatedAt         time.Time                `bson:"updated_at"`
}

func toDoc(s *domain.Session) *sessionDoc {
	return &sessionDoc{
		ID:                s.RefreshTokenID,
		UserID:            s.UserID,
		DeviceFingerprint: s.DeviceFingerprint,
		UserAgent:         s.UserAgent,
		IPAddress:         s.IPAddress,
		GeoCountry:        s.GeoCountry,
		GeoCity:           s.GeoCity,
		SessionType:       s.SessionType,
		LastActivity:      s.LastActivity,
		ExpiresAt:         s.ExpiresAt,
		InvalidatedAt:     s.InvalidatedAt,
		InvalidatedReason: s.InvalidatedReason,
		MaxConcurrent:     s.MaxConcurrent,
		Suspicious:        s.Suspicious,
		SuspiciousEvents:  s.SuspiciousEvents,
		LoginAttempts:     s.LoginAttempts,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func (d *sessionDoc) toSession() domain.Session {
	return domain.Session{
		UserID:            d.UserID,
		RefreshTokenID:    d.ID,
		DeviceFingerprint: d.DeviceFingerprint,
		UserAgent:         d.UserAgent,
		IPAddress:         d.IPAddress,
		GeoCountry:        d.GeoCountry,
		GeoCity:           d.GeoCity,
		SessionType:       d.SessionType,
		LastActivity:      d.LastActivity,
		ExpiresAt:         d.ExpiresAt,
		InvalidatedAt:     d.InvalidatedAt,
		InvalidatedReason: d.InvalidatedReason,
		MaxConcurrent:     d.MaxConcurrent,
		Suspicious:        d.Suspicious,
		SuspiciousEvents:  d.SuspiciousEvents,
		LoginAttempts:     d.LoginAttempts,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

type MongoSessionStore struct {
	coll *mongo.Collection
}

func NewMongoSessionStore(client *mongo.Client, database string) *MongoSessionStore {
	return &MongoSessionStore{coll: client.Database(database).Collection("sessions")}
}

// EnsureIndexes creates the user index and the TTL backstop on expires_at so
// the database reaps sessions even when the cleanup sweep never runs.
func (r *MongoSessionStore) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_activity", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

func activeFilter(extra bson.D) bson.D {
	base := bson.D{
		{Key: "invalidated_at", Value: nil},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: time.Now()}}},
	}
	return append(base, extra...)
}

func (r *MongoSessionStore) Create(ctx context.Context, s *domain.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, toDoc(s)); err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *MongoSessionStore) Rotate(ctx context.Context, oldID string, next *domain.Session) error {
	now := time.Now().UTC()
	res, err := r.coll.UpdateOne(ctx,
		activeFilter(bson.D{{Key: "_id", Value: oldID}}),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "invalidated_at", Value: now},
			{Key: "invalidated_reason", Value: domain.ReasonRotated},
			{Key: "updated_at", Value: now},
		}}},
	)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		return err
	}
	if res.ModifiedCount == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "not_found")
		return ErrSessionNotFound
	}
	return r.Create(ctx, next)
}

func (r *MongoSessionStore) findOne(ctx context.Context, op string, filter bson.D, opts ...options.Lister[options.FindOneOptions]) (*domain.Session, error) {
	var doc sessionDoc
	err := r.coll.FindOne(ctx, filter, opts...).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			observability.RecordRepositoryOperation(ctx, "session", op, "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	s := doc.toSession()
	return &s, nil
}

func (r *MongoSessionStore) FindByRefreshTokenID(ctx context.Context, id string) (*domain.Session, error) {
	return r.findOne(ctx, "find_by_refresh_token_id", bson.D{{Key: "_id", Value: id}})
}

func (r *MongoSessionStore) FindActiveByRefreshTokenID(ctx context.Context, userID, id string) (*domain.Session, error) {
	return r.findOne(ctx, "find_active_by_refresh_token_id",
		activeFilter(bson.D{{Key: "_id", Value: id}, {Key: "user_id", Value: userID}}))
}

func (r *MongoSessionStore) FindAnyActiveByUser(ctx context.Context, userID string) (*domain.Session, error) {
	return r.findOne(ctx, "find_any_active_by_user",
		activeFilter(bson.D{{Key: "user_id", Value: userID}}),
		options.FindOne().SetSort(bson.D{{Key: "last_activity", Value: -1}}))
}

func (r *MongoSessionStore) list(ctx context.Context, filter bson.D, opts ...options.Lister[options.FindOptions]) ([]domain.Session, error) {
	cur, err := r.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	sessions := make([]domain.Session, 0, len(docs))
	for i := range docs {
		sessions = append(sessions, docs[i].toSession())
	}
	return sessions, nil
}

func (r *MongoSessionStore) ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	return r.list(ctx, activeFilter(bson.D{{Key: "user_id", Value: userID}}),
		options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}}))
}

func (r *MongoSessionStore) ListRecentByUser(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Session, error) {
	return r.list(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "created_at", Value: bson.D{{Key: "$gte", Value: since}}},
	}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
}

func (r *MongoSessionStore) CountActiveByUser(ctx context.Context, userID string) (int64, error) {
	return r.coll.CountDocuments(ctx, activeFilter(bson.D{{Key: "user_id", Value: userID}}))
}

func (r *MongoSessionStore) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	return r.coll.CountDocuments(ctx, bson.D{
		{Key: "user_id", Value: userID},
		{Key: "created_at", Value: bson.D{{Key: "$gte", Value: since}}},
	})
}

func (r *MongoSessionStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	// matching on last_activity < at drops stale writers, keeping the
	// timestamp monotonic without a read-modify-write cycle
	_, err := r.coll.UpdateOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "invalidated_at", Value: nil},
		{Key: "last_activity", Value: bson.D{{Key: "$lt", Value: at}}},
	}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "last_activity", Value: at},
		{Key: "updated_at", Value: at},
	}}})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "touch_activity", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "touch_activity", "success")
	return nil
}

func (r *MongoSessionStore) invalidateMany(ctx context.Context, op string, filter bson.D, reason string) (int64, error) {
	now := time.Now().UTC()
	res, err := r.coll.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "invalidated_at", Value: now},
		{Key: "invalidated_reason", Value: reason},
		{Key: "updated_at", Value: now},
	}}})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", op, "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "session", op, "success")
	return res.ModifiedCount, nil
}

func (r *MongoSessionStore) Invalidate(ctx context.Context, id, reason string) error {
	_, err := r.invalidateMany(ctx, "invalidate", bson.D{
		{Key: "_id", Value: id},
		{Key: "invalidated_at", Value: nil},
	}, reason)
	return err
}

func (r *MongoSessionStore) InvalidateForUser(ctx context.Context, userID, id, reason string) (bool, error) {
	n, err := r.invalidateMany(ctx, "invalidate_for_user", bson.D{
		{Key: "_id", Value: id},
		{Key: "user_id", Value: userID},
		{Key: "invalidated_at", Value: nil},
	}, reason)
	return n > 0, err
}

func (r *MongoSessionStore) InvalidateAllExcept(ctx context.Context, userID, keepID, reason string) (int64, error) {
	filter := bson.D{
		{Key: "user_id", Value: userID},
		{Key: "invalidated_at", Value: nil},
	}
	if keepID != "" {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$ne", Value: keepID}}})
	}
	return r.invalidateMany(ctx, "invalidate_all_except", filter, reason)
}

func (r *MongoSessionStore) MarkSuspicious(ctx context.Context, id, reason string, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "suspicious", Value: true},
			{Key: "updated_at", Value: at},
		}},
		{Key: "$push", Value: bson.D{
			{Key: "suspicious_events", Value: domain.SuspiciousEvent{Reason: reason, Timestamp: at}},
		}},
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "mark_suspicious", "error")
		return err
	}
	if res.MatchedCount == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "mark_suspicious", "not_found")
		return ErrSessionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "session", "mark_suspicious", "success")
	return nil
}

func (r *MongoSessionStore) SetMaxConcurrent(ctx context.Context, userID string, limit int) error {
	_, err := r.coll.UpdateMany(ctx,
		activeFilter(bson.D{{Key: "user_id", Value: userID}}),
		bson.D{{Key: "$set", Value: bson.D{{Key: "max_concurrent", Value: limit}}}})
	return err
}

func (r *MongoSessionStore) DeleteExpired(ctx context.Context, cutoffs CleanupCutoffs) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: cutoffs.Now}}}},
		bson.D{{Key: "invalidated_at", Value: bson.D{{Key: "$ne", Value: nil}, {Key: "$lte", Value: cutoffs.InvalidatedBefore}}}},
		bson.D{{Key: "suspicious", Value: true}, {Key: "created_at", Value: bson.D{{Key: "$lte", Value: cutoffs.SuspiciousBefore}}}},
	}}})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "success")
	return res.DeletedCount, nil
}

func (r *MongoSessionStore) Stats(ctx context.Context) (*domain.StoreStats, error) {
	now := time.Now()
	stats := &domain.StoreStats{
		BySessionType: map[string]int64{},
		ByCountry:     map[string]int64{},
	}
	var err error
	if stats.ActiveSessions, err = r.coll.CountDocuments(ctx, activeFilter(nil)); err != nil {
		return nil, err
	}
	if stats.SuspiciousSessions, err = r.coll.CountDocuments(ctx, bson.D{{Key: "suspicious", Value: true}}); err != nil {
		return nil, err
	}
	if stats.ExpiredSessions, err = r.coll.CountDocuments(ctx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}}); err != nil {
		return nil, err
	}

	group := func(field string) ([]struct {
		ID  string `bson:"_id"`
		N   int64  `bson:"n"`
		Cap int    `bson:"cap"`
	}, error) {
		cur, err := r.coll.Aggregate(ctx, mongo.Pipeline{
			bson.D{{Key: "$match", Value: activeFilter(nil)}},
			bson.D{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$" + field},
				{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
				{Key: "cap", Value: bson.D{{Key: "$max", Value: "$max_concurrent"}}},
			}}},
		})
		if err != nil {
			return nil, err
		}
		var rows []struct {
			ID  string `bson:"_id"`
			N   int64  `bson:"n"`
			Cap int    `bson:"cap"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}

	users, err := group("user_id")
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		stats.PerUser = append(stats.PerUser, domain.UserSessionCount{UserID: u.ID, Count: u.N, Cap: u.Cap})
	}
	types, err := group("session_type")
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		stats.BySessionType[t.ID] = t.N
	}
	countries, err := group("geo_country")
	if err != nil {
		return nil, err
	}
	for _, c := range countries {
		stats.ByCountry[c.ID] = c.N
	}
	return stats, nil
}

func (r *MongoSessionStore) RecentCreationCounts(ctx context.Context, since time.Time) ([]domain.UserSessionCount, error) {
	cur, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "created_at", Value: bson.D{{Key: "$gte", Value: since}}}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$user_id"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "cap", Value: bson.D{{Key: "$max", Value: "$max_concurrent"}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID  string `bson:"_id"`
		N   int64  `bson:"n"`
		Cap int    `bson:"cap"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make([]domain.UserSessionCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, domain.UserSessionCount{UserID: row.ID, Count: row.N, Cap: row.Cap})
	}
	return counts, nil
}

func (r *MongoSessionStore) RecentlyFlagged(ctx context.Context, since time.Time) ([]domain.Session, error) {
	return r.list(ctx, bson.D{
		{Key: "suspicious", Value: true},
		{Key: "updated_at", Value: bson.D{{Key: "$gte", Value: since}}},
	}, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
}

func (r *MongoSessionStore) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, nil)
}
