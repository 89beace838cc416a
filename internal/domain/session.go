package domain

import "time"

// Session types as reported by clients at login time.
const (
	SessionTypeWeb    = "web"
	SessionTypeMobile = "mobile"
	SessionTypeAPI    = "api"
)

// Session tracks a single logical login. RefreshTokenID doubles as the
// public session identifier and equals the refresh token's jti claim, so
// token and record are linkable without a lookup table.
type Session struct {
	ID                uint              `gorm:"primaryKey" json:"-"`
	UserID            string            `gorm:"size:64;index;not null" json:"user_id"`
	RefreshTokenID    string            `gorm:"size:64;uniqueIndex;not null" json:"session_id"`
	DeviceFingerprint string            `gorm:"size:128;index" json:"device_fingerprint"`
	UserAgent         string            `gorm:"size:512" json:"user_agent"`
	IPAddress         string            `gorm:"size:64" json:"ip"`
	GeoCountry        string            `gorm:"size:64" json:"geo_country"`
	GeoCity           string            `gorm:"size:64" json:"geo_city"`
	SessionType       string            `gorm:"size:16;index" json:"session_type"`
	LastActivity      time.Time         `gorm:"index" json:"last_activity"`
	ExpiresAt         time.Time         `gorm:"index;not null" json:"expires_at"`
	InvalidatedAt     *time.Time        `gorm:"index" json:"invalidated_at,omitempty"`
	InvalidatedReason *string           `gorm:"size:64" json:"invalidated_reason,omitempty"`
	MaxConcurrent     int               `json:"max_concurrent"`
	Suspicious        bool              `gorm:"index" json:"suspicious"`
	SuspiciousEvents  []SuspiciousEvent `gorm:"serializer:json" json:"suspicious_events,omitempty"`
	LoginAttempts     int               `json:"login_attempts"`
	CreatedAt         time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// SuspiciousEvent is one entry of the append-only anomaly log on a session.
type SuspiciousEvent struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Active reports whether the session may still authenticate requests.
func (s *Session) Active(now time.Time) bool {
	return s.InvalidatedAt == nil && s.ExpiresAt.After(now)
}

// Invalidation reasons written to sessions. Cleanup retention depends on them.
const (
	ReasonLogout       = "logout"
	ReasonRotated      = "rotated"
	ReasonEvicted      = "concurrency_evicted"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonUserRevoked  = "user_revoked"
	ReasonAdminRevoked = "admin_revoked"
)
