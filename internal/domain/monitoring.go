package domain

import "time"

// Alert kinds emitted by the monitoring scan.
const (
	AlertConcurrencyExceeded = "concurrency_exceeded"
	AlertRapidSessions       = "rapid_session_creation"
	AlertSuspiciousSession   = "suspicious_session"
)

type Alert struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"user_id"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// UserSessionCount is one row of a per-user aggregate over sessions.
// Cap carries the largest per-session concurrency cap seen for the user.
type UserSessionCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
	Cap    int    `json:"cap"`
}

// StoreStats is the aggregate snapshot the monitoring service exposes.
type StoreStats struct {
	ActiveSessions     int64              `json:"active_sessions"`
	SuspiciousSessions int64              `json:"suspicious_sessions"`
	ExpiredSessions    int64              `json:"expired_sessions"`
	PerUser            []UserSessionCount `json:"per_user"`
	BySessionType      map[string]int64   `json:"by_session_type"`
	ByCountry          map[string]int64   `json:"by_country"`
}

type UserStats struct {
	UserID          string     `json:"user_id"`
	ActiveSessions  int        `json:"active_sessions"`
	SuspiciousCount int        `json:"suspicious_count"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
	Devices         []string   `json:"devices"`
	Locations       []string   `json:"locations"`
}
