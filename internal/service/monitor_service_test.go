package service

import (
	"context"
	"testing"
	"time"

	"sessiongate/internal/domain"
)

func newTestMonitor(store *memSessionStore, bufferSize int) *Monitor {
	return NewMonitor(newTestSessionService(store), discardLogger(), time.Hour, 5*time.Minute, bufferSize)
}

func TestMonitorStartStopIsIdempotent(t *testing.T) {
	m := newTestMonitor(newMemSessionStore(), 10)

	m.Start(context.Background())
	m.Start(context.Background()) // second start must not spawn another loop
	m.Stop()
	m.Stop() // second stop must not block or panic
	m.Start(context.Background())
	m.Stop()
}

func TestMonitorScanFlagsAnomalies(t *testing.T) {
	store := newMemSessionStore()
	m := newTestMonitor(store, 10)
	now := time.Now().UTC()

	// three sessions against a cap of two
	for i, id := range []string{"c1", "c2", "c3"} {
		s := activeSession("capped", id)
		s.MaxConcurrent = 2
		s.LastActivity = now.Add(time.Duration(i) * time.Minute)
		if err := store.Create(context.Background(), s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// burst of fresh sessions for another user
	for i := 0; i < rapidCreationCount; i++ {
		s := activeSession("bursty", "b"+string(rune('a'+i)))
		s.CreatedAt = now.Add(-time.Duration(i) * time.Minute)
		if err := store.Create(context.Background(), s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// a freshly flagged session
	flagged := activeSession("flagged", "f1")
	if err := store.Create(context.Background(), flagged); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkSuspicious(context.Background(), "f1", "fingerprint mismatch", now); err != nil {
		t.Fatalf("mark suspicious: %v", err)
	}

	m.runScan(context.Background())

	kinds := map[string]string{}
	for _, a := range m.GetAlerts(0) {
		kinds[a.Kind] = a.UserID
	}
	if kinds[domain.AlertConcurrencyExceeded] != "capped" {
		t.Fatalf("concurrency alert missing: %v", kinds)
	}
	if kinds[domain.AlertRapidSessions] != "bursty" {
		t.Fatalf("rapid creation alert missing: %v", kinds)
	}
	if kinds[domain.AlertSuspiciousSession] != "flagged" {
		t.Fatalf("suspicious session alert missing: %v", kinds)
	}
}

func TestMonitorAlertBufferIsBounded(t *testing.T) {
	m := newTestMonitor(newMemSessionStore(), 3)
	now := time.Now().UTC()

	for i := 0; i < 7; i++ {
		m.addAlert(context.Background(), domain.Alert{
			Kind:      domain.AlertRapidSessions,
			UserID:    "u" + string(rune('0'+i)),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
	}

	alerts := m.GetAlerts(0)
	if len(alerts) != 3 {
		t.Fatalf("buffer holds %d alerts, want 3", len(alerts))
	}
	// the oldest entries are dropped, newest kept
	if alerts[0].UserID != "u4" || alerts[2].UserID != "u6" {
		t.Fatalf("unexpected survivors: %v %v", alerts[0].UserID, alerts[2].UserID)
	}

	limited := m.GetAlerts(2)
	if len(limited) != 2 || limited[1].UserID != "u6" {
		t.Fatalf("limited view wrong: %+v", limited)
	}
}

func TestMonitorForceCleanup(t *testing.T) {
	store := newMemSessionStore()
	m := newTestMonitor(store, 10)

	dead := activeSession("u1", "dead")
	dead.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Create(context.Background(), dead); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(context.Background(), activeSession("u1", "live")); err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := m.ForceCleanup(context.Background())
	if err != nil {
		t.Fatalf("force cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}
