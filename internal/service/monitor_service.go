package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sessiongate/internal/domain"
	"sessiongate/internal/observability"
)

// Monitor runs the background session sweeps: periodic cleanup of expired
// and aged-out rows plus a faster anomaly scan that feeds the alert buffer.
// It is constructed explicitly and owns its own tickers, so multiple
// instances can coexist in tests.
type Monitor struct {
	sessions *SessionService
	logger   *slog.Logger

	cleanupInterval time.Duration
	scanInterval    time.Duration
	rapidThreshold  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	alerts  []domain.Alert
	alertsN int
}

func NewMonitor(sessions *SessionService, logger *slog.Logger, cleanupInterval, scanInterval time.Duration, alertBufferSize int) *Monitor {
	if alertBufferSize <= 0 {
		alertBufferSize = 100
	}
	return &Monitor{
		sessions:        sessions,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		scanInterval:    scanInterval,
		rapidThreshold:  rapidCreationCount,
		alerts:          make([]domain.Alert, 0, alertBufferSize),
		alertsN:         alertBufferSize,
	}
}

// Start launches the background loop. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
	m.logger.Info("session monitor started",
		"cleanup_interval", m.cleanupInterval,
		"scan_interval", m.scanInterval)
}

// Stop halts the loop and waits for the current cycle to finish. Safe to
// call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("session monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	cleanup := time.NewTicker(m.cleanupInterval)
	defer cleanup.Stop()
	scan := time.NewTicker(m.scanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			m.runCleanup(ctx, "scheduled")
		case <-scan.C:
			m.runScan(ctx)
		}
	}
}

func (m *Monitor) runCleanup(ctx context.Context, trigger string) (int64, error) {
	removed, err := m.sessions.CleanupExpired(ctx)
	if err != nil {
		m.logger.Error("session cleanup sweep failed", "trigger", trigger, "error", err)
		return 0, err
	}
	observability.RecordCleanupSweep(ctx, trigger, removed)
	if removed > 0 {
		m.logger.Info("session cleanup sweep removed sessions", "trigger", trigger, "removed", removed)
	}
	return removed, nil
}

// runScan checks for users above their concurrency cap, rapid session
// creation, and freshly flagged suspicious sessions. Failures are logged and
// the next tick proceeds normally.
func (m *Monitor) runScan(ctx context.Context) {
	now := m.sessions.now()

	stats, err := m.sessions.store.Stats(ctx)
	if err != nil {
		m.logger.Error("session anomaly scan failed", "stage", "stats", "error", err)
	} else {
		for _, u := range stats.PerUser {
			if u.Count > int64(u.Cap) {
				m.addAlert(ctx, domain.Alert{
					Kind:      domain.AlertConcurrencyExceeded,
					UserID:    u.UserID,
					Detail:    "active sessions above concurrency cap",
					Timestamp: now,
				})
			}
		}
	}

	counts, err := m.sessions.store.RecentCreationCounts(ctx, now.Add(-rapidCreationWindow))
	if err != nil {
		m.logger.Error("session anomaly scan failed", "stage", "creation_counts", "error", err)
	} else {
		for _, c := range counts {
			if c.Count >= int64(m.rapidThreshold) {
				m.addAlert(ctx, domain.Alert{
					Kind:      domain.AlertRapidSessions,
					UserID:    c.UserID,
					Detail:    "rapid session creation in the last hour",
					Timestamp: now,
				})
			}
		}
	}

	flagged, err := m.sessions.store.RecentlyFlagged(ctx, now.Add(-time.Hour))
	if err != nil {
		m.logger.Error("session anomaly scan failed", "stage", "flagged", "error", err)
		return
	}
	for _, s := range flagged {
		m.addAlert(ctx, domain.Alert{
			Kind:      domain.AlertSuspiciousSession,
			UserID:    s.UserID,
			Detail:    "session flagged as suspicious",
			Timestamp: now,
		})
	}
}

func (m *Monitor) addAlert(ctx context.Context, a domain.Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > m.alertsN {
		m.alerts = m.alerts[len(m.alerts)-m.alertsN:]
	}
	m.mu.Unlock()
	observability.RecordMonitoringAlert(ctx, a.Kind)
	m.logger.Warn("session anomaly detected", "kind", a.Kind, "user_id", a.UserID, "detail", a.Detail)
}

// GetMetrics returns a point-in-time view of the session store.
func (m *Monitor) GetMetrics(ctx context.Context) (*domain.StoreStats, error) {
	return m.sessions.store.Stats(ctx)
}

// GetAlerts returns the most recent alerts, newest last. A non-positive
// limit returns the whole buffer.
func (m *Monitor) GetAlerts(limit int) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.alerts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Alert, n)
	copy(out, m.alerts[len(m.alerts)-n:])
	return out
}

// ForceCleanup runs a sweep immediately, outside the schedule.
func (m *Monitor) ForceCleanup(ctx context.Context) (int64, error) {
	return m.runCleanup(ctx, "manual")
}

func (m *Monitor) GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	return m.sessions.UserStats(ctx, userID)
}
