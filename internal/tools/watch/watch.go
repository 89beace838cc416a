// Package watch is a terminal dashboard over the monitoring endpoints:
// live session aggregates plus the recent alert feed, refreshed on an
// interval.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sessiongate/internal/domain"
)

type Config struct {
	BaseURL     string
	AccessToken string
	Interval    time.Duration
}

func Run(ctx context.Context, cfg Config) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	m := model{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	_, err := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen()).Run()
	return err
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("57")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	cfg    Config
	client *http.Client

	stats   *domain.StoreStats
	alerts  []domain.Alert
	fetched time.Time
	err     error
}

type tickMsg time.Time

type snapshotMsg struct {
	stats  *domain.StoreStats
	alerts []domain.Alert
	err    error
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch, m.tick())
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.cfg.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		}
	case tickMsg:
		return m, tea.Batch(m.fetch, m.tick())
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.alerts = msg.alerts
			m.fetched = time.Now()
		}
	}
	return m, nil
}

func (m model) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stats domain.StoreStats
	if err := m.get(ctx, "/api/v1/admin/monitoring/metrics", &stats); err != nil {
		return snapshotMsg{err: err}
	}
	var alertsPayload struct {
		Alerts []domain.Alert `json:"alerts"`
	}
	if err := m.get(ctx, "/api/v1/admin/monitoring/alerts?limit=15", &alertsPayload); err != nil {
		return snapshotMsg{err: err}
	}
	return snapshotMsg{stats: &stats, alerts: alertsPayload.Alerts}
}

func (m model) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(m.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%s: request not successful", path)
	}
	return json.Unmarshal(env.Data, dst)
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("sessiongate watch"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("error: " + m.err.Error()))
		b.WriteString("\n\n")
	}

	if m.stats != nil {
		b.WriteString(row("Active sessions", fmt.Sprintf("%d", m.stats.ActiveSessions)))
		b.WriteString(row("Suspicious", fmt.Sprintf("%d", m.stats.SuspiciousSessions)))
		b.WriteString(row("Expired", fmt.Sprintf("%d", m.stats.ExpiredSessions)))
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("By type: ") + renderCounts(m.stats.BySessionType) + "\n")
		b.WriteString(labelStyle.Render("By country: ") + renderCounts(m.stats.ByCountry) + "\n")
		b.WriteString("\n")
	}

	b.WriteString(labelStyle.Render("Recent alerts") + "\n")
	if len(m.alerts) == 0 {
		b.WriteString(okStyle.Render("  none") + "\n")
	}
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		b.WriteString(alertStyle.Render(fmt.Sprintf("  %s  %-24s user=%s %s",
			a.Timestamp.Local().Format("15:04:05"), a.Kind, a.UserID, a.Detail)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	refreshed := "never"
	if !m.fetched.IsZero() {
		refreshed = m.fetched.Local().Format("15:04:05")
	}
	b.WriteString(footerStyle.Render(fmt.Sprintf("refreshed %s   r: refresh   q: quit", refreshed)))
	return b.String()
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-18s", label)) + valueStyle.Render(value) + "\n"
}

func renderCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, "  ")
}
