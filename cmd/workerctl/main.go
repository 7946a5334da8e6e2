// Package main provides workerctl, a terminal dashboard for watching a
// running crawl worker. It polls GET /status and renders pool, queue, and
// health state in place.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/shield4u/crawl-worker/internal/types"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(22)
	healthyStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	unhealthyStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	frameStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 2)
)

type statusMsg struct {
	status types.StatusResponse
}

type statusErrMsg struct {
	err error
}

type tickMsg time.Time

type model struct {
	workerURL string
	interval  time.Duration
	client    *http.Client

	status    types.StatusResponse
	haveData  bool
	lastError error
	fetchedAt time.Time
}

func newModel(workerURL string, interval time.Duration) model {
	return model{
		workerURL: workerURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus, m.tick())
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetchStatus() tea.Msg {
	resp, err := m.client.Get(m.workerURL + "/status")
	if err != nil {
		return statusErrMsg{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusErrMsg{err: fmt.Errorf("worker returned %d", resp.StatusCode)}
	}

	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return statusErrMsg{err: fmt.Errorf("decode status: %w", err)}
	}
	return statusMsg{status: status}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetchStatus
		}
	case tickMsg:
		return m, tea.Batch(m.fetchStatus, m.tick())
	case statusMsg:
		m.status = msg.status
		m.haveData = true
		m.lastError = nil
		m.fetchedAt = time.Now()
	case statusErrMsg:
		m.lastError = msg.err
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("crawl worker"))
	b.WriteString("  " + m.workerURL + "\n\n")

	if !m.haveData {
		if m.lastError != nil {
			b.WriteString(errStyle.Render("cannot reach worker: "+m.lastError.Error()) + "\n")
		} else {
			b.WriteString("connecting...\n")
		}
		b.WriteString("\nq quit  r refresh\n")
		return frameStyle.Render(b.String())
	}

	s := m.status

	verdict := healthyStyle.Render("healthy")
	if !s.Healthy {
		verdict = unhealthyStyle.Render("unhealthy: " + s.HealthReason)
	}
	b.WriteString(row("health", verdict))
	b.WriteString(row("version", s.Version))
	b.WriteString(row("uptime", (time.Duration(s.UptimeSeconds) * time.Second).String()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("sessions") + "\n")
	b.WriteString(row("capacity", fmt.Sprintf("%d", s.Pool.MaxSessions)))
	b.WriteString(row("idle / busy", fmt.Sprintf("%d / %d", s.Pool.Idle, s.Pool.Busy)))
	b.WriteString(row("degraded slots", fmt.Sprintf("%d", s.Pool.Degraded)))
	b.WriteString(row("created", fmt.Sprintf("%d", s.Pool.Created)))
	b.WriteString(row("recycled", fmt.Sprintf("%d", s.Pool.Recycled)))
	b.WriteString(row("launch failures", fmt.Sprintf("%d", s.Pool.LaunchFails)))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("jobs") + "\n")
	b.WriteString(row("in flight", fmt.Sprintf("%d / %d", s.Queue.InFlight, s.Queue.MaxInFlight)))
	b.WriteString(row("admitted", fmt.Sprintf("%d", s.Queue.Admitted)))
	b.WriteString(row("completed", fmt.Sprintf("%d", s.Queue.Completed)))
	b.WriteString(row("rejected", fmt.Sprintf("%d", s.Queue.Rejected)))
	b.WriteString("\n")

	if m.lastError != nil {
		b.WriteString(errStyle.Render("last poll failed: "+m.lastError.Error()) + "\n")
	}
	b.WriteString(labelStyle.Render("updated") + m.fetchedAt.Format("15:04:05") + "\n")
	b.WriteString("\nq quit  r refresh\n")

	return frameStyle.Render(b.String())
}

func row(label, value string) string {
	return labelStyle.Render(label) + value + "\n"
}

func main() {
	workerURL := flag.String("worker", "http://127.0.0.1:8137", "base URL of the crawl worker")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	m := newModel(strings.TrimRight(*workerURL, "/"), *interval)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "workerctl: %v\n", err)
		os.Exit(1)
	}
}
