package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// newWatchCmd creates the "llmc watch" subcommand.
func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live worker table, refreshed from the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			fetch := func(ctx context.Context) (statusSnapshot, error) { return fetchStatus(ctx, env) }
			p := tea.NewProgram(newWatchModel(fetch, interval), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

// statusMsg carries one status fetch.
type statusMsg struct {
	snap statusSnapshot
	err  error
	at   time.Time
}

// refreshMsg asks for the next fetch.
type refreshMsg struct{}

type watchModel struct {
	fetch    func(context.Context) (statusSnapshot, error)
	interval time.Duration
	theme    Theme

	snap     statusSnapshot
	err      error
	updated  time.Time
	fetching bool

	spinner  spinner.Model
	viewport viewport.Model
	ready    bool
}

func newWatchModel(fetch func(context.Context) (statusSnapshot, error), interval time.Duration) watchModel {
	theme := DefaultTheme()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Primary)
	return watchModel{
		fetch:    fetch,
		interval: interval,
		theme:    theme,
		spinner:  sp,
		viewport: viewport.New(100, 20),
		fetching: true,
	}
}

func (m watchModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval+requestSlack)
		defer cancel()
		snap, err := m.fetch(ctx)
		return statusMsg{snap: snap, err: err, at: time.Now()}
	}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchCmd())
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.fetching {
				m.fetching = true
				return m, m.fetchCmd()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.viewport = viewport.New(msg.Width, max(msg.Height-2, 1)) // header and footer lines
		m.ready = true
		m.viewport.SetContent(m.body())
		return m, nil

	case statusMsg:
		m.fetching = false
		m.snap, m.err, m.updated = msg.snap, msg.err, msg.at
		m.viewport.SetContent(m.body())
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return refreshMsg{} })

	case refreshMsg:
		m.fetching = true
		return m, m.fetchCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m watchModel) body() string {
	if m.err != nil {
		return lipgloss.NewStyle().Foreground(m.theme.Error).Render("status unavailable: " + m.err.Error())
	}
	return renderWorkers(m.snap.Workers, m.updated, m.theme)
}

// View implements tea.Model.
func (m watchModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("llmc")
	state := "daemon stopped (saved state)"
	if m.snap.Live {
		state = fmt.Sprintf("daemon running, %d workers", len(m.snap.Workers))
	}
	header := title + " " + state
	if m.fetching {
		header += " " + m.spinner.View()
	} else if !m.updated.IsZero() {
		header += lipgloss.NewStyle().Foreground(m.theme.Muted).Render(" updated " + m.updated.Format(time.TimeOnly))
	}

	body := m.body()
	if m.ready {
		body = m.viewport.View()
	}
	footer := lipgloss.NewStyle().Foreground(m.theme.Muted).Render("r refresh • ↑/↓ scroll • q quit")
	return strings.Join([]string{header, body, footer}, "\n")
}
