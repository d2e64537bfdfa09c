// Package dashboard is a terminal UI over the daemon's HTTP API.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"supd/internal/supervisor"
)

// Client is the part of httpapi.Client the dashboard drives.
type Client interface {
	Services(ctx context.Context) ([]supervisor.Info, error)
	Start(ctx context.Context, name string) (string, error)
	Stop(ctx context.Context, name string) (string, error)
	Restart(ctx context.Context, name string) (string, error)
	Trigger(ctx context.Context, name string) (string, error)
}

const (
	DefaultRefresh = 2 * time.Second
	requestTimeout = 30 * time.Second
)

type (
	servicesMsg struct {
		list []supervisor.Info
		err  error
	}
	actionMsg struct {
		action, name, message string
		err                   error
	}
	tickMsg time.Time
)

// Model is the bubbletea model of the dashboard.
type Model struct {
	client  Client
	refresh time.Duration

	keys     keyMap
	help     help.Model
	table    table.Model
	services []supervisor.Info

	lastErr   error
	status    string
	updatedAt time.Time
	width     int
	height    int
}

func New(client Client, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	t.SetStyles(st)
	return Model{client: client, refresh: refresh, keys: defaultKeyMap(), help: help.New(), table: t}
}

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, client Client, refresh time.Duration) error {
	_, err := tea.NewProgram(New(client, refresh), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) fetch() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		list, err := c.Services(ctx)
		return servicesMsg{list: list, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) act(action, name string) tea.Cmd {
	var call func(context.Context, string) (string, error)
	switch action {
	case "start":
		call = m.client.Start
	case "stop":
		call = m.client.Stop
	case "restart":
		call = m.client.Restart
	case "trigger":
		call = m.client.Trigger
	default:
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msg, err := call(ctx, name)
		return actionMsg{action: action, name: name, message: msg, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.table.SetColumns(columns(msg.Width))
		m.table.SetHeight(max(3, msg.Height-10))
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case servicesMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.services = msg.list
			m.updatedAt = time.Now()
			m.table.SetRows(rows(msg.list))
		}
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s %s failed: %v", msg.action, msg.name, msg.err)
		} else {
			m.status = msg.message
		}
		return m, m.fetch()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, m.keys.Start):
			return m.onSelected("start")
		case key.Matches(msg, m.keys.Stop):
			return m.onSelected("stop")
		case key.Matches(msg, m.keys.Restart):
			return m.onSelected("restart")
		case key.Matches(msg, m.keys.Trigger):
			return m.onSelected("trigger")
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) onSelected(action string) (tea.Model, tea.Cmd) {
	info, ok := m.selected()
	if !ok {
		return m, nil
	}
	m.status = action + " " + info.Name + "…"
	return m, m.act(action, info.Name)
}

func (m Model) selected() (supervisor.Info, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.services) {
		return supervisor.Info{}, false
	}
	return m.services[i], true
}

func (m Model) View() string {
	var b strings.Builder
	header := titleStyle.Render(fmt.Sprintf("supd · %d services", len(m.services)))
	if !m.updatedAt.IsZero() {
		header += faintStyle.Render("  updated " + m.updatedAt.Format("15:04:05"))
	}
	b.WriteString(header + "\n")
	b.WriteString(m.table.View() + "\n")

	if info, ok := m.selected(); ok {
		b.WriteString(m.detail(info) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(m.fit("api: "+m.lastErr.Error())) + "\n")
	}
	if m.status != "" {
		b.WriteString(m.fit(m.status) + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) detail(info supervisor.Info) string {
	lines := []string{
		labelStyle.Render("status  ") + statusStyle(info.Status).Render(string(info.Status)),
	}
	if info.Schedule != "" {
		next := "-"
		if !info.NextRun.IsZero() {
			next = info.NextRun.Format(time.DateTime)
		}
		lines = append(lines, labelStyle.Render("next    ")+next)
	}
	if info.LastError != "" {
		lines = append(lines, labelStyle.Render("error   ")+errorStyle.Render(m.fit(info.LastError)))
	}
	return detailStyle.Render(strings.Join(lines, "\n"))
}

// fit truncates s to the terminal width.
func (m Model) fit(s string) string {
	if m.width <= 4 {
		return s
	}
	return runewidth.Truncate(s, m.width-4, "…")
}

func columns(width int) []table.Column {
	name, status, policy, restarts, sched := 20, 10, 12, 8, 24
	rest := width - (name + status + policy + restarts + sched) - 12
	return []table.Column{
		{Title: "Service", Width: name},
		{Title: "Status", Width: status},
		{Title: "Policy", Width: policy},
		{Title: "Restarts", Width: restarts},
		{Title: "Schedule", Width: sched},
		{Title: "Last error", Width: max(10, rest)},
	}
}

func rows(list []supervisor.Info) []table.Row {
	out := make([]table.Row, 0, len(list))
	for _, s := range list {
		policy := string(s.RestartPolicy)
		sched := "-"
		if s.Schedule != "" {
			policy = string(s.Overlap)
			sched = s.Schedule
			if !s.Armed {
				sched += " (off)"
			}
		}
		status := string(s.Status)
		if s.Exhausted {
			status += "!"
		}
		out = append(out, table.Row{
			s.Name,
			status,
			policy,
			fmt.Sprint(s.RestartCount),
			sched,
			firstLine(s.LastError),
		})
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
