// Package tui renders a live task manager dashboard in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-tman/internal/bus"
	"github.com/basket/go-tman/internal/tman"
)

const (
	refreshInterval = 500 * time.Millisecond
	feedMaxAge      = 2 * time.Minute
)

type Snapshot struct {
	RunID        string
	Tick         uint64
	TickInterval time.Duration
	Tasks        []tman.TaskStats
	Uptime       time.Duration
}

type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
	events   <-chan bus.Event
}

type tickMsg time.Time

type busMsg struct {
	ev bus.Event
	ok bool
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		return busMsg{ev: ev, ok: ok}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		}
	case tickMsg:
		m.snap = m.provider()
		m.feed.CleanupOld(time.Time(msg), feedMaxAge)
		return m, tickCmd()
	case busMsg:
		if !msg.ok {
			m.events = nil
			return m, nil
		}
		m.feed.AddEvent(msg.ev, time.Now())
		return m, waitEvent(m.events)
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	missStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func (m model) View() string {
	var b strings.Builder
	title := "TMAN"
	if m.snap.RunID != "" {
		title += " " + m.snap.RunID
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(fmt.Sprintf("Tick: %d (every %s)  Uptime: %s\n\n",
		m.snap.Tick, m.snap.TickInterval, m.snap.Uptime.Truncate(time.Second)))

	b.WriteString(boxStyle.Render(taskTable(m.snap.Tasks)) + "\n")
	if m.feed != nil {
		b.WriteString(m.feed.View())
	}
	b.WriteString(dimStyle.Render("\nPress a to toggle events, q to quit.") + "\n")
	return b.String()
}

func taskTable(tasks []tman.TaskStats) string {
	if len(tasks) == 0 {
		return dimStyle.Render("(no tasks)")
	}
	const row = "%-12s %6s %6s %8s %5s %11s %7s %9s"
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(row,
		"TASK", "PERIOD", "PHASE", "DEADLINE", "AFTER", "ACTIVATIONS", "MISSES", "LAST TICK")))
	for _, st := range tasks {
		period := "-"
		if st.Attributes.Period > 0 {
			period = fmt.Sprint(st.Attributes.Period)
		}
		deadline := "-"
		if st.Attributes.Deadline > 0 {
			deadline = fmt.Sprint(st.Attributes.Deadline)
		}
		after := st.Attributes.Predecessor
		if after == "" {
			after = "-"
		}
		last := "-"
		if st.Activated {
			last = fmt.Sprint(st.LastActivationTick)
		}
		line := fmt.Sprintf(row, st.Name, period, fmt.Sprint(st.Attributes.Phase), deadline,
			after, fmt.Sprint(st.Activations), fmt.Sprint(st.DeadlineMisses), last)
		if st.DeadlineMisses > 0 {
			line = missStyle.Render(line)
		}
		b.WriteString("\n" + line)
	}
	return b.String()
}

// Run shows the dashboard until ctx is done or the user quits. events may be
// nil; otherwise it should come from a bus subscription owned by the caller.
func Run(ctx context.Context, provider StatusProvider, events <-chan bus.Event) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider(), feed: NewActivityFeed(), events: events}
	p := tea.NewProgram(m, tea.WithContext(ctx))

	_, err := p.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
