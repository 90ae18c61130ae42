// Package tui renders a session in the terminal and maps keys to session
// actions.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dkeye/Conference/internal/app/screen"
	"github.com/dkeye/Conference/internal/app/session"
	"github.com/dkeye/Conference/internal/domain"
)

// Controller is the part of a session the terminal drives.
type Controller interface {
	Snapshot() session.Snapshot
	Done() <-chan struct{}
	ExitReason() string
	Accept(ctx context.Context, pid domain.ParticipantID) error
	Deny(ctx context.Context, pid domain.ParticipantID) error
	Mute(tag domain.MediaTag) error
	Unmute(tag domain.MediaTag) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	Focus(pid domain.ParticipantID) error
	Leave(ctx context.Context)
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	requestStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

type tickMsg time.Time

type exitMsg string

type actionMsg struct {
	action string
	err    error
}

type Model struct {
	ctrl     Controller
	errs     <-chan error
	snap     session.Snapshot
	selected int
	status   string
	lastErr  string
	exit     string
	width    int
}

// NewModel builds the root model. errs may be nil; it is drained on
// every tick.
func NewModel(ctrl Controller, errs <-chan error) Model {
	return Model{ctrl: ctrl, errs: errs, snap: ctrl.Snapshot()}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.waitExit())
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) waitExit() tea.Cmd {
	return func() tea.Msg {
		<-m.ctrl.Done()
		return exitMsg(m.ctrl.ExitReason())
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case actionMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %v", msg.action, msg.err)
		} else {
			m.status = msg.action
			m.lastErr = ""
		}
		m.refresh()
		return m, nil

	case exitMsg:
		m.exit = string(msg)
		m.refresh()
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) refresh() {
	m.snap = m.ctrl.Snapshot()
	if n := len(m.snap.Participants); m.selected >= n {
		m.selected = max(n-1, 0)
	}
	if m.errs == nil {
		return
	}
	for {
		select {
		case err := <-m.errs:
			m.lastErr = err.Error()
		default:
			return
		}
	}
}

func (m Model) act(action string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		ctrl := m.ctrl
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ctrl.Leave(ctx)
			return exitMsg(ctrl.ExitReason())
		}

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case "down", "j":
		if m.selected < len(m.snap.Participants)-1 {
			m.selected++
		}
		return m, nil

	case "enter", "f":
		if len(m.snap.Participants) == 0 {
			return m, nil
		}
		pid := m.snap.Participants[m.selected].ID
		return m, m.act("focus "+string(pid), func(context.Context) error { return m.ctrl.Focus(pid) })

	case "a", "d":
		if len(m.snap.JoinRequests) == 0 {
			return m, nil
		}
		req := m.snap.JoinRequests[0]
		if msg.String() == "a" {
			return m, m.act("accepted "+req.DisplayName, func(ctx context.Context) error { return m.ctrl.Accept(ctx, req.ParticipantID) })
		}
		return m, m.act("denied "+req.DisplayName, func(ctx context.Context) error { return m.ctrl.Deny(ctx, req.ParticipantID) })

	case "m":
		return m, m.toggle(domain.TagMic)

	case "v":
		return m, m.toggle(domain.TagCam)

	case "s":
		if m.snap.Sharing() {
			return m, m.act("screen share stopped", m.ctrl.StopScreenShare)
		}
		return m, m.act("screen share started", m.ctrl.StartScreenShare)
	}
	return m, nil
}

func (m Model) toggle(tag domain.MediaTag) tea.Cmd {
	paused, ok := m.snap.Published[tag]
	if !ok {
		return nil
	}
	if paused {
		return m.act(string(tag)+" on", func(context.Context) error { return m.ctrl.Unmute(tag) })
	}
	return m.act(string(tag)+" off", func(context.Context) error { return m.ctrl.Mute(tag) })
}

func (m Model) View() string {
	var b strings.Builder
	sn := m.snap

	b.WriteString(titleStyle.Render(fmt.Sprintf("Conference · %s", sn.Room)))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render(sn.State))
	if sn.Role == domain.RoleOwner {
		b.WriteString(dimStyle.Render("  (owner)"))
	}
	b.WriteString("\n\n")

	b.WriteString(boxStyle.Render(m.renderParticipants()))
	b.WriteString("\n")

	if len(sn.JoinRequests) > 0 {
		b.WriteString(m.renderRequests())
		b.WriteString("\n")
	}

	b.WriteString(m.renderMedia())
	b.WriteString("\n")

	if m.exit != "" {
		b.WriteString(statusStyle.Render("session ended: " + m.exit))
		b.WriteString("\n")
	} else if m.status != "" {
		b.WriteString(dimStyle.Render(m.status))
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString(errorStyle.Render(m.lastErr))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderParticipants() string {
	sn := m.snap
	var lines []string
	you := fmt.Sprintf("%s (you)", sn.DisplayName)
	if sn.Focus == sn.Local && sn.Local != "" {
		you += " *"
	}
	lines = append(lines, normalStyle.Render(you))
	if len(sn.Participants) == 0 {
		lines = append(lines, dimStyle.Render("nobody else here"))
	}
	for i, p := range sn.Participants {
		line := p.DisplayName
		if len(p.Tags) > 0 {
			tags := make([]string, len(p.Tags))
			for j, t := range p.Tags {
				tags[j] = string(t)
			}
			line += dimStyle.Render(" [" + strings.Join(tags, ",") + "]")
		}
		if sn.Screen.Participant == p.ID && sn.Screen.State == screen.StateActiveRemote.String() {
			line += requestStyle.Render(" sharing")
		}
		if sn.Focus == p.ID {
			line += " *"
		}
		if i == m.selected {
			lines = append(lines, selectedStyle.Render("> "+line))
		} else {
			lines = append(lines, normalStyle.Render("  "+line))
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderRequests() string {
	var lines []string
	for _, r := range m.snap.JoinRequests {
		lines = append(lines, requestStyle.Render(fmt.Sprintf("%s wants to join", r.DisplayName)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderMedia() string {
	var parts []string
	for _, tag := range []domain.MediaTag{domain.TagMic, domain.TagCam} {
		paused, ok := m.snap.Published[tag]
		switch {
		case !ok:
			parts = append(parts, dimStyle.Render(string(tag)+" -"))
		case paused:
			parts = append(parts, errorStyle.Render(string(tag)+" off"))
		default:
			parts = append(parts, selectedStyle.Render(string(tag)+" on"))
		}
	}
	if m.snap.Sharing() {
		parts = append(parts, selectedStyle.Render("sharing screen"))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderHelp() string {
	var actions []string
	actions = append(actions, keyStyle.Render("↑↓")+helpStyle.Render(" select"))
	actions = append(actions, keyStyle.Render("f")+helpStyle.Render(" focus"))
	if len(m.snap.JoinRequests) > 0 {
		actions = append(actions, keyStyle.Render("a")+helpStyle.Render(" accept"))
		actions = append(actions, keyStyle.Render("d")+helpStyle.Render(" deny"))
	}
	actions = append(actions, keyStyle.Render("m")+helpStyle.Render(" mic"))
	actions = append(actions, keyStyle.Render("v")+helpStyle.Render(" cam"))
	actions = append(actions, keyStyle.Render("s")+helpStyle.Render(" screen"))
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" leave"))
	return strings.Join(actions, "  ")
}

// Run blocks until the session ends or the user leaves.
func Run(ctx context.Context, ctrl Controller, errs <-chan error) error {
	p := tea.NewProgram(NewModel(ctrl, errs), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
