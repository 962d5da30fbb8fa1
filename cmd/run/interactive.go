package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	connruntime "github.com/dbhost/conn-runtime"
	"github.com/dbhost/conn-runtime/engine"
	"github.com/dbhost/conn-runtime/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	cmdStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type histEntry struct {
	command string
	result  string
	err     error
}

type shellModel struct {
	err     error
	rt      *runtime.Runtime
	conn    *runtime.Conn
	input   textinput.Model
	history []histEntry
	stats   engine.Stats
	driver  string
	path    string
	mode    connruntime.Mode
	log     *zap.Logger
	ready   bool
	busy    int
}

func newShellModel(driver, path string, mode connruntime.Mode, log *zap.Logger) *shellModel {
	ti := textinput.New()
	ti.Placeholder = "command"
	ti.Prompt = "> "
	ti.Width = 60
	ti.Focus()

	return &shellModel{
		input:  ti,
		driver: driver,
		path:   path,
		mode:   mode,
		log:    log,
	}
}

type connectedMsg struct {
	err  error
	rt   *runtime.Runtime
	conn *runtime.Conn
}

type resultMsg struct {
	command string
	result  string
	err     error
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *shellModel) Init() tea.Cmd {
	return tea.Batch(m.connect, tick())
}

func (m *shellModel) connect() tea.Msg {
	rt, err := newRuntime(m.log)
	if err != nil {
		return connectedMsg{err: err}
	}

	errc := make(chan error, 1)
	conn, err := rt.Open(context.Background(), m.driver, m.path, m.mode,
		runtime.WithOpenCallback(func(err error) { errc <- err }))
	if err != nil {
		rt.Close(context.Background())
		return connectedMsg{err: err}
	}
	if err := <-errc; err != nil {
		conn.Release()
		rt.Close(context.Background())
		return connectedMsg{err: err}
	}

	return connectedMsg{rt: rt, conn: conn}
}

func (m *shellModel) runCommand(command string) tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		type outcome struct {
			result any
			err    error
		}
		done := make(chan outcome, 1)
		conn.Submit(false, execCommand(command), func(result any, err error) {
			done <- outcome{result, err}
		})
		out := <-done
		return resultMsg{
			command: command,
			result:  fmt.Sprintf("%v", out.result),
			err:     out.err,
		}
	}
}

func (m *shellModel) teardown() {
	if m.conn != nil {
		m.conn.Release()
	}
	if m.rt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.rt.Close(ctx)
	}
}

func (m *shellModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.teardown()
			return m, tea.Quit

		case "enter":
			command := strings.TrimSpace(m.input.Value())
			if command == "" || !m.ready {
				return m, nil
			}
			m.input.SetValue("")
			m.busy++
			return m, m.runCommand(command)
		}

	case connectedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.conn = msg.conn
		m.ready = true
		m.stats = m.conn.Stats()

	case resultMsg:
		m.busy--
		m.history = append(m.history, histEntry{
			command: msg.command,
			result:  msg.result,
			err:     msg.err,
		})
		if len(m.history) > 20 {
			m.history = m.history[len(m.history)-20:]
		}

	case tickMsg:
		if m.conn != nil {
			m.stats = m.conn.Stats()
		}
		return m, tick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *shellModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("conn shell"))
	b.WriteString(fmt.Sprintf(" %s %s\n\n", m.driver, m.path))

	if m.err != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("esc quit"))
		return b.String()
	}

	if !m.ready {
		b.WriteString("Connecting...\n")
		return b.String()
	}

	b.WriteString(statusStyle.Render(fmt.Sprintf(
		"state %s • queued %d • pending %d • holders %d • in shell %d",
		m.stats.State, m.stats.QueueDepth, m.stats.Pending, m.stats.Holders, m.busy)))
	b.WriteString("\n\n")

	for _, h := range m.history {
		b.WriteString(cmdStyle.Render(h.command))
		b.WriteString("  ")
		if h.err != nil {
			b.WriteString(errorStyle.Render(h.err.Error()))
		} else {
			b.WriteString(resultStyle.Render(h.result))
		}
		b.WriteString("\n")
	}
	if len(m.history) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter run • esc quit"))

	return b.String()
}

func runInteractive(driver, path string, mode connruntime.Mode, log *zap.Logger) error {
	p := tea.NewProgram(newShellModel(driver, path, mode, log), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
