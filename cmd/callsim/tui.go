package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentplexus/omnivoice-callflow/flow"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	callerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F44336")).Bold(true)
)

type stepMsg struct {
	t   turn
	err error
}

type eventMsg flow.Event

type hungUpMsg struct{}

// model is the interactive call screen.
type model struct {
	ctx   context.Context
	phone *phone
	input textinput.Model

	lines    []string
	waiting  turn
	busy     bool
	ended    bool
	quitting bool
	width    int
}

func newModel(ctx context.Context, p *phone) model {
	in := textinput.New()
	in.Placeholder = "say something (enter on empty line stays silent)"
	in.Prompt = "you> "
	in.CharLimit = 500
	in.Focus()

	return model{
		ctx:   ctx,
		phone: p,
		input: in,
		busy:  true,
		lines: []string{noteStyle.Render(fmt.Sprintf("calling %s from %s (%s)", p.to, p.from, p.callID))},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.step(func(ctx context.Context) (turn, error) {
		return m.phone.dial(ctx)
	}))
}

func (m model) step(fn func(context.Context) (turn, error)) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		t, err := fn(ctx)
		return stepMsg{t: t, err: err}
	}
}

func (m model) hangup() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		_ = m.phone.hangup(context.WithoutCancel(ctx))
		return hungUpMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.ended || m.quitting {
				return m, tea.Quit
			}
			m.quitting = true
			m.lines = append(m.lines, noteStyle.Render("hanging up..."))
			return m, m.hangup()
		case tea.KeyEnter:
			if m.ended {
				return m, tea.Quit
			}
			if m.busy {
				return m, nil
			}
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				m.lines = append(m.lines, noteStyle.Render("(silence)"))
			} else {
				m.lines = append(m.lines, callerStyle.Render("caller: ")+text)
			}
			m.busy = true
			waiting := m.waiting
			return m, m.step(func(ctx context.Context) (turn, error) {
				return m.phone.answer(ctx, waiting, text)
			})
		}

	case stepMsg:
		m.busy = false
		for _, line := range msg.t.lines {
			m.lines = append(m.lines, agentStyle.Render("agent: ")+line)
		}
		if msg.err != nil {
			m.lines = append(m.lines, errStyle.Render("error: "+msg.err.Error()))
			msg.t.ended = true
		}
		m.waiting = msg.t
		if msg.t.ended {
			m.ended = true
			m.lines = append(m.lines, noteStyle.Render("call ended, press enter to exit"))
			return m, m.hangup()
		}
		return m, nil

	case eventMsg:
		m.lines = append(m.lines, noteStyle.Render(formatEvent(flow.Event(msg))))
		return m, nil

	case hungUpMsg:
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("callsim"))
	b.WriteString("\n\n")

	style := lipgloss.NewStyle()
	if m.width > 0 {
		style = style.Width(m.width)
	}
	for _, line := range m.lines {
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.ended:
	case m.busy:
		b.WriteString(noteStyle.Render("..."))
	default:
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	return b.String()
}

func formatEvent(e flow.Event) string {
	parts := []string{"[" + e.Type + "]"}
	if e.Role != "" {
		parts = append(parts, string(e.Role)+":")
	}
	if e.Text != "" {
		parts = append(parts, truncate(e.Text, 80))
	}
	if e.Outcome != "" {
		parts = append(parts, "outcome="+string(e.Outcome))
	}
	if e.Detail != "" {
		parts = append(parts, "detail="+e.Detail)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
