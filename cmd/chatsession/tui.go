package main

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/chat"
	"github.com/go-go-golems/chatsession/pkg/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	systemStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#888888"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).PaddingLeft(1)

	statusStyles = map[chat.ConnectionStatus]lipgloss.Style{
		chat.StatusConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		chat.StatusConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		chat.StatusDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		chat.StatusFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	}
)

type stateMsg session.State

type resultMsg struct{ err error }

type model struct {
	a      *attachment
	ctx    context.Context
	states <-chan session.State
	self   string

	state    session.State
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	lastErr  error
	ready    bool
	width    int
	height   int
}

func waitForState(ch <-chan session.State) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return stateMsg(s)
	}
}

func awaitResult(res <-chan error) tea.Cmd {
	return func() tea.Msg { return resultMsg{err: <-res} }
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		waitForState(m.states),
		awaitResult(m.a.coord.Initialize(m.a.chatID)),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")
			c, err := parseCommand(line)
			if err != nil {
				m.lastErr = err
				return m, nil
			}
			if c.kind == "quit" {
				return m, tea.Quit
			}
			m.lastErr = nil
			return m, awaitResult(m.a.execute(m.ctx, c))
		}

	case stateMsg:
		atBottom := m.viewport.AtBottom()
		m.state = session.State(msg)
		m.viewport.SetContent(m.renderMessages())
		if atBottom {
			m.viewport.GotoBottom()
		}
		cmds = append(cmds, waitForState(m.states))

	case resultMsg:
		if msg.err != nil && !errors.Is(msg.err, session.ErrSuperseded) {
			m.lastErr = msg.err
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.viewport.SetContent(m.renderMessages())
			m.viewport.GotoBottom()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) renderMessages() string {
	if hint := phaseHint(m.state); hint != "" && len(m.state.Messages) == 0 {
		return hintStyle.Render(hint)
	}
	var sb strings.Builder
	for _, msg := range m.state.Messages {
		line := formatMessage(msg, m.self, m.a.app.dir.ResolveImageURL)
		switch {
		case msg.Kind.System():
			line = systemStyle.Render(line)
		case msg.FromUser(m.self, ""):
			line = selfStyle.Render(line)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m model) header() string {
	h := formatHeader(m.state)
	if st, ok := statusStyles[m.state.Status]; ok && m.state.Chat != nil {
		h = strings.Replace(h, string(m.state.Status), st.Render(string(m.state.Status)), 1)
	}
	if m.state.Phase == session.PhaseLoading || m.state.Status == chat.StatusConnecting {
		h = m.spinner.View() + " " + h
	}
	return headerStyle.Width(m.width).Render(h)
}

func (m model) footer() string {
	switch {
	case m.lastErr != nil:
		return noticeStyle.Render(m.lastErr.Error())
	case m.state.Notice != "":
		return noticeStyle.Render(m.state.Notice)
	case m.state.Phase.Terminal() || m.state.Phase == session.PhaseExpired:
		return hintStyle.Render(phaseHint(m.state) + " (esc to quit)")
	}
	return hintStyle.Render("/image <path> [caption] · /leave · /quit")
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		m.footer(),
		m.input.View(),
	)
}

func (a *attachment) runTUI(ctx context.Context) error {
	states, unsubscribe := a.watch()
	defer unsubscribe()

	input := textinput.New()
	input.Placeholder = "Type a message"
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := model{
		a:       a,
		ctx:     ctx,
		states:  states,
		self:    a.selfID(),
		state:   a.coord.Snapshot(),
		input:   input,
		spinner: sp,
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "run terminal UI")
	}
	return nil
}
