// Package tui is the interactive front end. It talks to the worker child
// process only through the worker client, so a crashed runtime never takes
// the terminal down with it.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"essayd/internal/worker"
)

type modelRow struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Family      string `json:"family"`
	Installed   bool   `json:"installed"`
	Selected    bool   `json:"selected"`
	Recommended bool   `json:"recommended"`
}

type initDoneMsg struct {
	status map[string]any
	models []modelRow
	err    error
}

type chatDoneMsg struct {
	content   string
	reasoning string
	err       error
}

type actionDoneMsg struct {
	status  string
	refresh bool
	err     error
}

type styles struct {
	header   lipgloss.Style
	status   lipgloss.Style
	errLine  lipgloss.Style
	panel    lipgloss.Style
	selected lipgloss.Style
	muted    lipgloss.Style
	user     lipgloss.Style
	answer   lipgloss.Style
}

func newStyles() styles {
	blue := lipgloss.Color("#01cdfe")
	pink := lipgloss.Color("#ff71ce")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#6b6b8d")
	return styles{
		header:   lipgloss.NewStyle().Bold(true).Foreground(blue),
		status:   lipgloss.NewStyle().Foreground(blue),
		errLine:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		panel:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(muted).Padding(0, 1),
		selected: lipgloss.NewStyle().Foreground(mint).Bold(true),
		muted:    lipgloss.NewStyle().Foreground(muted),
		user:     lipgloss.NewStyle().Foreground(mint).Bold(true),
		answer:   lipgloss.NewStyle().Foreground(lipgloss.Color("#e8e8f0")),
	}
}

// Model is the bubbletea application state.
type Model struct {
	client      *worker.Client
	callTimeout time.Duration

	ready      bool
	inflight   bool
	statusLine string
	models     []modelRow
	transcript []string

	width  int
	height int

	input   textinput.Model
	history viewport.Model
	spinner spinner.Model
	theme   styles
}

// New builds the TUI over an existing worker client.
func New(client *worker.Client, callTimeout time.Duration) Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Ask the model, or /models /switch <key> /start /stop /quit"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points

	history := viewport.New(0, 0)
	history.MouseWheelEnabled = true

	return Model{
		client:      client,
		callTimeout: callTimeout,
		statusLine:  "starting worker...",
		input:       input,
		history:     history,
		spinner:     sp,
		theme:       newStyles(),
	}
}

// Run starts the program in the alternate screen.
func Run(client *worker.Client, callTimeout time.Duration) error {
	_, err := tea.NewProgram(New(client, callTimeout), tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.initCmd())
}

func (m Model) initCmd() tea.Cmd {
	client := m.client
	timeout := m.callTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		status, err := client.Call(ctx, worker.MethodLLMStatus, nil)
		if err != nil {
			return initDoneMsg{err: err}
		}
		rows, err := fetchModels(ctx, client)
		if err != nil {
			return initDoneMsg{err: err}
		}
		return initDoneMsg{status: status, models: rows}
	}
}

func (m Model) refreshModelsCmd() tea.Cmd {
	client := m.client
	timeout := m.callTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		rows, err := fetchModels(ctx, client)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return initDoneMsg{models: rows}
	}
}

func fetchModels(ctx context.Context, client *worker.Client) ([]modelRow, error) {
	out, err := client.Call(ctx, worker.MethodLLMList, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := out["models"].([]any)
	rows := make([]modelRow, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		row := modelRow{}
		row.Key, _ = m["key"].(string)
		row.DisplayName, _ = m["display_name"].(string)
		row.Family, _ = m["family"].(string)
		row.Installed, _ = m["installed"].(bool)
		row.Selected, _ = m["selected"].(bool)
		row.Recommended, _ = m["recommended"].(bool)
		rows = append(rows, row)
	}
	return rows, nil
}

func (m Model) chatCmd(prompt string) tea.Cmd {
	client := m.client
	timeout := m.callTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		out, err := client.Call(ctx, worker.MethodChat, map[string]any{"user": prompt})
		if err != nil {
			return chatDoneMsg{err: err}
		}
		content, _ := out["content"].(string)
		reasoning, _ := out["reasoning_content"].(string)
		return chatDoneMsg{content: content, reasoning: reasoning}
	}
}

func (m Model) actionCmd(method worker.Method, params map[string]any, status string) tea.Cmd {
	client := m.client
	timeout := m.callTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := client.Call(ctx, method, params); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: status, refresh: true}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case initDoneMsg:
		if msg.err != nil {
			m.statusLine = "worker unavailable"
			m.appendLine(m.theme.errLine.Render("error: " + msg.err.Error()))
			return m, nil
		}
		if msg.models != nil {
			m.models = msg.models
		}
		if msg.status != nil {
			m.ready = true
			m.statusLine = statusText(msg.status)
		}
		m.renderHistory()
	case chatDoneMsg:
		m.inflight = false
		if msg.err != nil {
			m.appendLine(m.theme.errLine.Render("error: " + msg.err.Error()))
			m.statusLine = "chat failed"
		} else {
			if msg.reasoning != "" {
				m.appendLine(m.theme.muted.Render(msg.reasoning))
			}
			m.appendLine(m.theme.answer.Render(msg.content))
			m.statusLine = "ready"
		}
		m.renderHistory()
	case actionDoneMsg:
		m.inflight = false
		if msg.err != nil {
			m.appendLine(m.theme.errLine.Render("error: " + msg.err.Error()))
			m.statusLine = "action failed"
		} else {
			m.statusLine = msg.status
			m.appendLine(m.theme.muted.Render(msg.status))
		}
		m.renderHistory()
		if msg.refresh {
			cmds = append(cmds, m.refreshModelsCmd())
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.history.Width = msg.Width - 4
		m.history.Height = max(4, msg.Height-10)
		m.input.Width = msg.Width - 6
		m.renderHistory()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" || m.inflight {
				break
			}
			cmd := m.handleLine(line)
			if cmd != nil {
				m.inflight = true
				cmds = append(cmds, cmd)
			} else if line == "/quit" {
				return m, tea.Quit
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.history, cmd = m.history.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// handleLine maps one input line to a command; nil means nothing to run.
func (m *Model) handleLine(line string) tea.Cmd {
	if !strings.HasPrefix(line, "/") {
		m.appendLine(m.theme.user.Render("you: ") + line)
		m.renderHistory()
		m.statusLine = "thinking..."
		return m.chatCmd(line)
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/models":
		return m.refreshModelsCmd()
	case "/start":
		m.statusLine = "starting inference server..."
		return m.actionCmd(worker.MethodLLMStart, nil, "inference server started")
	case "/stop":
		return m.actionCmd(worker.MethodLLMStop, nil, "inference server stopped")
	case "/switch":
		if len(fields) < 2 {
			m.appendLine(m.theme.errLine.Render("usage: /switch <model-key>"))
			m.renderHistory()
			return nil
		}
		return m.actionCmd(worker.MethodLLMSwitch, map[string]any{"model_key": fields[1]}, "switched to "+fields[1])
	case "/status":
		return m.initCmd()
	case "/quit":
		return nil
	default:
		m.appendLine(m.theme.errLine.Render("unknown command " + fields[0]))
		m.renderHistory()
		return nil
	}
}

func (m *Model) appendLine(line string) {
	m.transcript = append(m.transcript, line)
	if len(m.transcript) > 500 {
		m.transcript = m.transcript[len(m.transcript)-500:]
	}
}

func (m *Model) renderHistory() {
	m.history.SetContent(strings.Join(m.transcript, "\n"))
	m.history.GotoBottom()
}

func statusText(status map[string]any) string {
	key, _ := status["selected_llm_key"].(string)
	running, _ := status["running"].(bool)
	if running {
		endpoint, _ := status["endpoint"].(string)
		return fmt.Sprintf("model=%s running at %s", key, endpoint)
	}
	return fmt.Sprintf("model=%s (server stopped)", key)
}

func (m Model) View() string {
	header := m.theme.header.Render("essayd")
	status := m.theme.status.Render(m.statusLine)
	if m.inflight {
		status = m.spinner.View() + " " + status
	}

	var rows []string
	for _, row := range m.models {
		mark := "  "
		line := fmt.Sprintf("%s %s (%s)", row.Key, row.DisplayName, row.Family)
		switch {
		case row.Selected:
			mark = m.theme.selected.Render("* ")
		case row.Recommended:
			mark = m.theme.muted.Render("r ")
		}
		if !row.Installed {
			line += m.theme.muted.Render("  [not installed]")
		}
		rows = append(rows, mark+line)
	}
	modelsPanel := m.theme.panel.Render(strings.Join(rows, "\n"))
	help := m.theme.muted.Render("enter: send · /models /switch /start /stop /status /quit · esc: exit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header+"  "+status,
		modelsPanel,
		m.theme.panel.Render(m.history.View()),
		m.input.View(),
		help,
	)
}
