// Package tui renders live progress of a run in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/models"
)

// logLimit bounds the run-wide log pane.
const logLimit = 200

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// Model is the progress view of one run.
type Model struct {
	prompt  string
	control Control
	cancel  context.CancelFunc

	tasks    *taskList
	taskLogs taskLogs
	logs     []string
	usage    models.UsageSnapshot

	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int

	cancelling bool
	done       *DoneMsg
}

// New creates a view for prompt. control and cancel may be nil.
func New(prompt string, control Control, cancel context.CancelFunc) *Model {
	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(primaryColor)),
	)
	return &Model{
		prompt:   prompt,
		control:  control,
		cancel:   cancel,
		tasks:    newTaskList(),
		taskLogs: make(taskLogs),
		spinner:  sp,
		viewport: viewport.New(80, 8),
		width:    80,
		height:   24,
	}
}

// Done returns the final message once the run returned.
func (m *Model) Done() (DoneMsg, bool) {
	if m.done == nil {
		return DoneMsg{}, false
	}
	return *m.done, true
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case EventMsg:
		m.apply(controlplane.Event(msg))
		return m, nil

	case DoneMsg:
		m.done = &msg
		if m.cancelling {
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if m.done != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		if m.done != nil {
			return m, tea.Quit
		}
		if !m.cancelling {
			m.cancelling = true
			m.appendLog("cancelling run...")
			if m.cancel != nil {
				m.cancel()
			}
		}
	case "p", " ":
		if m.control == nil || m.done != nil {
			break
		}
		if m.control.Paused() {
			m.control.Resume()
		} else {
			m.control.Pause()
		}
	case "up", "k":
		m.tasks.move(-1)
	case "down", "j":
		m.tasks.move(1)
	case "home", "g":
		m.tasks.move(-len(m.tasks.rows))
	case "end", "G":
		m.tasks.move(len(m.tasks.rows))
	}
	return m, nil
}

func (m *Model) apply(ev controlplane.Event) {
	switch ev.Type {
	case controlplane.EventTaskCreated:
		m.tasks.add(ev.TaskID, ev.ParentID, ev.Intent)
	case controlplane.EventTaskState:
		m.tasks.setState(ev.TaskID, ev.State, ev.Stage)
	case controlplane.EventLog:
		line := ev.Line
		if ev.TaskID != "" {
			m.taskLogs.add(ev.TaskID, ev.Line)
			line = "[" + ev.TaskID + "] " + ev.Line
		}
		m.appendLog(line)
	case controlplane.EventFact:
		if ev.Fact != nil {
			m.appendLog("fact: " + ev.Fact.Summary)
		}
	case controlplane.EventUsage:
		if ev.Usage != nil {
			m.usage = *ev.Usage
		}
	}
}

func (m *Model) appendLog(line string) {
	m.logs = append(m.logs, line)
	if len(m.logs) > logLimit {
		m.logs = m.logs[len(m.logs)-logLimit:]
	}
	m.viewport.SetContent(strings.Join(m.logs, "\n"))
	m.viewport.GotoBottom()
}

// layout splits the screen: header, tree and detail side by side, log pane,
// status bar.
func (m *Model) layout() {
	m.viewport.Width = m.width - 4
	h := m.height / 3
	if h < 3 {
		h = 3
	}
	m.viewport.Height = h
}

func (m *Model) bodyHeight() int {
	h := m.height - m.viewport.Height - 8
	if h < 3 {
		h = 3
	}
	return h
}

// View implements tea.Model
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("cascade"))
	b.WriteString(" ")
	b.WriteString(truncate(m.prompt, m.width-12))
	b.WriteString("\n\n")

	bodyH := m.bodyHeight()
	leftW := m.width / 2
	tree := panelStyle.Width(leftW - 2).Render(m.tasks.view(leftW-6, bodyH))
	detail := ""
	if row, ok := m.tasks.current(); ok {
		detail = panelStyle.Width(m.width - leftW - 2).Render(renderDetail(row, m.taskLogs[row.ID], m.width-leftW-6, bodyH))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tree, detail))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(m.viewport.View()))
	b.WriteString("\n")
	b.WriteString(m.statusBar())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.help()))
	return b.String()
}

func (m *Model) statusBar() string {
	active, finished := m.tasks.counts()
	var state string
	switch {
	case m.done != nil:
		state = m.outcome()
	case m.cancelling:
		state = lipgloss.NewStyle().Foreground(warningColor).Render("cancelling")
	case m.control != nil && m.control.Paused():
		state = lipgloss.NewStyle().Foreground(warningColor).Render("paused")
	default:
		state = m.spinner.View() + " running"
	}
	u := m.usage
	info := fmt.Sprintf("%s │ tasks %d/%d active %d │ ✓%d ✗%d ↷%d │ requests %d │ tokens %d/%d",
		state, finished, len(m.tasks.rows), active,
		u.SucceededTasks, u.FailedTasks, u.SkippedTasks,
		u.TotalRequests, u.PromptTokens, u.CompletionTokens)
	return statusBarStyle.Width(m.width).Render(info)
}

func (m *Model) outcome() string {
	d := m.done
	if d.Err != nil {
		return lipgloss.NewStyle().Foreground(errorColor).Render("error: " + d.Err.Error())
	}
	switch d.Status {
	case models.RunStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("completed")
	case models.RunStatusCancelled:
		return lipgloss.NewStyle().Foreground(warningColor).Render("cancelled")
	}
	return lipgloss.NewStyle().Foreground(errorColor).Render(string(d.Status) + ": " + d.Reason)
}

func (m *Model) help() string {
	if m.done != nil {
		return "↑/↓ select • q quit"
	}
	return "↑/↓ select • p pause/resume • q cancel"
}
