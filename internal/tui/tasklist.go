package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/cascade/internal/models"
)

var (
	statePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	stateActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	stateSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	stateFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	stateMuted     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// taskRow is one node of the tree as the view knows it.
type taskRow struct {
	ID       string
	ParentID string
	Intent   string
	State    models.TaskState
	Stage    string
	Depth    int
}

// taskList keeps rows in preorder so children render under their parent.
type taskList struct {
	rows     []taskRow
	index    map[string]int
	selected int
}

func newTaskList() *taskList {
	return &taskList{index: make(map[string]int)}
}

func (l *taskList) add(id, parentID, intent string) {
	if _, ok := l.index[id]; ok {
		return
	}
	row := taskRow{ID: id, ParentID: parentID, Intent: intent, State: models.TaskStatePending}

	pos := len(l.rows)
	if p, ok := l.index[parentID]; ok {
		row.Depth = l.rows[p].Depth + 1
		pos = p + 1
		for pos < len(l.rows) && l.rows[pos].Depth > l.rows[p].Depth {
			pos++
		}
	}
	l.rows = append(l.rows, taskRow{})
	copy(l.rows[pos+1:], l.rows[pos:])
	l.rows[pos] = row
	if pos <= l.selected && len(l.rows) > 1 {
		l.selected++
	}
	l.reindex()
}

func (l *taskList) setState(id string, state models.TaskState, stage string) {
	i, ok := l.index[id]
	if !ok {
		return
	}
	if state != "" {
		l.rows[i].State = state
	}
	l.rows[i].Stage = stage
}

func (l *taskList) reindex() {
	for i, r := range l.rows {
		l.index[r.ID] = i
	}
}

func (l *taskList) move(delta int) {
	l.selected += delta
	if l.selected >= len(l.rows) {
		l.selected = len(l.rows) - 1
	}
	if l.selected < 0 {
		l.selected = 0
	}
}

func (l *taskList) current() (taskRow, bool) {
	if l.selected < 0 || l.selected >= len(l.rows) {
		return taskRow{}, false
	}
	return l.rows[l.selected], true
}

// counts returns how many rows are active and how many are finished.
func (l *taskList) counts() (active, done int) {
	for _, r := range l.rows {
		if r.State.IsTerminal() {
			done++
		} else if r.State != models.TaskStatePending {
			active++
		}
	}
	return active, done
}

// view renders at most height rows, keeping the selection visible.
func (l *taskList) view(width, height int) string {
	if len(l.rows) == 0 {
		return stateMuted.Render("  waiting for the planner...")
	}
	start := 0
	if height > 0 && l.selected >= height {
		start = l.selected - height + 1
	}
	end := len(l.rows)
	if height > 0 && end-start > height {
		end = start + height
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		r := l.rows[i]
		indent := strings.Repeat("  ", r.Depth)
		text := r.Intent
		if r.Stage != "" && !r.State.IsTerminal() {
			text += " · " + r.Stage
		}
		if width > 0 {
			text = truncate(text, width-len(indent)-2)
		}
		line := fmt.Sprintf("%s%s %s", indent, formatState(r.State), text)
		if i == l.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		if i < end-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func formatState(s models.TaskState) string {
	switch s {
	case models.TaskStatePending:
		return statePending.Render("○")
	case models.TaskStatePlanning, models.TaskStateExecuting, models.TaskStateVerifying:
		return stateActive.Render("●")
	case models.TaskStateSucceeded:
		return stateSucceeded.Render("✓")
	case models.TaskStateFailed:
		return stateFailed.Render("✗")
	case models.TaskStateSkipped:
		return stateMuted.Render("↷")
	case models.TaskStateCancelled:
		return stateMuted.Render("⊘")
	}
	return string(s)
}

// truncate flattens s to one line of at most n runes.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
