package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// taskLogLimit bounds the lines kept per task.
const taskLogLimit = 50

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// taskLogs keeps the recent log lines of each task.
type taskLogs map[string][]string

func (t taskLogs) add(id, line string) {
	lines := append(t[id], line)
	if len(lines) > taskLogLimit {
		lines = lines[len(lines)-taskLogLimit:]
	}
	t[id] = lines
}

// renderDetail shows one task and the tail of its log.
func renderDetail(row taskRow, logs []string, width, height int) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(truncate(row.Intent, width)))
	b.WriteString("\n")
	b.WriteString(renderField("ID", row.ID))
	b.WriteString(renderField("State", formatState(row.State)+" "+string(row.State)))
	if row.Stage != "" {
		b.WriteString(renderField("Stage", truncate(row.Stage, width-8)))
	}

	if len(logs) > 0 {
		b.WriteString(sectionStyle.Render("Log"))
		b.WriteString("\n")
		room := height - 6
		if room < 1 {
			room = 1
		}
		if len(logs) > room {
			logs = logs[len(logs)-room:]
		}
		for _, l := range logs {
			b.WriteString("  " + truncate(l, width-2) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}
