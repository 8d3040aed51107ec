// Package artifacts persists human-readable run output: the brief, raw
// planner replies, the final answer, command output and per-task reports.
// Writes are fire-and-forget; failures are logged and never reach the run.
package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// File names inside a run directory.
const (
	BriefFile    = "brief.md"
	PlannerFile  = "planner.txt"
	AnswerFile   = "answer.md"
	OutputFile   = "output.txt"
	CommandsFile = "commands.txt"
	SystemLog    = "system.log"
	TasksDir     = "tasks"
)

// Writer receives run artifacts.
type Writer interface {
	Brief(prompt, workspace string)
	PlannerReply(taskID, text string)
	FinalAnswer(text string)
	RawOutput(taskID, text string)
	CommandSummary(line string)
	SystemLog(lines []string)
	TaskReport(taskID, text string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Brief(string, string)        {}
func (Nop) PlannerReply(string, string) {}
func (Nop) FinalAnswer(string)          {}
func (Nop) RawOutput(string, string)    {}
func (Nop) CommandSummary(string)       {}
func (Nop) SystemLog([]string)          {}
func (Nop) TaskReport(string, string)   {}

// RunDir returns <workspace>/.agent/runs/<runID>.
func RunDir(workspace, runID string) string {
	return filepath.Join(workspace, ".agent", "runs", runID)
}

// Dir writes artifacts into one run directory.
type Dir struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewDir creates a writer rooted at dir. A nil fs means the OS file system.
func NewDir(fs afero.Fs, dir string, logger *zap.Logger) *Dir {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dir{fs: fs, dir: dir, logger: logger}
}

// Path returns the run directory.
func (d *Dir) Path() string {
	return d.dir
}

func (d *Dir) write(name, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := filepath.Join(d.dir, name)
	if err := d.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		d.logger.Warn("artifact dir", zap.String("path", p), zap.Error(err))
		return
	}
	if err := afero.WriteFile(d.fs, p, []byte(content), 0o644); err != nil {
		d.logger.Warn("artifact write", zap.String("path", p), zap.Error(err))
	}
}

func (d *Dir) appendTo(name, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := filepath.Join(d.dir, name)
	if err := d.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		d.logger.Warn("artifact dir", zap.String("path", p), zap.Error(err))
		return
	}
	f, err := d.fs.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		d.logger.Warn("artifact open", zap.String("path", p), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		d.logger.Warn("artifact append", zap.String("path", p), zap.Error(err))
	}
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Brief writes the assignment brief.
func (d *Dir) Brief(prompt, workspace string) {
	d.write(BriefFile, "# Assignment\n\n"+prompt+"\n\nWorkspace: "+workspace+"\nStarted: "+stamp()+"\n")
}

// PlannerReply appends one raw planner reply.
func (d *Dir) PlannerReply(taskID, text string) {
	d.appendTo(PlannerFile, "=== "+stamp()+" "+taskID+" ===\n"+text+"\n\n")
}

// FinalAnswer writes the answer shown to the operator.
func (d *Dir) FinalAnswer(text string) {
	d.write(AnswerFile, text+"\n")
}

// RawOutput appends a task's combined command output.
func (d *Dir) RawOutput(taskID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	d.appendTo(OutputFile, "=== "+taskID+" ===\n"+text+"\n")
}

// CommandSummary appends one line per finished command.
func (d *Dir) CommandSummary(line string) {
	d.appendTo(CommandsFile, stamp()+" "+line+"\n")
}

// SystemLog writes the retained run log.
func (d *Dir) SystemLog(lines []string) {
	d.write(SystemLog, strings.Join(lines, "\n")+"\n")
}

// TaskReport writes one task's report.
func (d *Dir) TaskReport(taskID, text string) {
	d.write(filepath.Join(TasksDir, taskID+".md"), text)
}
