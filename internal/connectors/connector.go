// Package connectors defines the command execution interface for cascade.
package connectors

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fentz26/cascade/internal/models"
)

// Timeout bounds for foreground commands.
const (
	DefaultTimeout = 3 * time.Minute
	MinTimeout     = 5 * time.Second
	MaxTimeout     = 30 * time.Minute
)

// Request is one command ready to run.
type Request struct {
	ID               string
	TaskID           string
	Executable       string
	Args             []string
	Dir              string
	Timeout          time.Duration
	Background       bool
	ExpectedExitCode int
}

// Line renders the request as a single command line.
func (r Request) Line() string {
	return models.Command{Executable: r.Executable, Arguments: r.Args}.Line()
}

// FromCommand resolves a persona command against the workspace root.
// Relative working directories are joined to the workspace.
func FromCommand(cmd models.Command, workspace, taskID string) Request {
	dir := workspace
	if cmd.WorkingDirectory != "" {
		if filepath.IsAbs(cmd.WorkingDirectory) {
			dir = cmd.WorkingDirectory
		} else {
			dir = filepath.Join(workspace, cmd.WorkingDirectory)
		}
	}
	return Request{
		ID:               cmd.ID,
		TaskID:           taskID,
		Executable:       cmd.Executable,
		Args:             cmd.Arguments,
		Dir:              dir,
		Timeout:          TimeoutFor(cmd.MaxRunSeconds),
		Background:       cmd.RunInBackground,
		ExpectedExitCode: cmd.ExpectedExitCode,
	}
}

// TimeoutFor converts a per-command max run time into a clamped timeout.
// Zero or negative means the default.
func TimeoutFor(maxRunSeconds int) time.Duration {
	if maxRunSeconds <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(maxRunSeconds) * time.Second
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command      string        `json:"command"`
	Args         []string      `json:"args"`
	ExitCode     int           `json:"exit_code"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	TimedOut     bool          `json:"timed_out"`
	Background   bool          `json:"background"`
	PID          int           `json:"pid,omitempty"`
	Attempts     int           `json:"attempts"`
	ShellRetried bool          `json:"shell_retried"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Succeeded reports whether the command finished as expected.
// A background process still running counts as success.
func (r *ExecResult) Succeeded(expectedExitCode int) bool {
	if r == nil || r.TimedOut {
		return false
	}
	if r.Background {
		return true
	}
	return r.ExitCode == expectedExitCode
}

// Output joins stdout and stderr for analysis prompts.
func (r *ExecResult) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result. Failures of the
	// command itself are reported in the result; the error is reserved
	// for cancellation and setup problems.
	Execute(ctx context.Context, req Request) (*ExecResult, error)
}
