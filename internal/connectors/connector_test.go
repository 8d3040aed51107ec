package connectors

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/cascade/internal/models"
)

func TestTimeoutFor(t *testing.T) {
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{0, DefaultTimeout},
		{-3, DefaultTimeout},
		{1, MinTimeout},
		{60, time.Minute},
		{7200, MaxTimeout},
	}
	for _, tt := range tests {
		if got := TimeoutFor(tt.seconds); got != tt.want {
			t.Errorf("TimeoutFor(%d) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestFromCommand(t *testing.T) {
	ws := filepath.Join("/tmp", "ws")
	abs := filepath.Join("/opt", "tools")

	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"empty uses workspace", "", ws},
		{"relative joins workspace", "src", filepath.Join(ws, "src")},
		{"absolute kept", abs, abs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := FromCommand(models.Command{
				ID:               "c1",
				Executable:       "go",
				Arguments:        []string{"test", "./..."},
				WorkingDirectory: tt.dir,
				ExpectedExitCode: 2,
				RunInBackground:  true,
			}, ws, "task-1")
			if req.Dir != tt.want {
				t.Errorf("Dir = %q, want %q", req.Dir, tt.want)
			}
			if req.TaskID != "task-1" || req.ID != "c1" || !req.Background || req.ExpectedExitCode != 2 {
				t.Errorf("unexpected request %+v", req)
			}
			if req.Line() != "go test ./..." {
				t.Errorf("Line() = %q", req.Line())
			}
		})
	}
}

func TestExecResultSucceeded(t *testing.T) {
	var nilRes *ExecResult
	if nilRes.Succeeded(0) {
		t.Error("nil result must not succeed")
	}
	if (&ExecResult{ExitCode: 0, TimedOut: true}).Succeeded(0) {
		t.Error("timed out result must not succeed")
	}
	if !(&ExecResult{Background: true}).Succeeded(0) {
		t.Error("running background result counts as success")
	}
	if got := (&ExecResult{Stdout: "a", Stderr: "b"}).Output(); got != "a\nb" {
		t.Errorf("Output() = %q", got)
	}
}
