package artifacts

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirWritesRunFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := RunDir("/ws", "run-1")
	assert.Equal(t, filepath.Join("/ws", ".agent", "runs", "run-1"), dir)

	w := NewDir(fs, dir, nil)
	w.Brief("create hello.txt", "/ws")
	w.PlannerReply("root", `{"tasks": []}`)
	w.PlannerReply("phase-1", `{"tasks": [1]}`)
	w.FinalAnswer("done")
	w.RawOutput("t1", "hi")
	w.RawOutput("t2", "   ")
	w.CommandSummary("touch hello.txt: success")
	w.SystemLog([]string{"a", "b"})
	w.TaskReport("t1", "# t1\n")

	read := func(name string) string {
		b, err := afero.ReadFile(fs, filepath.Join(dir, name))
		require.NoError(t, err, name)
		return string(b)
	}

	assert.Contains(t, read(BriefFile), "create hello.txt")
	planner := read(PlannerFile)
	assert.Equal(t, 2, strings.Count(planner, "=== "))
	assert.Contains(t, planner, `{"tasks": [1]}`)
	assert.Equal(t, "done\n", read(AnswerFile))
	assert.Equal(t, "=== t1 ===\nhi\n", read(OutputFile))
	assert.Contains(t, read(CommandsFile), "touch hello.txt: success")
	assert.Equal(t, "a\nb\n", read(SystemLog))
	assert.Equal(t, "# t1\n", read(filepath.Join(TasksDir, "t1.md")))
}

func TestDirWriteFailureIsSwallowed(t *testing.T) {
	w := NewDir(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/ws/run", nil)
	assert.NotPanics(t, func() {
		w.FinalAnswer("x")
		w.CommandSummary("y")
	})
}

func TestNop(t *testing.T) {
	var w Writer = Nop{}
	w.Brief("", "")
	w.SystemLog(nil)
}
