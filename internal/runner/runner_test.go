package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fentz26/cascade/internal/artifacts"
	"github.com/fentz26/cascade/internal/connectors/localexec"
	"github.com/fentz26/cascade/internal/llm"
	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/persona"
	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/tasktree"
	"github.com/fentz26/cascade/internal/toolchain"
	"github.com/fentz26/cascade/internal/workspace"
)

// reply produces the text for the n-th call (1-based) of one role.
type reply func(user string, n int) string

func fixed(text string) reply {
	return func(string, int) string { return text }
}

var defaultReplies = map[persona.Role]string{
	persona.RolePlanner:           `{"answer": "", "tasks": []}`,
	persona.RoleDelegator:         `{"strategy": "execute"}`,
	persona.RoleArchitect:         `{"subtasks": []}`,
	persona.RoleVerifier:          `{"accepted": []}`,
	persona.RoleResearcher:        `{"facts": []}`,
	persona.RoleEngineer:          `{"commands": []}`,
	persona.RoleAnalyst:           `{"facts": [], "summary": ""}`,
	persona.RoleRepair:            `{"repairDecision": "abandon", "reason": "cannot fix"}`,
	persona.RoleFailureResolution: `{"resolutionDecision": "escalate"}`,
	persona.RoleQA:                `{"heuristics": []}`,
	persona.RoleAuditor:           `{"summary": "", "heuristics": []}`,
}

// fakeModel answers by persona, recognised from the system message.
type fakeModel struct {
	mu      sync.Mutex
	replies map[persona.Role]reply
	calls   map[persona.Role]int
}

func newFakeModel(replies map[persona.Role]reply) *fakeModel {
	return &fakeModel{replies: replies, calls: make(map[persona.Role]int)}
}

func (f *fakeModel) StreamChat(ctx context.Context, messages []llm.Message) (llm.Completion, error) {
	if err := ctx.Err(); err != nil {
		return llm.Completion{}, err
	}

	role := persona.RolePlanner
	for _, r := range persona.Roles {
		if messages[0].Content == r.Instruction() {
			role = r
			break
		}
	}

	f.mu.Lock()
	f.calls[role]++
	n := f.calls[role]
	h := f.replies[role]
	f.mu.Unlock()

	text := defaultReplies[role]
	if h != nil {
		text = h(messages[1].Content, n)
	}
	return llm.Completion{Text: text, Usage: llm.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30}}, nil
}

func (f *fakeModel) count(role persona.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[role]
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runner tests drive commands through sh")
	}
}

func newTestRunner(t *testing.T, model persona.Chatter, prompt string, mutate func(*Options)) (*Runner, string) {
	t.Helper()
	ws := t.TempDir()
	opts := Options{
		Prompt:    prompt,
		Workspace: ws,
		Chat:      model,
		Logger:    zaptest.NewLogger(t),
		Config: Config{
			Tolerance:         policy.ToleranceLowOnly,
			MaxRepairAttempts: 1,
		},
		RetryInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := New(opts)
	require.NoError(t, err)
	return r, r.workspace
}

func taskByIntent(t *testing.T, r *Runner, intent string) tasktree.Task {
	t.Helper()
	var found *tasktree.Task
	r.Controller().Tree().Walk(func(task tasktree.Task) {
		if found == nil && task.Intent == intent {
			task := task
			found = &task
		}
	})
	require.NotNil(t, found, "task %q", intent)
	return *found
}

func TestNewRejectsMissingInputs(t *testing.T) {
	_, err := New(Options{Chat: newFakeModel(nil)})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = New(Options{Prompt: "do it"})
	assert.ErrorIs(t, err, ErrNoChat)

	_, err = New(Options{Prompt: "do it", Chat: newFakeModel(nil), Config: Config{
		Workspace: workspace.Options{IgnoreGlobs: []string{"[unclosed"}},
	}})
	assert.Error(t, err)
}

func TestRunCreatesFile(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"answer": "hello.txt now contains hi", "tasks": [
			{"id": "write", "label": "write hello.txt", "type": "worker",
			 "commands": [{"executable": "sh", "arguments": ["-c", "printf hi > hello.txt"], "dangerLevel": "safe"}]}
		]}`),
		persona.RoleQA:      fixed(`{"heuristics": [{"description": "hello.txt contains hi", "mandatory": true}]}`),
		persona.RoleAuditor: fixed(`{"summary": "ok", "heuristics": [{"index": 0, "passed": true}]}`),
	})
	r, ws := newTestRunner(t, model, "create file hello.txt with content 'hi'", func(o *Options) {
		o.Config.Tolerance = policy.ToleranceUpToMedium
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)

	b, err := os.ReadFile(filepath.Join(ws, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))

	var created []models.Fact
	for _, f := range r.Controller().RecentFacts(0) {
		if f.Kind == models.FactFileCreated {
			created = append(created, f)
		}
	}
	require.Len(t, created, 1)
	assert.Equal(t, "hello.txt", created[0].File)

	answer, err := os.ReadFile(filepath.Join(artifacts.RunDir(ws, res.RunID), artifacts.AnswerFile))
	require.NoError(t, err)
	assert.Contains(t, string(answer), "hello.txt now contains hi")
	assert.Contains(t, string(answer), "[PASS] hello.txt contains hi")

	assert.Equal(t, 1, model.count(persona.RoleDelegator))
	assert.Zero(t, model.count(persona.RoleEngineer))
	assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "write hello.txt").State)
	assert.Equal(t, 4, res.Usage.TotalRequests)
}

func TestRunFailsMandatoryHeuristic(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "noop", "label": "do nothing",
			"commands": [{"executable": "sh", "arguments": ["-c", "true"]}]}]}`),
		persona.RoleQA:      fixed(`{"heuristics": [{"description": "report.md exists", "mandatory": true}]}`),
		persona.RoleAuditor: fixed(`{"heuristics": [{"index": 0, "passed": false, "notes": "missing"}]}`),
	})
	r, _ := newTestRunner(t, model, "write report.md", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Equal(t, "success criteria not met", res.FailureReason)
	assert.Contains(t, res.FinalAnswer, "[FAIL] report.md exists (missing)")
}

func TestRunSkipsDuplicateIntent(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [
			{"id": "a", "label": "append to log.txt", "commands": [{"executable": "sh", "arguments": ["-c", "printf x >> log.txt"]}]},
			{"id": "b", "label": "Append to  LOG.txt", "commands": [{"executable": "sh", "arguments": ["-c", "printf x >> log.txt"]}]}
		]}`),
	})
	r, ws := newTestRunner(t, model, "append x to log.txt", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)

	b, err := os.ReadFile(filepath.Join(ws, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	dup := taskByIntent(t, r, "Append to  LOG.txt")
	assert.Equal(t, models.TaskStateSkipped, dup.State)
	assert.True(t, dup.Context.AllowsDependentsToProceed)
	assert.Equal(t, 1, model.count(persona.RoleDelegator))
}

func TestRunWaitsForDependencies(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [
			{"id": "check", "label": "check out.txt", "priority": 1, "dependencies": ["write"],
			 "commands": [{"executable": "sh", "arguments": ["-c", "test -f out.txt"]}]},
			{"id": "write", "label": "write out.txt", "priority": 2,
			 "commands": [{"executable": "sh", "arguments": ["-c", "printf y > out.txt"]}]}
		]}`),
	})
	r, _ := newTestRunner(t, model, "write and check out.txt", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)

	check := taskByIntent(t, r, "check out.txt")
	write := taskByIntent(t, r, "write out.txt")
	assert.Equal(t, models.TaskStateSucceeded, check.State)
	assert.Equal(t, []string{write.ID}, check.Context.Dependencies)
	assert.False(t, check.Context.StartedAt.Before(*write.Context.CompletedAt))
}

func TestRunResolvesReverseOrderedChain(t *testing.T) {
	requireShell(t)
	step := func(id, dep string) string {
		deps := ""
		if dep != "" {
			deps = `, "dependencies": ["` + dep + `"]`
		}
		return `{"id": "` + id + `", "label": "append ` + id + `"` + deps +
			`, "commands": [{"executable": "sh", "arguments": ["-c", "printf ` + id + ` >> chain.txt"]}]}`
	}
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [` + strings.Join([]string{
			step("e", "d"), step("d", "c"), step("c", "b"), step("b", "a"), step("a", ""),
		}, ",") + `]}`),
	})
	r, ws := newTestRunner(t, model, "build the chain", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)

	b, err := os.ReadFile(filepath.Join(ws, "chain.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(b))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "append "+id).State, id)
	}
}

func TestRunSkipsAnalysisOfBackgroundOutput(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "serve", "label": "start the server",
			"commands": [{"executable": "sh", "arguments": ["-c", "echo listening; sleep 30"], "runInBackground": true}]}]}`),
	})
	r, _ := newTestRunner(t, model, "run the dev server", func(o *Options) {
		o.ExecOptions = []localexec.Option{localexec.WithGrace(200 * time.Millisecond)}
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "start the server").State)
	assert.Zero(t, model.count(persona.RoleAnalyst))
}

func TestRunBlocksDependentsOfFailedTask(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [
			{"id": "build", "label": "build", "commands": [{"executable": "sh", "arguments": ["-c", "echo boom >&2; exit 3"]}]},
			{"id": "ship", "label": "ship", "dependencies": ["build"], "commands": [{"executable": "sh", "arguments": ["-c", "true"]}]}
		]}`),
	})
	r, _ := newTestRunner(t, model, "build and ship", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)

	build := taskByIntent(t, r, "build")
	assert.Equal(t, models.TaskStateFailed, build.State)
	assert.Contains(t, build.Context.LastResult, "exited with code 3")
	assert.Contains(t, build.Context.LastResult, "boom")

	repair := taskByIntent(t, r, "Repair: build")
	assert.True(t, repair.IsRepair)
	assert.Equal(t, build.ID, repair.ParentID)
	assert.Equal(t, models.TaskStateFailed, repair.State)

	ship := taskByIntent(t, r, "ship")
	assert.Equal(t, models.TaskStateSkipped, ship.State)
	assert.False(t, ship.Context.AllowsDependentsToProceed)
	assert.Equal(t, 2, model.count(persona.RoleRepair))
}

func TestRunRepairTaskRecovers(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "fix", "label": "produce fixed.txt",
			"commands": [{"executable": "sh", "arguments": ["-c", "exit 1"]}]}]}`),
		persona.RoleRepair: func(user string, n int) string {
			if n == 1 {
				return `{"repairDecision": "abandon", "reason": "wrong approach"}`
			}
			return `{"repairDecision": "retry", "replacementCommands": [
				{"executable": "sh", "arguments": ["-c", "printf ok > fixed.txt"]}]}`
		},
	})
	r, ws := newTestRunner(t, model, "make the fixed file", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.FileExists(t, filepath.Join(ws, "fixed.txt"))

	parent := taskByIntent(t, r, "produce fixed.txt")
	assert.Equal(t, models.TaskStateSucceeded, parent.State)
	assert.True(t, parent.Context.RepairScheduled)
	assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "Repair: produce fixed.txt").State)
	assert.Equal(t, 1, model.count(persona.RoleFailureResolution))
}

func TestRunRetriesWithReplacementCommands(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "t", "label": "make dir out",
			"commands": [{"executable": "sh", "arguments": ["-c", "mkdir missing/out"]}]}]}`),
		persona.RoleRepair: fixed(`{"repairDecision": "retry", "reason": "parent missing", "replacementCommands": [
			{"executable": "sh", "arguments": ["-c", "mkdir -p missing/out"]}]}`),
	})
	r, ws := newTestRunner(t, model, "prepare the output tree", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.DirExists(t, filepath.Join(ws, "missing", "out"))

	task := taskByIntent(t, r, "make dir out")
	assert.Equal(t, 1, task.Context.Attempts)
	require.Len(t, task.Context.RepairHistory, 1)
	assert.Contains(t, task.Context.RepairHistory[0], "parent missing")
	assert.Equal(t, "mkdir -p missing/out", task.Context.Commands[0].Arguments[1])
}

func TestRunContinuePastFailure(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [
			{"id": "lint", "label": "lint", "commands": [{"executable": "sh", "arguments": ["-c", "exit 1"]}]},
			{"id": "after", "label": "after lint", "dependencies": ["lint"], "commands": [{"executable": "sh", "arguments": ["-c", "true"]}]}
		]}`),
		persona.RoleFailureResolution: fixed(`{"resolutionDecision": "continue", "reason": "lint is optional"}`),
	})
	r, _ := newTestRunner(t, model, "lint then continue", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.Equal(t, models.TaskStateSkipped, taskByIntent(t, r, "lint").State)
	assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "after lint").State)
}

func TestRunCompensatesWithSiblings(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "fetch", "label": "fetch data",
			"commands": [{"executable": "sh", "arguments": ["-c", "exit 7"]}]}]}`),
		persona.RoleFailureResolution: fixed(`{"resolutionDecision": "compensate", "newTasks": [
			{"intent": "write placeholder data", "commands": [{"executable": "sh", "arguments": ["-c", "printf 0 > data.txt"]}]}]}`),
	})
	r, ws := newTestRunner(t, model, "get data", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.FileExists(t, filepath.Join(ws, "data.txt"))

	fetch := taskByIntent(t, r, "fetch data")
	comp := taskByIntent(t, r, "write placeholder data")
	assert.Equal(t, models.TaskStateSkipped, fetch.State)
	assert.Equal(t, fetch.ParentID, comp.ParentID)
	assert.Equal(t, models.TaskStateSucceeded, comp.State)
}

func TestRunPolicyGate(t *testing.T) {
	requireShell(t)
	plan := fixed(`{"tasks": [{"id": "wipe", "label": "wipe x.txt",
		"commands": [{"executable": "sh", "arguments": ["-c", "printf x > x.txt"], "dangerLevel": "critical"}]}]}`)

	tests := []struct {
		name     string
		approve  bool
		want     models.RunStatus
		wantFile bool
	}{
		{"declined", false, models.RunStatusFailed, false},
		{"overridden", true, models.RunStatusCompleted, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var asked []string
			model := newFakeModel(map[persona.Role]reply{persona.RolePlanner: plan})
			r, ws := newTestRunner(t, model, "reset the scratch file", func(o *Options) {
				o.Approver = policy.ApproverFunc(func(desc string, dangerous, critical bool) bool {
					asked = append(asked, desc)
					assert.True(t, critical)
					return tt.approve
				})
			})

			res, err := r.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Len(t, asked, 1)

			_, statErr := os.Stat(filepath.Join(ws, "x.txt"))
			assert.Equal(t, tt.wantFile, statErr == nil)
			if !tt.approve {
				task := taskByIntent(t, r, "wipe x.txt")
				assert.Equal(t, "operator declined", task.Stage)
				assert.Zero(t, model.count(persona.RoleRepair))
			}
		})
	}
}

func TestRunAsksEngineerWhenPlanHasNoCommands(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "greet", "label": "say hello"}]}`),
		persona.RoleEngineer: fixed(`{"commands": [{"executable": "sh", "arguments": ["-c", "echo hello"]}]}`),
		persona.RoleAnalyst: fixed(`{"facts": [{"summary": "greeting printed"}], "summary": "printed hello"}`),
	})
	r, ws := newTestRunner(t, model, "greet the operator", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.Equal(t, 1, model.count(persona.RoleEngineer))
	assert.Equal(t, 1, model.count(persona.RoleAnalyst))

	var summaries []string
	for _, f := range r.Controller().RecentFacts(0) {
		summaries = append(summaries, f.Summary)
	}
	assert.Contains(t, summaries, "greeting printed")

	out, err := os.ReadFile(filepath.Join(artifacts.RunDir(ws, res.RunID), artifacts.OutputFile))
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")
}

func TestRunDecomposesPhase(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: func(user string, n int) string {
			if n == 1 {
				return `{"tasks": [{"id": "setup", "label": "set up project", "type": "phase"}]}`
			}
			return `{"tasks": [
				{"id": "src", "label": "create src", "commands": [{"executable": "sh", "arguments": ["-c", "mkdir src"]}]},
				{"id": "readme", "label": "create readme", "commands": [{"executable": "sh", "arguments": ["-c", "touch README.md"]}]}
			]}`
		},
		persona.RoleDelegator: func(user string, n int) string {
			if strings.Contains(user, "Intent: set up project") {
				return `{"strategy": "decompose"}`
			}
			return `{"strategy": "execute"}`
		},
	})
	r, ws := newTestRunner(t, model, "bootstrap the repo", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.DirExists(t, filepath.Join(ws, "src"))
	assert.FileExists(t, filepath.Join(ws, "README.md"))

	phase := taskByIntent(t, r, "set up project")
	assert.Equal(t, models.StrategyDecompose, phase.Strategy)
	assert.Len(t, phase.Children, 2)
	assert.Equal(t, 2, model.count(persona.RolePlanner))
	assert.Zero(t, model.count(persona.RoleArchitect))
}

func TestRunResearchRecordsFacts(t *testing.T) {
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner:    fixed(`{"tasks": [{"id": "look", "label": "find the config format", "type": "research"}]}`),
		persona.RoleDelegator:  fixed(`{"strategy": "research"}`),
		persona.RoleResearcher: fixed(`{"facts": [{"summary": "config is YAML", "file": "config.yaml"}]}`),
	})
	r, _ := newTestRunner(t, model, "learn how the app is configured", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)

	facts := r.Controller().RecentFacts(1)
	require.Len(t, facts, 1)
	assert.Equal(t, "config is YAML", facts[0].Summary)
	assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "find the config format").State)
}

func TestRunPlannerUnavailable(t *testing.T) {
	model := newFakeModel(map[persona.Role]reply{persona.RolePlanner: fixed("I refuse to answer in JSON")})
	r, _ := newTestRunner(t, model, "anything", nil)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Contains(t, res.FailureReason, "planner unavailable")
	assert.Equal(t, 3, model.count(persona.RolePlanner))
}

func TestRunMissingWorkspace(t *testing.T) {
	model := newFakeModel(nil)
	r, _ := newTestRunner(t, model, "anything", func(o *Options) {
		o.Workspace = filepath.Join(t.TempDir(), "does-not-exist")
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, res.Status)
	assert.Contains(t, res.FailureReason, "blocked")
	assert.Zero(t, model.count(persona.RolePlanner))
	assert.NoDirExists(t, r.workspace)
}

func TestRunCancelled(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [{"id": "wait", "label": "wait a while",
			"commands": [{"executable": "sh", "arguments": ["-c", "sleep 30"]}]}]}`),
	})
	r, _ := newTestRunner(t, model, "wait", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)
	assert.Equal(t, models.RunStatusCancelled, res.Status)

	root, _ := r.Controller().Tree().Get(r.Controller().Tree().RootID())
	assert.Equal(t, models.TaskStateCancelled, root.State)
	assert.Equal(t, models.TaskStateCancelled, taskByIntent(t, r, "wait a while").State)
}

func TestRunCancelledAfterPartialProgress(t *testing.T) {
	requireShell(t)
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: fixed(`{"tasks": [
			{"id": "a", "label": "write a.txt", "commands": [{"executable": "sh", "arguments": ["-c", "printf a > a.txt"]}]},
			{"id": "wait", "label": "wait a while", "commands": [{"executable": "sh", "arguments": ["-c", "sleep 30"]}]}
		]}`),
	})
	r, _ := newTestRunner(t, model, "write then wait", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, res.Status)

	assert.Equal(t, models.TaskStateSucceeded, taskByIntent(t, r, "write a.txt").State)
	assert.Equal(t, models.TaskStateCancelled, taskByIntent(t, r, "wait a while").State)
	root, _ := r.Controller().Tree().Get(r.Controller().Tree().RootID())
	assert.Equal(t, models.TaskStateCancelled, root.State)
	assert.False(t, r.Controller().IsSatisfied("write then wait"))
}

func TestPauseHoldsTheLoop(t *testing.T) {
	model := newFakeModel(nil)
	r, _ := newTestRunner(t, model, "nothing to do", nil)

	r.Pause()
	assert.True(t, r.Paused())

	done := make(chan *Result, 1)
	go func() {
		res, _ := r.Run(context.Background())
		done <- res
	}()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, model.count(persona.RolePlanner))

	r.Resume()
	select {
	case res := <-done:
		assert.NotNil(t, res)
		assert.Equal(t, 1, model.count(persona.RolePlanner))
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRunShowsToolchainToPlanner(t *testing.T) {
	requireShell(t)
	var plannerPrompt string
	model := newFakeModel(map[persona.Role]reply{
		persona.RolePlanner: func(user string, n int) string {
			if n == 1 {
				plannerPrompt = user
			}
			return `{"tasks": [{"id": "noop", "label": "check the shell",
				"commands": [{"executable": "sh", "arguments": ["-c", "true"]}]}]}`
		},
	})
	r, _ := newTestRunner(t, model, "use the shell", func(o *Options) {
		o.Toolchain = toolchain.NewDetector(toolchain.Probe{Name: "sh", Binaries: []string{"sh"}})
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status, res.FailureReason)
	assert.Contains(t, plannerPrompt, "toolchain: sh available at")

	var probed int
	for _, f := range r.Controller().RecentFacts(0) {
		if strings.HasPrefix(f.Summary, "toolchain: sh") {
			probed++
		}
	}
	assert.Equal(t, 1, probed)
}
