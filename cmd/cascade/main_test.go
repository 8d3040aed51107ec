package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/cascade/internal/config"
	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/store"
)

func TestApplyRunFlagsOverridesOnlyChangedFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Model = "from-file"

	require.NoError(t, runCmd.ParseFlags([]string{"--tolerance", "allow-all", "--max-requests", "5"}))
	t.Cleanup(func() {
		for _, name := range []string{"tolerance", "max-requests"} {
			runCmd.Flags().Lookup(name).Changed = false
		}
	})

	require.NoError(t, applyRunFlags(runCmd, cfg))
	assert.Equal(t, policy.ToleranceAllowAll, cfg.Tolerance)
	assert.Equal(t, 5, cfg.Limits.MaxRequests)
	assert.Equal(t, "from-file", cfg.LLM.Model)
	assert.Equal(t, config.DefaultConfig().Limits.MaxExecutions, cfg.Limits.MaxExecutions)
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.log")
	logger, err := newLogger("debug", path)
	require.NoError(t, err)
	logger.Debug("hello from test")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")

	_, err = newLogger("loud", "")
	assert.Error(t, err)
}

func TestStatusClientReadsRunAndTasks(t *testing.T) {
	ctrl := controlplane.New(controlplane.Options{Prompt: "make hello", Workspace: "/ws"})
	_, err := ctrl.CreateRoot("make hello")
	require.NoError(t, err)

	srv := httptest.NewServer(controlplane.NewServer(ctrl, nil, nil, "", nil).Handler())
	defer srv.Close()

	prev := apiAddr
	apiAddr = srv.URL + "/"
	t.Cleanup(func() { apiAddr = prev })

	var run controlplane.RunResponse
	require.NoError(t, apiGet("/run", &run))
	assert.Equal(t, ctrl.RunID(), run.Run.ID)
	assert.Equal(t, "make hello", run.Run.Prompt)
	assert.Equal(t, 1, run.Tasks)

	var tasks []controlplane.TaskView
	require.NoError(t, apiGet("/tasks", &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "make hello", tasks[0].Intent)

	var missing controlplane.TaskView
	err = apiGet("/tasks/nope", &missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestResolveRunUsesLatest(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "cascade.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = resolveRun(s, nil)
	assert.Error(t, err)

	run, err := s.CreateRun("make hello", "/ws")
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(run.ID, models.RunStatusCompleted, "", "done"))

	id, err := resolveRun(s, nil)
	require.NoError(t, err)
	assert.Equal(t, run.ID, id)

	id, err = resolveRun(s, []string{"explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "12345678", truncateID("123456789abc"))
}
