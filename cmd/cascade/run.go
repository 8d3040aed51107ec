package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/config"
	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/llm"
	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/runner"
	"github.com/fentz26/cascade/internal/store"
	"github.com/fentz26/cascade/internal/telemetry"
	"github.com/fentz26/cascade/internal/toolchain"
	"github.com/fentz26/cascade/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run <assignment>",
	Short: "Run one assignment in a workspace",
	Long: `Plans the assignment with the configured model, executes the resulting commands in the workspace
and exits non-zero unless the run completes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAssignment,
}

var (
	runWorkspace     string
	runModel         string
	runTolerance     policy.Tolerance
	runTUI           bool
	runServe         string
	runMaxRequests   int
	runMaxExecutions int
	runMaxRepairs    int
	runNoJournal     bool
)

func init() {
	runTolerance = policy.ToleranceLowOnly

	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", ".", "Workspace directory")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override")
	runCmd.Flags().Var(&runTolerance, "tolerance", "Risk tolerance: none, low-only, up-to-medium, allow-all")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the interactive progress view")
	runCmd.Flags().StringVar(&runServe, "serve", "", "Serve the status API on this address while running")
	runCmd.Flags().IntVar(&runMaxRequests, "max-requests", 0, "Model request budget")
	runCmd.Flags().IntVar(&runMaxExecutions, "max-executions", 0, "Task execution budget")
	runCmd.Flags().IntVar(&runMaxRepairs, "max-repair-attempts", 0, "Repair attempts per task")
	runCmd.Flags().BoolVar(&runNoJournal, "no-journal", false, "Do not record the run in the journal")
}

// applyRunFlags lets explicitly set flags override the file.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.LLM.Model = runModel
	}
	if flags.Changed("tolerance") {
		cfg.Tolerance = runTolerance
	}
	if flags.Changed("max-requests") {
		cfg.Limits.MaxRequests = runMaxRequests
	}
	if flags.Changed("max-executions") {
		cfg.Limits.MaxExecutions = runMaxExecutions
	}
	if flags.Changed("max-repair-attempts") {
		cfg.Limits.MaxRepairAttempts = runMaxRepairs
	}
	if runNoJournal {
		cfg.Store = ""
	}
	return cfg.Validate()
}

func runAssignment(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	logPath := ""
	if runTUI {
		logPath = filepath.Join(config.Dir(), "cascade.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			return err
		}
	}
	logger, err := newLogger(cfg.LogLevel, logPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	var (
		journal runner.Journal
		pinger  controlplane.Pinger
	)
	if cfg.Store != "" {
		db, err := store.New(cfg.Store)
		if err != nil {
			return err
		}
		defer db.Close()
		journal, pinger = db, db
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// sink is set before Run starts and never changes afterwards.
	var sink func(controlplane.Event)
	if !runTUI {
		sink = consoleProgress(os.Stderr)
	}

	r, err := runner.New(runner.Options{
		Prompt:    prompt,
		Workspace: runWorkspace,
		Config:    cfg.RunnerConfig(),
		Chat:      llm.New(cfg.LLM, logger.Named("llm")),
		Approver:  chooseApprover(runTUI),
		Journal:   journal,
		Registry:  registry,
		Logger:    logger,
		Tracer:    tp.Tracer,
		Toolchain: toolchain.NewDetector(),
		Notify: func(ev controlplane.Event) {
			if sink != nil {
				sink(ev)
			}
		},
	})
	if err != nil {
		return err
	}

	if runServe != "" {
		srv := controlplane.NewServer(r.Controller(), pinger, registry, runServe, logger.Named("api"))
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status api", zap.Error(err))
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
		fmt.Fprintf(os.Stderr, "status API on http://%s\n", runServe)
	}

	var res *runner.Result
	if runTUI {
		res, err = runWithTUI(runCtx, cancel, r, prompt, &sink)
	} else {
		res, err = r.Run(runCtx)
	}
	if err != nil {
		return err
	}

	printResult(res)
	if res.Status != models.RunStatusCompleted {
		return fmt.Errorf("run %s: %s", res.Status, res.FailureReason)
	}
	return nil
}

// runWithTUI drives the run from a goroutine while the progress view owns
// the terminal.
func runWithTUI(ctx context.Context, cancel context.CancelFunc, r *runner.Runner, prompt string, sink *func(controlplane.Event)) (*runner.Result, error) {
	view := tui.New(prompt, r, cancel)
	program := tea.NewProgram(view, tea.WithAltScreen())
	*sink = tui.Notifier(program)

	var (
		res    *runner.Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, runErr = r.Run(ctx)
		msg := tui.DoneMsg{Err: runErr}
		if res != nil {
			msg.Status, msg.Reason, msg.Answer = res.Status, res.FailureReason, res.FinalAnswer
		}
		program.Send(msg)
	}()

	_, uiErr := program.Run()
	cancel()
	<-done
	if uiErr != nil {
		return nil, uiErr
	}
	return res, runErr
}

// consoleProgress prints task transitions and log lines as plain text.
func consoleProgress(out *os.File) func(controlplane.Event) {
	return func(ev controlplane.Event) {
		switch ev.Type {
		case controlplane.EventTaskCreated:
			fmt.Fprintf(out, "+ %s %s\n", ev.TaskID, ev.Intent)
		case controlplane.EventTaskState:
			if ev.State.IsTerminal() {
				fmt.Fprintf(out, "= %s %s: %s\n", ev.TaskID, ev.State, ev.Stage)
			}
		case controlplane.EventLog:
			if ev.TaskID != "" {
				fmt.Fprintf(out, "  [%s] %s\n", ev.TaskID, ev.Line)
			} else {
				fmt.Fprintf(out, "  %s\n", ev.Line)
			}
		}
	}
}

func printResult(res *runner.Result) {
	fmt.Println()
	fmt.Printf("Run:      %s\n", res.RunID)
	fmt.Printf("Status:   %s\n", res.Status)
	if res.FailureReason != "" {
		fmt.Printf("Reason:   %s\n", res.FailureReason)
	}
	u := res.Usage
	fmt.Printf("Requests: %d (%d failed)\n", u.TotalRequests, u.FailedRequests)
	fmt.Printf("Tokens:   %d prompt, %d completion\n", u.PromptTokens, u.CompletionTokens)
	fmt.Printf("Tasks:    %d succeeded, %d failed, %d skipped\n", u.SucceededTasks, u.FailedTasks, u.SkippedTasks)
	if res.FinalAnswer != "" {
		fmt.Println()
		fmt.Println(res.FinalAnswer)
	}
}
