package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/cascade/internal/controlplane"
)

// DefaultClientTimeout is the default timeout for status API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

var apiAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a run started with --serve",
	RunE:  runStatus,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks [id]",
	Short: "List the tasks of a run started with --serve, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasks,
}

var tasksState string

func init() {
	for _, c := range []*cobra.Command{statusCmd, tasksCmd} {
		c.Flags().StringVar(&apiAddr, "api", "http://127.0.0.1:7467", "Status API address")
	}
	tasksCmd.Flags().StringVar(&tasksState, "state", "", "Only tasks in this state")
}

// apiGet performs a GET request to the status API and decodes JSON into v.
func apiGet(path string, v interface{}) error {
	url := strings.TrimRight(apiAddr, "/") + path
	resp, err := apiClient.Get(url)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var run controlplane.RunResponse
	if err := apiGet("/run", &run); err != nil {
		return err
	}

	fmt.Printf("Run:        %s\n", run.Run.ID)
	fmt.Printf("Prompt:     %s\n", run.Run.Prompt)
	fmt.Printf("Workspace:  %s\n", run.Run.Workspace)
	fmt.Printf("Status:     %s\n", run.Run.Status)
	if run.Run.FailureReason != "" {
		fmt.Printf("Reason:     %s\n", run.Run.FailureReason)
	}
	fmt.Printf("Started:    %s\n", run.Run.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Tasks:      %d (%d queued)\n", run.Tasks, run.Queue)
	fmt.Printf("Requests:   %d/%d\n", run.Budgets.RequestsUsed, run.Budgets.RequestsLimit)
	fmt.Printf("Executions: %d/%d\n", run.Budgets.ExecutionsUsed, run.Budgets.ExecutionsLimit)
	fmt.Printf("Tokens:     %d prompt, %d completion\n", run.Usage.PromptTokens, run.Usage.CompletionTokens)
	return nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		var task controlplane.TaskView
		if err := apiGet("/tasks/"+args[0], &task); err != nil {
			return err
		}
		printTask(task)
		return nil
	}

	path := "/tasks"
	if tasksState != "" {
		path += "?state=" + tasksState
	}
	var tasks []controlplane.TaskView
	if err := apiGet(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tSTRATEGY\tINTENT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", strings.Repeat("  ", t.Depth), t.ID, t.State, t.Strategy, truncate(t.Intent, 60))
	}
	return w.Flush()
}

func printTask(t controlplane.TaskView) {
	fmt.Printf("ID:         %s\n", t.ID)
	fmt.Printf("Intent:     %s\n", t.Intent)
	fmt.Printf("Type:       %s\n", t.Type)
	fmt.Printf("State:      %s\n", t.State)
	if t.Stage != "" {
		fmt.Printf("Stage:      %s\n", t.Stage)
	}
	if t.Strategy != "" {
		fmt.Printf("Strategy:   %s\n", t.Strategy)
	}
	fmt.Printf("Depth:      %d (retain %.2f, delegate %.2f)\n", t.Depth, t.Retention, t.Delegation)
	if t.Attempts > 0 {
		fmt.Printf("Attempts:   %d\n", t.Attempts)
	}
	if len(t.Children) > 0 {
		fmt.Printf("Children:   %s\n", strings.Join(t.Children, ", "))
	}
	if t.Log != "" {
		fmt.Println()
		fmt.Println(t.Log)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
