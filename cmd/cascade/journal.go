package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs from the journal",
	RunE:  runHistory,
}

var auditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "Show the decision records of a run (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAudit,
}

var factsCmd = &cobra.Command{
	Use:   "facts [run-id]",
	Short: "Search the facts recorded by a run (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFacts,
}

var (
	journalLimit  int
	historyStatus string
	factsQuery    string
)

func init() {
	for _, c := range []*cobra.Command{historyCmd, auditCmd, factsCmd} {
		c.Flags().IntVar(&journalLimit, "limit", 20, "Maximum rows to show")
	}
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only runs with this status")
	factsCmd.Flags().StringVarP(&factsQuery, "query", "q", "", "Search text")
}

func openJournal() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store == "" {
		return nil, fmt.Errorf("no journal configured")
	}
	if _, err := os.Stat(cfg.Store); err != nil {
		return nil, fmt.Errorf("journal %s: %w", cfg.Store, err)
	}
	return store.New(cfg.Store)
}

// resolveRun returns args[0] or the id of the latest run.
func resolveRun(s *store.Store, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	run, err := s.LatestRun()
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("no runs recorded")
	}
	return run.ID, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(historyStatus, journalLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSTATUS\tPROMPT")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), r.StartedAt.Local().Format("2006-01-02 15:04"), duration(r), r.Status, truncate(r.Prompt, 50))
	}
	return w.Flush()
}

func runAudit(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	runID, err := resolveRun(s, args)
	if err != nil {
		return err
	}
	entries, err := s.ListPDR(runID, journalLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No decision records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tTASK\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("15:04:05"), e.Action, e.TaskID, e.Outcome, truncate(e.Details, 60))
	}
	return w.Flush()
}

func runFacts(cmd *cobra.Command, args []string) error {
	s, err := openJournal()
	if err != nil {
		return err
	}
	defer s.Close()

	runID, err := resolveRun(s, args)
	if err != nil {
		return err
	}
	facts, err := s.QueryFacts(runID, factsQuery, journalLimit)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Println("No facts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tTASK\tFILE\tSUMMARY")
	for _, f := range facts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Kind, f.TaskID, f.File, truncate(f.Summary, 70))
	}
	return w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func duration(r models.RunRecord) string {
	if r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
}
