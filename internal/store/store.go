// Package store provides the SQLite-backed run journal for cascade.
// It records runs, command executions, audit decisions and facts; the task
// tree itself lives only in memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/cascade/internal/models"
)

// Store provides access to the cascade SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Background exit callbacks write concurrently with the supervisor.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		workspace TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		failure_reason TEXT,
		final_answer TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS command_runs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		exit_code INTEGER,
		stdout TEXT,
		stderr TEXT,
		timed_out INTEGER NOT NULL DEFAULT 0,
		background INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		task_id TEXT,
		kind TEXT NOT NULL,
		summary TEXT NOT NULL,
		detail TEXT,
		file TEXT,
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_command_runs_run_task ON command_runs(run_id, task_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_run_id ON pdr(run_id);
	CREATE INDEX IF NOT EXISTS idx_facts_run_id ON facts(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Run Operations ---

// CreateRun inserts a new run in the running state.
func (s *Store) CreateRun(prompt, workspace string) (*models.RunRecord, error) {
	run := &models.RunRecord{
		ID:        uuid.New().String(),
		Prompt:    prompt,
		Workspace: workspace,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, prompt, workspace, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Prompt, run.Workspace, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun records the terminal status of a run.
func (s *Store) FinishRun(id string, status models.RunStatus, failureReason, finalAnswer string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, failure_reason = ?, final_answer = ?, ended_at = ? WHERE id = ?`,
		status, failureReason, finalAnswer, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

const runColumns = `id, prompt, workspace, status, failure_reason, final_answer, started_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.RunRecord, error) {
	run := &models.RunRecord{}
	var failureReason, finalAnswer sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.Prompt, &run.Workspace, &run.Status, &failureReason, &finalAnswer, &run.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	run.FailureReason = failureReason.String
	run.FinalAnswer = finalAnswer.String
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return run, nil
}

// GetRun retrieves a run by ID. A missing run yields nil, nil.
func (s *Store) GetRun(id string) (*models.RunRecord, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// LatestRun returns the most recently started run, or nil if there is none.
func (s *Store) LatestRun() (*models.RunRecord, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *Store) ListRuns(status string, limit int) ([]models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- Command Run Operations ---

// CreateCommandRun inserts a command execution record.
func (s *Store) CreateCommandRun(runID, taskID, command string, args []string, background bool) (*models.CommandRun, error) {
	argsJSON, _ := json.Marshal(args)

	cr := &models.CommandRun{
		ID:         uuid.New().String(),
		RunID:      runID,
		TaskID:     taskID,
		Command:    command,
		Args:       args,
		Background: background,
		StartedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO command_runs (id, run_id, task_id, command, args, background, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.RunID, cr.TaskID, cr.Command, string(argsJSON), cr.Background, cr.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert command run: %w", err)
	}
	return cr, nil
}

// UpdateCommandRun stores the outcome of a command execution.
func (s *Store) UpdateCommandRun(id string, exitCode int, stdout, stderr string, timedOut bool) error {
	_, err := s.db.Exec(
		`UPDATE command_runs SET exit_code = ?, stdout = ?, stderr = ?, timed_out = ?, ended_at = ? WHERE id = ?`,
		exitCode, stdout, stderr, timedOut, time.Now().UTC(), id,
	)
	return err
}

// GetCommandRuns returns the command runs of a run, optionally limited to one task.
func (s *Store) GetCommandRuns(runID, taskID string) ([]models.CommandRun, error) {
	query := `SELECT id, run_id, task_id, command, args, exit_code, stdout, stderr, timed_out, background, started_at, ended_at FROM command_runs WHERE run_id = ?`
	args := []interface{}{runID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query command runs: %w", err)
	}
	defer rows.Close()

	var runs []models.CommandRun
	for rows.Next() {
		var cr models.CommandRun
		var argsJSON string
		var endedAt sql.NullTime
		var exitCode sql.NullInt64
		var stdout, stderr sql.NullString

		if err := rows.Scan(&cr.ID, &cr.RunID, &cr.TaskID, &cr.Command, &argsJSON, &exitCode, &stdout, &stderr, &cr.TimedOut, &cr.Background, &cr.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan command run: %w", err)
		}

		if argsJSON != "" {
			json.Unmarshal([]byte(argsJSON), &cr.Args)
		}
		if exitCode.Valid {
			cr.ExitCode = int(exitCode.Int64)
		}
		cr.Stdout = stdout.String
		cr.Stderr = stderr.String
		if endedAt.Valid {
			cr.EndedAt = endedAt.Time
		}
		runs = append(runs, cr)
	}
	return runs, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(runID, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		RunID:      runID,
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, run_id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.RunID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TaskID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns audit records oldest first. An empty runID lists every run.
func (s *Store) ListPDR(runID string, limit int) ([]models.PDREntry, error) {
	query := `SELECT id, run_id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr`
	var args []interface{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY timestamp ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var run, taskID, details sql.NullString
		if err := rows.Scan(&e.ID, &run, &e.Action, &e.InputsHash, &e.Outcome, &taskID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.RunID = run.String
		e.TaskID = taskID.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Fact Operations ---

// AddFact persists one blackboard fact. An empty ID is assigned.
func (s *Store) AddFact(runID string, f models.Fact) (*models.Fact, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.RecordedAt.IsZero() {
		f.RecordedAt = time.Now().UTC()
	}
	if f.Kind == "" {
		f.Kind = models.FactGeneral
	}

	_, err := s.db.Exec(
		`INSERT INTO facts (id, run_id, task_id, kind, summary, detail, file, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, runID, f.TaskID, f.Kind, f.Summary, f.Detail, f.File, f.RecordedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert fact: %w", err)
	}
	return &f, nil
}

// QueryFacts returns facts newest first. runID and query are optional
// filters; query matches summary, detail and file by substring.
func (s *Store) QueryFacts(runID, query string, limit int) ([]models.Fact, error) {
	q := `SELECT id, task_id, kind, summary, detail, file, recorded_at FROM facts WHERE 1 = 1`
	var args []interface{}
	if runID != "" {
		q += ` AND run_id = ?`
		args = append(args, runID)
	}
	if query = strings.TrimSpace(query); query != "" {
		like := "%" + query + "%"
		q += ` AND (summary LIKE ? OR detail LIKE ? OR file LIKE ?)`
		args = append(args, like, like, like)
	}
	q += ` ORDER BY recorded_at DESC`
	if limit <= 0 {
		limit = 50
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []models.Fact
	for rows.Next() {
		var f models.Fact
		var taskID, detail, file sql.NullString
		if err := rows.Scan(&f.ID, &taskID, &f.Kind, &f.Summary, &detail, &file, &f.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.TaskID = taskID.String
		f.Detail = detail.String
		f.File = file.String
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
