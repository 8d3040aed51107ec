package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/tasktree"
)

// Version is reported by /health; set at build time.
var Version = "dev"

// Pinger reports whether the journal database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes a read-only status API for a running assignment.
type Server struct {
	controller *Controller
	db         Pinger
	registry   *prometheus.Registry
	addr       string
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a new HTTP server. db and registry may be nil.
func NewServer(c *Controller, db Pinger, registry *prometheus.Registry, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		controller: c,
		db:         db,
		registry:   registry,
		addr:       addr,
		logger:     logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/facts", s.handleFacts)
	mux.HandleFunc("/logs", s.handleLogs)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- Health ---

// HealthResponse is the body of /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if s.db == nil {
		resp.DB = "disabled"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			resp.OK = false
			resp.DB = "error: " + err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}

// --- Run ---

// RunResponse is the body of /run.
type RunResponse struct {
	Run     RunInfo              `json:"run"`
	Usage   models.UsageSnapshot `json:"usage"`
	Budgets BudgetSnapshot       `json:"budgets"`
	Queue   int                  `json:"queue"`
	Tasks   int                  `json:"tasks"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{
		Run:     s.controller.RunInfo(),
		Usage:   s.controller.Usage(),
		Budgets: s.controller.Budgets(),
		Queue:   s.controller.Queue().Count(),
		Tasks:   s.controller.Tree().Len(),
	})
}

// --- Tasks ---

// TaskView is the JSON form of a task node.
type TaskView struct {
	ID         string           `json:"id"`
	ParentID   string           `json:"parent_id,omitempty"`
	Intent     string           `json:"intent"`
	Type       models.TaskType  `json:"type"`
	State      models.TaskState `json:"state"`
	Stage      string           `json:"stage,omitempty"`
	Strategy   models.Strategy  `json:"strategy,omitempty"`
	Depth      int              `json:"depth"`
	Retention  float64          `json:"retention"`
	Delegation float64          `json:"delegation"`
	IsRepair   bool             `json:"is_repair,omitempty"`
	Children   []string         `json:"children,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	Log        string           `json:"log,omitempty"`
}

// NewTaskView converts a task snapshot. withLog includes the cumulative log.
func NewTaskView(t tasktree.Task, withLog bool) TaskView {
	v := TaskView{
		ID:         t.ID,
		ParentID:   t.ParentID,
		Intent:     t.Intent,
		Type:       t.Type,
		State:      t.State,
		Stage:      t.Stage,
		Strategy:   t.Strategy,
		Depth:      t.Depth,
		Retention:  t.Retention,
		Delegation: t.Delegation,
		IsRepair:   t.IsRepair,
		Children:   t.Children,
	}
	if t.Context != nil {
		v.Attempts = t.Context.Attempts
		if withLog {
			v.Log = t.Context.Log
		}
	}
	return v
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	state := r.URL.Query().Get("state")
	views := []TaskView{}
	s.controller.Tree().Walk(func(t tasktree.Task) {
		if state == "" || string(t.State) == state {
			views = append(views, NewTaskView(t, false))
		}
	})
	writeJSON(w, http.StatusOK, views)
}

// handleTaskByID handles GET /tasks/{id}
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, ok := s.controller.Tree().Get(taskID)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, NewTaskView(task, true))
}

// --- Facts and logs ---

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	facts := s.controller.RecentFacts(limitParam(r, 50))
	if facts == nil {
		facts = []models.Fact{}
	}
	writeJSON(w, http.StatusOK, facts)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	lines := s.controller.Logs()
	if n := limitParam(r, 0); n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	writeJSON(w, http.StatusOK, lines)
}
