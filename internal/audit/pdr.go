// Package audit provides PDR (Process Decision Record) writing for cascade.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/cascade/internal/models"
)

// Sink persists decision records. *store.Store satisfies it.
type Sink interface {
	WritePDR(runID, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink  Sink
	runID string
}

// NewPDRWriter creates a new PDR writer scoped to one run.
func NewPDRWriter(s Sink, runID string) *PDRWriter {
	if s == nil {
		s = NewMemorySink()
	}
	return &PDRWriter{sink: s, runID: runID}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, taskID, details string) (*models.PDREntry, error) {
	inputsHash := hashInputs(inputs)
	return w.sink.WritePDR(w.runID, action, inputsHash, outcome, taskID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// MemorySink keeps records in memory for runs without a journal.
type MemorySink struct {
	mu      sync.Mutex
	entries []models.PDREntry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WritePDR appends a record.
func (m *MemorySink) WritePDR(runID, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	e := models.PDREntry{
		ID:         uuid.New().String(),
		RunID:      runID,
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return &e, nil
}

// Entries returns a copy of the recorded entries in write order.
func (m *MemorySink) Entries() []models.PDREntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PDREntry(nil), m.entries...)
}
