package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrBudgetExhausted  = errors.New("budget exhausted")
	ErrTaskNotFound     = errors.New("task not found")
	ErrRepairNotAllowed = errors.New("repair task not allowed")
	ErrRepairScheduled  = errors.New("repair already scheduled")
)
