// Package policy defines per-step execution budgets.
package policy

import "time"

// StepBudget bundles the limits applied to every work item of one step.
type StepBudget struct {
	// Timeout bounds a single item execution.
	Timeout time.Duration
	// MaxTokens caps the generation budget passed to the remote executor.
	MaxTokens int
	// Concurrency is the worker-pool ceiling for the step's batches.
	Concurrency int
}

// Policy resolves the budget for a step. Implementations must return a usable
// budget for any step id, falling back to defaults for unknown steps.
type Policy interface {
	BudgetFor(stepID string) StepBudget
}
