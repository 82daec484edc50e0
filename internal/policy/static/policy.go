// Package static provides the table-driven step policy used in production.
// Heavier steps get a longer timeout, a larger token budget, and a tighter
// worker ceiling; everything else runs on the defaults.
package static

import (
	"time"

	"github.com/stepbatch/stepbatch/internal/policy"
)

// Default budgets. Steps 6 through 9 share a profile; step 4 carries the
// largest items and gets the widest timeout and token budget.
var (
	defaultBudget = policy.StepBudget{
		Timeout:     180 * time.Second,
		MaxTokens:   24000,
		Concurrency: 8,
	}
	heavyBudget = policy.StepBudget{
		Timeout:     240 * time.Second,
		MaxTokens:   28000,
		Concurrency: 5,
	}
	step4Budget = policy.StepBudget{
		Timeout:     300 * time.Second,
		MaxTokens:   32000,
		Concurrency: 5,
	}
)

// Policy resolves step budgets from a built-in table plus config overrides.
type Policy struct {
	budgets     map[string]policy.StepBudget
	defaultStep policy.StepBudget
}

// Override replaces individual budget fields for one step. Zero fields keep
// the table value.
type Override struct {
	StepID      string        `mapstructure:"step_id"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Concurrency int           `mapstructure:"concurrency"`
}

// New builds the policy, applying config overrides on top of the built-in table.
func New(overrides []Override) *Policy {
	budgets := map[string]policy.StepBudget{
		"4": step4Budget,
		"6": heavyBudget,
		"7": heavyBudget,
		"8": heavyBudget,
		"9": heavyBudget,
	}
	p := &Policy{budgets: budgets, defaultStep: defaultBudget}
	for _, o := range overrides {
		if o.StepID == "" {
			continue
		}
		base, ok := budgets[o.StepID]
		if !ok {
			base = defaultBudget
		}
		if o.Timeout > 0 {
			base.Timeout = o.Timeout
		}
		if o.MaxTokens > 0 {
			base.MaxTokens = o.MaxTokens
		}
		if o.Concurrency > 0 {
			base.Concurrency = o.Concurrency
		}
		budgets[o.StepID] = base
	}
	return p
}

// BudgetFor returns the step's budget, or the default for unknown steps.
func (p *Policy) BudgetFor(stepID string) policy.StepBudget {
	if b, ok := p.budgets[stepID]; ok {
		return b
	}
	return p.defaultStep
}
