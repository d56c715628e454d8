package policy

import (
	"fmt"
	"sync"
)

// Complexity classifies how demanding a task is, driving model selection
// when the caller does not name a model directly.
type Complexity string

const (
	Low      Complexity = "low"
	Medium   Complexity = "medium"
	High     Complexity = "high"
	Critical Complexity = "critical"
)

// Selection is the result of a policy decision.
type Selection struct {
	Model    string
	Reason   string
	Fallback string // empty means no fallback recommended
}

// Policy selects a model given a task type, its complexity, and free-form
// context (e.g. tenant overrides, previous failures).
type Policy interface {
	Select(taskType string, complexity Complexity, context map[string]any) Selection
}

// costByComplexity is the cheapest model judged to meet each complexity
// tier, cheapest first.
var costByComplexity = map[Complexity]string{
	Low:      "deepseek-chat",
	Medium:   "gpt-3.5-turbo",
	High:     "gpt-4-turbo",
	Critical: "claude-3-opus",
}

// CostOptimizedPolicy picks the cheapest model judged to meet the given
// complexity tier, falling back to gpt-3.5-turbo when always-available.
type CostOptimizedPolicy struct{}

func (CostOptimizedPolicy) Select(taskType string, complexity Complexity, context map[string]any) Selection {
	model, ok := costByComplexity[complexity]
	if !ok {
		model = "gpt-3.5-turbo"
	}
	return Selection{
		Model:    model,
		Reason:   fmt.Sprintf("cost optimized: complexity %s", complexity),
		Fallback: "gpt-3.5-turbo",
	}
}

// QualityOptimizedPolicy always recommends the strongest available model
// regardless of task type or complexity.
type QualityOptimizedPolicy struct{}

func (QualityOptimizedPolicy) Select(taskType string, complexity Complexity, context map[string]any) Selection {
	return Selection{
		Model:    "claude-3-opus",
		Reason:   "quality optimized: strongest model",
		Fallback: "gpt-4",
	}
}

// taskComplexityDefaults maps a task type to its default complexity when
// the caller does not specify one explicitly.
var taskComplexityDefaults = map[string]Complexity{
	"planning":      High,
	"execution":     Medium,
	"verification":  Medium,
	"extraction":    Low,
	"summarization": Low,
}

// Engine dispatches SelectModel to a per-task-type policy, falling back to
// a default policy (CostOptimizedPolicy unless overridden).
type Engine struct {
	mu            sync.RWMutex
	defaultPolicy Policy
	taskPolicies  map[string]Policy
}

// NewEngine returns an Engine using defaultPolicy, or CostOptimizedPolicy
// if defaultPolicy is nil.
func NewEngine(defaultPolicy Policy) *Engine {
	if defaultPolicy == nil {
		defaultPolicy = CostOptimizedPolicy{}
	}
	return &Engine{
		defaultPolicy: defaultPolicy,
		taskPolicies:  make(map[string]Policy),
	}
}

// RegisterPolicy overrides the policy used for a specific task type.
func (e *Engine) RegisterPolicy(taskType string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.taskPolicies[taskType] = p
}

// SetDefaultPolicy replaces the policy used when no per-task-type
// override is registered.
func (e *Engine) SetDefaultPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultPolicy = p
}

// SelectModel resolves a model for taskType. If complexity is empty, it is
// inferred from taskType via taskComplexityDefaults, defaulting to Medium for
// an unrecognized task type. context may be nil.
func (e *Engine) SelectModel(taskType string, complexity Complexity, context map[string]any) Selection {
	if complexity == "" {
		complexity = taskComplexityDefaults[taskType]
		if complexity == "" {
			complexity = Medium
		}
	}

	e.mu.RLock()
	p, ok := e.taskPolicies[taskType]
	if !ok {
		p = e.defaultPolicy
	}
	e.mu.RUnlock()

	if context == nil {
		context = map[string]any{}
	}
	return p.Select(taskType, complexity, context)
}
