package llm

import "sync"

// ModelProvider names the upstream vendor behind a registered model.
type ModelProvider string

const (
	ModelProviderOpenAI    ModelProvider = "openai"
	ModelProviderAnthropic ModelProvider = "anthropic"
	ModelProviderDeepSeek  ModelProvider = "deepseek"
	ModelProviderGoogle    ModelProvider = "google"
	ModelProviderLocal     ModelProvider = "local"
)

// ModelInfo is the static cost/capability record of one model in the
// ModelRegistry. Immutable once registered: callers that need a variant
// register a new model_id. The Router and the cost tracker do not read it;
// the Router ranks deployments by Deployment.InputCost.
type ModelInfo struct {
	ModelID                string
	Provider               ModelProvider
	DisplayName            string
	MaxTokens              int
	InputCostPer1K         float64
	OutputCostPer1K        float64
	SupportsVision         bool
	SupportsFunctionCalling bool
	SupportsStreaming      bool
	ContextWindow          int
	Tags                   []string
}

// EstimateCost computes (prompt*input + completion*output)/1000. No code in
// the module calls it, so a provider response without a cost figure is not
// priced from the registry.
func (m ModelInfo) EstimateCost(promptTokens, completionTokens int) float64 {
	return (float64(promptTokens)*m.InputCostPer1K + float64(completionTokens)*m.OutputCostPer1K) / 1000.0
}

// ModelRegistry is a read-mostly, concurrency-safe catalog of known models.
// Writes only happen at startup (seed + optional overrides); lookups are
// O(1) map reads.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

// NewModelRegistry returns a registry seeded with the built-in public
// model table below. Callers may override any entry via Register.
func NewModelRegistry() *ModelRegistry {
	r := &ModelRegistry{models: make(map[string]ModelInfo, len(builtinModels))}
	for _, m := range builtinModels {
		r.models[m.ModelID] = m
	}
	return r
}

// Register adds or overrides a model entry.
func (r *ModelRegistry) Register(info ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[info.ModelID] = info
}

// Get looks up a model by id. ok is false if unknown.
func (r *ModelRegistry) Get(modelID string) (ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[modelID]
	return m, ok
}

// ListAll returns every registered model.
func (r *ModelRegistry) ListAll() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// ListByProvider returns every model for a given vendor.
func (r *ModelRegistry) ListByProvider(p ModelProvider) []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelInfo
	for _, m := range r.models {
		if m.Provider == p {
			out = append(out, m)
		}
	}
	return out
}

// ListByTag returns every model carrying the given tag.
func (r *ModelRegistry) ListByTag(tag string) []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ModelInfo
	for _, m := range r.models {
		for _, t := range m.Tags {
			if t == tag {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// builtinModels is the seed catalog: published vendor pricing and context
// windows at time of writing. Costs are USD per 1K tokens.
var builtinModels = []ModelInfo{
	{
		ModelID: "gpt-4", Provider: ModelProviderOpenAI, DisplayName: "GPT-4",
		MaxTokens: 8192, InputCostPer1K: 0.03, OutputCostPer1K: 0.06,
		SupportsFunctionCalling: true, SupportsStreaming: true,
		ContextWindow: 8192, Tags: []string{"reasoning", "coding"},
	},
	{
		ModelID: "gpt-4-turbo", Provider: ModelProviderOpenAI, DisplayName: "GPT-4 Turbo",
		MaxTokens: 4096, InputCostPer1K: 0.01, OutputCostPer1K: 0.03,
		SupportsVision: true, SupportsFunctionCalling: true, SupportsStreaming: true,
		ContextWindow: 128000, Tags: []string{"reasoning", "coding", "vision"},
	},
	{
		ModelID: "gpt-3.5-turbo", Provider: ModelProviderOpenAI, DisplayName: "GPT-3.5 Turbo",
		MaxTokens: 4096, InputCostPer1K: 0.0005, OutputCostPer1K: 0.0015,
		SupportsFunctionCalling: true, SupportsStreaming: true,
		ContextWindow: 16385, Tags: []string{"fast", "cheap"},
	},
	{
		ModelID: "claude-3-opus", Provider: ModelProviderAnthropic, DisplayName: "Claude 3 Opus",
		MaxTokens: 4096, InputCostPer1K: 0.015, OutputCostPer1K: 0.075,
		SupportsVision: true, SupportsStreaming: true,
		ContextWindow: 200000, Tags: []string{"reasoning", "long-context"},
	},
	{
		ModelID: "claude-3-sonnet", Provider: ModelProviderAnthropic, DisplayName: "Claude 3 Sonnet",
		MaxTokens: 4096, InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
		SupportsVision: true, SupportsStreaming: true,
		ContextWindow: 200000, Tags: []string{"balanced"},
	},
	{
		ModelID: "claude-3-haiku", Provider: ModelProviderAnthropic, DisplayName: "Claude 3 Haiku",
		MaxTokens: 4096, InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125,
		SupportsVision: true, SupportsStreaming: true,
		ContextWindow: 200000, Tags: []string{"fast", "cheap"},
	},
	{
		ModelID: "deepseek-chat", Provider: ModelProviderDeepSeek, DisplayName: "DeepSeek Chat",
		MaxTokens: 4096, InputCostPer1K: 0.0001, OutputCostPer1K: 0.0002,
		SupportsStreaming: true,
		ContextWindow: 32000, Tags: []string{"cheap", "coding"},
	},
}
