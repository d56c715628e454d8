package llm

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoutingStrategy selects which eligible deployment serves a request.
type RoutingStrategy string

const (
	// StrategySimpleShuffle picks a uniformly random eligible deployment.
	StrategySimpleShuffle RoutingStrategy = "simple-shuffle"
	// StrategyLatencyBased picks the deployment with the lowest EMA latency
	// over its recent successful calls.
	StrategyLatencyBased RoutingStrategy = "latency-based"
	// StrategyCostBased picks the deployment with the lowest input cost per
	// 1K tokens, breaking ties by EMA latency.
	StrategyCostBased RoutingStrategy = "cost-based"
)

// Deployment is one routable instance of a logical model: a specific
// provider endpoint plus its own failure/cooldown bookkeeping. Multiple
// deployments may share ModelName; the Router chooses among them.
type Deployment struct {
	ID           string
	ModelName    string // logical model name callers request
	Provider     Provider
	InputCost    float64       // USD per 1K input tokens, for cost-based routing
	AllowedFails int           // consecutive failures before cooldown, default 3
	CooldownFor  time.Duration // cooldown duration once tripped, default 60s

	mu                  sync.Mutex
	consecutiveFailures int
	cooldownUntil       time.Time
	emaLatency          time.Duration
	hasLatencySample    bool
}

const emaAlpha = 0.2

func (d *Deployment) inCooldown(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return now.Before(d.cooldownUntil)
}

func (d *Deployment) recordSuccess(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFailures = 0
	if !d.hasLatencySample {
		d.emaLatency = latency
		d.hasLatencySample = true
		return
	}
	d.emaLatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(d.emaLatency))
}

func (d *Deployment) recordFailure(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	allowed := d.AllowedFails
	if allowed <= 0 {
		allowed = 3
	}
	cooldown := d.CooldownFor
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	d.consecutiveFailures++
	if d.consecutiveFailures >= allowed {
		d.cooldownUntil = now.Add(cooldown)
	}
}

func (d *Deployment) latency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasLatencySample {
		return 0
	}
	return d.emaLatency
}

func (d *Deployment) failureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutiveFailures
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Strategy       RoutingStrategy
	FallbackChain  map[string][]string // logical model -> ordered alternates
	FallbackBudget int                 // max cross-deployment/fallback attempts, default 3
	Logger         *zap.Logger
}

func normalizeRouterOptions(opts RouterOptions) RouterOptions {
	if opts.Strategy == "" {
		opts.Strategy = StrategySimpleShuffle
	}
	if opts.FallbackBudget <= 0 {
		opts.FallbackBudget = 3
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FallbackChain == nil {
		opts.FallbackChain = make(map[string][]string)
	}
	return opts
}

// Router maintains a deployment pool indexed by logical model name and
// selects among healthy deployments per the configured strategy, falling
// back to alternate logical models when a model's deployments are
// exhausted.
type Router struct {
	mu   sync.RWMutex
	pool map[string][]*Deployment
	opts RouterOptions
	logger *zap.Logger
	rand   func(n int) int
}

// NewRouter returns a Router with an empty deployment pool.
func NewRouter(opts RouterOptions) *Router {
	opts = normalizeRouterOptions(opts)
	return &Router{
		pool:   make(map[string][]*Deployment),
		opts:   opts,
		logger: opts.Logger,
		rand:   rand.Intn,
	}
}

// Register adds a deployment to the pool under its ModelName.
func (r *Router) Register(d *Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool[d.ModelName] = append(r.pool[d.ModelName], d)
}

// Deployments returns a snapshot of the deployments registered for model.
func (r *Router) Deployments(model string) []*Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Deployment(nil), r.pool[model]...)
}

// ProviderSelection is the outcome of a routing decision: which
// deployment was chosen and under what strategy.
type ProviderSelection struct {
	Deployment *Deployment
	Provider   Provider
	ModelName  string
	Strategy   RoutingStrategy
}

// Complete routes req through the deployment pool and fallback chain,
// invoking fn (an Adapter call) against the chosen deployment's provider.
// On success it resets the deployment's failure count and returns the
// response. On failure it increments the deployment's consecutive
// failures (tripping cooldown at AllowedFails), tries the next eligible
// deployment for the same logical model, then exhausts the fallback
// chain for req.Model, restarting deployment selection for each
// alternate model. Authentication errors abort the whole chain
// immediately. Fallback attempts (across deployments and models
// combined) are capped by FallbackBudget; the last error seen is
// returned if every option is exhausted.
func (r *Router) Complete(ctx context.Context, req *ChatRequest, fn func(context.Context, *Deployment, *ChatRequest) (*ChatResponse, error)) (*ChatResponse, error) {
	models := append([]string{req.Model}, r.opts.FallbackChain[req.Model]...)

	var lastErr error
	attempts := 0
	budget := r.opts.FallbackBudget

	for _, model := range models {
		eligible := r.eligibleDeployments(model)
		if len(eligible) == 0 {
			continue
		}

		for len(eligible) > 0 && attempts < budget {
			idx := r.choose(eligible, req)
			d := eligible[idx]
			eligible = append(eligible[:idx], eligible[idx+1:]...)
			attempts++

			callReq := *req
			callReq.Model = model
			start := time.Now()
			resp, err := fn(ctx, d, &callReq)
			latency := time.Since(start)

			if err == nil {
				d.recordSuccess(latency)
				r.logger.Debug("router selected deployment",
					zap.String("model", model),
					zap.String("deployment", d.ID),
					zap.String("strategy", string(r.opts.Strategy)),
					zap.Duration("latency", latency),
				)
				return resp, nil
			}

			d.recordFailure(time.Now())
			lastErr = err
			r.logger.Warn("router deployment failed",
				zap.String("model", model),
				zap.String("deployment", d.ID),
				zap.Error(err),
			)

			if e, ok := err.(*Error); ok && e.Code == ErrAuthentication {
				return nil, err
			}
		}

		if attempts >= budget {
			break
		}
	}

	if lastErr == nil {
		return nil, &Error{Code: ErrProviderUnavailable, Message: "no eligible deployment for model " + req.Model}
	}
	return nil, &Error{
		Code:      ErrProviderError,
		Message:   "all deployments and fallbacks exhausted for model " + req.Model,
		Retryable: false,
		Cause:     lastErr,
	}
}

func (r *Router) eligibleDeployments(model string) []*Deployment {
	r.mu.RLock()
	candidates := r.pool[model]
	r.mu.RUnlock()

	now := time.Now()
	eligible := make([]*Deployment, 0, len(candidates))
	for _, d := range candidates {
		if !d.inCooldown(now) {
			eligible = append(eligible, d)
		}
	}
	return eligible
}

// choose returns the index within eligible selected by the router's
// configured strategy.
func (r *Router) choose(eligible []*Deployment, req *ChatRequest) int {
	switch r.opts.Strategy {
	case StrategyLatencyBased:
		best := 0
		for i := 1; i < len(eligible); i++ {
			if lowerLatency(eligible[i], eligible[best]) {
				best = i
			}
		}
		return best
	case StrategyCostBased:
		best := 0
		for i := 1; i < len(eligible); i++ {
			if eligible[i].InputCost < eligible[best].InputCost {
				best = i
			} else if eligible[i].InputCost == eligible[best].InputCost && lowerLatency(eligible[i], eligible[best]) {
				best = i
			}
		}
		return best
	default: // StrategySimpleShuffle
		return r.rand(len(eligible))
	}
}

func lowerLatency(a, b *Deployment) bool {
	la, lb := a.latency(), b.latency()
	if la == 0 {
		return false
	}
	if lb == 0 {
		return true
	}
	return la < lb
}

// SelectForStream returns an eligible deployment for model using the
// router's strategy without invoking it, for callers (streaming) that
// must choose a deployment once up front and not retry mid-stream after
// the first chunk has been yielded.
func (r *Router) SelectForStream(model string, req *ChatRequest) (*ProviderSelection, error) {
	eligible := r.eligibleDeployments(model)
	if len(eligible) == 0 {
		return nil, &Error{Code: ErrProviderUnavailable, Message: "no eligible deployment for model " + model}
	}
	d := eligible[r.choose(eligible, req)]
	return &ProviderSelection{
		Deployment: d,
		Provider:   d.Provider,
		ModelName:  model,
		Strategy:   r.opts.Strategy,
	}, nil
}

// SetFallbackChain registers or replaces the ordered fallback models for
// a logical model.
func (r *Router) SetFallbackChain(model string, fallbacks []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.FallbackChain[model] = fallbacks
}

// sortByCost orders deployments ascending by InputCost, ties broken by
// EMA latency. Exposed for callers that want a ranked list rather than a
// single pick.
func sortByCost(deployments []*Deployment) {
	sort.SliceStable(deployments, func(i, j int) bool {
		if deployments[i].InputCost != deployments[j].InputCost {
			return deployments[i].InputCost < deployments[j].InputCost
		}
		return lowerLatency(deployments[i], deployments[j])
	})
}
