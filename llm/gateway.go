// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

package llm

import (
	"context"
	"fmt"
	"time"

	internalcache "github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/internal/ctxkeys"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/llm/budget"
	"github.com/BaSui01/agentflow/llm/observability"
	"github.com/BaSui01/agentflow/llm/ratelimit"
	"github.com/BaSui01/agentflow/llm/retry"
	"github.com/BaSui01/agentflow/llm/streaming"
	"github.com/BaSui01/agentflow/llm/tokenizer"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// GatewayCache is the content-addressed response cache contract the
// Gateway's cache tier needs. It is declared here, shaped around `any`
// rather than llm/cache.CacheEntry, so this package never has to import
// llm/cache — which itself imports llm for ChatRequest/Message and would
// otherwise cycle back here. llm/cache.GatewayAdapter wraps
// llm/cache.MultiLevelCache to satisfy this interface; callers wire it in
// through GatewayConfig.Cache.
type GatewayCache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, response any) error
	GenerateKey(req any) string
	IsCacheable(req any) bool
}

// GatewayConfig wires the Gateway's optional middleware tiers onto a
// Router. Every field besides Router is optional; a nil tier is simply
// skipped, so a Gateway can be constructed with just a Router and grown
// incrementally.
type GatewayConfig struct {
	Router *Router

	Cache       GatewayCache
	RateLimiter ratelimit.Limiter
	Budget      *budget.TokenBudgetManager

	CostCalculator *observability.CostCalculator
	CostTracker    *observability.CostTracker
	Tracer         *observability.Tracer
	Metrics        *metrics.Collector

	// RedisManager backs Healthy and is the shared Redis handle callers
	// should also hand to a RateLimiter/Cache built on the same pool
	// rather than opening a second connection.
	RedisManager *internalcache.Manager

	// RetryPolicy governs per-deployment retry on transient provider
	// errors. Defaults to retry.DefaultRetryPolicy() (3 retries, 1s
	// initial backoff, 30s cap) if nil — callers wanting the gateway's
	// wider 60s cap (matching llm/providers.DefaultRetryConfig) should
	// pass one explicitly.
	RetryPolicy *retry.RetryPolicy

	Logger *zap.Logger
}

// Gateway is the single entry point that exercises the full
// cache → rate-limit → budget → retry-wrapped-adapter → cost → trace
// pipeline around a Router's deployment pool. It lives in package llm
// (rather than its own subpackage, the way llm/factory does) because
// every middleware tier it drives — llm/retry, llm/tokenizer,
// llm/budget, llm/ratelimit, internal/cache, internal/metrics,
// llm/observability, llm/streaming — is import-cycle-safe with llm, with
// the single exception of llm/cache, which is bridged through the
// GatewayCache interface above instead of imported directly.
type Gateway struct {
	router *Router

	cache       GatewayCache
	rateLimiter ratelimit.Limiter
	budgetMgr   *budget.TokenBudgetManager

	costCalculator *observability.CostCalculator
	costTracker    *observability.CostTracker
	tracer         *observability.Tracer
	metricsC       *metrics.Collector
	redisManager   *internalcache.Manager

	retryPolicy *retry.RetryPolicy
	estimator   *types.EstimateTokenizer

	logger *zap.Logger
}

// NewGateway constructs a Gateway from cfg. Router must be non-nil.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("gateway: router is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.RetryPolicy
	if policy == nil {
		policy = retry.DefaultRetryPolicy()
	}

	// Ensure the model-aware tiktoken tokenizers are registered so
	// estimateTokens prefers real encodings over the character-ratio
	// fallback whenever the model is a known OpenAI-family one.
	tokenizer.RegisterOpenAITokenizers()

	return &Gateway{
		router:         cfg.Router,
		cache:          cfg.Cache,
		rateLimiter:    cfg.RateLimiter,
		budgetMgr:      cfg.Budget,
		costCalculator: cfg.CostCalculator,
		costTracker:    cfg.CostTracker,
		tracer:         cfg.Tracer,
		metricsC:       cfg.Metrics,
		redisManager:   cfg.RedisManager,
		retryPolicy:    policy,
		estimator:      types.NewEstimateTokenizer(),
		logger:         logger.With(zap.String("component", "gateway")),
	}, nil
}

// RegisterResilientDeployment wraps d.Provider in a ResilientProvider
// (circuit breaker plus idempotency cache; its own retry loop is disabled
// via MaxRetries: 0 since the Gateway already retries through
// completionWithRetry) before registering it on the Router. Use this
// instead of calling Router.Register directly for a deployment whose
// upstream should trip a circuit independent of the Router's own
// per-deployment cooldown bookkeeping.
func (g *Gateway) RegisterResilientDeployment(d *Deployment, cbConfig *CircuitBreakerConfig) {
	d.Provider = NewResilientProvider(d.Provider, &ResilientConfig{
		RetryPolicy:       &RetryPolicy{MaxRetries: 0, InitialBackoff: time.Second, MaxBackoff: time.Second, Multiplier: 1},
		CircuitBreaker:    cbConfig,
		EnableIdempotency: true,
		IdempotencyTTL:    time.Hour,
	}, g.logger)
	g.router.Register(d)
}

// Healthy reports whether the Gateway's shared infrastructure (currently:
// the Redis connection backing cache/rate-limit state, if configured) is
// reachable. A Gateway with no RedisManager is always healthy.
func (g *Gateway) Healthy(ctx context.Context) error {
	if g.redisManager == nil {
		return nil
	}
	return g.redisManager.Ping(ctx)
}

// Completion routes req through the cache, rate limiter, budget
// checker, retry-wrapped adapter, cost tracker and tracer, in that
// order, returning the first cache hit or the routed provider's
// response.
func (g *Gateway) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ctx = g.propagateTraceID(ctx, req)

	cacheable := g.cache != nil && g.cache.IsCacheable(req)
	var cacheKey string
	if cacheable {
		cacheKey = g.cache.GenerateKey(req)
		if cached, err := g.cache.Get(ctx, cacheKey); err == nil {
			if resp, ok := cached.(*ChatResponse); ok {
				g.recordCacheResult(true)
				return resp, nil
			}
		}
		g.recordCacheResult(false)
	}

	run := func() (any, error) {
		return g.router.Complete(ctx, req, g.dispatch)
	}

	var result any
	var err error
	if g.tracer != nil {
		result, err = g.tracer.TraceLLMCall(ctx, req.Model, req, run)
	} else {
		result, err = run()
	}
	if err != nil {
		return nil, err
	}

	resp, ok := result.(*ChatResponse)
	if !ok {
		return nil, fmt.Errorf("gateway: router returned unexpected result type %T", result)
	}

	if cacheable {
		if err := g.cache.Set(ctx, cacheKey, resp); err != nil {
			g.logger.Warn("gateway cache set failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return resp, nil
}

// Stream routes req to a single selected deployment (no mid-stream
// failover, matching Router.SelectForStream's contract) and relays its
// chunks through a streaming.BackpressureStream so a slow consumer
// applies backpressure to (or drops from) the buffer rather than to the
// provider connection itself.
func (g *Gateway) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ctx = g.propagateTraceID(ctx, req)

	sel, err := g.router.SelectForStream(req.Model, req)
	if err != nil {
		return nil, err
	}

	estTokens := g.estimateTokens(req)
	if g.rateLimiter != nil {
		if result := g.rateLimiter.Check(req.Model, estTokens); !result.Allowed {
			return nil, &Error{Code: ErrRateLimited, Message: fmt.Sprintf("rate limited on %q: %s", req.Model, result.Reason), Retryable: true}
		}
	}
	if g.budgetMgr != nil {
		if err := g.budgetMgr.CheckBudget(ctx, estTokens, 0); err != nil {
			return nil, &Error{Code: types.ErrBudgetExceeded, Message: err.Error(), Retryable: false}
		}
	}

	src, err := g.streamWithRetry(ctx, sel.Deployment, req)
	if err != nil {
		return nil, err
	}

	bps := streaming.NewBackpressureStream(streaming.DefaultBackpressureConfig())
	out := make(chan StreamChunk)

	go g.pumpIntoBackpressure(ctx, bps, src, req.Model)
	go g.drainBackpressure(ctx, bps, out, req.Model)

	return out, nil
}

func (g *Gateway) pumpIntoBackpressure(ctx context.Context, bps *streaming.BackpressureStream, src <-chan StreamChunk, model string) {
	defer bps.Close()
	idx := 0
	for chunk := range src {
		if chunk.Err != nil {
			return
		}
		tok := streaming.Token{
			Content:   chunk.Delta.Content,
			Index:     idx,
			Timestamp: time.Now(),
			Final:     chunk.FinishReason != "",
		}
		idx++
		if err := bps.Write(ctx, tok); err != nil {
			g.logger.Warn("gateway stream backpressure write failed", zap.Error(err))
			return
		}
		if chunk.FinishReason != "" {
			if g.rateLimiter != nil && chunk.Usage != nil {
				g.rateLimiter.Record(model, chunk.Usage.TotalTokens)
			}
			return
		}
	}
}

func (g *Gateway) drainBackpressure(ctx context.Context, bps *streaming.BackpressureStream, out chan<- StreamChunk, model string) {
	defer close(out)
	for {
		tok, err := bps.Read(ctx)
		if err != nil {
			return
		}
		finish := ""
		if tok.Final {
			finish = "stop"
		}
		out <- StreamChunk{
			Model:        model,
			Delta:        Message{Role: RoleAssistant, Content: tok.Content},
			FinishReason: finish,
		}
		if tok.Final {
			return
		}
	}
}

// dispatch is the fn Router.Complete invokes per attempt: it applies
// rate-limit and budget admission, calls the deployment's provider
// through completionWithRetry, then records actual usage against the
// budget, rate limiter, cost tracker and metrics collector.
func (g *Gateway) dispatch(ctx context.Context, d *Deployment, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	estTokens := g.estimateTokens(req)
	estCost := g.estimateCost(d.Provider.Name(), req.Model, estTokens, 0)

	if g.rateLimiter != nil {
		if result := g.rateLimiter.Check(req.Model, estTokens); !result.Allowed {
			return nil, &Error{Code: ErrRateLimited, Message: fmt.Sprintf("rate limited on %q: %s", req.Model, result.Reason), Retryable: true}
		}
	}
	if g.budgetMgr != nil {
		if err := g.budgetMgr.CheckBudget(ctx, estTokens, estCost); err != nil {
			return nil, &Error{Code: types.ErrBudgetExceeded, Message: err.Error(), Retryable: false}
		}
	}

	resp, err := g.completionWithRetry(ctx, d, req)
	latency := time.Since(start)
	if err != nil {
		if g.metricsC != nil {
			g.metricsC.RecordLLMRequest(d.Provider.Name(), req.Model, "error", latency, 0, 0, 0)
		}
		return nil, err
	}

	actualCost := g.estimateCost(d.Provider.Name(), resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if g.rateLimiter != nil {
		g.rateLimiter.Record(req.Model, resp.Usage.TotalTokens)
	}
	if g.budgetMgr != nil {
		g.budgetMgr.RecordUsage(budget.UsageRecord{
			Timestamp: time.Now(),
			Tokens:    resp.Usage.TotalTokens,
			Cost:      actualCost,
			Model:     resp.Model,
			RequestID: req.TraceID,
			UserID:    req.UserID,
		})
	}
	if g.costTracker != nil {
		g.costTracker.Record(resp.Model, "", resp.Usage.PromptTokens, resp.Usage.CompletionTokens, actualCost, "")
	}
	if g.metricsC != nil {
		g.metricsC.RecordLLMRequest(d.Provider.Name(), resp.Model, "success", latency, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, actualCost)
	}
	return resp, nil
}

// completionWithRetry retries a single deployment's Completion call on
// transient failures using llm/retry's backoff math, short-circuiting on
// the first non-retryable *Error exactly like
// llm/providers.RetryableProvider does for standalone providers (that
// wrapper can't be reused here directly: importing llm/providers from
// this file would cycle back through its llm import).
func (g *Gateway) completionWithRetry(ctx context.Context, d *Deployment, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retryPolicy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.CalculateBackoff(g.retryPolicy, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := d.Provider.Completion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if e, ok := err.(*Error); ok && !e.Retryable {
			return nil, err
		}
		g.logger.Warn("gateway completion failed, will retry",
			zap.String("deployment", d.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("completion failed after %d retries: %w", g.retryPolicy.MaxRetries, lastErr)
}

// streamWithRetry retries only the connection-establishment call, the
// same restriction llm/providers.RetryableProvider.Stream documents:
// once chunks start flowing, a mid-stream error is surfaced as-is.
func (g *Gateway) streamWithRetry(ctx context.Context, d *Deployment, req *ChatRequest) (<-chan StreamChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retryPolicy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.CalculateBackoff(g.retryPolicy, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		ch, err := d.Provider.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if e, ok := err.(*Error); ok && !e.Retryable {
			return nil, err
		}
		g.logger.Warn("gateway stream connect failed, will retry",
			zap.String("deployment", d.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("stream failed after %d retries: %w", g.retryPolicy.MaxRetries, lastErr)
}

// estimateTokens prefers the model-aware llm/tokenizer registry (real
// tiktoken encodings for known OpenAI-family models), falling back to the
// framework-level character-ratio estimator when CountMessages errors or
// no tiktoken encoding is registered for the model.
func (g *Gateway) estimateTokens(req *ChatRequest) int {
	tk := tokenizer.GetTokenizerOrEstimator(req.Model)
	msgs := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	if n, err := tk.CountMessages(msgs); err == nil {
		return n + g.estimator.EstimateToolTokens(req.Tools)
	}
	return g.estimator.CountMessagesTokens(req.Messages) + g.estimator.EstimateToolTokens(req.Tools)
}

func (g *Gateway) estimateCost(provider, model string, promptTokens, completionTokens int) float64 {
	if g.costCalculator == nil {
		return 0
	}
	return g.costCalculator.Calculate(provider, model, promptTokens, completionTokens)
}

func (g *Gateway) recordCacheResult(hit bool) {
	if g.metricsC == nil {
		return
	}
	if hit {
		g.metricsC.RecordCacheHit("gateway")
		return
	}
	g.metricsC.RecordCacheMiss("gateway")
}

func (g *Gateway) propagateTraceID(ctx context.Context, req *ChatRequest) context.Context {
	if req.TraceID != "" {
		return ctxkeys.WithTraceID(ctx, req.TraceID)
	}
	if tid, ok := ctxkeys.TraceID(ctx); ok {
		req.TraceID = tid
		return ctx
	}
	return ctx
}
