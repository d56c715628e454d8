package llm

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentflow/internal/pool"
)

// OverallStatus summarizes the health of a set of models after check_all.
type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallUnhealthy OverallStatus = "unhealthy"
)

// HealthRecord is the cached health state for one model.
type HealthRecord struct {
	Model               string        `json:"model"`
	Healthy             bool          `json:"healthy"`
	Latency             time.Duration `json:"latency"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckAt         time.Time     `json:"last_check_at"`
}

// HealthCheckerConfig tunes probe behavior.
type HealthCheckerConfig struct {
	CacheTTL        time.Duration // how long a cached record is trusted before re-probing
	ProbeTimeout    time.Duration // per-attempt timeout, default 5s
	MaxRetries      int           // extra probe attempts after the first failure before declaring unhealthy
	RetryDelay      time.Duration // spacing between retry attempts, default 500ms
	ConcurrentLimit int           // check_all fan-out bound, default 5
}

// DefaultHealthCheckerConfig returns the defaults named in the probe
// algorithm: a 5s timeout, 0.5s retry spacing, and a concurrency bound of 5.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		CacheTTL:        30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		MaxRetries:      2,
		RetryDelay:      500 * time.Millisecond,
		ConcurrentLimit: 5,
	}
}

// modelProvider resolves which Provider backs a model name, so the
// checker can issue its one-token probe against the right adapter.
type modelProvider func(model string) (Provider, bool)

// HealthChecker probes provider health on a per-model basis, caching
// results in process memory with a TTL. Unlike the donor's GORM-backed
// HealthMonitor (which persisted scores derived from an aggregate usage
// log table), every record here lives only as long as the process: there
// is no database, and the probe itself — not historical call volume —
// determines health.
type HealthChecker struct {
	mu        sync.RWMutex
	records   map[string]*HealthRecord
	config    HealthCheckerConfig
	resolve   modelProvider
	pool      *pool.GoroutinePool
}

// NewHealthChecker returns a checker that resolves probe targets via
// resolve and bounds check_all fan-out with a GoroutinePool sized to
// config.ConcurrentLimit.
func NewHealthChecker(resolve modelProvider, config HealthCheckerConfig) *HealthChecker {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultHealthCheckerConfig().CacheTTL
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultHealthCheckerConfig().ProbeTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultHealthCheckerConfig().RetryDelay
	}
	if config.ConcurrentLimit <= 0 {
		config.ConcurrentLimit = DefaultHealthCheckerConfig().ConcurrentLimit
	}

	p := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers:  config.ConcurrentLimit,
		QueueSize:   config.ConcurrentLimit * 4,
		IdleTimeout: 30 * time.Second,
	})

	return &HealthChecker{
		records: make(map[string]*HealthRecord),
		config:  config,
		resolve: resolve,
		pool:    p,
	}
}

// CheckModel returns the health record for model, reusing a cached record
// unless it is stale (now - last_check_at >= cache_ttl) or force is set.
func (h *HealthChecker) CheckModel(ctx context.Context, model string, force bool) *HealthRecord {
	if !force {
		if rec, ok := h.cachedRecord(model); ok {
			return rec
		}
	}
	return h.probe(ctx, model)
}

func (h *HealthChecker) cachedRecord(model string) (*HealthRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[model]
	if !ok {
		return nil, false
	}
	if time.Since(rec.LastCheckAt) >= h.config.CacheTTL {
		return nil, false
	}
	copy := *rec
	return &copy, true
}

// probe issues a minimal one-token completion against the model's
// provider, retrying up to MaxRetries times spaced RetryDelay apart.
// Success resets consecutive_failures and records latency; exhausting
// retries yields unhealthy with the last error.
func (h *HealthChecker) probe(ctx context.Context, model string) *HealthRecord {
	provider, ok := h.resolve(model)
	if !ok {
		rec := &HealthRecord{
			Model:       model,
			Healthy:     false,
			LastError:   "no provider registered for model",
			LastCheckAt: time.Now(),
		}
		h.store(rec)
		return rec
	}

	req := &ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}

	var lastErr error
	var latency time.Duration
	attempts := h.config.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, h.config.ProbeTimeout)
		start := time.Now()
		_, err := provider.Completion(probeCtx, req)
		latency = time.Since(start)
		cancel()

		if err == nil {
			rec := h.recordSuccess(model, latency)
			observeProviderHealthCheck(model, true, latency, nil)
			return rec
		}

		lastErr = err
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(h.config.RetryDelay):
			}
		}
	}

	rec := h.recordFailure(model, latency, lastErr)
	observeProviderHealthCheck(model, false, latency, lastErr)
	return rec
}

func (h *HealthChecker) recordSuccess(model string, latency time.Duration) *HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := &HealthRecord{
		Model:               model,
		Healthy:             true,
		Latency:             latency,
		ConsecutiveFailures: 0,
		LastCheckAt:         time.Now(),
	}
	h.records[model] = rec
	copy := *rec
	return &copy
}

func (h *HealthChecker) recordFailure(model string, latency time.Duration, err error) *HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.records[model]
	failures := 1
	if prev != nil {
		failures = prev.ConsecutiveFailures + 1
	}
	rec := &HealthRecord{
		Model:               model,
		Healthy:             false,
		Latency:             latency,
		ConsecutiveFailures: failures,
		LastCheckAt:         time.Now(),
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	h.records[model] = rec
	copy := *rec
	return &copy
}

func (h *HealthChecker) store(rec *HealthRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[rec.Model] = rec
}

// CheckAll probes every model in models (or every model with a cached
// record if models is empty) in parallel, bounded by ConcurrentLimit.
// Overall status is healthy iff every probe succeeded, unhealthy iff none
// did, degraded otherwise.
func (h *HealthChecker) CheckAll(ctx context.Context, models []string, force bool) (OverallStatus, map[string]*HealthRecord) {
	if len(models) == 0 {
		models = h.knownModels()
	}

	results := make(map[string]*HealthRecord, len(models))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, model := range models {
		model := model
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.pool.SubmitWait(ctx, func(taskCtx context.Context) error {
				rec := h.CheckModel(taskCtx, model, force)
				mu.Lock()
				results[model] = rec
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	healthy, unhealthy := 0, 0
	for _, rec := range results {
		if rec.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}

	switch {
	case len(results) == 0:
		return OverallHealthy, results
	case unhealthy == 0:
		return OverallHealthy, results
	case healthy == 0:
		return OverallUnhealthy, results
	default:
		return OverallDegraded, results
	}
}

func (h *HealthChecker) knownModels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	models := make([]string, 0, len(h.records))
	for m := range h.records {
		models = append(models, m)
	}
	return models
}

// GetHealthyModels returns every model whose current cached record is
// healthy. A model never probed is not included.
func (h *HealthChecker) GetHealthyModels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var healthy []string
	for model, rec := range h.records {
		if rec.Healthy {
			healthy = append(healthy, model)
		}
	}
	return healthy
}

// ClearCache invalidates every cached record; the next CheckModel call for
// any model re-probes regardless of force.
func (h *HealthChecker) ClearCache() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = make(map[string]*HealthRecord)
}

// Close releases the checker's goroutine pool.
func (h *HealthChecker) Close() {
	h.pool.Close()
}
