package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyProvider struct {
	name        string
	failures    int
	calls       int
	healthCheck func(ctx context.Context) (*HealthStatus, error)
}

func (p *flakyProvider) Name() string                          { return p.name }
func (p *flakyProvider) SupportsNativeFunctionCalling() bool    { return false }
func (p *flakyProvider) ListModels(ctx context.Context) ([]Model, error) { return nil, nil }
func (p *flakyProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (p *flakyProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	if p.healthCheck != nil {
		return p.healthCheck(ctx)
	}
	return &HealthStatus{Healthy: true}, nil
}
func (p *flakyProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("simulated provider error")
	}
	return &ChatResponse{ID: "probe", Model: req.Model}, nil
}

func TestHealthChecker_CheckModel_SucceedsOnFirstTry(t *testing.T) {
	t.Parallel()
	prov := &flakyProvider{name: "openai"}
	checker := NewHealthChecker(func(model string) (Provider, bool) { return prov, true }, DefaultHealthCheckerConfig())

	rec := checker.CheckModel(context.Background(), "gpt-4", false)
	if !rec.Healthy {
		t.Fatalf("expected healthy record, got %+v", rec)
	}
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("expected 0 consecutive failures, got %d", rec.ConsecutiveFailures)
	}
}

func TestHealthChecker_CheckModel_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	prov := &flakyProvider{name: "openai", failures: 1}
	cfg := DefaultHealthCheckerConfig()
	cfg.RetryDelay = time.Millisecond
	checker := NewHealthChecker(func(model string) (Provider, bool) { return prov, true }, cfg)

	rec := checker.CheckModel(context.Background(), "gpt-4", false)
	if !rec.Healthy {
		t.Fatalf("expected eventual success, got %+v", rec)
	}
}

func TestHealthChecker_CheckModel_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	prov := &flakyProvider{name: "openai", failures: 100}
	cfg := DefaultHealthCheckerConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 1
	checker := NewHealthChecker(func(model string) (Provider, bool) { return prov, true }, cfg)

	rec := checker.CheckModel(context.Background(), "gpt-4", false)
	if rec.Healthy {
		t.Fatalf("expected unhealthy record after exhausting retries")
	}
	if rec.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
}

func TestHealthChecker_CheckModel_UsesCacheWithinTTL(t *testing.T) {
	t.Parallel()
	prov := &flakyProvider{name: "openai"}
	cfg := DefaultHealthCheckerConfig()
	cfg.CacheTTL = time.Hour
	checker := NewHealthChecker(func(model string) (Provider, bool) { return prov, true }, cfg)

	checker.CheckModel(context.Background(), "gpt-4", false)
	checker.CheckModel(context.Background(), "gpt-4", false)

	if prov.calls != 1 {
		t.Fatalf("expected cached record to avoid a second probe, got %d calls", prov.calls)
	}
}

func TestHealthChecker_CheckModel_ForceBypassesCache(t *testing.T) {
	t.Parallel()
	prov := &flakyProvider{name: "openai"}
	cfg := DefaultHealthCheckerConfig()
	cfg.CacheTTL = time.Hour
	checker := NewHealthChecker(func(model string) (Provider, bool) { return prov, true }, cfg)

	checker.CheckModel(context.Background(), "gpt-4", false)
	checker.CheckModel(context.Background(), "gpt-4", true)

	if prov.calls != 2 {
		t.Fatalf("expected force=true to re-probe, got %d calls", prov.calls)
	}
}

func TestHealthChecker_CheckAll_OverallStatus(t *testing.T) {
	t.Parallel()
	healthy := &flakyProvider{name: "openai"}
	unhealthy := &flakyProvider{name: "anthropic", failures: 100}
	cfg := DefaultHealthCheckerConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetries = 0
	cfg.ConcurrentLimit = 2

	resolve := func(model string) (Provider, bool) {
		if model == "gpt-4" {
			return healthy, true
		}
		return unhealthy, true
	}
	checker := NewHealthChecker(resolve, cfg)
	defer checker.Close()

	status, results := checker.CheckAll(context.Background(), []string{"gpt-4", "claude-3-opus"}, false)
	if status != OverallDegraded {
		t.Fatalf("expected degraded overall status, got %s", status)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestHealthChecker_GetHealthyModels_And_ClearCache(t *testing.T) {
	t.Parallel()
	prov := &flakyProvider{name: "openai"}
	checker := NewHealthChecker(func(model string) (Provider, bool) { return prov, true }, DefaultHealthCheckerConfig())

	checker.CheckModel(context.Background(), "gpt-4", false)
	if models := checker.GetHealthyModels(); len(models) != 1 {
		t.Fatalf("expected 1 healthy model, got %d", len(models))
	}

	checker.ClearCache()
	if models := checker.GetHealthyModels(); len(models) != 0 {
		t.Fatalf("expected cache clear to drop all records, got %d", len(models))
	}
}
