// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm provides unified LLM provider abstraction and routing.

# Overview

The llm package provides a unified interface for interacting with multiple
Large Language Model providers. It abstracts away provider-specific details
and provides features like routing, caching, retry logic, and observability.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Application Layer                        │
	├─────────────────────────────────────────────────────────────┤
	│                    Router / Load Balancer                   │
	│  (Model-based routing, failover, load balancing)           │
	├─────────────────────────────────────────────────────────────┤
	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
	│  │   Cache     │  │   Retry     │  │   Observability     │ │
	│  │  (L1/L2)    │  │  (Backoff)  │  │  (Metrics/Tracing)  │ │
	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
	├─────────────────────────────────────────────────────────────┤
	│                    Provider Interface                       │
	├──────────┬──────────┬──────────┬──────────┬────────────────┤
	│  OpenAI  │ Anthropic│  Gemini  │ DeepSeek │    Others...   │
	└──────────┴──────────┴──────────┴──────────┴────────────────┘

# Provider Interface

The core Provider interface defines the contract for all LLM providers:

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	    ListModels(ctx context.Context) ([]Model, error)
	}

# Supported Providers

The package supports the following LLM providers out of the box, matching
the provider dimension of the Model Registry:

  - OpenAI (GPT-4, GPT-4o, GPT-3.5-turbo)
  - Anthropic (Claude 3 Opus, Sonnet, Haiku)
  - Google (Gemini Pro/Flash)
  - DeepSeek (DeepSeek-Chat, DeepSeek-Coder)
  - Local / self-hosted (any OpenAI-compatible endpoint: vLLM, Ollama, etc.)

# Usage

Basic usage with a single provider:

	provider := openai.NewOpenAIProvider(providers.OpenAIConfig{
	    BaseProviderConfig: providers.BaseProviderConfig{
	        APIKey: "your-api-key",
	        Model:  "gpt-4o",
	    },
	}, logger)

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: []llm.Message{
	        {Role: llm.RoleUser, Content: "Hello!"},
	    },
	})

Using the router for multi-deployment setup:

	router := llm.NewRouter(llm.RouterOptions{
	    Strategy:      llm.StrategyCostBased,
	    FallbackChain: map[string][]string{"gpt-4": {"gpt-3.5-turbo"}},
	})
	router.Register(&llm.Deployment{ID: "openai-primary", ModelName: "gpt-4", Provider: openaiProvider})
	router.Register(&llm.Deployment{ID: "openai-secondary", ModelName: "gpt-3.5-turbo", Provider: openaiProvider})

	// Router selects a deployment, falling back across the chain on failure.
	resp, err := router.Complete(ctx, &llm.ChatRequest{Model: "gpt-4"},
	    func(ctx context.Context, d *llm.Deployment, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	        return d.Provider.Completion(ctx, req)
	    })

# Streaming

All providers support streaming responses:

	stream, err := provider.Stream(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	})
	if err != nil {
	    log.Fatal(err)
	}

	for chunk := range stream {
	    if chunk.Err != nil {
	        log.Printf("Error: %v", chunk.Err)
	        break
	    }
	    fmt.Print(chunk.Delta.Content)
	}

# Caching

The package provides multi-level caching:

	cache := cache.NewMultiLevelCache(redisClient, &cache.CacheConfig{
	    LocalMaxSize: 1000,
	    LocalTTL:     5 * time.Minute,
	    RedisTTL:     1 * time.Hour,
	    EnableLocal:  true,
	    EnableRedis:  true,
	}, logger)

# Retry and Resilience

Built-in retry with exponential backoff:

	resilientProvider := llm.NewResilientProvider(provider, &llm.ResilientConfig{
	    RetryPolicy: &llm.RetryPolicy{
	        MaxRetries:     3,
	        InitialBackoff: 100 * time.Millisecond,
	        MaxBackoff:     10 * time.Second,
	        Multiplier:     2.0,
	    },
	    CircuitBreaker: llm.DefaultCircuitBreakerConfig(),
	}, logger)

# Observability

The llm/observability package provides OpenTelemetry metrics and tracing
as separate components; it does not wrap a Provider:

	metrics, err := observability.NewMetrics()
	tracer := observability.NewTracer(observability.TracerConfig{
	    ServiceName: "my-service",
	}, otel.Tracer("my-service"), logger)

# Tool Calling

Support for native function calling:

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	    Tools: []llm.ToolSchema{
	        {
	            Name:        "get_weather",
	            Description: "Get current weather for a location",
	            Parameters:  weatherParamsSchema,
	        },
	    },
	})

# Error Handling

The package defines structured error codes:

	const (
	    ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	    ErrAuthentication      ErrorCode = "AUTHENTICATION"
	    ErrRateLimit           ErrorCode = "RATE_LIMIT"
	    ErrContextTooLong      ErrorCode = "CONTEXT_TOO_LONG"
	    ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	)

Use IsRetryable to check if an error can be retried:

	if llm.IsRetryable(err) {
	    // Implement retry logic
	}

See the subpackages for additional functionality:
  - llm/cache: Content-addressed response caching (local LRU + distributed)
  - llm/ratelimit: Sliding-window RPM/TPM enforcement per logical model
  - llm/policy: Task-type/complexity model selection
  - llm/middleware: Request/response middleware
  - llm/observability: Metrics, tracing, and cost tracking
  - llm/retry: Retry strategies and backoff
  - llm/circuitbreaker: Per-deployment failure circuit breaking
  - llm/providers/*: Provider-specific implementations
*/
package llm
