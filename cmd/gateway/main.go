package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/telemetry"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/budget"
	"github.com/BaSui01/agentflow/llm/cache"
	"github.com/BaSui01/agentflow/llm/factory"
	"github.com/BaSui01/agentflow/llm/observability"
	"github.com/BaSui01/agentflow/llm/ratelimit"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting gateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if providers != nil {
			_ = providers.Shutdown(ctx)
		}
	}()

	gw, err := buildGateway(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	srv := newHTTPServer(cfg, gw, logger)

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	waitForShutdown(srv, cfg, logger)
	logger.Info("gateway stopped")
}

// buildGateway wires config into a single-deployment llm.Gateway: one
// provider built by llm/factory from cfg.LLM, registered under the
// logical model name cfg.Agent.Model. Only the retry policy and the Redis
// manager (used solely for Gateway.Healthy) come from cfg: the cache is an
// in-process MultiLevelCache with no Redis client, the rate limiter has
// fixed limits (600 RPM, 1,000,000 TPM) for cfg.Agent.Model, and the
// budget uses budget.DefaultBudgetConfig().
func buildGateway(cfg *config.Config, logger *zap.Logger) (*llm.Gateway, error) {
	provider, err := factory.NewProviderFromConfig(cfg.LLM.DefaultProvider, factory.ProviderConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.Agent.Model,
		Timeout: cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", cfg.LLM.DefaultProvider, err)
	}

	router := llm.NewRouter(llm.RouterOptions{Strategy: llm.StrategyLatencyBased, Logger: logger})
	router.Register(&llm.Deployment{
		ID:        cfg.LLM.DefaultProvider + "-primary",
		ModelName: cfg.Agent.Model,
		Provider:  provider,
	})

	redisMgr, err := llm.RedisManagerFromAppConfig(cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis unavailable, gateway health check degrades to no-op", zap.Error(err))
		redisMgr = nil
	}

	var gwCache llm.GatewayCache
	mlc := cache.NewMultiLevelCache(nil, cache.DefaultCacheConfig(), logger)
	gwCache = cache.NewGatewayAdapter(mlc)

	limiter := ratelimit.New(map[string]ratelimit.Limits{
		cfg.Agent.Model: {RPM: 600, TPM: 1_000_000},
	})

	budgetMgr := budget.NewTokenBudgetManager(budget.DefaultBudgetConfig(), logger)
	costCalc := observability.NewCostCalculator()
	costTracker := observability.NewCostTracker(costCalc)
	tracer := observability.NewTracer(
		observability.TracerConfig{ServiceName: "agentflow-gateway"},
		otel.Tracer("github.com/BaSui01/agentflow/cmd/gateway"),
		logger,
	)

	return llm.NewGateway(llm.GatewayConfig{
		Router:         router,
		Cache:          gwCache,
		RateLimiter:    limiter,
		Budget:         budgetMgr,
		CostCalculator: costCalc,
		CostTracker:    costTracker,
		Tracer:         tracer,
		RedisManager:   redisMgr,
		RetryPolicy:    llm.RetryPolicyFromAppConfig(cfg.LLM),
		Logger:         logger,
	})
}

func newHTTPServer(cfg *config.Config, gw *llm.Gateway, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := gw.Healthy(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req llm.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		resp, err := gw.Completion(r.Context(), &req)
		if err != nil {
			logger.Warn("completion failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

func waitForShutdown(srv *http.Server, cfg *config.Config, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func printVersion() {
	fmt.Printf("gateway %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`gateway - AgentFlow LLM gateway

Usage:
  gateway <command> [options]

Commands:
  serve     Start the HTTP gateway server
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if zapConfig.Encoding != "console" {
		zapConfig.Encoding = "json"
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
