// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

package llm

import (
	"github.com/BaSui01/agentflow/config"
	internalcache "github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/llm/retry"
	"go.uber.org/zap"
)

// RetryPolicyFromAppConfig derives a retry.RetryPolicy from the loaded
// application config's LLM section, so config.Loader's MaxRetries value
// reaches the gateway's retry tier instead of going unused once Load
// returns (a non-positive MaxRetries keeps the default). Every other field
// keeps retry.DefaultRetryPolicy's value; cfg.Timeout is not used here.
func RetryPolicyFromAppConfig(cfg config.LLMConfig) *retry.RetryPolicy {
	policy := retry.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		policy.MaxRetries = cfg.MaxRetries
	}
	return policy
}

// RedisManagerFromAppConfig builds the internal/cache.Manager the
// Gateway's Healthy check (and, via GatewayConfig.RedisManager.Client,
// any Redis-backed cache/rate-limiter a caller wires alongside it) share
// one connection pool against, from the app config's Redis section.
func RedisManagerFromAppConfig(cfg config.RedisConfig, logger *zap.Logger) (*internalcache.Manager, error) {
	mgrCfg := internalcache.DefaultConfig()
	mgrCfg.Addr = cfg.Addr
	mgrCfg.Password = cfg.Password
	mgrCfg.DB = cfg.DB
	if cfg.PoolSize > 0 {
		mgrCfg.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		mgrCfg.MinIdleConns = cfg.MinIdleConns
	}
	return internalcache.NewManager(mgrCfg, logger)
}
