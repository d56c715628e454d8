package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter is the distributed sliding-window limiter. RPM uses a
// sorted set per model (score = unix nanos), pruned by ZREMRANGEBYSCORE on
// each write; TPM uses a plain INCRBY counter with a 60s expiry refreshed
// on each write. Every method fails open: a Redis error yields an allowed
// result rather than blocking the caller on a degraded backend.
type RedisLimiter struct {
	client *redis.Client
	limits map[string]Limits
	logger *zap.Logger
}

// NewRedisLimiter returns a distributed limiter using client.
func NewRedisLimiter(client *redis.Client, limits map[string]Limits, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{client: client, limits: limits, logger: logger}
}

func (l *RedisLimiter) rpmKey(model string) string { return "ratelimit:rpm:" + model }
func (l *RedisLimiter) tpmKey(model string) string { return "ratelimit:tpm:" + model }

func (l *RedisLimiter) Check(model string, estimatedTokens int) CheckResult {
	limits, bounded := l.limits[model]
	if !bounded {
		return CheckResult{Allowed: true}
	}

	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-window)

	if limits.RPM > 0 {
		key := l.rpmKey(model)
		if err := l.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
			l.logger.Warn("ratelimit rpm prune failed, failing open", zap.Error(err))
			return CheckResult{Allowed: true}
		}
		count, err := l.client.ZCard(ctx, key).Result()
		if err != nil {
			l.logger.Warn("ratelimit rpm count failed, failing open", zap.Error(err))
			return CheckResult{Allowed: true}
		}
		if int(count) >= limits.RPM {
			oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
			wait := window.Seconds()
			if err == nil && len(oldest) == 1 {
				oldestTime := time.Unix(0, int64(oldest[0].Score))
				wait = window.Seconds() - now.Sub(oldestTime).Seconds()
				if wait < 0 {
					wait = 0
				}
			}
			return CheckResult{Allowed: false, WaitSeconds: wait, Reason: ReasonRPM}
		}
	}

	if limits.TPM > 0 {
		used, err := l.client.Get(ctx, l.tpmKey(model)).Int()
		if err != nil && err != redis.Nil {
			l.logger.Warn("ratelimit tpm read failed, failing open", zap.Error(err))
			return CheckResult{Allowed: true}
		}
		if used+estimatedTokens > limits.TPM {
			return CheckResult{Allowed: false, WaitSeconds: window.Seconds(), Reason: ReasonTPM}
		}
	}

	return CheckResult{Allowed: true}
}

func (l *RedisLimiter) Record(model string, actualTokens int) {
	ctx := context.Background()
	now := time.Now()

	key := l.rpmKey(model)
	if err := l.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()}).Err(); err != nil {
		l.logger.Warn("ratelimit rpm record failed", zap.Error(err))
	} else {
		l.client.Expire(ctx, key, window)
	}

	tpmKey := l.tpmKey(model)
	pipe := l.client.TxPipeline()
	pipe.IncrBy(ctx, tpmKey, int64(actualTokens))
	pipe.Expire(ctx, tpmKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("ratelimit tpm record failed", zap.Error(err))
	}
}

func (l *RedisLimiter) GetUsage(model string) Usage {
	limits := l.limits[model]
	ctx := context.Background()
	now := time.Now()

	rpmUsed, err := l.client.ZCount(ctx, l.rpmKey(model),
		fmt.Sprintf("%d", now.Add(-window).UnixNano()), "+inf").Result()
	if err != nil {
		l.logger.Warn("ratelimit usage rpm read failed, failing open", zap.Error(err))
	}

	tpmUsed, err := l.client.Get(ctx, l.tpmKey(model)).Int()
	if err != nil && err != redis.Nil {
		l.logger.Warn("ratelimit usage tpm read failed, failing open", zap.Error(err))
	}

	return Usage{
		RPMUsed:  int(rpmUsed),
		RPMLimit: limits.RPM,
		TPMUsed:  tpmUsed,
		TPMLimit: limits.TPM,
	}
}

func (l *RedisLimiter) WaitIfNeeded(model string, estimatedTokens int) time.Duration {
	result := l.Check(model, estimatedTokens)
	if result.Allowed {
		return 0
	}
	d := time.Duration(result.WaitSeconds * float64(time.Second))
	time.Sleep(d)
	return d
}

// SetLimits registers or overrides the RPM/TPM ceiling for a model.
func (l *RedisLimiter) SetLimits(model string, limits Limits) {
	l.limits[model] = limits
}
