package cache

import "context"

// GatewayAdapter wraps a MultiLevelCache to satisfy llm.GatewayCache. The
// llm package cannot import this package directly (llm/cache already
// imports llm for ChatRequest/Message, so the reverse import would
// cycle); callers construct a GatewayAdapter here, where the concrete
// MultiLevelCache type is in scope, and pass it into llm.GatewayConfig.Cache
// as the interface value.
type GatewayAdapter struct {
	*MultiLevelCache
}

// NewGatewayAdapter adapts mlc to the (ctx, key string) (any, error) shape
// llm.GatewayCache expects.
func NewGatewayAdapter(mlc *MultiLevelCache) *GatewayAdapter {
	return &GatewayAdapter{MultiLevelCache: mlc}
}

func (a *GatewayAdapter) Get(ctx context.Context, key string) (any, error) {
	entry, err := a.MultiLevelCache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Response, nil
}

func (a *GatewayAdapter) Set(ctx context.Context, key string, response any) error {
	return a.MultiLevelCache.Set(ctx, key, &CacheEntry{Response: response})
}
