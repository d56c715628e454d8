package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	llmpkg "github.com/BaSui01/agentflow/llm"
)

// HashKeyStrategy Hash 缓存键策略
// 对请求中的 model/messages/temperature/max_tokens 子集做 SHA-256 生成缓存键
type HashKeyStrategy struct{}

// Name 返回策略名称
func (s *HashKeyStrategy) Name() string {
	return "hash"
}

// cacheableRequest is the subset of ChatRequest that determines whether two
// requests are interchangeable for caching purposes. Fields like TraceID,
// TenantID, UserID, Timeout, Metadata and Tags are per-call/opaque and vary
// even when the request is semantically identical, so they are deliberately
// excluded from the key.
type cacheableRequest struct {
	Model       string           `json:"model"`
	Messages    []llmpkg.Message `json:"messages"`
	Temperature float32          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

// GenerateKey 生成 Hash 缓存键
func (s *HashKeyStrategy) GenerateKey(req *llmpkg.ChatRequest) string {
	canonical := cacheableRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		// fallback: 使用 fmt.Sprintf 生成确定性字符串避免 key 碰撞
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	hash := sha256.Sum256(data)
	return "llm:cache:" + hex.EncodeToString(hash[:]) // 完整 64 位十六进制摘要，保证内容寻址确定性
}

// NewHashKeyStrategy 创建 Hash 策略
func NewHashKeyStrategy() *HashKeyStrategy {
	return &HashKeyStrategy{}
}
