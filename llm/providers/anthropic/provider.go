// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/middleware"
	"github.com/BaSui01/agentflow/llm/providers"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const defaultClaudeModel = "claude-3-5-sonnet-20241022"

// ClaudeProvider implements llm.Provider on top of the official
// anthropic-sdk-go client. It does not embed openaicompat.Provider: the
// Messages API shape (system passed separately, content as typed blocks,
// tool_use/tool_result blocks) is different enough from the OpenAI wire
// format that the shim is not a good fit, per the wiring note on this
// package in the domain stack table.
type ClaudeProvider struct {
	cfg           providers.ClaudeConfig
	client        anthropic.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewClaudeProvider creates a Claude provider backed by the Anthropic SDK.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = "2023-06-01"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithHeader("anthropic-version", cfg.AnthropicVersion),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	} else {
		opts = append(opts, option.WithRequestTimeout(60*time.Second))
	}

	return &ClaudeProvider{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

func (p *ClaudeProvider) Name() string { return "claude" }

func (p *ClaudeProvider) SupportsNativeFunctionCalling() bool { return true }

// clientForRequest returns a client scoped to a per-request credential
// override, falling back to the provider's configured key.
func (p *ClaudeProvider) clientForRequest(ctx context.Context) anthropic.Client {
	c, ok := llm.CredentialOverrideFromContext(ctx)
	if !ok || strings.TrimSpace(c.APIKey) == "" {
		return p.client
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(c.APIKey)),
		option.WithBaseURL(p.cfg.BaseURL),
		option.WithHeader("anthropic-version", p.cfg.AnthropicVersion),
	}
	return anthropic.NewClient(opts...)
}

func (p *ClaudeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels returns the models known to the configured Anthropic account.
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, mapClaudeSDKError(err, p.Name())
	}
	out := make([]llm.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, llm.Model{
			ID:      m.ID,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "anthropic",
		})
	}
	return out, nil
}

// buildMessageParams converts a unified chat request to the shape the
// Messages API expects: system extracted to its own field, tool results
// folded into user messages, tool_use blocks on assistant messages.
func buildMessageParams(req *llm.ChatRequest, defaultModel string) anthropic.MessageNewParams {
	var system string
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
		case llm.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case llm.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = defaultClaudeModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
		TopP:        anthropic.Float(float64(req.TopP)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if tools := convertToolSchemas(req.Tools); len(tools) > 0 {
		params.Tools = tools
		if req.ToolChoice != "" && req.ToolChoice != "auto" && req.ToolChoice != "none" {
			params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ToolChoice)
		}
	}
	return params
}

func convertToolSchemas(tools []llm.ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		_ = json.Unmarshal(t.Parameters, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return out
}

func (p *ClaudeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	req = rewritten

	params := buildMessageParams(req, p.cfg.Model)
	resp, err := p.clientForRequest(ctx).Messages.New(ctx, params)
	if err != nil {
		return nil, mapClaudeSDKError(err, p.Name())
	}

	return toChatResponse(resp, p.Name()), nil
}

func toChatResponse(resp *anthropic.Message, provider string) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			msg.Content += b.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	total := int(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: provider,
		Model:    string(resp.Model),
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: string(resp.StopReason),
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      total,
		},
	}
}

func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	req = rewritten

	params := buildMessageParams(req, p.cfg.Model)
	stream := p.clientForRequest(ctx).Messages.NewStreaming(ctx, params)

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)

		var currentID, currentModel string
		toolCalls := make(map[int]*llm.ToolCall)

		for stream.Next() {
			event := stream.Current()
			switch e := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				currentID = e.Message.ID
				currentModel = string(e.Message.Model)

			case anthropic.ContentBlockStartEvent:
				if block, ok := e.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolCalls[int(e.Index)] = &llm.ToolCall{
						ID:        block.ID,
						Name:      block.Name,
						Arguments: json.RawMessage("{}"),
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				chunk := llm.StreamChunk{
					ID:       currentID,
					Provider: p.Name(),
					Model:    currentModel,
					Index:    int(e.Index),
					Delta:    llm.Message{Role: llm.RoleAssistant},
				}
				switch d := e.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					chunk.Delta.Content = d.Text
					ch <- chunk
				case anthropic.InputJSONDelta:
					if tc, ok := toolCalls[int(e.Index)]; ok {
						tc.Arguments = append(tc.Arguments, []byte(d.PartialJSON)...)
					}
				}

			case anthropic.ContentBlockStopEvent:
				if tc, ok := toolCalls[int(e.Index)]; ok {
					ch <- llm.StreamChunk{
						ID:       currentID,
						Provider: p.Name(),
						Model:    currentModel,
						Index:    int(e.Index),
						Delta: llm.Message{
							Role:      llm.RoleAssistant,
							ToolCalls: []llm.ToolCall{*tc},
						},
					}
					delete(toolCalls, int(e.Index))
				}

			case anthropic.MessageDeltaEvent:
				if e.Delta.StopReason != "" {
					ch <- llm.StreamChunk{
						ID:           currentID,
						Provider:     p.Name(),
						Model:        currentModel,
						FinishReason: string(e.Delta.StopReason),
						Usage: &llm.ChatUsage{
							CompletionTokens: int(e.Usage.OutputTokens),
						},
					}
				}

			case anthropic.MessageStopEvent:
				// terminal event, usage already carried on the preceding
				// message_delta; nothing further to emit.
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamChunk{Err: mapClaudeSDKError(err, p.Name())}
		}
	}()

	return ch, nil
}

// mapClaudeSDKError translates anthropic-sdk-go errors into the unified
// error taxonomy. The SDK surfaces HTTP-level failures as *anthropic.Error.
func mapClaudeSDKError(err error, provider string) *llm.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.MapHTTPError(apiErr.StatusCode, apiErr.Message, provider)
	}
	return &llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}
}
