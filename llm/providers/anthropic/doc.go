// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 claude 提供 Anthropic Claude 系列模型的 Provider 适配实现。
Claude API 与 OpenAI 格式有显著差异，本包基于官方 anthropic-sdk-go
客户端，负责将 AgentFlow 统一请求映射到 Messages API 的类型化请求/
响应结构，而不是手写 HTTP + JSON。

# 核心结构体

  - ClaudeProvider — 独立实现 llm.Provider 接口（未嵌入 openaicompat），
    持有一个 anthropic.Client 与 RewriterChain

# 协议差异

  - 认证使用 x-api-key 请求头（SDK 内部处理，非 Bearer Token）
  - system 消息从 messages 数组中提取，单独传递到 System 字段
  - 消息 content 为分块形式，支持 text / tool_use / tool_result 混合
  - Tool 结果包装为 user 角色的 tool_result 块
  - 流式响应通过 SDK 的事件迭代器消费（message_start /
    content_block_delta 等事件），而非手工解析 SSE

# 支持能力

  - Chat Completion（同步）
  - 流式输出（含工具调用参数增量累积）
  - 原生 Function Calling（tool_use / tool_result）
  - 模型列表查询、健康检查
  - CredentialOverride 运行时凭证覆盖
  - EmptyToolsCleaner 中间件自动清理空工具列表
*/
package claude
