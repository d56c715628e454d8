// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config 提供 AgentFlow 的配置加载功能。

# 概述

config 包负责应用配置的一次性加载与合并，按
"默认值 -> YAML 文件 -> 环境变量" 的优先级组装出不可变的
Config 值。网关在启动时加载一次并构造 Gateway，生命周期中
不再对同一个 Config 值做原地修改——运行时需要变更路由、
部署或限流参数时，走的是重新调用 Loader.Load 后重建网关，
而不是热重载旧值；这也是运行时配置热重载管理器没有被搬进
这棵树的原因（原版的 HotReloadManager / FileWatcher /
ConfigAPIHandler 三件套依赖相互耦合的运行时互斥结构，与
"构造一次、只读使用"的生命周期假设冲突）。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Server、Agent、Redis、
    Database、Qdrant、Weaviate、Milvus、LLM、Log、Telemetry
  - Loader: 配置加载器，支持 Builder 模式链式设置
    文件路径、环境变量前缀与自定义验证器

# 主要能力

  - 多源加载: YAML 文件、环境变量（AGENTFLOW_ 前缀）、默认值
  - 配置验证: 内置基础校验 + 自定义 ValidateFunc 钩子

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("AGENTFLOW").
		Load()
*/
package config
