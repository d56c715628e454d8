// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

// Command gateway runs the AgentFlow LLM gateway as a standalone HTTP
// service: load config once, build a Gateway from it, serve chat
// completions over HTTP until told to stop.
//
// Usage:
//
//	gateway serve                       # start the HTTP server
//	gateway serve --config config.yaml  # use a specific config file
//	gateway version                     # print version info
package main
