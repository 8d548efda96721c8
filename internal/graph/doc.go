// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package graph defines pipeline graphs and loads them from YAML, JSON or
// HCL files.
//
// A graph has one entry node. Each node names the agent it runs, the state
// keys it needs and produces, its successor (next), an optional failure
// route (on_fail), a retry policy, an optional budget override and an
// optional model-selection policy. Following next from the entry must reach
// an end node; loops are only allowed through on_fail.
//
// # YAML
//
//	id: cert-graph
//	entry: outline
//	nodes:
//	  - name: outline
//	    agent: outline
//	    inputs: [cert_id]
//	    next: draft
//	    retry: {max_attempts: 3, backoff_seconds: 2}
//	  - name: draft
//	    agent: draft
//	    end: true
//
// # HCL
//
//	id    = "cert-graph"
//	entry = "outline"
//
//	node "outline" {
//	  agent  = "outline"
//	  inputs = ["cert_id"]
//	  next   = "draft"
//	  policy {
//	    model = var.outline_model
//	  }
//	}
//
// HCL files may reference var.<name> values passed to Load.
package graph
