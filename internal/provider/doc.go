// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider is the process-wide catalog of inference providers.
//
// A Registry holds one Entry per provider (local or remote) with its cost,
// quality and context metadata and an availability flag. Selection filters
// qualifiers by Requirements and applies a Strategy. A daily call cap,
// bucketed by UTC calendar day, stops frontier selection once met.
//
// The Registry is shared by every in-flight dispatch and pipeline run and
// is safe for concurrent use. The cap counter is pluggable: MemoryCounter
// for a single process, RedisCounter when several processes share a cap.
//
// # Usage
//
//	reg := provider.NewRegistry(provider.Config{DailyCap: 200})
//	reg.Register(provider.Entry{Name: "sonnet", Model: m, Quality: 0.93, Available: true})
//	for {
//	    e, err := reg.SelectProviderWithFallback(ctx, req, provider.HighestQuality)
//	    if err != nil {
//	        break // ErrDailyCapExceeded or ErrNoQualifiedProvider
//	    }
//	    if ok, _ := reg.ReserveCall(ctx, e.Name); !ok {
//	        break
//	    }
//	    if _, err := e.Model.Call(ctx, sys, user); err != nil {
//	        req.Exclude = append(req.Exclude, e.Name)
//	        continue
//	    }
//	    break
//	}
package provider
