// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"context"
	"runtime"
	"time"
)

// SampleFunc refreshes component gauges. It is called from the collector
// goroutine and must not block on the hardware root.
type SampleFunc func()

// ResourceCollector periodically refreshes runtime gauges and any
// registered component samplers.
type ResourceCollector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	samplers []SampleFunc
}

// NewResourceCollector creates a collector that runs every interval until
// ctx is cancelled or Stop is called.
//
//	collector := metrics.NewResourceCollector(ctx, 15*time.Second, subsystem.SampleMetrics)
//	go collector.Start()
//	defer collector.Stop()
func NewResourceCollector(ctx context.Context, interval time.Duration, samplers ...SampleFunc) *ResourceCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	return &ResourceCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		samplers: samplers,
	}
}

// Start blocks, collecting at the configured interval.
func (rc *ResourceCollector) Start() {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect()

	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.collect()
		}
	}
}

// Stop halts the collector.
func (rc *ResourceCollector) Stop() {
	rc.cancel()
}

func (rc *ResourceCollector) collect() {
	if !IsEnabled() {
		return
	}
	CollectOnce()
	for _, sample := range rc.samplers {
		sample()
	}
}

// CollectOnce refreshes the runtime gauges.
func CollectOnce() {
	if !IsEnabled() {
		return
	}
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartResourceCollector creates a collector and starts it in the background.
func StartResourceCollector(ctx context.Context, interval time.Duration, samplers ...SampleFunc) *ResourceCollector {
	collector := NewResourceCollector(ctx, interval, samplers...)
	go collector.Start()
	return collector
}
