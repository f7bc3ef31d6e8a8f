// Copyright 2025 Agentic World, LLC (Sherin Thomas)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/agentberlin/greenlight/internal/metrics"
)

// Sampling hooks, swapped out by tests.
var (
	cpuPercent = func(ctx context.Context) (float64, error) {
		vals, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil || len(vals) == 0 {
			return 0, err
		}
		return vals[0], nil
	}
	memPercent = func(ctx context.Context) (float64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil
	}
)

// ResourceMonitor watches host CPU and memory and pauses stage
// scheduling while either is above its threshold. A breach opens a
// cool-down window and hints the GC; thresholds at or below zero
// disable the monitor.
type ResourceMonitor struct {
	cpuLimit float64
	memLimit float64
	interval time.Duration
	cooldown time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	pausedUntil atomic.Int64 // unix nanos
}

// NewResourceMonitor builds a monitor with the given percentage limits.
// metrics and logger may be nil.
func NewResourceMonitor(cpuLimit, memLimit float64, m *metrics.Metrics, logger *zap.Logger) *ResourceMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceMonitor{
		cpuLimit: cpuLimit,
		memLimit: memLimit,
		interval: 5 * time.Second,
		cooldown: 30 * time.Second,
		metrics:  m,
		logger:   logger,
	}
}

func (rm *ResourceMonitor) enabled() bool {
	return rm != nil && (rm.cpuLimit > 0 || rm.memLimit > 0)
}

// Run samples until ctx is cancelled. Call it on its own goroutine.
func (rm *ResourceMonitor) Run(ctx context.Context) {
	if !rm.enabled() {
		return
	}
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.sample(ctx)
		}
	}
}

func (rm *ResourceMonitor) sample(ctx context.Context) {
	cpuUsed, err := cpuPercent(ctx)
	if err != nil {
		rm.logger.Debug("cpu sample failed", zap.Error(err))
		return
	}
	memUsed, err := memPercent(ctx)
	if err != nil {
		rm.logger.Debug("memory sample failed", zap.Error(err))
		return
	}
	over := (rm.cpuLimit > 0 && cpuUsed >= rm.cpuLimit) ||
		(rm.memLimit > 0 && memUsed >= rm.memLimit)
	if !over {
		return
	}
	rm.pausedUntil.Store(time.Now().Add(rm.cooldown).UnixNano())
	if rm.metrics != nil {
		rm.metrics.RecordResourcePause()
	}
	rm.logger.Warn("host under pressure, pausing stage scheduling",
		zap.Float64("cpu_percent", cpuUsed),
		zap.Float64("memory_percent", memUsed),
		zap.Duration("cooldown", rm.cooldown))
	runtime.GC()
}

// Paused reports whether scheduling is currently gated.
func (rm *ResourceMonitor) Paused() bool {
	if rm == nil {
		return false
	}
	return time.Now().UnixNano() < rm.pausedUntil.Load()
}

// Wait blocks until any active pause expires or ctx is cancelled.
func (rm *ResourceMonitor) Wait(ctx context.Context) error {
	if rm == nil {
		return ctx.Err()
	}
	for {
		d := time.Until(time.Unix(0, rm.pausedUntil.Load()))
		if d <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
