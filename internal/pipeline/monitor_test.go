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
	"testing"
	"time"
)

func withFakeSamples(t *testing.T, cpuVal, memVal float64) {
	t.Helper()
	origCPU, origMem := cpuPercent, memPercent
	t.Cleanup(func() { cpuPercent, memPercent = origCPU, origMem })
	cpuPercent = func(ctx context.Context) (float64, error) { return cpuVal, nil }
	memPercent = func(ctx context.Context) (float64, error) { return memVal, nil }
}

func TestResourceMonitorPausesUnderPressure(t *testing.T) {
	withFakeSamples(t, 95, 40)

	rm := NewResourceMonitor(85, 90, nil, nil)
	rm.cooldown = 50 * time.Millisecond

	rm.sample(context.Background())
	if !rm.Paused() {
		t.Fatal("monitor should pause above the CPU threshold")
	}
	if err := rm.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rm.Paused() {
		t.Fatal("pause should have expired after the cool-down")
	}
}

func TestResourceMonitorMemoryThreshold(t *testing.T) {
	withFakeSamples(t, 10, 95)

	rm := NewResourceMonitor(85, 90, nil, nil)
	rm.cooldown = 10 * time.Millisecond
	rm.sample(context.Background())
	if !rm.Paused() {
		t.Fatal("monitor should pause above the memory threshold")
	}
}

func TestResourceMonitorHealthySample(t *testing.T) {
	withFakeSamples(t, 10, 20)

	rm := NewResourceMonitor(85, 90, nil, nil)
	rm.sample(context.Background())
	if rm.Paused() {
		t.Fatal("monitor paused on a healthy sample")
	}
	if err := rm.Wait(context.Background()); err != nil {
		t.Fatalf("Wait should pass straight through: %v", err)
	}
}

func TestResourceMonitorWaitCancelled(t *testing.T) {
	rm := NewResourceMonitor(85, 90, nil, nil)
	rm.pausedUntil.Store(time.Now().Add(time.Hour).UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := rm.Wait(ctx); err == nil {
		t.Fatal("Wait should surface the cancellation")
	}
}

func TestResourceMonitorDisabled(t *testing.T) {
	rm := NewResourceMonitor(0, 0, nil, nil)
	done := make(chan struct{})
	go func() {
		rm.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled monitor should return immediately")
	}
	if rm.Paused() {
		t.Fatal("disabled monitor must never pause")
	}
}
