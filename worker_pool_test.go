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

package greenlight

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolProcessesAll(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, 8)

	var done atomic.Int32
	for i := 0; i < 100; i++ {
		if err := pool.Submit(func() { done.Add(1) }); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	pool.Close()

	if got := done.Load(); got != 100 {
		t.Errorf("expected 100 processed items, got %d", got)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, 2)

	var inFlight, peak atomic.Int32
	for i := 0; i < 10; i++ {
		pool.Submit(func() {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		})
	}
	pool.Close()

	if p := peak.Load(); p > 2 {
		t.Errorf("concurrency bound exceeded: peak %d", p)
	}
}

func TestWorkerPoolSubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, 1, 0)
	cancel()

	// Workers exit on cancellation; an unbuffered queue with no workers
	// left must fail the submit instead of blocking forever.
	err := pool.Submit(func() {})
	if err == nil {
		t.Error("expected error submitting after cancellation")
	}
}

type blockingGate struct {
	release chan struct{}
}

func (g *blockingGate) Wait(ctx context.Context) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestWorkerPoolGatePausesDispatch(t *testing.T) {
	gate := &blockingGate{release: make(chan struct{})}
	pool := NewWorkerPool(context.Background(), 1, 4)
	pool.SetGate(gate)

	var done atomic.Int32
	pool.Submit(func() { done.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if done.Load() != 0 {
		t.Fatal("work executed while gate was closed")
	}

	close(gate.release)
	pool.Close()
	if done.Load() != 1 {
		t.Errorf("work not executed after gate opened, done=%d", done.Load())
	}
}
