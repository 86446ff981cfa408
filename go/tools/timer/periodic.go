// Copyright 2026 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timer runs background work on a fixed interval.
package timer

import (
	"context"
	"sync"
	"time"
)

// Periodic calls a function every interval until stopped. The next call is
// scheduled only after the current one returns, so calls never overlap.
//
//	p := timer.NewPeriodic(time.Second, sweep)
//	p.Start(ctx)
//	defer p.Stop()
type Periodic struct {
	interval time.Duration
	fn       func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeriodic returns a stopped Periodic.
func NewPeriodic(interval time.Duration, fn func(ctx context.Context)) *Periodic {
	return &Periodic{interval: interval, fn: fn}
}

// Start begins calling fn with a context derived from ctx, which is
// cancelled by Stop or when ctx ends. It reports false if already running.
func (p *Periodic) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runningLocked() {
		return false
	}
	if p.cancel != nil {
		p.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.run(runCtx, done)
	return true
}

// Stop cancels the running context and waits for an in-flight call to
// return. It is a no-op when stopped. Start may be called again afterwards.
func (p *Periodic) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether calls are still being scheduled.
func (p *Periodic) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runningLocked()
}

func (p *Periodic) runningLocked() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		// Parent context ended.
		return false
	default:
		return true
	}
}

func (p *Periodic) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTimer(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.fn(ctx)
			t.Reset(p.interval)
		}
	}
}
