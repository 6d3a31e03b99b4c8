/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package runner is the hub's graceful start/stop/uptime lifecycle wrapper
// around the reactor goroutine (SPEC_FULL.md §5): the ambient counterpart
// to spec.md's single-threaded core, giving the CLI a uniform way to
// start, stop and restart the hub's reactor loop and report its uptime.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Runner wraps a pair of start/stop functions with the lifecycle
// bookkeeping a long-running service needs: at most one start function is
// ever in flight, Stop cancels it and waits for it to return before
// invoking the stop function, and Restart is exactly Stop-then-Start.
type Runner struct {
	start func(context.Context) error
	stop  func(context.Context) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	running   atomic.Bool
	startedAt atomic.Int64 // UnixNano; 0 while not running

	errMu   sync.Mutex
	lastErr error
	errList []error
}

// New builds a Runner. Either function may be nil, in which case that
// phase of the lifecycle is a no-op.
func New(start, stop func(context.Context) error) *Runner {
	return &Runner{start: start, stop: stop}
}

// IsRunning reports whether the start function is currently executing.
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Uptime returns how long the current run has been executing, or zero if
// not running.
func (r *Runner) Uptime() time.Duration {
	started := r.startedAt.Load()
	if started == 0 {
		return 0
	}
	return time.Since(time.Unix(0, started))
}

// Start stops any previous run, then launches start in a new goroutine
// with a fresh cancelable context. It does not block until start returns.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(ctx)
	r.startLocked()
	return nil
}

// Restart is Stop followed by Start under the same lock, so no other
// caller can observe the runner as stopped in between.
func (r *Runner) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(ctx)
	r.startLocked()
	return nil
}

// Stop cancels the running start function, waits for it to return, then
// invokes the stop function exactly once. It is idempotent: calling Stop
// when not running is a no-op.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *Runner) startLocked() {
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.running.Store(true)
	r.startedAt.Store(time.Now().UnixNano())

	go func() {
		defer close(done)
		defer r.running.Store(false)
		defer r.startedAt.Store(0)
		if r.start == nil {
			return
		}
		if err := r.start(runCtx); err != nil {
			r.recordError(err)
		}
	}()
}

func (r *Runner) stopLocked(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if r.stop == nil {
		return nil
	}
	if err := r.stop(ctx); err != nil {
		r.recordError(err)
		return err
	}
	return nil
}

func (r *Runner) recordError(err error) {
	r.errMu.Lock()
	r.lastErr = err
	r.errList = append(r.errList, err)
	r.errMu.Unlock()
}

// ErrorsLast returns the most recent error from either function, or nil.
func (r *Runner) ErrorsLast() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastErr
}

// ErrorsList returns every error recorded across the runner's lifetime.
func (r *Runner) ErrorsList() []error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	out := make([]error, len(r.errList))
	copy(out, r.errList)
	return out
}
