package runner_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sabouaram/mirrorhub/internal/runner"
)

func TestRunnerInitialState(t *testing.T) {
	r := runner.New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)
	if r.IsRunning() {
		t.Fatal("expected not running initially")
	}
	if r.Uptime() != 0 {
		t.Fatal("expected zero uptime initially")
	}
	if r.ErrorsLast() != nil || len(r.ErrorsList()) != 0 {
		t.Fatal("expected no errors initially")
	}
}

func TestRunnerStartStop(t *testing.T) {
	var running atomic.Bool
	var stopped atomic.Bool

	start := func(ctx context.Context) error {
		running.Store(true)
		<-ctx.Done()
		running.Store(false)
		return nil
	}
	stop := func(ctx context.Context) error {
		stopped.Store(true)
		return nil
	}

	r := runner.New(start, stop)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !r.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !r.IsRunning() {
		t.Fatal("expected running after Start")
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped.Load() {
		t.Fatal("expected stop function to be called")
	}
	if r.IsRunning() {
		t.Fatal("expected not running after Stop")
	}
	if r.Uptime() != 0 {
		t.Fatal("expected zero uptime after Stop")
	}
}

func TestRunnerStopWhenNotRunning(t *testing.T) {
	r := runner.New(
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return nil },
	)
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on idle runner: %v", err)
	}
}

func TestRunnerMultipleStopCallsAreIdempotent(t *testing.T) {
	var stopCount atomic.Int32

	start := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	stop := func(ctx context.Context) error {
		stopCount.Add(1)
		return nil
	}

	r := runner.New(start, stop)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !r.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if stopCount.Load() != 1 {
		t.Fatalf("expected stop function called once, got %d", stopCount.Load())
	}
}

func TestRunnerRestart(t *testing.T) {
	var startCount atomic.Int32

	start := func(ctx context.Context) error {
		startCount.Add(1)
		<-ctx.Done()
		return nil
	}
	stop := func(ctx context.Context) error { return nil }

	r := runner.New(start, stop)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for startCount.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	first := startCount.Load()

	if err := r.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for startCount.Load() <= first && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if startCount.Load() <= first {
		t.Fatalf("expected start function invoked again by Restart, count=%d", startCount.Load())
	}

	_ = r.Stop(ctx)
}

func TestRunnerUptimeIncreases(t *testing.T) {
	start := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	stop := func(ctx context.Context) error { return nil }

	r := runner.New(start, stop)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !r.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	u1 := r.Uptime()
	if u1 <= 0 {
		t.Fatal("expected positive uptime")
	}

	time.Sleep(50 * time.Millisecond)
	u2 := r.Uptime()
	if u2 <= u1 {
		t.Fatal("expected uptime to increase")
	}

	_ = r.Stop(ctx)
}
