package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type countingTicker struct {
	calls   atomic.Int32
	started chan struct{}
	block   chan struct{}
}

func newCountingTicker(blocking bool) *countingTicker {
	t := &countingTicker{started: make(chan struct{}, 16)}
	if blocking {
		t.block = make(chan struct{})
	}
	return t
}

func (t *countingTicker) RunTick(ctx context.Context) TickReport {
	t.calls.Add(1)
	t.started <- struct{}{}
	if t.block != nil {
		<-t.block
	}
	return TickReport{Scanned: 1}
}

type tickLockStub struct {
	acquired bool
	err      error
	released atomic.Int32
}

func (l *tickLockStub) TryAcquire(context.Context) (func(), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func() { l.released.Add(1) }, true, nil
}

func TestRunOnce_SkipsOverlappingTicks(t *testing.T) {
	ticker := newCountingTicker(true)
	scheduler := NewScheduler(ticker, nil, newTestLogger(), testConfig())

	done := make(chan bool)
	go func() {
		_, ran := scheduler.RunOnce(context.Background())
		done <- ran
	}()
	<-ticker.started

	if _, ran := scheduler.RunOnce(context.Background()); ran {
		t.Fatalf("expected an overlapping tick to be skipped")
	}

	close(ticker.block)
	if !<-done {
		t.Fatalf("expected the first tick to run")
	}
	if got := ticker.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one tick, got %d", got)
	}

	// the guard is released once the tick finishes
	ticker.block = nil
	if _, ran := scheduler.RunOnce(context.Background()); !ran {
		t.Fatalf("expected the next tick to run")
	}
}

func TestRunOnce_RespectsTickLock(t *testing.T) {
	tests := map[string]*tickLockStub{
		"held elsewhere": {acquired: false},
		"lock error":     {err: errors.New("redis: connection refused")},
	}
	for name, lock := range tests {
		t.Run(name, func(t *testing.T) {
			ticker := newCountingTicker(false)
			scheduler := NewScheduler(ticker, lock, newTestLogger(), testConfig())
			if _, ran := scheduler.RunOnce(context.Background()); ran {
				t.Fatalf("expected the tick to be skipped")
			}
			if ticker.calls.Load() != 0 {
				t.Fatalf("ticker must not run without the lock")
			}
		})
	}

	lock := &tickLockStub{acquired: true}
	ticker := newCountingTicker(false)
	scheduler := NewScheduler(ticker, lock, newTestLogger(), testConfig())
	report, ran := scheduler.RunOnce(context.Background())
	if !ran || report.Scanned != 1 {
		t.Fatalf("expected the tick to run, got ran=%v report=%+v", ran, report)
	}
	if lock.released.Load() != 1 {
		t.Fatalf("expected the lock to be released after the tick")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.MatchIntervalSeconds = 1
	ticker := newCountingTicker(false)
	scheduler := NewScheduler(ticker, NoopTickLock{}, newTestLogger(), cfg)

	if scheduler.IsRunning() {
		t.Fatalf("expected a new scheduler to be stopped")
	}
	if err := scheduler.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	if !scheduler.IsRunning() {
		t.Fatalf("expected scheduler to be running")
	}

	select {
	case <-ticker.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the cron job to fire within the interval")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Stop to finish")
	}
	if scheduler.IsRunning() {
		t.Fatalf("expected scheduler to be stopped")
	}
}

func TestRunOnce_RecordsTickMetrics(t *testing.T) {
	metrics := NewTickMetrics(prometheus.NewRegistry())
	lock := &tickLockStub{acquired: true}
	scheduler := NewScheduler(newCountingTicker(false), lock, newTestLogger(), testConfig())
	scheduler.SetMetrics(metrics)

	scheduler.RunOnce(context.Background())
	lock.acquired = false
	scheduler.RunOnce(context.Background())

	if got := testutil.ToFloat64(metrics.ticks.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok tick, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ticks.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected 1 skipped tick, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.scanned); got != 1 {
		t.Fatalf("expected 1 scanned request, got %v", got)
	}
}
