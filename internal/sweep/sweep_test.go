package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingExpirer struct {
	calls atomic.Int64
	err   error
}

func (c *countingExpirer) ExpireStale(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

type countingRejecter struct {
	calls atomic.Int64
}

func (c *countingRejecter) AutoRejectStale(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestSweepRunsBothPasses(t *testing.T) {
	exp := &countingExpirer{}
	rej := &countingRejecter{}
	s := New(exp, rej, time.Hour)

	s.Sweep(context.Background())

	if exp.calls.Load() != 1 || rej.calls.Load() != 1 {
		t.Fatalf("expirer=%d rejecter=%d, want 1 each", exp.calls.Load(), rej.calls.Load())
	}
}

func TestSweepContinuesPastErrors(t *testing.T) {
	exp := &countingExpirer{err: errors.New("db down")}
	rej := &countingRejecter{}
	s := New(exp, rej, time.Hour)

	// Must not panic or abort the pass.
	s.Sweep(context.Background())
	s.Sweep(context.Background())

	if exp.calls.Load() != 2 {
		t.Fatalf("expirer calls = %d, want 2", exp.calls.Load())
	}
}

func TestStartStop(t *testing.T) {
	exp := &countingExpirer{}
	rej := &countingRejecter{}
	s := New(exp, rej, 5*time.Millisecond)

	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	if exp.calls.Load() == 0 {
		t.Fatal("expected at least one sweep pass")
	}
	after := exp.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if exp.calls.Load() != after {
		t.Fatal("sweeper kept running after Stop")
	}
}
