package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Retries: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	want := errors.New("still failing")
	err := Do(context.Background(), Policy{Retries: 2, BaseDelay: time.Millisecond, Backoff: Linear}, func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoSkipsPermanentErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		Retries:   5,
		BaseDelay: time.Millisecond,
		Retryable: func(error) bool { return false },
	}, func(context.Context) error {
		calls++
		return errors.New("bad request")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one failing call, got calls=%d err=%v", calls, err)
	}
}

func TestDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Retries: 3, BaseDelay: time.Hour}, func(context.Context) error {
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffs(t *testing.T) {
	base := 10 * time.Millisecond
	if got := Linear(3, base); got != 30*time.Millisecond {
		t.Fatalf("linear: got %s", got)
	}
	if got := Exponential(3, base); got != 40*time.Millisecond {
		t.Fatalf("exponential: got %s", got)
	}
}
