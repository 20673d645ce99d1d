package retry

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

var quiet = log.New(io.Discard, "", 0)

func TestDelaySequence(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
	if got := p.Delay(200); got != 30*time.Second {
		t.Errorf("Delay(200) = %v, want cap", got)
	}
}

func TestDelayWithoutMaxDelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second}
	for _, attempt := range []int{5, 63, 64, 1000} {
		got := p.Delay(attempt)
		if got <= 0 || got > DefaultMaxDelay {
			t.Errorf("Delay(%d) = %v, want within (0, %v]", attempt, got, DefaultMaxDelay)
		}
	}
}

func TestDoRecordsDelaysAndReturnsLastError(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
		Logger:     quiet,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("boom " + string(rune('0'+calls)))
	})
	if err == nil || err.Error() != "boom 6" {
		t.Fatalf("err = %v, want last error boom 6", err)
	}
	if calls != 6 {
		t.Fatalf("calls = %d, want 6", calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept = %v", slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	p := Policy{MaxRetries: 3, Logger: quiet, Sleep: func(context.Context, time.Duration) error { return nil }}
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoNonRetryable(t *testing.T) {
	permanent := errors.New("missing credentials")
	calls := 0
	p := Policy{
		MaxRetries: 3,
		Logger:     quiet,
		Retryable:  func(err error) bool { return !errors.Is(err, permanent) },
	}
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxRetries: 3, BaseDelay: time.Hour, Logger: quiet}
	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestValue(t *testing.T) {
	p := Policy{MaxRetries: 1, Logger: quiet, Sleep: func(context.Context, time.Duration) error { return nil }}
	n := 0
	v, err := Value(context.Background(), p, func(context.Context) (int, error) {
		n++
		if n == 1 {
			return 0, errors.New("first")
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

func TestDegrade(t *testing.T) {
	got := Degrade(context.Background(), quiet, "enrich", "fallback", func(context.Context) (string, error) {
		return "", errors.New("unavailable")
	})
	if got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
	got = Degrade(context.Background(), quiet, "enrich", "fallback", func(context.Context) (string, error) {
		panic("nil map")
	})
	if got != "fallback" {
		t.Errorf("panic got %q, want fallback", got)
	}
	got = Degrade(context.Background(), quiet, "enrich", "fallback", func(context.Context) (string, error) {
		return "value", nil
	})
	if got != "value" {
		t.Errorf("got %q, want value", got)
	}
}
