package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open, WithClock(clock.Now)), clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("scoring-model") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("scoring-model")
	b.RecordFailure("scoring-model")
	if !b.Allow("scoring-model") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("scoring-model")
	if b.Allow("scoring-model") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("scoring-model") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("scoring-model"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2, 30*time.Second)

	b.RecordFailure("horizon:testnet")
	b.RecordFailure("horizon:testnet")
	if b.Allow("horizon:testnet") {
		t.Fatal("should be open")
	}

	clock.Advance(31 * time.Second)

	if !b.Allow("horizon:testnet") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("horizon:testnet") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("horizon:testnet"))
	}
	if b.Allow("horizon:testnet") {
		t.Fatal("should reject second request in half-open")
	}

	b.RecordSuccess("horizon:testnet")
	if b.State("horizon:testnet") != StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", b.State("horizon:testnet"))
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)

	b.RecordFailure("k")
	clock.Advance(2 * time.Second)
	if !b.Allow("k") {
		t.Fatal("expected probe")
	}
	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("k"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	b.RecordFailure("horizon:testnet")
	if b.Allow("horizon:testnet") {
		t.Fatal("testnet should be open")
	}
	if !b.Allow("horizon:mainnet") {
		t.Fatal("mainnet should be unaffected")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")

	calls := 0
	fail := func() error { calls++; return boom }

	if err := b.Execute("m", fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Execute("m", fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Execute("m", fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected fn to run twice, ran %d times", calls)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	if b.State("k") != StateClosed {
		t.Fatal("non-consecutive failures should not trip")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan State, 1)
	b.OnTransition(func(key string, from, to State) { got <- to })

	b.RecordFailure("k")

	select {
	case to := <-got:
		if to != StateOpen {
			t.Fatalf("expected transition to open, got %v", to)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
