package backoff

import (
	"testing"
	"time"
)

func noJitter(int64) int64 { return 0 }

func TestPolicy_ExponentialCurve(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: noJitter}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
		{-3, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := New(100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 8; attempt++ {
		floor := p.exponential(attempt)
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt)
			if d < floor || d >= floor+p.Base {
				t.Fatalf("Delay(%d) = %v outside [%v, %v)", attempt, d, floor, floor+p.Base)
			}
		}
	}
}

func TestPolicy_InjectedJitter(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, Jitter: func(n int64) int64 { return n - 1 }}
	if got := p.Delay(1); got != 3*time.Second-time.Nanosecond {
		t.Fatalf("unexpected delay %v", got)
	}
}

func TestPolicy_ZeroBase(t *testing.T) {
	if got := (Policy{}).Delay(3); got != 0 {
		t.Fatalf("zero policy should not delay, got %v", got)
	}
}

func TestPolicy_UncappedStopsBeforeOverflow(t *testing.T) {
	p := Policy{Base: time.Nanosecond, Jitter: noJitter}
	for _, attempt := range []int{62, 63, 64, 1000} {
		if got := p.Delay(attempt); got != time.Duration(1<<62) {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, time.Duration(1<<62))
		}
	}
}
