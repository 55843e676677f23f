// Package backoff computes redelivery delays for transient stage failures.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is capped exponential backoff with additive jitter:
// Delay(n) = min(Cap, Base*2^n) + jitter in [0, Base).
// A Policy is stateless and safe for concurrent use.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	// Jitter returns a value in [0, n). Defaults to math/rand/v2.
	Jitter func(n int64) int64
}

// New creates a Policy with the default jitter source.
func New(base, maxDelay time.Duration) Policy {
	return Policy{Base: base, Cap: maxDelay}
}

// Delay returns the wait before redelivery for a zero-based attempt,
// where attempt = receiveCount - 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.exponential(attempt) + p.jitter()
}

func (p Policy) exponential(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Cap > 0 && d >= p.Cap {
			break
		}
		// stop doubling before overflow
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

func (p Policy) jitter() time.Duration {
	if p.Base <= 0 {
		return 0
	}
	fn := p.Jitter
	if fn == nil {
		fn = rand.Int64N
	}
	return time.Duration(fn(int64(p.Base)))
}
