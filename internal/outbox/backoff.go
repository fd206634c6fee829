package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(Max, Initial * 2^(attempt-1)),
// optionally scaled by a uniform factor in [0.5, 1.0].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool

	// rand returns a value in [0, 1); nil uses math/rand/v2.
	rand func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d *= 0.5 + r()*0.5
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return time.Duration(d)
}
