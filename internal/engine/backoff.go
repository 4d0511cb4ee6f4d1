package engine

import (
	"math/rand/v2"
	"time"
)

// jitterFraction bounds the random extra delay as a share of the base delay.
const jitterFraction = 0.3

// Backoff computes retry delays: min(Base*2^attempt, Cap) plus uniform
// jitter in [0, 30%) of that value.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, 1). Nil uses math/rand.
	Jitter func() float64
}

// Raw is the delay before jitter. It never decreases as attempt grows.
func (b Backoff) Raw(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		if b.Cap > 0 && d >= b.Cap {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Delay is Raw plus jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	raw := b.Raw(attempt)
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	f := jitter()
	if f < 0 {
		f = 0
	}
	if f >= 1 {
		f = 0.999999
	}
	return raw + time.Duration(float64(raw)*jitterFraction*f)
}
