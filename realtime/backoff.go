package realtime

import (
	"math/rand"
	"time"
)

// backoff computes reconnect delays: exponential with a 1s base, factor
// 2, capped at 30s, with +/-20% jitter so a fleet of clients reconnecting
// after a shared outage doesn't thunder back in lockstep.
type backoff struct {
	attempt int
}

const (
	backoffBase   = time.Second
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
)

func (b *backoff) next() time.Duration {
	d := backoffBase
	for i := 0; i < b.attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	b.attempt++

	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	return time.Duration(float64(d) * jitter)
}

func (b *backoff) reset() {
	b.attempt = 0
}
