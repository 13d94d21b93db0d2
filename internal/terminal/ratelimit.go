package terminal

import "time"

const (
	bucketSteady   = 100
	bucketBurst    = 20
	bucketCapacity = bucketSteady + bucketBurst
	refillPerSec   = 100
)

// bucket is a per-session token bucket. Refill is computed lazily on take:
// tokens = min(cap, tokens + floor(elapsedSeconds * refillPerSec)). The
// refill clock only advances by whole refill units so fractional elapsed
// time is never lost.
type bucket struct {
	tokens     int
	lastRefill time.Time
	exceeded   int
}

func newBucket(now time.Time) *bucket {
	return &bucket{tokens: bucketSteady, lastRefill: now}
}

func (b *bucket) take(now time.Time) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	refill := int(elapsed * refillPerSec)
	if refill > 0 {
		b.tokens += refill
		if b.tokens > bucketCapacity {
			b.tokens = bucketCapacity
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(refill) * time.Second / refillPerSec)
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
