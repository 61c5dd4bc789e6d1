// Package outbound decides when a locally observed star is due to be sent.
package outbound

import (
	"math/rand"
	"sync"
	"time"

	"starhunt.gg/internal/star"
)

const (
	DefaultBase        = 10 * time.Second
	DefaultMaxDistance = 32

	jitterLo   = 0.8
	jitterSpan = 0.4
)

// Throttle rate-limits periodic updates per star. Each due check draws
// a fresh jitter so that observers standing at the same star don't send in
// lockstep. Only stars whose data changed since the last send are due.
type Throttle struct {
	base        time.Duration
	maxDistance int

	mu       sync.Mutex
	rng      *rand.Rand
	lastSent map[star.Key]time.Time
	dirty    map[star.Key]bool
}

func NewThrottle(base time.Duration, maxDistance int, rng *rand.Rand) *Throttle {
	if base <= 0 {
		base = DefaultBase
	}
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Throttle{
		base:        base,
		maxDistance: maxDistance,
		rng:         rng,
		lastSent:    map[star.Key]time.Time{},
		dirty:       map[star.Key]bool{},
	}
}

// interval returns base scaled by a uniform factor in [0.8, 1.2).
func (t *Throttle) interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intervalLocked()
}

func (t *Throttle) intervalLocked() time.Duration {
	f := jitterLo + jitterSpan*t.rng.Float64()
	return time.Duration(float64(t.base) * f)
}

// InRange reports whether rec is close enough to the observer to be reported.
func (t *Throttle) InRange(rec star.Record, observer star.Point) bool {
	return rec.Active && observer.Distance(rec.Location) <= t.maxDistance
}

// Note records that the data for key changed and should go out on the next due send.
func (t *Throttle) Note(key star.Key, changed bool) {
	if !changed {
		return
	}
	t.mu.Lock()
	t.dirty[key] = true
	t.mu.Unlock()
}

// Due reports whether key has unsent changes and a jittered interval has
// elapsed since it was last sent. A key never sent is due as soon as it is dirty.
func (t *Throttle) Due(key star.Key, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty[key] {
		return false
	}
	last, ok := t.lastSent[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.intervalLocked()
}

// Sent clears the dirty flag and restarts the interval for key.
func (t *Throttle) Sent(key star.Key, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent[key] = now
	delete(t.dirty, key)
}

// Forget drops all state for key once the star is no longer tracked.
func (t *Throttle) Forget(key star.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
	delete(t.dirty, key)
}

func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = map[star.Key]time.Time{}
	t.dirty = map[star.Key]bool{}
}
