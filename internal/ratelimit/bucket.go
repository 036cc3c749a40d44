package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"time"
)

// DefaultUnit is the rate unit used when none is configured.
const DefaultUnit = time.Second

var ErrUnsupportedUnit = errors.New("unsupported rate unit")

// Bucket is a lock-free token bucket. Burst size and average rate are
// supplied on every call, so a single Bucket follows configuration changes
// without being rebuilt.
//
// consumed counts tokens in use out of the last seen burst size. It is
// clamped to the current burst size only when a refill happens.
// lastRefill is a unix millisecond timestamp; zero means never refilled.
type Bucket struct {
	msPerUnit int64

	consumed   atomic.Int64
	lastRefill atomic.Int64
}

// NewBucket returns an empty bucket whose rates are expressed in tokens per
// second or tokens per minute.
func NewBucket(per time.Duration) (*Bucket, error) {
	switch per {
	case time.Second, time.Minute:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedUnit, per)
	}
	return &Bucket{msPerUnit: per.Milliseconds()}, nil
}

// NewDefaultBucket returns an empty bucket using DefaultUnit.
func NewDefaultBucket() *Bucket {
	return &Bucket{msPerUnit: DefaultUnit.Milliseconds()}
}

// Per returns the unit averageRate is expressed in.
func (b *Bucket) Per() time.Duration {
	return time.Duration(b.msPerUnit) * time.Millisecond
}

// Consumed returns the number of tokens currently in use.
func (b *Bucket) Consumed() int64 { return b.consumed.Load() }

// LastRefill returns the unix millisecond timestamp of the last refill, or 0.
func (b *Bucket) LastRefill() int64 { return b.lastRefill.Load() }

// AcquireNow is Acquire using the wall clock.
func (b *Bucket) AcquireNow(burst int, rate int64) bool {
	return b.Acquire(burst, rate, time.Now().UnixMilli())
}

// Acquire reports whether one more request may proceed. A non-positive burst
// or rate disables limiting for the call and always admits.
func (b *Bucket) Acquire(burst int, rate int64, nowMillis int64) bool {
	if burst <= 0 || rate <= 0 {
		return true
	}
	b.refill(int64(burst), rate, nowMillis)
	return b.consume(int64(burst))
}

// Reset empties the bucket and forgets the last refill. It does not
// coordinate with concurrent Acquire calls.
func (b *Bucket) Reset() {
	b.consumed.Store(0)
	b.lastRefill.Store(0)
}

// TimeToFill returns how long it takes at rate to replenish the tokens
// currently consumed, capped at burst.
func (b *Bucket) TimeToFill(burst int, rate int64) time.Duration {
	if burst <= 0 || rate <= 0 {
		return 0
	}
	level := min(b.consumed.Load(), int64(burst))
	if level <= 0 {
		return 0
	}
	ms := mulDiv(level, b.msPerUnit, rate)
	if ms > int64(math.MaxInt64/time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

func (b *Bucket) refill(burst, rate, now int64) {
	last := b.lastRefill.Load()
	elapsed := now - last
	if elapsed <= 0 {
		return
	}
	newTokens := mulDiv(elapsed, rate, b.msPerUnit)
	if newTokens <= 0 {
		return
	}

	// Advance only by the time the granted tokens account for, so the
	// division remainder carries into the next call.
	next := now
	if last != 0 {
		next = last + min(mulDiv(newTokens, b.msPerUnit, rate), elapsed)
	}
	if !b.lastRefill.CompareAndSwap(last, next) {
		return
	}

	for {
		level := b.consumed.Load()
		adjusted := max(min(level, burst)-newTokens, 0)
		if b.consumed.CompareAndSwap(level, adjusted) {
			return
		}
	}
}

func (b *Bucket) consume(burst int64) bool {
	for {
		level := b.consumed.Load()
		if level >= burst {
			return false
		}
		if b.consumed.CompareAndSwap(level, level+1) {
			return true
		}
	}
}

// mulDiv returns floor(a*b/c) for a >= 0 and b, c > 0, saturating at
// math.MaxInt64 instead of overflowing.
func mulDiv(a, b, c int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}
