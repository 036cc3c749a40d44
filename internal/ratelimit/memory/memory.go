package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/tokengate/internal/ratelimit"
)

type entry struct {
	bucket   *ratelimit.Bucket
	lastSeen atomic.Int64 // unix millis
}

// Stats is a point-in-time view of one bucket.
type Stats struct {
	Key        string `json:"key"`
	Per        string `json:"per"`
	Consumed   int64  `json:"consumed"`
	LastRefill int64  `json:"last_refill_ms"`
	LastSeen   int64  `json:"last_seen_ms"`
}

// Limiter keeps one lock-free bucket per key and rate unit.
type Limiter struct {
	buckets sync.Map // bucketKey -> *entry
	size    atomic.Int64
}

func New() *Limiter {
	return &Limiter{}
}

func (l *Limiter) Close() error { return nil }

type bucketKey struct {
	key string
	per time.Duration
}

func (l *Limiter) entry(key string, per time.Duration) (*entry, error) {
	sk := bucketKey{key: key, per: per}
	if v, ok := l.buckets.Load(sk); ok {
		return v.(*entry), nil
	}
	b, err := ratelimit.NewBucket(per)
	if err != nil {
		return nil, err
	}
	v, loaded := l.buckets.LoadOrStore(sk, &entry{bucket: b})
	if !loaded {
		l.size.Add(1)
	}
	return v.(*entry), nil
}

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	if p.Disabled() {
		return ratelimit.Decision{Allowed: true}, nil
	}

	e, err := l.entry(key, p.Unit())
	if err != nil {
		return ratelimit.Decision{}, err
	}

	nowMs := now.UnixMilli()
	allowed := e.bucket.Acquire(p.Burst, p.Rate, nowMs)
	e.lastSeen.Store(nowMs)

	remaining := max(int64(p.Burst)-e.bucket.Consumed(), 0)

	return ratelimit.Decision{
		Allowed:      allowed,
		Limit:        p.Rate,
		Remaining:    int(remaining),
		ResetUnixSec: now.Add(e.bucket.TimeToFill(p.Burst, p.Rate)).Unix(),
	}, nil
}

// Reset empties every bucket held for key and returns how many there were.
func (l *Limiter) Reset(key string) int {
	n := 0
	l.buckets.Range(func(k, v any) bool {
		if k.(bucketKey).key == key {
			v.(*entry).bucket.Reset()
			n++
		}
		return true
	})
	return n
}

// ResetAll empties every bucket.
func (l *Limiter) ResetAll() int {
	n := 0
	l.buckets.Range(func(_, v any) bool {
		v.(*entry).bucket.Reset()
		n++
		return true
	})
	return n
}

// Sweep drops buckets that have not been used since now-idle.
func (l *Limiter) Sweep(idle time.Duration, now time.Time) int {
	cutoff := now.Add(-idle).UnixMilli()
	n := 0
	l.buckets.Range(func(k, v any) bool {
		if v.(*entry).lastSeen.Load() < cutoff {
			if _, ok := l.buckets.LoadAndDelete(k); ok {
				l.size.Add(-1)
				n++
			}
		}
		return true
	})
	return n
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int { return int(l.size.Load()) }

// Inspect returns stats for every bucket held for key.
func (l *Limiter) Inspect(key string) []Stats {
	var out []Stats
	l.buckets.Range(func(k, v any) bool {
		if k.(bucketKey).key != key {
			return true
		}
		e := v.(*entry)
		out = append(out, Stats{
			Key:        key,
			Per:        e.bucket.Per().String(),
			Consumed:   e.bucket.Consumed(),
			LastRefill: e.bucket.LastRefill(),
			LastSeen:   e.lastSeen.Load(),
		})
		return true
	})
	return out
}
