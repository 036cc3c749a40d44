package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Policy struct {
	Rate  int64         // tokens per Per
	Burst int           // bucket capacity
	Per   time.Duration // time.Second or time.Minute, zero means DefaultUnit
}

// Disabled reports whether the policy lets all traffic through.
func (p Policy) Disabled() bool { return p.Rate <= 0 || p.Burst <= 0 }

// Unit returns the effective rate unit.
func (p Policy) Unit() time.Duration {
	if p.Per == 0 {
		return DefaultUnit
	}
	return p.Per
}

type Decision struct {
	Allowed      bool
	Limit        int64 // rate per unit
	Remaining    int   // tokens after this request (min 0)
	ResetUnixSec int64 // when tokens would be full if no more traffic
}

type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Reset(key string) int
	ResetAll() int
	Close() error
}

// ParseUnit maps a configured unit name to its duration. An empty name
// yields DefaultUnit.
func ParseUnit(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultUnit, nil
	case "s", "sec", "second", "seconds":
		return time.Second, nil
	case "m", "min", "minute", "minutes":
		return time.Minute, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedUnit, s)
}
