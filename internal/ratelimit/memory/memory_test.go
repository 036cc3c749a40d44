package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKimmel/tokengate/internal/ratelimit"
	"github.com/rs/zerolog"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func TestLimiter_AllowBurst(t *testing.T) {
	lim := New()
	ctx := context.Background()
	p := ratelimit.Policy{Rate: 1, Burst: 3}

	for i := 0; i < 3; i++ {
		dec, err := lim.Allow(ctx, "k", p, t0)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("Expected request %d to be allowed", i)
		}
		if dec.Remaining != 2-i {
			t.Errorf("Expected remaining=%d, got %d", 2-i, dec.Remaining)
		}
		if dec.Limit != 1 {
			t.Errorf("Expected limit=1, got %d", dec.Limit)
		}
	}

	dec, err := lim.Allow(ctx, "k", p, t0)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if dec.Allowed {
		t.Error("Expected request beyond burst to be denied")
	}
	if dec.Remaining != 0 {
		t.Errorf("Expected remaining=0, got %d", dec.Remaining)
	}
	if want := t0.Add(3 * time.Second).Unix(); dec.ResetUnixSec != want {
		t.Errorf("Expected reset at %d, got %d", want, dec.ResetUnixSec)
	}

	dec, _ = lim.Allow(ctx, "k", p, t0.Add(time.Second))
	if !dec.Allowed {
		t.Error("Expected request to be allowed after one second")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	lim := New()
	ctx := context.Background()
	p := ratelimit.Policy{Rate: 1, Burst: 1}

	if dec, _ := lim.Allow(ctx, "a", p, t0); !dec.Allowed {
		t.Fatal("Expected key a to be allowed")
	}
	if dec, _ := lim.Allow(ctx, "a", p, t0); dec.Allowed {
		t.Fatal("Expected key a to be exhausted")
	}
	if dec, _ := lim.Allow(ctx, "b", p, t0); !dec.Allowed {
		t.Error("Expected key b to have its own bucket")
	}
	if lim.Len() != 2 {
		t.Errorf("Expected 2 buckets, got %d", lim.Len())
	}
}

func TestLimiter_UnitsAreIndependent(t *testing.T) {
	lim := New()
	ctx := context.Background()

	lim.Allow(ctx, "k", ratelimit.Policy{Rate: 1, Burst: 1, Per: time.Second}, t0)
	dec, _ := lim.Allow(ctx, "k", ratelimit.Policy{Rate: 1, Burst: 1, Per: time.Minute}, t0)
	if !dec.Allowed {
		t.Error("Expected a minute policy to use a separate bucket")
	}
	if got := len(lim.Inspect("k")); got != 2 {
		t.Errorf("Expected 2 buckets for key, got %d", got)
	}
}

func TestLimiter_DisabledPolicy(t *testing.T) {
	lim := New()
	for i := 0; i < 50; i++ {
		dec, err := lim.Allow(context.Background(), "k", ratelimit.Policy{Rate: 0, Burst: 10}, t0)
		if err != nil || !dec.Allowed {
			t.Fatalf("Expected disabled policy to allow, got %+v, %v", dec, err)
		}
	}
	if lim.Len() != 0 {
		t.Errorf("Disabled policy must not create buckets, got %d", lim.Len())
	}
}

func TestLimiter_UnsupportedUnit(t *testing.T) {
	lim := New()
	_, err := lim.Allow(context.Background(), "k", ratelimit.Policy{Rate: 1, Burst: 1, Per: time.Hour}, t0)
	if err == nil {
		t.Fatal("Expected error for hourly policy")
	}
	if lim.Len() != 0 {
		t.Errorf("Expected no bucket to be stored, got %d", lim.Len())
	}
}

func TestLimiter_Reset(t *testing.T) {
	lim := New()
	ctx := context.Background()
	p := ratelimit.Policy{Rate: 1, Burst: 1}

	lim.Allow(ctx, "a", p, t0)
	lim.Allow(ctx, "b", p, t0)

	if n := lim.Reset("a"); n != 1 {
		t.Errorf("Expected 1 bucket reset, got %d", n)
	}
	if dec, _ := lim.Allow(ctx, "a", p, t0); !dec.Allowed {
		t.Error("Expected key a to be allowed after reset")
	}
	if dec, _ := lim.Allow(ctx, "b", p, t0); dec.Allowed {
		t.Error("Expected key b to stay exhausted")
	}

	if n := lim.ResetAll(); n != 2 {
		t.Errorf("Expected 2 buckets reset, got %d", n)
	}
	if dec, _ := lim.Allow(ctx, "b", p, t0); !dec.Allowed {
		t.Error("Expected key b to be allowed after ResetAll")
	}
	if n := lim.Reset("missing"); n != 0 {
		t.Errorf("Expected 0 buckets for unknown key, got %d", n)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	lim := New()
	ctx := context.Background()
	p := ratelimit.Policy{Rate: 1, Burst: 1}

	lim.Allow(ctx, "old", p, t0)
	lim.Allow(ctx, "new", p, t0.Add(9*time.Minute))

	if n := lim.Sweep(5*time.Minute, t0.Add(10*time.Minute)); n != 1 {
		t.Errorf("Expected 1 bucket swept, got %d", n)
	}
	if lim.Len() != 1 {
		t.Errorf("Expected 1 bucket left, got %d", lim.Len())
	}
	if len(lim.Inspect("old")) != 0 {
		t.Error("Expected old bucket to be gone")
	}
	stats := lim.Inspect("new")
	if len(stats) != 1 || stats[0].Consumed != 1 || stats[0].Per != "1s" {
		t.Errorf("Unexpected stats for new bucket: %+v", stats)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	lim := New()
	p := ratelimit.Policy{Rate: 10, Burst: 50}
	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				dec, err := lim.Allow(context.Background(), "shared", p, t0)
				if err != nil {
					t.Error(err)
					return
				}
				if dec.Allowed {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// The first refill can land after some consumers, which at most
	// empties the bucket once more.
	if got := allowed.Load(); got < 50 || got > 100 {
		t.Errorf("Unexpected admitted count %d", got)
	}
	if lim.Len() != 1 {
		t.Errorf("Expected a single shared bucket, got %d", lim.Len())
	}
}

func TestSweeper(t *testing.T) {
	if _, err := NewSweeper(New(), "not a schedule", time.Minute, zerolog.Nop(), nil); err == nil {
		t.Error("Expected invalid schedule to be rejected")
	}
	if _, err := NewSweeper(New(), "@every 1m", 0, zerolog.Nop(), nil); err == nil {
		t.Error("Expected zero idle time to be rejected")
	}

	lim := New()
	lim.Allow(context.Background(), "k", ratelimit.Policy{Rate: 1, Burst: 1}, t0)

	var swept int
	s, err := NewSweeper(lim, "@every 1h", time.Minute, zerolog.Nop(), func(n int) { swept += n })
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.now = func() time.Time { return t0.Add(2 * time.Minute) }

	s.Start()
	s.Start()
	if n := s.RunOnce(); n != 1 {
		t.Errorf("Expected 1 bucket swept, got %d", n)
	}
	s.Stop()
	s.Stop()

	if swept != 1 {
		t.Errorf("Expected callback to observe 1 swept bucket, got %d", swept)
	}
	if lim.Len() != 0 {
		t.Errorf("Expected no buckets left, got %d", lim.Len())
	}
}
