package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper periodically drops idle buckets so the key space does not grow
// without bound.
type Sweeper struct {
	lim      *Limiter
	schedule string
	idle     time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	onSweep  func(n int)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper validates schedule (standard cron syntax or a descriptor such as
// "@every 5m") and returns a stopped sweeper.
func NewSweeper(lim *Limiter, schedule string, idle time.Duration, logger zerolog.Logger, onSweep func(n int)) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if idle <= 0 {
		return nil, fmt.Errorf("invalid sweep idle time %s", idle)
	}
	s := &Sweeper{
		lim:      lim,
		schedule: schedule,
		idle:     idle,
		now:      time.Now,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		onSweep:  onSweep,
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce() }); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Dur("idle", s.idle).
		Msg("bucket sweeper started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("bucket sweeper stopped")
}

// RunOnce sweeps immediately and returns the number of buckets dropped.
func (s *Sweeper) RunOnce() int {
	n := s.lim.Sweep(s.idle, s.now())
	if s.onSweep != nil {
		s.onSweep(n)
	}
	if n > 0 {
		s.logger.Debug().
			Int("swept", n).
			Int("remaining", s.lim.Len()).
			Msg("idle buckets removed")
	}
	return n
}
