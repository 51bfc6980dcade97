package sched

import (
	"context"
	"time"

	"chime/internal/depgraph"
	"chime/internal/engine"
	"chime/internal/eventbus"
	"chime/internal/runtime/supervisor"
	logx "chime/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		engine: eng,
		jobs:   map[string]*job{},
		graph:  depgraph.New(),
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply installs a new config. A cadence change takes effect on the next
// tick; registered jobs are untouched.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start launches the tick loop. Registration is allowed before Start; jobs
// added earlier simply become due by wall clock once ticking begins.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	if !cur.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return
	}
	s.stopped = false
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup = sup
	s.mu.Unlock()

	sup.Go0("sched.tick", func(ctx context.Context) {
		s.run(ctx, stopCh)
	})
	s.log.Info("scheduler started", logx.Duration("tick", cur.TickEvery), logx.Int("jobs", s.jobCount()))
}

// Stop halts ticking and new dispatches, then waits for in-flight job
// bodies until ctx expires; past that they are abandoned and their
// completion callbacks become no-ops.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.stopped = true
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	s.log.Info("stop requested")

	_ = sup.Wait(ctx)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; abandoning in-flight jobs", logx.Err(ctx.Err()))
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	cadence := s.cfg.TickEvery
	s.mu.Unlock()

	t := time.NewTicker(cadence)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-t.C:
			s.tick(now)
			s.mu.Lock()
			next := s.cfg.TickEvery
			s.mu.Unlock()
			if next != cadence {
				cadence = next
				t.Reset(cadence)
				s.log.Debug("tick cadence changed", logx.Duration("tick", cadence))
			}
		}
	}
}

func (s *Service) jobCount() int {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	return n
}

func (s *Service) publish(typ string, ev eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
