package sched

import (
	"context"
	"time"

	"chime/internal/engine"
	"chime/internal/eventbus"
	logx "chime/pkg/logx"

	"github.com/google/uuid"
)

// tick scans every job once and advances each by at most one transition.
// Due jobs are evaluated in dependency order so a prerequisite dispatched
// earlier in the same scan is already visible as Running to its dependents.
// Dispatch itself happens after the lock is released; the Running
// transition is made first, under the lock, so a due slot is never
// dispatched twice.
func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	s.cycle++
	token := s.cycle

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	ids = s.graph.Order(ids)

	var due []*job
	var retries []string
	for _, id := range ids {
		j := s.jobs[id]
		switch j.state {
		case StateScheduled:
			if j.hasNext && !now.Before(j.nextRun) {
				s.transitionLocked(j, StateDueWaitingDeps)
			}
		case StateDueWaitingDeps:
			if s.satisfiedLocked(j) {
				s.transitionLocked(j, StateRunning)
				j.attempts = 0
				due = append(due, j)
			}
		case StateRetrying:
			if !now.Before(j.retryAt) {
				s.transitionLocked(j, StateRunning)
				retries = append(retries, j.id)
				due = append(due, j)
			}
		case StateFailed:
			// Transient: the next natural slot was computed when the
			// retries ran out, so just rejoin the schedule.
			s.transitionLocked(j, StateScheduled)
		case StateRunning:
			// Completion is asynchronous; nothing to do here.
		}
	}

	fromRetry := make(map[string]bool, len(retries))
	for _, id := range retries {
		fromRetry[id] = true
	}
	dispatches := make([]dispatch, 0, len(due))
	for _, j := range due {
		dispatches = append(dispatches, dispatch{
			id:       j.id,
			name:     j.name,
			task:     j.task,
			timeout:  j.timeoutLocked(s.cfg),
			retrying: fromRetry[j.id],
		})
	}
	s.mu.Unlock()

	for _, d := range dispatches {
		s.dispatch(d, token)
	}
}

type dispatch struct {
	id       string
	name     string
	task     func(ctx context.Context) error
	timeout  time.Duration
	retrying bool
}

func (s *Service) dispatch(d dispatch, token uint64) {
	s.inFlight.Add(1)
	err := s.engine.Dispatch(engine.Task{
		ID:      uuid.NewString(),
		JobID:   d.id,
		Timeout: d.timeout,
		Run:     d.task,
		Done: func(err error, took time.Duration) {
			defer s.inFlight.Done()
			s.onDone(d.id, token, err, took)
		},
	})
	if err == nil {
		s.publish(eventbus.TypeJobDispatched, eventbus.JobEvent{JobID: d.id, Cycle: token})
		return
	}
	s.inFlight.Done()
	// Queue full or engine stopped: put the job back where it came from
	// so the next tick retries the dispatch with its attempt count intact.
	s.mu.Lock()
	if j, ok := s.jobs[d.id]; ok && j.state == StateRunning {
		if d.retrying {
			j.state = StateRetrying
			j.retryAt = time.Now()
		} else {
			j.state = StateDueWaitingDeps
		}
	}
	s.mu.Unlock()
	s.log.Warn("dispatch refused", logx.String("job", d.id), logx.String("name", d.name), logx.Err(err))
}

// onDone is the completion callback, invoked from an engine worker. It is
// a no-op for jobs removed mid-flight and after Stop.
func (s *Service) onDone(id string, token uint64, runErr error, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	j, ok := s.jobs[id]
	if !ok || j.state != StateRunning {
		return
	}

	now := time.Now()
	j.lastRun = now

	if runErr == nil {
		j.failures = 0
		j.attempts = 0
		j.nextRun, j.hasNext = j.spec.Next(now)
		s.transitionLocked(j, StateScheduled)
		s.publish(eventbus.TypeJobCompleted, eventbus.JobEvent{
			JobID: id, Cycle: token, Duration: took, NextRun: j.nextRun,
		})
		s.log.Debug("job completed",
			logx.String("job", id), logx.String("name", j.name),
			logx.Duration("took", took), logx.Time("next", j.nextRun))
		return
	}

	delay, more := j.policy.NextDelay(j.attempts)
	j.attempts++
	j.failures++
	if more {
		j.retryAt = now.Add(delay)
		s.transitionLocked(j, StateRetrying)
		s.publish(eventbus.TypeJobRetrying, eventbus.JobEvent{
			JobID: id, Cycle: token, Duration: took, Failures: j.failures, Error: runErr.Error(),
		})
		s.log.Warn("job failed; retry scheduled",
			logx.String("job", id), logx.String("name", j.name),
			logx.Int("failures", j.failures), logx.Duration("delay", delay), logx.Err(runErr))
		return
	}

	// Retries exhausted. Failed is transient: next_run is already the next
	// natural slot and the next tick moves the job back to Scheduled.
	j.nextRun, j.hasNext = j.spec.Next(now)
	s.transitionLocked(j, StateFailed)
	s.publish(eventbus.TypeJobFailed, eventbus.JobEvent{
		JobID: id, Cycle: token, Duration: took, Failures: j.failures,
		NextRun: j.nextRun, Error: runErr.Error(),
	})
	s.log.Error("job failed; retries exhausted",
		logx.String("job", id), logx.String("name", j.name),
		logx.Int("failures", j.failures), logx.Time("next", j.nextRun), logx.Err(runErr))
}

// satisfiedLocked reports whether every dependency of j has concluded its
// firing for the cycle. No dependencies means always satisfied.
func (s *Service) satisfiedLocked(j *job) bool {
	for _, dep := range s.graph.Dependencies(j.id) {
		d, ok := s.jobs[dep]
		if !ok {
			continue
		}
		if !d.state.Terminal() {
			return false
		}
	}
	return true
}

func (s *Service) transitionLocked(j *job, to State) {
	if !canTransition(j.state, to) {
		s.log.Error("illegal state transition",
			logx.String("job", j.id),
			logx.String("from", j.state.String()), logx.String("to", to.String()))
		return
	}
	j.state = to
}

func (j *job) timeoutLocked(cfg Config) time.Duration {
	if j.timeout > 0 {
		return j.timeout
	}
	return cfg.DefaultTimeout
}
