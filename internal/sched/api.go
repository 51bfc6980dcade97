package sched

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chime/internal/eventbus"
	"chime/internal/retry"
	"chime/internal/trigger"
	logx "chime/pkg/logx"

	"github.com/google/uuid"
)

// AddJob validates the spec and registers the job, returning its id. All
// configuration problems (bad schedule text, interval <= 0, unknown
// timezone, bad retry policy, unknown dependency) surface here, never at
// run time. Dependencies must reference already-registered jobs; forward
// references are rejected with ErrUnknownDependency.
func (s *Service) AddJob(spec JobSpec) (string, error) {
	if spec.Task == nil {
		return "", errors.New("task required")
	}
	ts, err := trigger.ParseSpec(spec.Type, spec.Schedule, spec.Timezone)
	if err != nil {
		return "", err
	}
	var policy retry.Policy
	if spec.Retry != nil {
		if err := spec.Retry.Validate(); err != nil {
			return "", fmt.Errorf("invalid retry policy: %w", err)
		}
		policy = *spec.Retry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if _, ok := s.jobs[strings.TrimSpace(dep)]; !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownDependency, dep)
		}
	}

	id := uuid.NewString()
	now := time.Now()
	j := &job{
		id:      id,
		name:    spec.Name,
		spec:    ts,
		task:    spec.Task,
		policy:  policy,
		timeout: spec.Timeout,
		state:   StateScheduled,
	}
	j.nextRun, j.hasNext = ts.Next(now)

	s.graph.AddNode(id)
	for _, dep := range spec.Dependencies {
		// Cannot close a cycle: the new node has no dependents yet.
		if err := s.graph.AddEdge(id, strings.TrimSpace(dep)); err != nil {
			s.graph.Remove(id)
			return "", err
		}
	}
	s.jobs[id] = j

	args := []logx.Field{
		logx.String("job", id), logx.String("type", ts.Kind.String()),
		logx.String("schedule", spec.Schedule),
	}
	if spec.Name != "" {
		args = append(args, logx.String("name", spec.Name))
	}
	if j.hasNext {
		args = append(args, logx.Time("next", j.nextRun))
	}
	s.log.Debug("job registered", args...)
	return id, nil
}

// AddDependency adds the edge job -> dependsOn after registration. It
// fails with ErrCyclicDependency when the edge would close a cycle, which
// is checked by reachability before insertion.
func (s *Service) AddDependency(id, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if _, ok := s.jobs[dependsOn]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDependency, dependsOn)
	}
	return s.graph.AddEdge(id, dependsOn)
}

// RemoveJob unregisters the job. It fails with ErrJobInUse while other
// jobs still depend on it. Removing a Running job lets the in-flight body
// finish; its completion callback then finds nothing to transition.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if deps := s.activeDependentsLocked(id); len(deps) > 0 {
		return fmt.Errorf("%w: %q required by %s", ErrJobInUse, id, strings.Join(deps, ", "))
	}
	delete(s.jobs, id)
	s.graph.Remove(id)
	s.publish(eventbus.TypeJobRemoved, eventbus.JobEvent{JobID: id, Cycle: s.cycle})
	s.log.Debug("job removed", logx.String("job", id))
	return nil
}

func (s *Service) activeDependentsLocked(id string) []string {
	var out []string
	for _, dep := range s.graph.Dependents(id) {
		if _, ok := s.jobs[dep]; ok {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

// Status reports the observable run state of one job.
func (s *Service) Status(id string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return JobStatus{
		ID:                  j.id,
		Name:                j.name,
		State:               j.state,
		LastRun:             j.lastRun,
		NextRun:             j.nextRun,
		HasNextRun:          j.hasNext,
		Dependencies:        s.graph.Dependencies(j.id),
		ConsecutiveFailures: j.failures,
	}, nil
}

// NextRun reports the next fire instant. The bool is false when the
// schedule admits no further run inside the search window.
func (s *Service) NextRun(id string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return j.nextRun, j.hasNext, nil
}

// Snapshot returns a diagnostics view of the registry, jobs in
// dependency order.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	ids = s.graph.Order(ids)

	jobs := make([]JobInfo, 0, len(ids))
	for _, id := range ids {
		j := s.jobs[id]
		jobs = append(jobs, JobInfo{
			ID:           j.id,
			Name:         j.name,
			Type:         j.spec.Kind.String(),
			Schedule:     j.spec.Source,
			State:        j.state.String(),
			NextRun:      j.nextRun,
			LastRun:      j.lastRun,
			Failures:     j.failures,
			Dependencies: s.graph.Dependencies(id),
		})
	}
	return Snapshot{
		Enabled:   s.cfg.Enabled,
		TickEvery: s.cfg.TickEvery,
		Cycle:     s.cycle,
		Jobs:      jobs,
	}
}
