package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"chime/internal/depgraph"
	"chime/internal/engine"
	"chime/internal/eventbus"
	"chime/internal/retry"
	"chime/internal/runtime/supervisor"
	"chime/internal/trigger"
	logx "chime/pkg/logx"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrJobInUse          = errors.New("job has active dependents")
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCyclicDependency is returned when an edge would close a cycle.
	ErrCyclicDependency = depgraph.ErrCycleDetected
)

// State is a job's position in the lifecycle state machine.
type State int

const (
	StateScheduled State = iota
	StateDueWaitingDeps
	StateRunning
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateDueWaitingDeps:
		return "due_waiting_deps"
	case StateRunning:
		return "running"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state concludes a firing for the cycle,
// which is what satisfies dependents.
func (s State) Terminal() bool {
	return s == StateScheduled || s == StateFailed
}

// legalTransitions enumerates every transition the tick loop and the
// completion handler are allowed to make. Anything else is a bug.
var legalTransitions = map[State][]State{
	StateScheduled:      {StateDueWaitingDeps},
	StateDueWaitingDeps: {StateRunning},
	StateRunning:        {StateScheduled, StateRetrying, StateFailed},
	StateRetrying:       {StateRunning},
	StateFailed:         {StateScheduled},
}

func canTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config controls the scheduler service.
type Config struct {
	Enabled bool

	// TickEvery is the control-loop cadence. The cron grammar cannot
	// express anything finer than one second, so that is the default.
	TickEvery time.Duration

	// DefaultTimeout bounds a job body that does not set its own.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickEvery <= 0 {
		c.TickEvery = time.Second
	}
	return c
}

// JobSpec is a registration request. Type is "interval" (Schedule is whole
// seconds) or "cron" (Schedule is a 7-field expression). Timezone is an
// IANA name, empty for UTC. Dependencies must name already-registered jobs.
type JobSpec struct {
	Name         string
	Type         string
	Schedule     string
	Timezone     string
	Task         func(ctx context.Context) error
	Dependencies []string
	Retry        *retry.Policy
	Timeout      time.Duration
}

// JobStatus is the externally observable run state of one job.
type JobStatus struct {
	ID                  string
	Name                string
	State               State
	LastRun             time.Time
	NextRun             time.Time
	HasNextRun          bool
	Dependencies        []string
	ConsecutiveFailures int
}

type job struct {
	id      string
	name    string
	spec    trigger.Spec
	task    func(ctx context.Context) error
	policy  retry.Policy
	timeout time.Duration

	state    State
	nextRun  time.Time
	hasNext  bool
	lastRun  time.Time
	failures int // consecutive failures, reset on success
	attempts int // failures within the current firing, reset at each natural dispatch
	retryAt  time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	bus    eventbus.Bus
	engine *engine.Service

	jobs  map[string]*job
	graph *depgraph.Graph
	cycle uint64

	sup     *supervisor.Supervisor
	stopCh  chan struct{}
	stopped bool

	inFlight sync.WaitGroup
}

// JobInfo is one entry of a diagnostics snapshot.
type JobInfo struct {
	ID           string
	Name         string
	Type         string
	Schedule     string
	State        string
	NextRun      time.Time
	LastRun      time.Time
	Failures     int
	Dependencies []string
}

type Snapshot struct {
	Enabled   bool
	TickEvery time.Duration
	Cycle     uint64
	Jobs      []JobInfo
}
