// Package engine executes job bodies on a worker pool decoupled from the
// scheduler's tick cadence. Dispatch is fire-and-forget: the tick loop never
// blocks on a body's completion. Failure handling (retry, backoff, state) is
// the scheduler's concern; the engine only reports each body's outcome
// through the task's completion callback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chime/internal/runtime/supervisor"
	"chime/pkg/logx"
)

var (
	ErrStopped   = errors.New("engine stopped")
	ErrQueueFull = errors.New("engine queue full")
)

// Config controls the worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a body's run when Task.Timeout is 0.
	// 0 disables the bound.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Task is one dispatched job body.
type Task struct {
	ID      string // unique per firing
	JobID   string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// Done receives the body's outcome (nil on success) and its run
	// duration. Called exactly once per dispatched task, from a worker
	// goroutine. Panics in Run are recovered and reported as errors.
	Done func(err error, took time.Duration)
}

// HistoryItem is one completed execution, kept for diagnostics.
type HistoryItem struct {
	ID       string
	JobID    string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
	History  []HistoryItem
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q      chan Task
	sup    *supervisor.Supervisor
	stopCh chan struct{}

	inFlight int32
	dropped  uint64

	// Queue-full warnings are throttled so a wedged pool can't flood logs.
	warnLimit *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start spins up the worker pool. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil {
		return
	}

	cfg := s.cfg
	s.q = make(chan Task, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "engine"))))

	queue := s.q
	stopCh := s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		s.sup.Go0(name, func(c context.Context) {
			s.worker(c, stopCh, queue)
		})
	}

	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop halts dispatching and waits for in-flight bodies until ctx is done.
// Bodies still running at ctx expiry are abandoned: they keep running but
// their outcome is reported to a stopped scheduler.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	sup := s.sup
	s.stopCh = nil
	s.q = nil
	s.sup = nil
	s.mu.Unlock()

	close(stopCh)
	err := sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("engine stop timed out; abandoning in-flight bodies", logx.Err(err))
		sup.Cancel()
		return
	}
	s.log.Info("engine stopped")
}

// Dispatch hands a task to the pool without blocking. A full queue or a
// stopped engine refuses the task; the caller decides what that means for
// the job's state.
func (s *Service) Dispatch(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	select {
	case q <- t:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		if s.warnLimit.Allow() {
			s.log.Warn("dispatch refused: queue full",
				logx.String("job", t.JobID),
				logx.Int("queue_cap", cap(q)),
				logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)))
		}
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Dropped:  atomic.LoadUint64(&s.dropped),
		History:  h,
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Task) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t Task) {
	start := time.Now()
	s.log.Debug("body started", logx.String("job", t.JobID), logx.String("id", t.ID))

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var err error
	// Recover panics so one bad body can't kill a worker or escape into
	// the tick loop; the panic becomes an ordinary failure.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("body panicked", logx.String("job", t.JobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = t.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	took := time.Since(start)
	item := HistoryItem{ID: t.ID, JobID: t.JobID, Started: start, Duration: took}
	if err != nil {
		item.Error = err.Error()
		s.log.Debug("body failed", logx.String("job", t.JobID), logx.Err(err), logx.Duration("took", took))
	} else {
		s.log.Debug("body completed", logx.String("job", t.JobID), logx.Duration("took", took))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()

	if t.Done != nil {
		t.Done(err, took)
	}
}
