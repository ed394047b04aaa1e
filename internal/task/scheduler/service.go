package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "cheersbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrBusy       = errors.New("job already running")
)

// Func is one housekeeping job. The context is cancelled on Stop or when
// the job timeout is reached.
type Func func(ctx context.Context) error

// Info describes a registered job for status output.
type Info struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skipped  uint64
	Failures uint64
	LastErr  string
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Func
	sched   cron.Schedule
	id      cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Value // string
}

type Option func(*Service)

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithoutSpread disables the random first-run delay of interval jobs.
func WithoutSpread() Option { return func(s *Service) { s.spread = false } }

type Service struct {
	log    logx.Logger
	loc    *time.Location
	spread bool
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.Comp("scheduler")),
		loc:    time.Local,
		spread: true,
		now:    time.Now,
		jobs:   map[string]*job{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers or replaces the job called name. Jobs added after Start
// are scheduled immediately.
func (s *Service) Add(name, spec string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return errors.New("scheduler: job needs a name and a func")
	}
	sched, err := ParseSchedule(spec, s.now().In(s.loc), s.spread, name)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	j := &job{name: name, spec: strings.TrimSpace(spec), timeout: timeout, fn: fn, sched: sched}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	s.jobs[name] = j
	if s.c != nil {
		s.scheduleLocked(j)
	}
	return nil
}

// Remove drops a job; a run in progress finishes normally.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(j.id)
	}
	delete(s.jobs, name)
	return true
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithParser(Parser))
	for _, j := range s.jobs {
		s.scheduleLocked(j)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)))
}

func (s *Service) scheduleLocked(j *job) {
	base := s.ctx
	j.id = s.c.Schedule(j.sched, cron.FuncJob(func() { _ = s.run(base, j) }))
}

// Stop halts the cron loop and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop()
	cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
	s.log.Info("scheduler stopped")
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Service) run(ctx context.Context, j *job) (err error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job still running; tick skipped", logx.String("job", j.name))
		return ErrBusy
	}
	defer j.running.Store(false)

	if ctx == nil {
		ctx = context.Background()
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		j.runs.Add(1)
		if err != nil {
			j.failures.Add(1)
			j.lastErr.Store(err.Error())
			s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", s.now().Sub(start)), logx.Err(err))
			return
		}
		j.lastErr.Store("")
		s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", s.now().Sub(start)))
	}()
	return j.fn(ctx)
}

// Snapshot lists jobs sorted by name. Next and Prev are zero until Start.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.jobs))
	for _, j := range s.jobs {
		in := Info{
			Name:     j.name,
			Spec:     j.spec,
			Running:  j.running.Load(),
			Runs:     j.runs.Load(),
			Skipped:  j.skipped.Load(),
			Failures: j.failures.Load(),
		}
		if v, ok := j.lastErr.Load().(string); ok {
			in.LastErr = v
		}
		if s.c != nil {
			e := s.c.Entry(j.id)
			in.Next, in.Prev = e.Next, e.Prev
		}
		out = append(out, in)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
