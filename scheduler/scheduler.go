package scheduler

import (
	"autoria-ingest/config"
	"autoria-ingest/metrics"
	"autoria-ingest/models"
	"autoria-ingest/utils"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 200

var (
	ErrUnknownJob = errors.New("unknown job kind")
	ErrNotStarted = errors.New("scheduler not started")
	ErrStopped    = errors.New("scheduler stopped")
)

// Runnable executes one run of a job and reports it. It must return when ctx
// is canceled.
type Runnable func(ctx context.Context) models.JobRun

// Clock supplies the timestamps of runs the scheduler records itself.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// JobSpec registers one kind of job with its daily trigger time.
type JobSpec struct {
	Kind       models.JobKind
	At         config.ClockTime
	Run        Runnable
	RunOnStart bool
}

type job struct {
	spec     JobSpec
	schedule cron.Schedule
	running  atomic.Bool
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithHistoryLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithOnFinish registers a callback invoked after every recorded run,
// skipped ones included.
func WithOnFinish(fn func(models.JobRun)) Option {
	return func(s *Scheduler) { s.onFinish = fn }
}

// Scheduler triggers each registered job once a day at its wall-clock time.
// A job never overlaps itself: a trigger that finds the previous run of the
// same kind still going is recorded as skipped and dropped. Different kinds
// run independently.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	loc    *time.Location

	clock        Clock
	metrics      *metrics.Metrics
	historyLimit int
	onFinish     func(models.JobRun)

	mu         sync.Mutex
	jobs       map[models.JobKind]*job
	order      []models.JobKind
	history    []models.JobRun
	started    bool
	stopped    bool
	runCtx     context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
}

func New(loc *time.Location, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	cronLog := cron.PrintfLogger(zap.NewStdLog(utils.L()))

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLog)),
		),
		parser:       parser,
		loc:          loc,
		clock:        systemClock{},
		historyLimit: defaultHistoryLimit,
		jobs:         make(map[models.JobKind]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterJob adds a job kind. It must be called before Start.
func (s *Scheduler) RegisterJob(spec JobSpec) error {
	if spec.Run == nil {
		return fmt.Errorf("job %s: no runnable", spec.Kind)
	}
	if err := spec.At.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", spec.Kind, err)
	}
	schedule, err := s.parser.Parse(spec.At.CronSpec())
	if err != nil {
		return fmt.Errorf("job %s: parse schedule: %w", spec.Kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: register after start", spec.Kind)
	}
	if _, dup := s.jobs[spec.Kind]; dup {
		return fmt.Errorf("job %s: already registered", spec.Kind)
	}
	s.jobs[spec.Kind] = &job{spec: spec, schedule: schedule}
	s.order = append(s.order, spec.Kind)
	return nil
}

// Start begins cron dispatch and fires the jobs marked RunOnStart. Runs use
// a context derived from ctx that is canceled only by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.runCtx, s.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))

	now := s.clock.Now().In(s.loc)
	var onStart []models.JobKind
	for _, kind := range s.order {
		j := s.jobs[kind]
		s.cron.Schedule(j.schedule, cron.FuncJob(func() { _, _ = s.Trigger(kind) }))
		utils.L().Info("job scheduled",
			zap.String("kind", string(kind)),
			zap.String("at", j.spec.At.String()),
			zap.String("location", s.loc.String()),
			zap.Time("next_run", j.schedule.Next(now)),
		)
		if j.spec.RunOnStart {
			onStart = append(onStart, kind)
		}
	}
	s.mu.Unlock()

	s.cron.Start()

	for _, kind := range onStart {
		go func() { _, _ = s.Trigger(kind) }()
	}
	return nil
}

// Trigger runs kind now and waits for it. If a run of kind is already in
// progress, a skipped-overlap run is recorded and returned immediately.
func (s *Scheduler) Trigger(kind models.JobKind) (models.JobRun, error) {
	s.mu.Lock()
	j, ok := s.jobs[kind]
	switch {
	case !ok:
		s.mu.Unlock()
		return models.JobRun{}, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
	case s.stopped:
		s.mu.Unlock()
		return models.JobRun{}, ErrStopped
	case !s.started:
		s.mu.Unlock()
		return models.JobRun{}, ErrNotStarted
	}
	s.wg.Add(1)
	ctx := s.runCtx
	s.mu.Unlock()
	defer s.wg.Done()

	if !j.running.CompareAndSwap(false, true) {
		now := s.clock.Now()
		run := models.JobRun{
			ID:         uuid.NewString(),
			Kind:       kind,
			StartedAt:  now,
			FinishedAt: now,
			Outcome:    models.OutcomeSkippedOverlap,
			LastPage:   -1,
			Diagnostic: "previous run still in progress",
		}
		utils.L().Warn("trigger skipped, previous run still in progress", zap.String("kind", string(kind)))
		s.metrics.JobSkipped(string(kind), string(run.Outcome))
		s.record(run)
		return run, nil
	}
	defer j.running.Store(false)

	s.metrics.JobStarted(string(kind))
	run := j.spec.Run(ctx)
	if run.Kind == "" {
		run.Kind = kind
	}
	s.metrics.JobFinished(string(kind), string(run.Outcome), run.Duration())
	s.record(run)
	return run, nil
}

func (s *Scheduler) record(run models.JobRun) {
	s.mu.Lock()
	s.history = append(s.history, run)
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish(run)
	}
}

// Stop ends dispatch and waits up to grace for runs in progress. When the
// grace period expires the runs are canceled, Stop waits for them to return
// and reports that they were interrupted.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		s.cancelRuns()
		return nil
	case <-timer.C:
		utils.L().Warn("grace period expired, canceling runs in progress", zap.Duration("grace", grace))
		s.cancelRuns()
		<-done
		return fmt.Errorf("runs still in progress after %s were canceled", grace)
	}
}

// History returns the recorded runs, oldest first.
func (s *Scheduler) History() []models.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobRun, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Scheduler) Running(kind models.JobKind) bool {
	s.mu.Lock()
	j, ok := s.jobs[kind]
	s.mu.Unlock()
	return ok && j.running.Load()
}

// NextRun is the first trigger time of kind strictly after now.
func (s *Scheduler) NextRun(kind models.JobKind, now time.Time) (time.Time, error) {
	s.mu.Lock()
	j, ok := s.jobs[kind]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
	}
	return j.schedule.Next(now.In(s.loc)), nil
}
