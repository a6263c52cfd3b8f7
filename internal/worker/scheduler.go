// Package worker runs the periodic jobs and the event consumers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Cypherspark/operator-dispatch/internal/dispatch"
	"github.com/Cypherspark/operator-dispatch/internal/lock"
	"github.com/Cypherspark/operator-dispatch/internal/metrics"
)

var (
	// ErrLocked means another instance holds the job's lock. Scheduled runs treat it as a skip.
	ErrLocked     = errors.New("job locked by another instance")
	ErrUnknownJob = errors.New("unknown job")
)

type JobFunc func(ctx context.Context) (dispatch.Summary, error)

// Job is a named periodic unit. Its name is also its lock name. Exactly one of Every and Cron is
// set; Cron takes an optional seconds field and an optional CRON_TZ= prefix.
type Job struct {
	Name    string
	Every   time.Duration
	Cron    string
	MinHold time.Duration
	MaxHold time.Duration
	Run     JobFunc
}

func (j Job) validate() error {
	switch {
	case j.Name == "":
		return errors.New("job name required")
	case j.Run == nil:
		return fmt.Errorf("job %s: no run func", j.Name)
	case (j.Every > 0) == (j.Cron != ""):
		return fmt.Errorf("job %s: set exactly one of interval and cron", j.Name)
	case j.MaxHold <= 0 || j.MinHold < 0 || j.MinHold > j.MaxHold:
		return fmt.Errorf("job %s: %w", j.Name, lock.ErrInvalidHold)
	}
	return nil
}

// Scheduler fires jobs on their schedules. A job never overlaps itself within a process, and
// the lock provider keeps it from overlapping across processes.
type Scheduler struct {
	locks lock.Provider
	c     *cron.Cron

	mu   sync.Mutex
	jobs map[string]Job
	ctx  context.Context
	log  zerolog.Logger
}

func NewScheduler(locks lock.Provider, loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log = log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: log}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		locks: locks,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: make(map[string]Job),
		ctx:  context.Background(),
		log:  log,
	}
}

// Add registers j. Interval jobs get a small random delay before their first run so that
// instances started together do not all fire at once.
func (s *Scheduler) Add(j Job) error {
	if err := j.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %s already registered", j.Name)
	}

	fire := cron.FuncJob(func() { s.fire(j.Name) })
	if j.Every > 0 {
		s.c.Schedule(&spreadSchedule{
			base:  cron.Every(j.Every),
			first: time.Now().Add(jitter(j.Every, 0.1)),
		}, fire)
	} else if _, err := s.c.AddJob(j.Cron, fire); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	s.jobs[j.Name] = j
	return nil
}

// Start begins firing jobs; scheduled runs use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
	s.log.Info().Strs("jobs", s.Names()).Msg("scheduler started")
}

// Stop stops scheduling and returns a context that is done when running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.c.Stop()
}

func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	sum, err := s.RunOnce(ctx, name)
	switch {
	case errors.Is(err, ErrLocked):
		s.log.Debug().Str("job", name).Msg("lock held elsewhere; run skipped")
	case err != nil:
		s.log.Error().Err(err).Str("job", name).Interface("summary", sum).Msg("job run failed")
	default:
		s.log.Info().Str("job", name).Interface("summary", sum).Msg("job run finished")
	}
}

// RunOnce runs the job body now under the job's lock. It returns ErrLocked without running the
// body when another holder owns the lock. The body is not cancelled when MaxHold passes; the lock
// simply expires.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (dispatch.Summary, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return dispatch.Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	h, err := s.locks.TryAcquire(ctx, j.Name, j.MinHold, j.MaxHold)
	if err != nil {
		metrics.JobRuns.WithLabelValues(j.Name, "error").Inc()
		return dispatch.Summary{}, fmt.Errorf("acquire lock %s: %w", j.Name, err)
	}
	if h == nil {
		metrics.JobRuns.WithLabelValues(j.Name, "locked").Inc()
		return dispatch.Summary{}, ErrLocked
	}
	defer func() {
		// released on a fresh context so a cancelled run still hands the lock back
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Release(rctx); err != nil {
			s.log.Warn().Err(err).Str("job", j.Name).Msg("lock release failed; it will expire")
		}
	}()

	start := time.Now()
	sum, err := j.Run(ctx)
	elapsed := time.Since(start)
	metrics.JobDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())
	if elapsed > j.MaxHold {
		// the lock expired mid-run; another instance may have started the job meanwhile
		s.log.Warn().Str("job", j.Name).Dur("elapsed", elapsed).Dur("max_hold", j.MaxHold).Msg("job outlived its lock")
	}
	if err != nil {
		metrics.JobRuns.WithLabelValues(j.Name, "error").Inc()
		return sum, err
	}
	metrics.JobRuns.WithLabelValues(j.Name, "ok").Inc()
	return sum, nil
}

// spreadSchedule delays the first activation of an interval schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
