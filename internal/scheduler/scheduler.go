// Package scheduler runs the periodic background jobs on one cron engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailsync_job_runs_total",
	Help: "Background job runs by job and status",
}, []string{"job", "status"})

// Job is one periodic task. Run receives a context bounded by Timeout.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobState is the last observed outcome of a job
type JobState struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

// Scheduler wraps a cron engine whose jobs never overlap themselves and
// whose panics are recovered
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.RWMutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	states  map[string]*JobState
	rootCtx context.Context

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler evaluating specs in loc
func New(logger zerolog.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cron.PrintfLogger(stdlog.New(logger, "cron: ", 0))
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		states:  make(map[string]*JobState),
		rootCtx: context.Background(),
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.execute(job.Name) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	s.states[job.Name] = &JobState{Name: job.Name, Spec: job.Spec}
	return nil
}

// Start launches the cron loop. Job contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.rootCtx = ctx
		s.mu.Unlock()
		s.cron.Start()
		s.logger.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
	})
}

// Stop stops scheduling and waits for running jobs up to ctx
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		select {
		case <-done.Done():
			s.logger.Info().Msg("scheduler stopped")
		case <-ctx.Done():
			s.logger.Warn().Msg("scheduler stop timed out with jobs still running")
		}
	})
}

// RunNow executes a registered job synchronously outside the cron loop
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.execute(name)
}

// States returns a snapshot of every job ordered by name
func (s *Scheduler) States() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobState, 0, len(s.states))
	for name, st := range s.states {
		cp := *st
		if id, ok := s.entries[name]; ok {
			cp.Next = s.cron.Entry(id).Next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(name string) error {
	s.mu.RLock()
	job := s.jobs[name]
	root := s.rootCtx
	s.mu.RUnlock()

	ctx := root
	cancel := context.CancelFunc(func() {})
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(root, job.Timeout)
	}
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	status := statusSuccess
	if err != nil {
		status = statusFailed
	}
	jobRuns.WithLabelValues(name, status).Inc()

	s.mu.Lock()
	st := s.states[name]
	st.Runs++
	st.LastRunAt = start
	st.LastStatus = status
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		s.logger.Debug().Str("job", name).Dur("elapsed", elapsed).Msg("job finished")
	}
	return err
}
