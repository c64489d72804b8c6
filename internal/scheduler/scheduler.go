// Package scheduler runs the engine's daily jobs on exchange-local cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"swing-trade-bot-go/internal/metrics"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Job results recorded in metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultPanic   = "panic"
)

// Job is a named unit of scheduled work.
type Job struct {
	Name string
	// Spec is "<minute> <hour> <day-of-week>". A day-of-week of "*" means
	// Monday to Friday.
	Spec string
	Run  func(ctx context.Context) error
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"next_run"`
}

// ParseSpec converts a "<minute> <hour> <day-of-week>" spec to a five field
// cron expression.
func ParseSpec(spec string) (string, error) {
	fields := strings.Fields(spec)
	if len(fields) != 3 {
		return "", fmt.Errorf("schedule %q: want \"<minute> <hour> <day-of-week>\"", spec)
	}
	minute, hour, dow := fields[0], fields[1], fields[2]
	if dow == "*" {
		dow = "1-5"
	}
	return fmt.Sprintf("%s %s * * %s", minute, hour, dow), nil
}

// Scheduler runs registered jobs. A job never overlaps with its own previous
// run.
type Scheduler struct {
	cron    *gocron.Scheduler
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	ctx   context.Context
	specs map[string]string
}

// NewScheduler creates a scheduler evaluating schedules in loc.
func NewScheduler(loc *time.Location, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	cron := gocron.NewScheduler(loc)
	cron.SingletonModeAll()
	return &Scheduler{
		cron:    cron,
		logger:  logger.Named("scheduler"),
		metrics: m,
		ctx:     context.Background(),
		specs:   make(map[string]string),
	}
}

// Register adds job, replacing any job already registered under its name.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	expr, err := ParseSpec(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	if err := s.cron.RemoveByTag(job.Name); err != nil && !errors.Is(err, gocron.ErrJobNotFoundWithTag) {
		return fmt.Errorf("replacing job %s: %w", job.Name, err)
	}
	if _, err := s.cron.Cron(expr).Tag(job.Name).Do(s.wrap(job)); err != nil {
		return fmt.Errorf("scheduling job %s at %q: %w", job.Name, expr, err)
	}

	s.mu.Lock()
	s.specs[job.Name] = job.Spec
	s.mu.Unlock()

	s.logger.Info("Job registered", zap.String("job", job.Name), zap.String("cron", expr))
	return nil
}

// RegisterAll registers every job, stopping at the first error.
func (s *Scheduler) RegisterAll(jobs []Job) error {
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// Start begins running jobs in the background. Runs receive ctx, and no new
// runs start once it is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.StartAsync()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.cron.Jobs())))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops scheduling new runs.
func (s *Scheduler) Stop() {
	if !s.cron.IsRunning() {
		return
	}
	s.cron.Stop()
	s.logger.Info("Scheduler stopped")
}

// RunNow triggers the named job immediately.
func (s *Scheduler) RunNow(name string) error {
	return s.cron.RunByTag(name)
}

// Jobs lists the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []JobInfo
	for _, j := range s.cron.Jobs() {
		tags := j.Tags()
		if len(tags) == 0 {
			continue
		}
		spec := s.specs[tags[0]]
		expr, _ := ParseSpec(spec)
		out = append(out, JobInfo{Name: tags[0], Spec: spec, Cron: expr, NextRun: j.NextRun()})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// wrap adds logging, panic containment and metrics around a job run.
func (s *Scheduler) wrap(job Job) func() {
	l := s.logger.With(zap.String("job", job.Name))
	return func() {
		ctx := s.runContext()
		if ctx.Err() != nil {
			l.Info("Skipping run, scheduler is shutting down")
			return
		}

		start := time.Now()
		result := ResultSuccess
		l.Info("Job started")

		defer func() {
			if r := recover(); r != nil {
				result = ResultPanic
				l.Error("Job panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
			elapsed := time.Since(start)
			s.metrics.RecordJobRun(job.Name, result, elapsed)
			if result == ResultSuccess {
				l.Info("Job completed", zap.Duration("elapsed", elapsed))
			}
		}()

		if err := job.Run(ctx); err != nil {
			result = ResultFailure
			l.Error("Job failed", zap.Error(err))
		}
	}
}
