package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var errMissingJob = errors.New("scheduler: job is required")

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Config describes a repeated job.
type Config struct {
	// Spec is a cron expression with a leading seconds field.
	Spec   string
	Name   string
	Job    Job
	Logger *zap.Logger
}

// Scheduler runs a single job on a cron schedule. A tick is skipped while the previous
// run is still active, so runs never overlap.
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	name    string
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	entryID cron.EntryID
}

// New validates the cron spec and registers the job without starting it.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, errMissingJob
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "job"
	}

	cronLogger := cronLogAdapter{logger: logger.Sugar()}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   c,
		job:    cfg.Job,
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	entryID, err := c.AddFunc(cfg.Spec, func() {
		// run logs failures; a failed tick waits for the next one.
		_ = s.run(s.ctx)
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("scheduler: invalid cron spec %q: %w", cfg.Spec, err)
	}
	s.entryID = entryID
	return s, nil
}

// Start begins firing the job in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("job", s.name),
		zap.Time("next_run", s.cron.Entry(s.entryID).Next))
}

// Stop halts scheduling, cancels the running job's context and waits for it to return.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler", zap.String("job", s.name))
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	s.logger.Info("scheduler stopped", zap.String("job", s.name))
}

// Trigger runs the job once in the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context) error {
	return s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) error {
	s.logger.Info("running scheduled job", zap.String("job", s.name))
	if err := s.job(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", s.name), zap.Error(err))
		return err
	}
	return nil
}

// cronLogAdapter routes cron's internal logging through zap.
type cronLogAdapter struct {
	logger *zap.SugaredLogger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debugw(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
