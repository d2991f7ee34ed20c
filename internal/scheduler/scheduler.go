// Package scheduler runs the registered periodic jobs. Every job runs once
// at start and then on its own ticker; a run that is still in progress when
// the next tick fires is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"crowdfund/pkg/logger"
	"crowdfund/pkg/metrics"
	"crowdfund/pkg/otel"
	"crowdfund/pkg/trace"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Job outcomes recorded in scheduler_job_runs_total.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type entry struct {
	job     Job
	running atomic.Bool
}

type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*entry
	logger *zap.Logger
	wg     sync.WaitGroup
}

func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{jobs: map[string]*entry{}, logger: logger}
}

// Register 重复注册同名任务会 panic
func (s *Scheduler) Register(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		panic(fmt.Sprintf("scheduler: job %q registered twice", j.Name))
	}
	s.jobs[j.Name] = &entry{job: j}
}

// Names 返回已注册任务名，按字母序
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start 为每个任务启动一个 goroutine，ctx 取消后全部退出
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Wait 等待所有任务循环和进行中的执行退出
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	_ = s.run(ctx, e)

	ticker := time.NewTicker(e.job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Job loop stopped", zap.String("job", e.job.Name))
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = s.run(ctx, e)
			}()
		}
	}
}

// RunOnce 立即执行一次指定任务
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	name := e.job.Name
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Warn("Previous run still in progress, skipping", zap.String("job", name))
		metrics.RecordSchedulerJob(name, OutcomeSkipped, 0)
		return ErrJobRunning
	}
	defer e.running.Store(false)

	ctx = trace.Ensure(ctx)
	ctx, span := otel.StartSpan(ctx, "scheduler."+name)
	log := logger.WithTrace(ctx, s.logger).With(zap.String("job", name))
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		defer span.End()
		d := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordSchedulerJob(name, OutcomeError, d)
			log.Error("Job failed", zap.Duration("duration", d), zap.Error(err))
			return
		}
		metrics.RecordSchedulerJob(name, OutcomeSuccess, d)
		log.Info("Job completed", zap.Duration("duration", d))
	}()

	log.Debug("Job started")
	return e.job.Run(ctx)
}
