// Package scheduler drives the periodic tasks and binds the reconcilers to
// file-arrival events. Each task runs single-threaded; parallelism exists
// between distinct tasks and distinct files, never inside one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/govfees/payrecon/internal/clock"
	"github.com/govfees/payrecon/internal/dispatch"
	"github.com/govfees/payrecon/internal/eftlink"
	"github.com/govfees/payrecon/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrInvalidConfig marks a scheduler assembled without its dependencies.
var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Dispatch *dispatch.Task
	EFTLink  *eftlink.Task
	Config   Config `optional:"true"`
}

type namedJob struct {
	name string
	run  func(ctx context.Context) error
}

// Scheduler runs the periodic tasks in a fixed order.
type Scheduler struct {
	log   *zap.Logger
	cfg   Config
	clock clock.Clock
	jobs  []namedJob
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Dispatch == nil || p.EFTLink == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:   p.Log.Named("scheduler"),
		cfg:   p.Config.withDefaults(),
		clock: p.Clock,
		// dispatch runs before link application so fresh EFT invoices can
		// be linked in the same cycle
		jobs: []namedJob{
			{name: "dispatch", run: p.Dispatch.Run},
			{name: "eft_link", run: p.EFTLink.Run},
		},
	}, nil
}

// runJob wraps one task run with a deadline and metrics. A deadline hit is a
// soft timeout: the next cycle picks the work back up.
func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	worker := metrics.Worker()
	worker.IncJobRun(name)

	err := fn(ctx)
	worker.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		worker.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	worker.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order. A failed job does not stop
// the ones after it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, job := range s.jobs {
		if !s.isJobEnabled(job.name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.name, s.cfg.JobTimeout, job.run))
	}
	return err
}

// RunForever runs the job cycle on the configured interval until the context
// is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
