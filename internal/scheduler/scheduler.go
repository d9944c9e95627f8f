// Package scheduler drives the periodic dispatch and reconciliation batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deinte/peppolsub/internal/clock"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	"github.com/deinte/peppolsub/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler configuration is invalid")

type Params struct {
	fx.In

	Log         *zap.Logger
	DispatchSvc dispatchdomain.Service
	Clock       clock.Clock
	Metrics     *metrics.Metrics `optional:"true"`
	Config      Config           `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	dispatchSvc dispatchdomain.Service
	metrics     *metrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.DispatchSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         cfg,
		clock:       p.Clock,
		dispatchSvc: p.DispatchSvc,
		metrics:     p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (dispatchdomain.BatchResult, error),
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))

	result, err := fn(ctx)
	if err == nil {
		if result.Outcome == dispatchdomain.OutcomeSkipped {
			log.Info("job skipped, another run holds the lock")
		}
		return nil
	}

	// A deadline mid-batch is a soft timeout: whatever was processed is
	// committed and the rest stays due for the next tick.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	log.Warn("job finished with failures",
		zap.Int("processed", len(result.Processed)),
		zap.Int("failed", result.Failed),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"dispatch_due", s.isJobEnabled("dispatch_due"), func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_due", s.cfg.JobTimeout, func(ctx context.Context) (dispatchdomain.BatchResult, error) {
				return s.dispatchSvc.DispatchDue(ctx, s.cfg.DispatchBatchSize, false)
			})
		}},
		{"poll_due", s.isJobEnabled("poll_due"), func(ctx context.Context) error {
			return s.runJob(ctx, "poll_due", s.cfg.JobTimeout, func(ctx context.Context) (dispatchdomain.BatchResult, error) {
				return s.dispatchSvc.PollDue(ctx, s.cfg.PollBatchSize, false, false)
			})
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

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
	// If EnabledJobs is empty, all jobs are enabled by default.
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
