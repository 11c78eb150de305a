package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/energyguard/internal/clock"
	eventdomain "github.com/smallbiznis/energyguard/internal/eventstore/domain"
	obsmetrics "github.com/smallbiznis/energyguard/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobTelemetryRetention = "telemetry_retention"
	JobExceededRetention  = "exceeded_retention"

	lockKeyPrefix = "energyguard:scheduler:"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log     *zap.Logger
	Events  eventdomain.Service
	Clock   clock.Clock
	GenID   *snowflake.Node
	Redis   *redis.Client               `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
	Config  Config                      `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	events  eventdomain.Service
	clock   clock.Clock
	genID   *snowflake.Node
	locker  *Locker
	metrics *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Events == nil || p.Clock == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		events:  p.Events,
		clock:   p.Clock,
		genID:   p.GenID,
		locker:  NewLocker(p.Redis),
		metrics: metrics,
	}, nil
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobTelemetryRetention, s.pruneJob(eventdomain.EventRateLimitRequest, s.cfg.TelemetryRetention)},
		{JobExceededRetention, s.pruneJob(eventdomain.EventRateLimitExceeded, s.cfg.ExceededRetention)},
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name)
	err := s.locker.WithLock(ctx, lockKeyPrefix+name, s.cfg.LockTTL, fn)
	if errors.Is(err, ErrLockHeld) {
		s.metrics.ObserveSkipped(name)
		s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", "lock_held"))
		return nil
	}

	s.metrics.ObserveJob(name, time.Since(started), err)
	s.logJobFinish(ctx, run, err)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j.name, j.run))
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

// pruneJob deletes events of eventType older than retention.
func (s *Scheduler) pruneJob(eventType eventdomain.EventType, retention time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		cutoff := s.clock.Now().Add(-retention)
		removed, err := s.events.PruneType(ctx, eventType, cutoff)
		if err != nil {
			return err
		}
		s.metrics.AddPruned(string(eventType), removed)
		if run := jobRunFromContext(ctx); run != nil {
			run.AddProcessed(removed)
		}
		return nil
	}
}
