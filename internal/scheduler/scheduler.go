// Package scheduler fires the forecast pipeline on its cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/evaonline/matopiba/internal/types"
	"github.com/evaonline/matopiba/pkg/config"
)

// Task is one schedulable pipeline pass with its retry policy applied.
type Task interface {
	RunWithRetry(ctx context.Context) (*types.TaskReport, error)
}

// Controller fires the pipeline task on the configured cron schedule.
// Schedule instants are interpreted in UTC. A fire that lands while the
// previous run is still going is discarded, not queued.
type Controller struct {
	ctx            context.Context
	wg             *sync.WaitGroup
	configProvider config.ConfigProvider
	logger         *zap.SugaredLogger
	task           Task
	cron           *cron.Cron
	inFlight       atomic.Bool
}

// NewController creates a scheduler controller for the given task.
func NewController(ctx context.Context, wg *sync.WaitGroup, configProvider config.ConfigProvider, logger *zap.SugaredLogger, task Task) (*Controller, error) {
	s := &Controller{
		ctx:            ctx,
		wg:             wg,
		configProvider: configProvider,
		logger:         logger,
		task:           task,
		cron:           cron.New(cron.WithLocation(time.UTC)),
	}

	cfg, err := configProvider.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading scheduler configuration: %v", err)
	}

	if _, err := s.cron.AddFunc(cfg.ScheduleCron, s.fire); err != nil {
		return nil, fmt.Errorf("error registering cron schedule %q: %v", cfg.ScheduleCron, err)
	}
	return s, nil
}

// StartController starts the cron loop and wires it to context shutdown.
func (s *Controller) StartController() error {
	cfg, err := s.configProvider.GetConfig()
	if err != nil {
		return fmt.Errorf("error loading scheduler configuration: %v", err)
	}

	s.logger.Info("Starting pipeline scheduler...")
	s.logger.Infof("Pipeline schedule: %q (UTC)", cfg.ScheduleCron)
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.logger.Info("Stopping pipeline scheduler...")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}()

	return nil
}

// fire runs one scheduled pass. Overlapping fires are discarded here
// before the distributed run lock is even probed, so a slow run never
// queues a backlog of local fires behind it.
func (s *Controller) fire() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("schedule fired while previous run still in progress, discarding")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)

		report, err := s.task.RunWithRetry(s.ctx)
		if err != nil {
			s.logger.Errorf("scheduled run failed after retries: %v", err)
			return
		}
		if report != nil && !report.Success {
			s.logger.Warnf("scheduled run %s finished without publishing", report.RunLabel)
		}
	}()
}
