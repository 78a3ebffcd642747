package trader

import (
	"context"
	"fmt"

	"github.com/STTM-NSU/trading-core/internal/logger"
	"github.com/STTM-NSU/trading-core/internal/market"
	"github.com/robfig/cron/v3"
)

const (
	SpecDailyReset = "0 30 8 * * MON-FRI"
	SpecAggregate  = "0 * * * * *"
	SpecEODSweep   = "*/10 * 14-15 * * MON-FRI"
)

// Scheduler runs the wall clock jobs in exchange time with seconds precision.
type Scheduler struct {
	cron    *cron.Cron
	logger  logger.Logger
	baseCtx context.Context
}

func NewScheduler(ctx context.Context, log logger.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLocation(market.KST())),
		logger:  logger.Component(log, "scheduler"),
		baseCtx: ctx,
	}
}

// Add registers job under spec. A job still running when its next turn comes is skipped.
func (s *Scheduler) Add(name, spec string, job func(context.Context)) error {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		if s.baseCtx.Err() != nil {
			return
		}
		s.logger.Debugf("running job %s", name)
		job(s.baseCtx)
	}))
	if _, err := s.cron.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("%w: can't schedule %s at %q", err, name, spec)
	}
	return nil
}

func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.logger.Infof("scheduler started with %d jobs", s.Jobs())
	s.cron.Start()
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Infof("scheduler stopped")
}
