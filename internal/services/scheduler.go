package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/config"
)

// SweepFunc is one orchestrator sweep.
type SweepFunc func(ctx context.Context) (SweepResult, error)

type job struct {
	name     string
	interval time.Duration
	run      SweepFunc
}

// Scheduler runs each sweep on its own ticker. A slow sweep delays only its
// own next run.
type Scheduler struct {
	jobs []job
	log  *zap.Logger
}

func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Every registers run to fire every interval. A non-positive interval
// disables the sweep.
func (s *Scheduler) Every(name string, interval time.Duration, run SweepFunc) *Scheduler {
	if interval <= 0 {
		s.log.Info("sweep disabled", zap.String("sweep", name))
		return s
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: run})
	return s
}

// SchedulerFor wires the orchestrator sweeps, and the refund status check
// alongside the poll sweep, at their configured intervals.
func SchedulerFor(o *Orchestrator, rec *Reconciler, cfg config.Payment, log *zap.Logger) *Scheduler {
	return NewScheduler(log).
		Every("poll", cfg.PollInterval, o.PollSweep).
		Every("refund", cfg.PollInterval, rec.RefundSweep).
		Every("expiry", cfg.ExpiryInterval, o.ExpirySweep).
		Every("retry", cfg.RetryInterval, o.RetrySweep).
		Every("archive", cfg.ArchiveInterval, o.ArchiveSweep)
}

// Run blocks until ctx is cancelled and every in-flight sweep has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	log := s.log.With(zap.String("sweep", j.name))
	log.Info("sweep scheduled", zap.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(ctx, j.interval)
			if _, err := j.run(rctx); err != nil {
				log.Error("sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}
