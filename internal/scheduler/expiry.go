package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
)

// SessionExpiryJob closes active sessions past their inactivity or age limit.
func (s *Scheduler) SessionExpiryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSessionExpiry, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		expired, err := s.sessionSvc.ExpireInactive(ctx, now, s.cfg.BatchSize)
		run.AddProcessed(expired)
		schedMetrics.AddBatchProcessed(JobSessionExpiry, "sessions", expired)
		if err != nil {
			schedMetrics.IncStageError(obsmetrics.SettlementStageExpiry, err)
			s.logSchedulerError(ctx, run, "scheduler.session.expiry.failed", JobSessionExpiry, "", err)
			return err
		}
		if expired < s.cfg.BatchSize {
			return nil
		}
	}
}
