package scheduler

import (
	"context"

	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
)

// SettlementRecoveryJob reconciles pending settlements older than the
// recovery threshold. Those the ledger still cannot answer for stay pending
// and are retried on the next tick.
func (s *Scheduler) SettlementRecoveryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSettlementRecovery, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resolved, err := s.settlementSvc.RecoverStale(ctx, cutoff, s.cfg.BatchSize)
		run.AddProcessed(resolved)
		schedMetrics.AddBatchProcessed(JobSettlementRecovery, "settlements", resolved)
		if err != nil {
			schedMetrics.IncStageError(obsmetrics.SettlementStageRecovery, err)
			s.logSchedulerError(ctx, run, "scheduler.settlement.recovery.failed", JobSettlementRecovery, "", err)
			return err
		}
		if resolved < s.cfg.BatchSize {
			return nil
		}
	}
}
