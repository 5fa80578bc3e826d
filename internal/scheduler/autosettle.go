package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/panjf2000/ants/v2"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	"github.com/smallbiznis/streampay/internal/scheduler/guard"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	"go.uber.org/zap"
)

// AutoSettleJob settles sessions whose unsettled backlog reached the auto
// settle threshold, plus closed or expired sessions with a remainder. Each
// batch is fanned out over a bounded worker pool.
func (s *Scheduler) AutoSettleJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobAutoSettle, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	threshold := s.policy.Get().Settlement.AutoSettleThreshold
	schedMetrics := obsmetrics.Scheduler()

	pool, err := ants.NewPool(s.cfg.Workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		jobErr  error
		afterID snowflake.ID
	)
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		candidates, err := s.fetchSettleCandidates(ctx, threshold, afterID, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.settle.fetch.failed", JobAutoSettle, "", err)
			return errors.Join(jobErr, err)
		}
		if len(candidates) == 0 {
			schedMetrics.IncBatchDeferred(JobAutoSettle, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			break
		}

		var wg sync.WaitGroup
		for _, candidate := range candidates {
			afterID = candidate.ID
			if guard.EnsureSessionCanAutoSettle(candidate.Status, candidate.Unsettled(), threshold) != nil {
				continue
			}

			candidate := candidate
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				err := s.settleCandidate(ctx, run, &mu, candidate)
				if err != nil {
					mu.Lock()
					jobErr = errors.Join(jobErr, err)
					mu.Unlock()
				}
			})
			if submitErr != nil {
				wg.Done()
				schedMetrics.IncBatchDeferred(JobAutoSettle, obsmetrics.SchedulerBatchDeferredReasonPoolOverload)
				mu.Lock()
				run.IncDeferred()
				mu.Unlock()
			}
		}
		wg.Wait()

		if len(candidates) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) settleCandidate(ctx context.Context, run *jobRun, mu *sync.Mutex, candidate WorkSession) error {
	ref := candidate.ID.String()
	schedMetrics := obsmetrics.Scheduler()

	result, err := s.settlementSvc.Settle(ctx, settlementdomain.SettleRequest{
		SessionRef: ref,
		VideoID:    candidate.VideoID,
		ViewerID:   candidate.ViewerID,
	})
	switch {
	case err == nil:
		mu.Lock()
		run.AddProcessed(1)
		mu.Unlock()
		schedMetrics.AddBatchProcessed(JobAutoSettle, "sessions", 1)
		s.logSessionSettled(ctx, ref, result.ChunksSettled, result.TransactionSignature)
		return nil
	case errors.Is(err, settlementdomain.ErrSettlementInProgress), errors.Is(err, settlementdomain.ErrNoUnsettledChunks):
		mu.Lock()
		run.IncDeferred()
		mu.Unlock()
		schedMetrics.IncBatchDeferred(JobAutoSettle, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("auto settle deferred", zap.String("session_ref", ref), zap.Error(err))
		return nil
	default:
		schedMetrics.IncStageError(obsmetrics.SettlementStageAutoSettle, err)
		mu.Lock()
		s.logSchedulerError(ctx, run, "scheduler.session.settle.failed", JobAutoSettle, ref, err,
			zap.Int64("unsettled", candidate.Unsettled()),
		)
		mu.Unlock()
		return err
	}
}
