package queue

import (
	"context"
	"time"
)

// runStallMonitor periodically fails jobs whose lock lease expired.
func (q *Queue) runStallMonitor(ctx context.Context) {
	ticker := time.NewTicker(q.opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweepStalledJobs(ctx)
		}
	}
}

func (q *Queue) sweepStalledJobs(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	expired, err := q.store.ListStalledJobs(sweepCtx, time.Now(), 100)
	if err != nil {
		q.logger.Warn("stall sweep failed", "error", err)
		return
	}

	for _, job := range expired {
		updated, err := q.store.MarkJobStalled(sweepCtx, job.ID)
		if err != nil {
			q.logger.Warn("failed to mark job stalled", "job_id", job.ID, "error", err)
			continue
		}
		if !updated {
			continue
		}
		q.logger.Warn("job stalled", "job_id", job.ID, "user_id", job.UserID, "kind", job.Kind)
		q.emit(ctx, Event{
			Type:   EventStalled,
			JobID:  job.ID,
			Kind:   job.Kind,
			UserID: job.UserID,
			Reason: "job stalled more than allowable limit",
			At:     time.Now(),
		})
	}
}
