package service

import (
	"context"
	"time"
)

// RunStateDump logs the outstanding jobs and active users every interval
// until ctx is cancelled. A non-positive interval disables it.
func (s *Service) RunStateDump(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dumpState()
		}
	}
}

func (s *Service) dumpState() {
	snap := s.tracker.Snapshot()
	s.logger.Info("server state",
		"jobs_running", snap.OutstandingJobs,
		"users_playing", s.sessions.Users(),
		"pending_results", snap.PendingResults,
		"pending_investments", snap.PendingInvestments,
		"failed_users", snap.FailedUsers)
}
