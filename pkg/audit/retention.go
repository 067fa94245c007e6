package audit

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/archonhq/archon/pkg/observability"
)

// Purger is implemented by sinks that support age-based deletion
type Purger interface {
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// RetentionScheduler periodically purges audit events past the
// configured retention window
type RetentionScheduler struct {
	purger Purger
	policy RetentionPolicy
	logger *observability.Logger
	cron   *cron.Cron
}

// NewRetentionScheduler creates a scheduler for the given purger and policy
func NewRetentionScheduler(purger Purger, policy RetentionPolicy, logger *observability.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		purger: purger,
		policy: policy,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the purge job and begins the schedule.
// A retention of zero days disables purging entirely.
func (s *RetentionScheduler) Start() error {
	if s.policy.RetentionDays <= 0 {
		s.logger.Info("Audit retention disabled; events are kept indefinitely")
		return nil
	}

	_, err := s.cron.AddFunc(s.policy.PurgeSchedule, s.runPurge)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{
		"retention_days": s.policy.RetentionDays,
		"schedule":       s.policy.PurgeSchedule,
	}).Info("Audit retention scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running purge to finish
func (s *RetentionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *RetentionScheduler) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.policy.RetentionDays)
	removed, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Audit purge failed")
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"removed": removed,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("Audit purge completed")
}
