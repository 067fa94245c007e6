package audit

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/pkg/observability"
)

type fakePurger struct {
	mu        sync.Mutex
	olderThan time.Time
	calls     int
	removed   int64
}

func (p *fakePurger) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.olderThan = olderThan
	p.calls++
	return p.removed, nil
}

func retentionTestLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestRetentionSchedulerStart(t *testing.T) {
	purger := &fakePurger{}
	scheduler := NewRetentionScheduler(purger, DefaultRetentionPolicy(), retentionTestLogger())

	// The default policy's cron expression must parse.
	require.NoError(t, scheduler.Start())
	scheduler.Stop()
}

func TestRetentionSchedulerDisabled(t *testing.T) {
	purger := &fakePurger{}
	scheduler := NewRetentionScheduler(purger, RetentionPolicy{RetentionDays: 0}, retentionTestLogger())

	require.NoError(t, scheduler.Start())
	scheduler.Stop()
	assert.Zero(t, purger.calls)
}

func TestRetentionSchedulerBadSchedule(t *testing.T) {
	purger := &fakePurger{}
	scheduler := NewRetentionScheduler(purger, RetentionPolicy{
		RetentionDays: 30,
		PurgeSchedule: "not a cron expression",
	}, retentionTestLogger())

	assert.Error(t, scheduler.Start())
}

func TestRetentionPurgeCutoff(t *testing.T) {
	purger := &fakePurger{removed: 3}
	scheduler := NewRetentionScheduler(purger, RetentionPolicy{
		RetentionDays: 30,
		PurgeSchedule: "0 3 * * *",
	}, retentionTestLogger())

	scheduler.runPurge()

	assert.Equal(t, 1, purger.calls)
	expected := time.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, expected, purger.olderThan, time.Minute)
}
