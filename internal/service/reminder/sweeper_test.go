package reminder_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/reminder"
	"duka-service/internal/pkg/lock"
	"duka-service/internal/repository/sqlite"
	reminderSvc "duka-service/internal/service/reminder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

var now = time.Date(2025, 6, 10, 6, 0, 0, 0, time.UTC)

type captureNotifier struct {
	mu      sync.Mutex
	notices []*reminder.Notice
}

func (c *captureNotifier) NotifyReminder(_ context.Context, n *reminder.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	return nil
}

func (c *captureNotifier) byStore() map[string]reminder.ReminderType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]reminder.ReminderType{}
	for _, n := range c.notices {
		out[n.StoreID] = n.Type
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  entitlement.SubscriptionStatus
		trial   bool
		expires time.Duration
		want    reminder.ReminderType
		due     bool
	}{
		{"trial ending in 2 days", entitlement.StatusTrial, true, 2*day + time.Hour, reminder.TypeTrialEnding, true},
		{"trial ending today", entitlement.StatusTrial, true, time.Hour, reminder.TypeTrialEnding, true},
		{"trial with 10 days", entitlement.StatusTrial, true, 10 * day, "", false},
		{"active due in 3 days", entitlement.StatusActive, false, 3*day + time.Hour, reminder.TypePaymentDue, true},
		{"active due in 4 days", entitlement.StatusActive, false, 4*day + time.Hour, "", false},
		{"lapsed 1 day", entitlement.StatusExpired, false, -time.Hour, reminder.TypeOverdue, true},
		{"lapsed 7 days", entitlement.StatusExpired, false, -7 * day, reminder.TypeOverdue, true},
		{"lapsed 8 days", entitlement.StatusExpired, false, -7*day - time.Hour, reminder.TypeSuspended, true},
		{"lapsed 30 days", entitlement.StatusExpired, false, -30 * day, reminder.TypeSuspended, true},
		{"lapsed 31 days", entitlement.StatusExpired, false, -31 * day, "", false},
		{"suspended", entitlement.StatusSuspended, false, 20 * day, reminder.TypeSuspended, true},
		{"suspended and lapsed 40 days", entitlement.StatusSuspended, false, -40 * day, "", false},
		{"cancelled", entitlement.StatusCancelled, false, -2 * day, "", false},
		{"expired trial is overdue, not ending", entitlement.StatusExpired, true, -time.Hour, reminder.TypeOverdue, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &entitlement.Subscription{Status: tt.status, IsTrial: tt.trial, ExpiresAt: now.Add(tt.expires)}
			got, due := reminderSvc.Classify(sub, now)
			assert.Equal(t, tt.due, due)
			assert.Equal(t, tt.want, got)
		})
	}
}

type sweepFixture struct {
	store    *sqlite.Store
	notifier *captureNotifier
	sweeper  *reminderSvc.Sweeper
	locker   *lock.LocalLocker
	clock    time.Time
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &sweepFixture{store: store, notifier: &captureNotifier{}, locker: lock.NewLocalLocker(), clock: now}
	f.sweeper = reminderSvc.NewSweeper(store, f.locker, f.notifier, nil, reminderSvc.Config{}, zap.NewNop())
	f.sweeper.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *sweepFixture) add(t *testing.T, id string, status entitlement.SubscriptionStatus, trial bool, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateStore(ctx, &entitlement.Store{
		StoreID: id, Name: id, AccessCode: "DUKA-" + id, Email: sql.NullString{String: id + "@example.com", Valid: true}, CreatedAt: now,
	}))
	require.NoError(t, f.store.CreateSubscription(ctx, &entitlement.Subscription{
		ID: "sub-" + id, StoreID: id, Status: status, IsTrial: trial, ExpiresAt: expires,
		PlanID: "basic-monthly", Version: 1, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestSweep_SendsEachDueReminderOncePerDay(t *testing.T) {
	f := newSweepFixture(t)
	f.add(t, "trial", entitlement.StatusTrial, true, now.Add(2*day))
	f.add(t, "due", entitlement.StatusActive, false, now.Add(day+time.Hour))
	f.add(t, "healthy", entitlement.StatusActive, false, now.Add(20*day))
	f.add(t, "lapsed", entitlement.StatusActive, false, now.Add(-2*day))
	f.add(t, "held", entitlement.StatusSuspended, false, now.Add(10*day))
	f.add(t, "gone", entitlement.StatusCancelled, false, now.Add(-2*day))
	ctx := context.Background()

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)

	assert.False(t, report.Skipped)
	assert.Equal(t, 5, report.Scanned, "cancelled rows are not scanned")
	assert.Equal(t, 1, report.MarkedExpired)
	assert.Equal(t, map[string]reminder.ReminderType{
		"trial":  reminder.TypeTrialEnding,
		"due":    reminder.TypePaymentDue,
		"lapsed": reminder.TypeOverdue,
		"held":   reminder.TypeSuspended,
	}, f.notifier.byStore())

	lapsed, err := f.store.FindSubscriptionByStore(ctx, "lapsed")
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusExpired, lapsed.Status)
	assert.Equal(t, int64(2), lapsed.Version)

	again, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Sent)
	assert.Equal(t, 4, again.Deduped)
	assert.Len(t, f.notifier.notices, 4)

	f.clock = now.Add(day)
	next, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, next.Sent, "a new day is a new bucket")
}

func TestSweep_NoticeCarriesStoreContact(t *testing.T) {
	f := newSweepFixture(t)
	f.add(t, "trial", entitlement.StatusTrial, true, now.Add(2*day))

	_, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, f.notifier.notices, 1)
	n := f.notifier.notices[0]
	assert.Equal(t, "trial@example.com", n.Email)
	assert.Equal(t, "DUKA-trial", n.AccessCode)
	assert.Equal(t, 2, n.DaysToExpiry)

	logs, err := f.store.ListReminders(context.Background(), "sub-trial")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "2025-06-10", logs[0].BucketDate)
}

func TestSweep_SkipsWhenLockHeld(t *testing.T) {
	f := newSweepFixture(t)
	f.add(t, "trial", entitlement.StatusTrial, true, now.Add(2*day))
	ctx := context.Background()

	release, ok, err := f.locker.TryLock(ctx, "reminder-sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.notifier.notices)

	require.NoError(t, release(ctx))
	report, err = f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Len(t, f.notifier.notices, 1)
}

func TestSweeper_StartSweepsImmediately(t *testing.T) {
	f := newSweepFixture(t)
	f.add(t, "trial", entitlement.StatusTrial, true, now.Add(2*day))

	f.sweeper.Start(context.Background())
	defer f.sweeper.Stop()

	assert.Eventually(t, func() bool {
		return len(f.notifier.byStore()) == 1
	}, 2*time.Second, 10*time.Millisecond, "the first sweep must not wait a full interval")
}
