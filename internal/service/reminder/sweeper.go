// internal/service/reminder/sweeper.go
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duka-service/internal/domain/entitlement"
	"duka-service/internal/domain/reminder"
	"duka-service/internal/metrics"
	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/pkg/lock"
	"duka-service/internal/repository"
	entsvc "duka-service/internal/service/entitlement"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const sweepLockKey = "reminder-sweep"

// Notifier delivers one reminder to the store. Delivery happens after the log
// row is written, so a failed send is not retried the same day.
type Notifier interface {
	NotifyReminder(ctx context.Context, n *reminder.Notice) error
}

type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
}

type Sweeper struct {
	store     repository.Store
	locker    lock.Locker
	notifier  Notifier
	publisher entsvc.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(store repository.Store, locker lock.Locker, notifier Notifier, publisher entsvc.Publisher, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Sweeper{
		store:     store,
		locker:    locker,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Classify picks the reminder a subscription is due for at now, if any.
func Classify(sub *entitlement.Subscription, now time.Time) (reminder.ReminderType, bool) {
	days := entsvc.DaysToExpiry(sub.ExpiresAt, now)
	trial := sub.Status == entitlement.StatusTrial || sub.IsTrial

	switch sub.Status {
	case entitlement.StatusCancelled:
		return "", false
	case entitlement.StatusSuspended:
		// a suspended store hears about it for the same 30 days as a lapsed one
		if days >= -30 {
			return reminder.TypeSuspended, true
		}
		return "", false
	}

	switch {
	case days >= 0 && days <= 3 && sub.Status != entitlement.StatusExpired && trial:
		return reminder.TypeTrialEnding, true
	case days >= 0 && days <= 3 && sub.Status == entitlement.StatusActive:
		return reminder.TypePaymentDue, true
	case days >= -7 && days < 0:
		return reminder.TypeOverdue, true
	case days >= -30 && days < -7:
		return reminder.TypeSuspended, true
	}
	return "", false
}

// Sweep scans every non-cancelled subscription once. When another sweep holds
// the lock the report comes back with Skipped set.
func (s *Sweeper) Sweep(ctx context.Context) (*reminder.SweepReport, error) {
	report := &reminder.SweepReport{
		StartedAt: s.now().UTC(),
		Sent:      map[reminder.ReminderType]int{},
	}

	release, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to take sweep lock: %w", err)
	}
	if !ok {
		report.Skipped = true
		report.FinishedAt = s.now().UTC()
		s.logger.Info("reminder sweep skipped, lock held elsewhere")
		return report, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	subs, err := s.store.ListSweepableSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	bucket := now.Format("2006-01-02")

	for i := range subs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sub := &subs[i]
		report.Scanned++

		if entsvc.IsLapsed(sub, now) {
			if s.markExpired(ctx, sub, now) {
				report.MarkedExpired++
			}
		}

		typ, due := Classify(sub, now)
		if !due {
			continue
		}

		entry := &reminder.ReminderLog{
			ID:             ulid.Make().String(),
			SubscriptionID: sub.ID,
			StoreID:        sub.StoreID,
			Type:           typ,
			BucketDate:     bucket,
			DaysToExpiry:   entsvc.DaysToExpiry(sub.ExpiresAt, now),
			SentAt:         now,
		}
		inserted, err := s.store.InsertReminder(ctx, entry)
		if err != nil {
			report.Errors++
			s.logger.Error("failed to record reminder",
				zap.String("store_id", sub.StoreID),
				zap.String("type", string(typ)),
				zap.Error(err),
			)
			continue
		}
		if !inserted {
			report.Deduped++
			continue
		}

		report.Sent[typ]++
		metrics.RemindersSentTotal.WithLabelValues(string(typ)).Inc()

		if err := s.notify(ctx, sub, entry); err != nil {
			report.Errors++
			s.logger.Warn("reminder delivery failed",
				zap.String("store_id", sub.StoreID),
				zap.String("type", string(typ)),
				zap.Error(err),
			)
		}
	}

	report.FinishedAt = s.now().UTC()
	s.logger.Info("reminder sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("deduped", report.Deduped),
		zap.Int("marked_expired", report.MarkedExpired),
		zap.Int("errors", report.Errors),
		zap.Any("sent", report.Sent),
	)
	return report, nil
}

// markExpired persists EXPIRED on a lapsed row. A version conflict means a
// payment got there first; the row is left to it.
func (s *Sweeper) markExpired(ctx context.Context, sub *entitlement.Subscription, now time.Time) bool {
	expected := sub.Version
	next := *sub
	next.Status = entitlement.StatusExpired
	next.UpdatedAt = now

	if err := s.store.UpdateSubscription(ctx, &next, expected); err != nil {
		if errors.Is(err, xerrors.ErrConcurrencyConflict) {
			s.logger.Debug("lazy expiry lost to a concurrent update", zap.String("store_id", sub.StoreID))
		} else {
			s.logger.Warn("failed to persist expiry", zap.String("store_id", sub.StoreID), zap.Error(err))
		}
		return false
	}
	*sub = next

	if s.publisher != nil {
		s.publisher.PublishEntitlement(ctx, entsvc.Evaluate(sub.StoreID, sub, nil, now))
	}
	return true
}

func (s *Sweeper) notify(ctx context.Context, sub *entitlement.Subscription, entry *reminder.ReminderLog) error {
	if s.notifier == nil {
		return nil
	}
	st, err := s.store.FindStore(ctx, sub.StoreID)
	if err != nil {
		return err
	}
	return s.notifier.NotifyReminder(ctx, &reminder.Notice{
		StoreID:      st.StoreID,
		StoreName:    st.Name,
		Email:        st.Email.String,
		Phone:        st.Phone.String,
		AccessCode:   st.AccessCode,
		Type:         entry.Type,
		DaysToExpiry: entry.DaysToExpiry,
		ExpiresAt:    sub.ExpiresAt,
		PlanID:       sub.PlanID,
	})
}

// History lists the reminders sent to storeID's subscription, oldest first.
func (s *Sweeper) History(ctx context.Context, storeID string) ([]reminder.ReminderLog, error) {
	sub, err := s.store.FindSubscriptionByStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("subscription for store %s: %w", storeID, xerrors.ErrNotFound)
		}
		return nil, err
	}

	logs, err := s.store.ListReminders(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	if logs == nil {
		logs = []reminder.ReminderLog{}
	}
	return logs, nil
}

// Start runs one Sweep right away, then every Interval until Stop. The reminder
// log makes the startup run harmless after a restart on the same day.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run := func() {
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("reminder sweep failed", zap.Error(err))
			}
		}
		run()

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	s.logger.Info("reminder scheduler started", zap.Duration("interval", s.cfg.Interval))
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
