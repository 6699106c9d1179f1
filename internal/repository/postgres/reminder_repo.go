// internal/repository/postgres/reminder_repo.go
package postgres

import (
	"context"

	"duka-service/internal/domain/reminder"
)

type ReminderRepository struct {
	db querier
}

func NewReminderRepository(db querier) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// InsertReminder is the dedup point of the reminder sweep: the unique key on
// (subscription_id, reminder_type, bucket_date) turns a second insert into a no-op.
func (r *ReminderRepository) InsertReminder(ctx context.Context, log *reminder.ReminderLog) (bool, error) {
	query := `
		INSERT INTO reminder_logs (id, subscription_id, store_id, reminder_type, bucket_date, days_to_expiry, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscription_id, reminder_type, bucket_date) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query,
		log.ID, log.SubscriptionID, log.StoreID, log.Type, log.BucketDate, log.DaysToExpiry, log.SentAt,
	)
	if err != nil {
		return false, storageErr("insert reminder", err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *ReminderRepository) ListReminders(ctx context.Context, subscriptionID string) ([]reminder.ReminderLog, error) {
	query := `
		SELECT id, subscription_id, store_id, reminder_type, bucket_date, days_to_expiry, sent_at
		FROM reminder_logs
		WHERE subscription_id = $1
		ORDER BY sent_at ASC
	`

	rows, err := r.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, storageErr("list reminders", err)
	}
	defer rows.Close()

	var logs []reminder.ReminderLog
	for rows.Next() {
		var l reminder.ReminderLog
		if err := rows.Scan(&l.ID, &l.SubscriptionID, &l.StoreID, &l.Type, &l.BucketDate, &l.DaysToExpiry, &l.SentAt); err != nil {
			return nil, storageErr("scan reminder", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list reminders", err)
	}
	return logs, nil
}
