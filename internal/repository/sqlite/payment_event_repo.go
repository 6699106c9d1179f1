// internal/repository/sqlite/payment_event_repo.go
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"

	"github.com/samber/lo"
)

type PaymentEventRepository struct {
	db querier
}

const paymentEventColumns = `
	external_id, channel, amount_minor, currency, raw_reference, correlation_store_id,
	correlation_plan_id, session_id, payer_phone, manual, note, raw_payload, received_at,
	match_status, match_reason, matched_store_id, matched_plan_id, applied_at,
	previous_expires_at, new_expires_at, confirmed_at
`

func scanPaymentEvent(row rowScanner) (*payment.PaymentEvent, error) {
	var ev payment.PaymentEvent
	err := row.Scan(
		&ev.ExternalID, &ev.Channel, &ev.AmountMinor, &ev.Currency, &ev.RawReference, &ev.CorrelationStoreID,
		&ev.CorrelationPlanID, &ev.SessionID, &ev.PayerPhone, &ev.Manual, &ev.Note, &ev.RawPayload,
		nanoTime{&ev.ReceivedAt}, &ev.MatchStatus, &ev.MatchReason, &ev.MatchedStoreID, &ev.MatchedPlanID,
		nullNanoTime{&ev.AppliedAt}, nullNanoTime{&ev.PreviousExpiresAt}, nullNanoTime{&ev.NewExpiresAt},
		nullNanoTime{&ev.ConfirmedAt},
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *PaymentEventRepository) InsertPaymentEvent(ctx context.Context, ev *payment.PaymentEvent) (bool, error) {
	query := `
		INSERT INTO payment_events (
			external_id, channel, amount_minor, currency, raw_reference, correlation_store_id,
			correlation_plan_id, session_id, payer_phone, manual, note, raw_payload, received_at,
			match_status, match_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		ev.ExternalID, string(ev.Channel), ev.AmountMinor, ev.Currency, ev.RawReference, ev.CorrelationStoreID,
		ev.CorrelationPlanID, ev.SessionID, ev.PayerPhone, ev.Manual, ev.Note, ev.RawPayload, nanos(ev.ReceivedAt),
		string(ev.MatchStatus), ev.MatchReason,
	)
	if err != nil {
		return false, storageErr("insert payment event", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("insert payment event", err)
	}
	return n == 1, nil
}

func (r *PaymentEventRepository) FindPaymentEvent(ctx context.Context, externalID string) (*payment.PaymentEvent, error) {
	query := `SELECT ` + paymentEventColumns + ` FROM payment_events WHERE external_id = ?`

	ev, err := scanPaymentEvent(r.db.QueryRowContext(ctx, query, externalID))
	if err != nil {
		return nil, notFoundOr("find payment event", err)
	}
	return ev, nil
}

// LockPaymentEvent is a plain read: the single connection already serializes
// every transaction.
func (r *PaymentEventRepository) LockPaymentEvent(ctx context.Context, externalID string) (*payment.PaymentEvent, error) {
	ev, err := r.FindPaymentEvent(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *PaymentEventRepository) UpdatePaymentEventMatch(ctx context.Context, ev *payment.PaymentEvent) error {
	query := `
		UPDATE payment_events
		SET match_status = ?, match_reason = ?, matched_store_id = ?, matched_plan_id = ?,
		    applied_at = ?, previous_expires_at = ?, new_expires_at = ?
		WHERE external_id = ? AND match_status NOT IN ('APPLIED', 'REJECTED')
	`

	result, err := r.db.ExecContext(ctx, query,
		string(ev.MatchStatus), ev.MatchReason, ev.MatchedStoreID, ev.MatchedPlanID,
		nullNanos(ev.AppliedAt), nullNanos(ev.PreviousExpiresAt), nullNanos(ev.NewExpiresAt), ev.ExternalID,
	)
	if err != nil {
		return storageErr("update payment event", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("update payment event", err)
	}
	if n == 0 {
		return fmt.Errorf("payment event %s is final: %w", ev.ExternalID, xerrors.ErrConflict)
	}
	return nil
}

func (r *PaymentEventRepository) MarkPaymentEventConfirmed(ctx context.Context, externalID string, at time.Time) error {
	query := `UPDATE payment_events SET confirmed_at = ? WHERE external_id = ? AND confirmed_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, nanos(at), externalID); err != nil {
		return storageErr("confirm payment event", err)
	}
	return nil
}

func (r *PaymentEventRepository) ListUnconfirmedPaymentEvents(ctx context.Context, channel payment.Channel, appliedBefore time.Time, limit int) ([]payment.PaymentEvent, error) {
	query := `SELECT ` + paymentEventColumns + `
		FROM payment_events
		WHERE channel = ? AND match_status = ? AND confirmed_at IS NULL AND applied_at < ?
		ORDER BY applied_at ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, string(channel), string(payment.MatchApplied), nanos(appliedBefore), limit)
	if err != nil {
		return nil, storageErr("list unconfirmed payment events", err)
	}
	defer rows.Close()

	var events []payment.PaymentEvent
	for rows.Next() {
		ev, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, storageErr("scan payment event", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list unconfirmed payment events", err)
	}
	return events, nil
}

func (r *PaymentEventRepository) ListPaymentEventsByStatus(ctx context.Context, statuses []payment.MatchStatus, receivedBefore time.Time, offset, limit int) ([]payment.PaymentEvent, int64, error) {
	if len(statuses) == 0 {
		return nil, 0, nil
	}

	in := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := lo.Map(statuses, func(s payment.MatchStatus, _ int) any { return string(s) })
	args = append(args, nanos(receivedBefore))

	var total int64
	countQuery := `SELECT COUNT(*) FROM payment_events WHERE match_status IN (` + in + `) AND received_at < ?`
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count payment events", err)
	}

	query := `SELECT ` + paymentEventColumns + `
		FROM payment_events
		WHERE match_status IN (` + in + `) AND received_at < ?
		ORDER BY received_at ASC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, storageErr("list payment events", err)
	}
	defer rows.Close()

	var events []payment.PaymentEvent
	for rows.Next() {
		ev, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, 0, storageErr("scan payment event", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list payment events", err)
	}
	return events, total, nil
}
