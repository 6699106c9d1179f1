// internal/repository/postgres/payment_event_repo.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"duka-service/internal/domain/payment"
	xerrors "duka-service/internal/pkg/errors"

	"github.com/samber/lo"
)

type PaymentEventRepository struct {
	db querier
}

func NewPaymentEventRepository(db querier) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
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
		&ev.CorrelationPlanID, &ev.SessionID, &ev.PayerPhone, &ev.Manual, &ev.Note, &ev.RawPayload, &ev.ReceivedAt,
		&ev.MatchStatus, &ev.MatchReason, &ev.MatchedStoreID, &ev.MatchedPlanID, &ev.AppliedAt,
		&ev.PreviousExpiresAt, &ev.NewExpiresAt, &ev.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// InsertPaymentEvent relies on the primary key on external_id; a redelivery is a no-op.
func (r *PaymentEventRepository) InsertPaymentEvent(ctx context.Context, ev *payment.PaymentEvent) (bool, error) {
	query := `
		INSERT INTO payment_events (
			external_id, channel, amount_minor, currency, raw_reference, correlation_store_id,
			correlation_plan_id, session_id, payer_phone, manual, note, raw_payload, received_at,
			match_status, match_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (external_id) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query,
		ev.ExternalID, ev.Channel, ev.AmountMinor, ev.Currency, ev.RawReference, ev.CorrelationStoreID,
		ev.CorrelationPlanID, ev.SessionID, ev.PayerPhone, ev.Manual, ev.Note, ev.RawPayload, ev.ReceivedAt,
		ev.MatchStatus, ev.MatchReason,
	)
	if err != nil {
		return false, storageErr("insert payment event", err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *PaymentEventRepository) FindPaymentEvent(ctx context.Context, externalID string) (*payment.PaymentEvent, error) {
	query := `SELECT ` + paymentEventColumns + ` FROM payment_events WHERE external_id = $1`

	ev, err := scanPaymentEvent(r.db.QueryRow(ctx, query, externalID))
	if err != nil {
		return nil, notFoundOr("find payment event", err)
	}
	return ev, nil
}

func (r *PaymentEventRepository) LockPaymentEvent(ctx context.Context, externalID string) (*payment.PaymentEvent, error) {
	query := `SELECT ` + paymentEventColumns + ` FROM payment_events WHERE external_id = $1 FOR UPDATE`

	ev, err := scanPaymentEvent(r.db.QueryRow(ctx, query, externalID))
	if err != nil {
		return nil, notFoundOr("lock payment event", err)
	}
	return ev, nil
}

// UpdatePaymentEventMatch writes the mutable match fields. The WHERE clause keeps
// an APPLIED or REJECTED row from being rewritten.
func (r *PaymentEventRepository) UpdatePaymentEventMatch(ctx context.Context, ev *payment.PaymentEvent) error {
	query := `
		UPDATE payment_events
		SET match_status = $1, match_reason = $2, matched_store_id = $3, matched_plan_id = $4,
		    applied_at = $5, previous_expires_at = $6, new_expires_at = $7
		WHERE external_id = $8 AND match_status NOT IN ('APPLIED', 'REJECTED')
	`

	result, err := r.db.Exec(ctx, query,
		ev.MatchStatus, ev.MatchReason, ev.MatchedStoreID, ev.MatchedPlanID,
		ev.AppliedAt, ev.PreviousExpiresAt, ev.NewExpiresAt, ev.ExternalID,
	)
	if err != nil {
		return storageErr("update payment event", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("payment event %s is final: %w", ev.ExternalID, xerrors.ErrConflict)
	}
	return nil
}

func (r *PaymentEventRepository) MarkPaymentEventConfirmed(ctx context.Context, externalID string, at time.Time) error {
	query := `UPDATE payment_events SET confirmed_at = $1 WHERE external_id = $2 AND confirmed_at IS NULL`

	if _, err := r.db.Exec(ctx, query, at, externalID); err != nil {
		return storageErr("confirm payment event", err)
	}
	return nil
}

func (r *PaymentEventRepository) ListUnconfirmedPaymentEvents(ctx context.Context, channel payment.Channel, appliedBefore time.Time, limit int) ([]payment.PaymentEvent, error) {
	query := `SELECT ` + paymentEventColumns + `
		FROM payment_events
		WHERE channel = $1 AND match_status = $2 AND confirmed_at IS NULL AND applied_at < $3
		ORDER BY applied_at ASC
		LIMIT $4
	`

	rows, err := r.db.Query(ctx, query, string(channel), string(payment.MatchApplied), appliedBefore, limit)
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

// ListPaymentEventsByStatus pages through events in the given statuses received
// before receivedBefore, oldest first.
func (r *PaymentEventRepository) ListPaymentEventsByStatus(ctx context.Context, statuses []payment.MatchStatus, receivedBefore time.Time, offset, limit int) ([]payment.PaymentEvent, int64, error) {
	names := lo.Map(statuses, func(s payment.MatchStatus, _ int) string { return string(s) })

	var total int64
	countQuery := `SELECT COUNT(*) FROM payment_events WHERE match_status = ANY($1) AND received_at < $2`
	if err := r.db.QueryRow(ctx, countQuery, names, receivedBefore).Scan(&total); err != nil {
		return nil, 0, storageErr("count payment events", err)
	}

	query := `SELECT ` + paymentEventColumns + `
		FROM payment_events
		WHERE match_status = ANY($1) AND received_at < $2
		ORDER BY received_at ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Query(ctx, query, names, receivedBefore, limit, offset)
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
