package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bookpay/internal/models"
)

const paymentColumns = `id, booking_id, amount, currency, tran_id, status,
                 created_at, updated_at, version`

func (db *DB) CreatePayment(ctx context.Context, payment *models.Payment) error {
	now := time.Now()
	result, err := db.db.ExecContext(ctx,
		`INSERT INTO payments (booking_id, amount, currency, tran_id, status, created_at, updated_at, version)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.BookingID, payment.Amount, payment.Currency, payment.TranID,
		payment.Status, now, now, 1,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	payment.ID = id
	payment.CreatedAt = now
	payment.UpdatedAt = now
	payment.Version = 1
	return nil
}

func (db *DB) GetPaymentByTranID(ctx context.Context, tranID string) (*models.Payment, error) {
	p, err := scanPayment(db.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE tran_id = ?`, tranID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (db *DB) ListPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE booking_id = ? ORDER BY created_at ASC, id ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// MarkPaymentFailed flips a pending payment to failed. Zero affected rows
// means the payment already reached a terminal state.
func (db *DB) MarkPaymentFailed(ctx context.Context, paymentID int64) error {
	result, err := db.db.ExecContext(ctx,
		`UPDATE payments SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.PaymentFailed, time.Now(), paymentID, models.PaymentPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// ConfirmPaymentAndBooking applies the success callback: payment pending →
// success and booking pending → confirmed, both status-guarded, both in one
// transaction. Either transition losing its guard aborts the whole pair, so
// a racing sweep can never leave a confirmed booking with a failed payment
// or vice versa.
func (db *DB) ConfirmPaymentAndBooking(ctx context.Context, paymentID, bookingID int64) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.PaymentSuccess, now, paymentID, models.PaymentPending)
	if err != nil {
		return fmt.Errorf("failed to mark payment success: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrConcurrentModification
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.StatusConfirmed, now, bookingID, models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to confirm booking: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrConcurrentModification
	}

	return tx.Commit()
}

// AppendPaymentEvent записывает строку аудита; события никогда не
// изменяются и не удаляются.
func (db *DB) AppendPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	now := time.Now()
	result, err := db.db.ExecContext(ctx,
		`INSERT INTO payment_events (payment_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		event.PaymentID, event.Type, event.Payload, now)
	if err != nil {
		return fmt.Errorf("failed to append payment event: %w", err)
	}
	event.ID, _ = result.LastInsertId()
	event.CreatedAt = now
	return nil
}

func (db *DB) ListPaymentEvents(ctx context.Context, paymentID int64) ([]*models.PaymentEvent, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, payment_id, type, payload, created_at FROM payment_events
         WHERE payment_id = ? ORDER BY id ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	defer rows.Close()

	var events []*models.PaymentEvent
	for rows.Next() {
		e := &models.PaymentEvent{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		e.Payload = payload.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	err := row.Scan(
		&p.ID, &p.BookingID, &p.Amount, &p.Currency, &p.TranID, &p.Status,
		&p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
