package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bookpay/internal/models"
)

const bookingColumns = `id, user_id, first_name, last_name, email, phone,
                 total_amount, currency, status, expires_at, created_at,
                 updated_at, version`

// CreateBookingWithHolds inserts the booking, its items and its inventory
// holds inside one transaction, checking every requested unit for an active
// conflicting hold first. Either the whole reservation commits or nothing
// does; a booking row never exists without its inventory actually held.
//
// Returns *ConflictError (wrapping ErrInventoryConflict) naming the
// colliding units when any requested unit is unavailable.
func (db *DB) CreateBookingWithHolds(ctx context.Context, booking *models.Booking, holds []*models.InventoryHold) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// 1. Conflict check for every requested unit, inside the transaction.
	// The request's own holds count too: a batch claiming the same
	// (unit, window) twice conflicts with itself.
	var conflicts []int64
	for i, h := range holds {
		if clashesWithin(holds[:i], h) {
			conflicts = append(conflicts, h.UnitID)
			continue
		}
		taken, err := holdConflictsTx(ctx, tx, h)
		if err != nil {
			return fmt.Errorf("failed to check hold conflict: %w", err)
		}
		if taken {
			conflicts = append(conflicts, h.UnitID)
		}
	}
	if len(conflicts) > 0 {
		return &ConflictError{Units: conflicts}
	}

	// 2. Booking row.
	now := time.Now()
	result, err := tx.ExecContext(ctx, `INSERT INTO bookings (
                user_id, first_name, last_name, email, phone, total_amount,
                currency, status, expires_at, created_at, updated_at, version
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		booking.UserID,
		booking.FirstName,
		booking.LastName,
		booking.Email,
		booking.Phone,
		booking.TotalAmount,
		booking.Currency,
		booking.Status,
		booking.ExpiresAt,
		now,
		now,
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	// 3. Items.
	for _, item := range booking.Items {
		item.BookingID = id
		res, err := tx.ExecContext(ctx, `INSERT INTO booking_items (
                    booking_id, kind, inventory_id, quantity, unit_price,
                    total_price, check_in, check_out, schedule_id
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, item.Kind, item.InventoryID, item.Quantity, item.UnitPrice,
			item.TotalPrice, fmtDate(item.CheckIn), fmtDate(item.CheckOut), nullableID(item.ScheduleID),
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking item: %w", err)
		}
		item.ID, _ = res.LastInsertId()
	}

	// 4. Holds.
	for _, h := range holds {
		h.BookingID = id
		res, err := tx.ExecContext(ctx, `INSERT INTO inventory_holds (
                    booking_id, kind, unit_id, schedule_id, start_date, end_date, created_at
                ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, h.Kind, h.UnitID, h.ScheduleID, fmtDate(datePtr(h.StartDate)), fmtDate(datePtr(h.EndDate)), now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert inventory hold: %w", err)
		}
		h.ID, _ = res.LastInsertId()
		h.CreatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking transaction: %w", err)
	}

	booking.ID = id
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

// clashesWithin reports whether h collides with any hold earlier in the
// same batch: same unit, same kind, and an intersecting window (rooms) or
// the same schedule (seats).
func clashesWithin(prior []*models.InventoryHold, h *models.InventoryHold) bool {
	for _, p := range prior {
		if p.Kind != h.Kind || p.UnitID != h.UnitID {
			continue
		}
		if h.Kind == models.KindRoomStay {
			if p.StartDate.Before(h.EndDate) && h.StartDate.Before(p.EndDate) {
				return true
			}
			continue
		}
		if p.ScheduleID == h.ScheduleID {
			return true
		}
	}
	return false
}

// holdConflictsTx reports whether an active hold already covers the
// requested unit. Active means owned by a pending or confirmed booking;
// holds of cancelled/expired bookings are ignored. Room windows conflict by
// half-open interval intersection, seats by exact (unit, schedule) match.
func holdConflictsTx(ctx context.Context, tx *sql.Tx, h *models.InventoryHold) (bool, error) {
	var count int
	if h.Kind == models.KindRoomStay {
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM inventory_holds h
             JOIN bookings b ON b.id = h.booking_id
             WHERE h.kind = ? AND h.unit_id = ?
               AND b.status IN (?, ?)
               AND h.start_date < ? AND ? < h.end_date`,
			h.Kind, h.UnitID,
			models.StatusPending, models.StatusConfirmed,
			h.EndDate.Format("2006-01-02"), h.StartDate.Format("2006-01-02"),
		).Scan(&count)
		if err != nil {
			return false, err
		}
		return count > 0, nil
	}

	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory_holds h
         JOIN bookings b ON b.id = h.booking_id
         WHERE h.kind = ? AND h.unit_id = ? AND h.schedule_id = ?
           AND b.status IN (?, ?)`,
		h.Kind, h.UnitID, h.ScheduleID,
		models.StatusPending, models.StatusConfirmed,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	booking, err := scanBooking(db.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	items, err := db.getBookingItems(ctx, id)
	if err != nil {
		return nil, err
	}
	booking.Items = items
	return booking, nil
}

func (db *DB) getBookingItems(ctx context.Context, bookingID int64) ([]*models.BookingItem, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, booking_id, kind, inventory_id, quantity, unit_price,
                total_price, check_in, check_out, schedule_id
         FROM booking_items WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking items: %w", err)
	}
	defer rows.Close()

	var items []*models.BookingItem
	for rows.Next() {
		item := &models.BookingItem{}
		var checkIn, checkOut sql.NullString
		var scheduleID sql.NullInt64
		err := rows.Scan(
			&item.ID, &item.BookingID, &item.Kind, &item.InventoryID,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice,
			&checkIn, &checkOut, &scheduleID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking item: %w", err)
		}
		item.CheckIn = parseDate(checkIn)
		item.CheckOut = parseDate(checkOut)
		if scheduleID.Valid {
			item.ScheduleID = scheduleID.Int64
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TransitionBooking performs a status-guarded compare-and-swap on the
// booking row. The update matches only when the row still carries the
// expected status; zero affected rows means another writer committed first.
func (db *DB) TransitionBooking(ctx context.Context, id int64, from, to string) error {
	result, err := db.db.ExecContext(ctx,
		`UPDATE bookings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition booking: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// FinalizeBooking moves a pending booking to a terminal losing state
// (cancelled or expired), releases its inventory holds and fails any
// still-pending payments, all in one transaction. Used by both the cancel
// path and the expiration sweeper so the two race on the same guarded
// transition; whichever commits first wins.
func (db *DB) FinalizeBooking(ctx context.Context, id int64, status string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE bookings SET status = ?, version = version + 1, updated_at = ? WHERE id = ? AND status = ?`,
		status, now, id, models.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to finalize booking: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_holds WHERE booking_id = ?`, id); err != nil {
		return fmt.Errorf("failed to release holds: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ?, version = version + 1, updated_at = ? WHERE booking_id = ? AND status = ?`,
		models.PaymentFailed, now, id, models.PaymentPending); err != nil {
		return fmt.Errorf("failed to fail pending payments: %w", err)
	}

	return tx.Commit()
}

// DeleteBookingCascade removes a booking together with its items, holds and
// payments. Used only as the compensating rollback after a synchronous
// gateway failure during creation; normal flow never deletes bookings.
func (db *DB) DeleteBookingCascade(ctx context.Context, id int64) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete booking: %w", err)
	}
	return nil
}

// ListExpiredPending returns pending bookings whose expiry deadline passed,
// oldest first, for the sweeper to reclaim.
func (db *DB) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE status = ? AND expires_at < ? ORDER BY expires_at ASC LIMIT ?`,
		models.StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ListBookingsCreatedBetween returns bookings created in [start, end] with
// their items, newest first. Used by the export endpoint.
func (db *DB) ListBookingsCreatedBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
         WHERE created_at >= ? AND created_at <= ? ORDER BY created_at DESC`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	bookings, err := scanBookings(rows)
	if err != nil {
		return nil, err
	}
	for _, b := range bookings {
		items, err := db.getBookingItems(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Items = items
	}
	return bookings, nil
}

// CountActiveHolds returns the number of holds owned by pending or confirmed
// bookings for an exact unit. Exposed for tests and diagnostics.
func (db *DB) CountActiveHolds(ctx context.Context, kind string, unitID int64) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory_holds h
         JOIN bookings b ON b.id = h.booking_id
         WHERE h.kind = ? AND h.unit_id = ? AND b.status IN (?, ?)`,
		kind, unitID, models.StatusPending, models.StatusConfirmed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active holds: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	b := &models.Booking{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.FirstName, &b.LastName, &b.Email, &b.Phone,
		&b.TotalAmount, &b.Currency, &b.Status, &b.ExpiresAt,
		&b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*models.Booking, error) {
	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func fmtDate(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format("2006-01-02")
}

func datePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func parseDate(s sql.NullString) *time.Time {
	if !s.Valid || len(s.String) < 10 {
		return nil
	}
	t, err := time.Parse("2006-01-02", s.String[:10])
	if err != nil {
		return nil
	}
	return &t
}
