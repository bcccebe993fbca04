package models

import "time"

// Booking is a customer's intent to purchase one or more inventory units.
// TotalAmount is fixed at creation time and never recomputed; payment retries
// reuse it as the original quote.
type Booking struct {
	ID          int64          `json:"id"`
	UserID      int64          `json:"user_id"`
	FirstName   string         `json:"first_name"`
	LastName    string         `json:"last_name"`
	Email       string         `json:"email"`
	Phone       string         `json:"phone"`
	TotalAmount int64          `json:"total_amount"` // minor currency units (cents)
	Currency    string         `json:"currency"`
	Status      string         `json:"status"` // pending, confirmed, cancelled, expired
	ExpiresAt   time.Time      `json:"expires_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int64          `json:"version"`
	Items       []*BookingItem `json:"items,omitempty"`
}

// BookingItem is one purchased line: a room stay over a date range or a seat
// on a schedule. Immutable after creation.
type BookingItem struct {
	ID          int64      `json:"id"`
	BookingID   int64      `json:"booking_id"`
	Kind        string     `json:"kind"` // room_stay, bus_seat
	InventoryID int64      `json:"inventory_id"`
	Quantity    int64      `json:"quantity"`
	UnitPrice   int64      `json:"unit_price"`  // cents
	TotalPrice  int64      `json:"total_price"` // cents
	CheckIn     *time.Time `json:"check_in,omitempty"`
	CheckOut    *time.Time `json:"check_out,omitempty"`
	ScheduleID  int64      `json:"schedule_id,omitempty"`
}

// DurationUnits returns the multiplier applied to unit price × quantity.
// Room stays multiply by nights; a seat is single-trip inventory whose window
// is the schedule itself, so its multiplier is 1.
func (i *BookingItem) DurationUnits() int64 {
	if i.Kind == KindRoomStay && i.CheckIn != nil && i.CheckOut != nil {
		nights := int64(i.CheckOut.Sub(*i.CheckIn).Hours() / 24)
		if nights < 1 {
			nights = 1
		}
		return nights
	}
	return 1
}

// InventoryHold is an exclusive claim on one inventory unit, owned by a
// booking. Room holds carry a half-open [start, end) date window; seat holds
// carry the schedule they ride on.
type InventoryHold struct {
	ID         int64     `json:"id"`
	BookingID  int64     `json:"booking_id"`
	Kind       string    `json:"kind"`
	UnitID     int64     `json:"unit_id"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	StartDate  time.Time `json:"start_date,omitempty"`
	EndDate    time.Time `json:"end_date,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
