package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/models"
)

// MemoryLedger is an in-memory implementation of the ledger contract used by
// unit tests. It enforces the same hold-conflict and guarded-transition
// semantics as the sqlite store, including all-or-nothing hold acquisition
// under a single lock.
type MemoryLedger struct {
	mu sync.Mutex

	bookings map[int64]*models.Booking
	holds    map[int64][]*models.InventoryHold // keyed by booking id
	payments map[int64]*models.Payment
	events   map[int64][]*models.PaymentEvent // keyed by payment id

	nextBookingID int64
	nextPaymentID int64
	nextEventID   int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bookings: make(map[int64]*models.Booking),
		holds:    make(map[int64][]*models.InventoryHold),
		payments: make(map[int64]*models.Payment),
		events:   make(map[int64][]*models.PaymentEvent),
	}
}

func (m *MemoryLedger) CreateBookingWithHolds(ctx context.Context, booking *models.Booking, holds []*models.InventoryHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conflicts []int64
	for i, h := range holds {
		// The batch may not claim the same (unit, window) twice itself.
		if m.conflictsLocked(h) || clashesWithin(holds[:i], h) {
			conflicts = append(conflicts, h.UnitID)
		}
	}
	if len(conflicts) > 0 {
		return &database.ConflictError{Units: conflicts}
	}

	m.nextBookingID++
	now := time.Now()
	booking.ID = m.nextBookingID
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	for i, item := range booking.Items {
		item.ID = int64(i + 1)
		item.BookingID = booking.ID
	}
	for _, h := range holds {
		h.BookingID = booking.ID
		h.CreatedAt = now
	}

	m.bookings[booking.ID] = cloneBooking(booking)
	m.holds[booking.ID] = holds
	return nil
}

func (m *MemoryLedger) conflictsLocked(h *models.InventoryHold) bool {
	for bookingID, held := range m.holds {
		owner, ok := m.bookings[bookingID]
		if !ok || (owner.Status != models.StatusPending && owner.Status != models.StatusConfirmed) {
			continue
		}
		if clashesWithin(held, h) {
			return true
		}
	}
	return false
}

// clashesWithin reports whether h collides with any hold in the slice:
// same unit, same kind, and an intersecting half-open window (rooms) or the
// same schedule (seats).
func clashesWithin(held []*models.InventoryHold, h *models.InventoryHold) bool {
	for _, existing := range held {
		if existing.Kind != h.Kind || existing.UnitID != h.UnitID {
			continue
		}
		if h.Kind == models.KindRoomStay {
			if existing.StartDate.Before(h.EndDate) && h.StartDate.Before(existing.EndDate) {
				return true
			}
			continue
		}
		if existing.ScheduleID == h.ScheduleID {
			return true
		}
	}
	return false
}

func (m *MemoryLedger) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cloneBooking(b), nil
}

func (m *MemoryLedger) TransitionBooking(ctx context.Context, id int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.Status != from {
		return database.ErrConcurrentModification
	}
	b.Status = to
	b.Version++
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryLedger) FinalizeBooking(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok || b.Status != models.StatusPending {
		return database.ErrConcurrentModification
	}
	b.Status = status
	b.Version++
	b.UpdatedAt = time.Now()
	delete(m.holds, id)
	for _, p := range m.payments {
		if p.BookingID == id && p.Status == models.PaymentPending {
			p.Status = models.PaymentFailed
			p.Version++
			p.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *MemoryLedger) DeleteBookingCascade(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bookings, id)
	delete(m.holds, id)
	for pid, p := range m.payments {
		if p.BookingID == id {
			delete(m.events, pid)
			delete(m.payments, pid)
		}
	}
	return nil
}

func (m *MemoryLedger) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*models.Booking
	for _, b := range m.bookings {
		if b.Status == models.StatusPending && b.ExpiresAt.Before(now) {
			expired = append(expired, cloneBooking(b))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (m *MemoryLedger) ListBookingsCreatedBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if !b.CreatedAt.Before(start) && !b.CreatedAt.After(end) {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryLedger) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPaymentID++
	now := time.Now()
	payment.ID = m.nextPaymentID
	payment.CreatedAt = now
	payment.UpdatedAt = now
	payment.Version = 1
	m.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (m *MemoryLedger) GetPaymentByTranID(ctx context.Context, tranID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.TranID == tranID {
			return clonePayment(p), nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *MemoryLedger) ListPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryLedger) MarkPaymentFailed(ctx context.Context, paymentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok || p.Status != models.PaymentPending {
		return database.ErrConcurrentModification
	}
	p.Status = models.PaymentFailed
	p.Version++
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryLedger) ConfirmPaymentAndBooking(ctx context.Context, paymentID, bookingID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, pok := m.payments[paymentID]
	b, bok := m.bookings[bookingID]
	if !pok || p.Status != models.PaymentPending {
		return database.ErrConcurrentModification
	}
	if !bok || b.Status != models.StatusPending {
		return database.ErrConcurrentModification
	}
	now := time.Now()
	p.Status = models.PaymentSuccess
	p.Version++
	p.UpdatedAt = now
	b.Status = models.StatusConfirmed
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (m *MemoryLedger) AppendPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	event.ID = m.nextEventID
	event.CreatedAt = time.Now()
	copied := *event
	m.events[event.PaymentID] = append(m.events[event.PaymentID], &copied)
	return nil
}

func (m *MemoryLedger) ListPaymentEvents(ctx context.Context, paymentID int64) ([]*models.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[paymentID]
	out := make([]*models.PaymentEvent, len(evs))
	for i, e := range evs {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// ActiveHoldCount mirrors the sqlite diagnostic helper for tests.
func (m *MemoryLedger) ActiveHoldCount(kind string, unitID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for bookingID, held := range m.holds {
		owner, ok := m.bookings[bookingID]
		if !ok || (owner.Status != models.StatusPending && owner.Status != models.StatusConfirmed) {
			continue
		}
		for _, h := range held {
			if h.Kind == kind && h.UnitID == unitID {
				count++
			}
		}
	}
	return count
}

func cloneBooking(b *models.Booking) *models.Booking {
	copied := *b
	copied.Items = make([]*models.BookingItem, len(b.Items))
	for i, item := range b.Items {
		itemCopy := *item
		copied.Items[i] = &itemCopy
	}
	return &copied
}

func clonePayment(p *models.Payment) *models.Payment {
	copied := *p
	return &copied
}
