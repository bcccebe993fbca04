package domain

import (
	"context"
	"time"

	"bookpay/internal/models"
	"bookpay/internal/payway"
)

// Ledger is the durable store behind the coordinator. Implemented by
// database.DB (sqlite) and by repository.MemoryLedger for tests; both honor
// the same guarded-transition contract: a transition losing its status guard
// returns database.ErrConcurrentModification and leaves nothing applied.
type Ledger interface {
	CreateBookingWithHolds(ctx context.Context, booking *models.Booking, holds []*models.InventoryHold) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	TransitionBooking(ctx context.Context, id int64, from, to string) error
	FinalizeBooking(ctx context.Context, id int64, status string) error
	DeleteBookingCascade(ctx context.Context, id int64) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error)
	ListBookingsCreatedBetween(ctx context.Context, start, end time.Time) ([]*models.Booking, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByTranID(ctx context.Context, tranID string) (*models.Payment, error)
	ListPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error)
	MarkPaymentFailed(ctx context.Context, paymentID int64) error
	ConfirmPaymentAndBooking(ctx context.Context, paymentID, bookingID int64) error
	AppendPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
	ListPaymentEvents(ctx context.Context, paymentID int64) ([]*models.PaymentEvent, error)
}

// Gateway is the outbound purchase API of the payment provider. The call
// happens after the hold transaction commits, never inside it.
type Gateway interface {
	Purchase(ctx context.Context, req *payway.PurchaseRequest) (*payway.CheckoutResponse, error)
}

// EventPublisher publishes domain events for side-effect consumers
// (ops notifications, finance sync).
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// CheckoutCache keeps the gateway checkout payload per transaction id so
// status polling can return redirect/QR data without another gateway call.
type CheckoutCache interface {
	SetCheckout(ctx context.Context, tranID string, payload []byte) error
	GetCheckout(ctx context.Context, tranID string) ([]byte, error)
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SyncEnqueuer persists finance sync work for the background worker.
type SyncEnqueuer interface {
	EnqueuePayment(ctx context.Context, payment *models.Payment, booking *models.Booking) error
}
