package models

const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

const (
	PaymentPending = "pending"
	PaymentSuccess = "success"
	PaymentFailed  = "failed"
)

const (
	KindRoomStay = "room_stay"
	KindBusSeat  = "bus_seat"
)

const (
	EventTypeCallback     = "callback"
	EventTypeTimeout      = "timeout"
	EventTypeGatewayError = "gateway_error"
)

const (
	// DefaultHoldTTLMinutes is how long a pending booking keeps its
	// inventory before the sweeper reclaims it.
	DefaultHoldTTLMinutes = 30

	// DefaultSweepInterval seconds between sweeper passes
	DefaultSweepIntervalSeconds = 60

	// DefaultSweepBatch rows reclaimed per pass
	DefaultSweepBatch = 100

	// WorkerQueueSize размер очереди воркера
	WorkerQueueSize = 128

	// DefaultCheckoutTTL seconds the cached gateway checkout payload lives in Redis
	DefaultCheckoutTTLSeconds = 30 * 60

	// RateLimitRequests запросов в окне на одного клиента
	RateLimitRequests = 60

	// RateLimitWindow окно ограничения частоты запросов
	RateLimitWindowSeconds = 60
)

// TerminalBookingStatus reports whether no further transition may leave the
// given booking status via the coordinator (refunds are a separate flow).
func TerminalBookingStatus(status string) bool {
	switch status {
	case StatusConfirmed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// TerminalPaymentStatus reports whether a payment status is final.
func TerminalPaymentStatus(status string) bool {
	return status == PaymentSuccess || status == PaymentFailed
}
