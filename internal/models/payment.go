package models

import "time"

// Payment is one attempt to collect money for a booking. A booking may own
// several payments; a retry always creates a new row, a failed payment is
// never reused.
type Payment struct {
	ID        int64     `json:"id"`
	BookingID int64     `json:"booking_id"`
	Amount    int64     `json:"amount"` // cents
	Currency  string    `json:"currency"`
	TranID    string    `json:"tran_id"` // gateway transaction id, <= 20 alnum chars
	Status    string    `json:"status"`  // pending, success, failed
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// PaymentEvent is an append-only audit entry under a payment: gateway
// callbacks, abandonment beacons, synchronous gateway errors. Never mutated
// or deleted.
type PaymentEvent struct {
	ID        int64     `json:"id"`
	PaymentID int64     `json:"payment_id"`
	Type      string    `json:"type"` // callback, timeout, gateway_error
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncTask is a persisted unit of work for the finance sync worker.
type SyncTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	PaymentID   int64      `json:"payment_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"` // pending, retry, completed, failed
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}
