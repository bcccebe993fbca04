package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/metrics"
	"bookpay/internal/models"
	"bookpay/internal/payway"
)

// ReturnNotification is the gateway's asynchronous outcome callback.
// Delivery is at-least-once and unordered; every handler here is idempotent.
type ReturnNotification struct {
	TranID  string `json:"tran_id"`
	Status  string `json:"status"`
	Voucher string `json:"apv,omitempty"`
	Raw     string `json:"-"`
}

// PaymentStatus answers synchronous status polling.
type PaymentStatus struct {
	Payment       *models.Payment `json:"payment"`
	BookingStatus string          `json:"booking_status"`
	Checkout      json.RawMessage `json:"checkout,omitempty"`
}

// Reconciler applies gateway callbacks to the ledger. It never raises
// state-transition errors for re-deliveries: a repeated success callback
// acks with the same success.
type Reconciler struct {
	ledger   domain.Ledger
	eventBus domain.EventPublisher
	finance  domain.SyncEnqueuer
	checkout domain.CheckoutCache
	logger   *zerolog.Logger
}

func NewReconciler(ledger domain.Ledger, eventBus domain.EventPublisher, finance domain.SyncEnqueuer,
	checkout domain.CheckoutCache, logger *zerolog.Logger) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		eventBus: eventBus,
		finance:  finance,
		checkout: checkout,
		logger:   logger,
	}
}

// HandleReturn processes an outcome notification. The audit event is
// appended unconditionally, before any state change, even when the
// transition below turns out to be a no-op.
func (r *Reconciler) HandleReturn(ctx context.Context, n *ReturnNotification) error {
	payment, err := r.ledger.GetPaymentByTranID(ctx, n.TranID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.logger.Warn().Str("tran_id", n.TranID).Msg("return callback for unknown transaction")
			metrics.IncCallback("unknown")
		}
		return err
	}

	if err := r.ledger.AppendPaymentEvent(ctx, &models.PaymentEvent{
		PaymentID: payment.ID,
		Type:      models.EventTypeCallback,
		Payload:   n.Raw,
	}); err != nil {
		return err
	}

	if n.Status != payway.StatusSuccess {
		return r.applyFailure(ctx, payment, n.Status)
	}
	return r.applySuccess(ctx, payment)
}

func (r *Reconciler) applySuccess(ctx context.Context, payment *models.Payment) error {
	if models.TerminalPaymentStatus(payment.Status) {
		// Re-delivery, or a decision already superseded by cancel/expiry.
		r.logger.Debug().Str("tran_id", payment.TranID).Str("status", payment.Status).
			Msg("success callback on terminal payment, no-op")
		metrics.IncCallback("duplicate")
		return nil
	}

	err := r.ledger.ConfirmPaymentAndBooking(ctx, payment.ID, payment.BookingID)
	if err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			// Lost the race against cancel, expiry or a duplicate delivery.
			// Whichever transition committed first stands.
			r.logger.Info().Str("tran_id", payment.TranID).Int64("booking_id", payment.BookingID).
				Msg("success callback superseded by a concurrent transition")
			metrics.IncCallback("superseded")
			return nil
		}
		return err
	}

	metrics.IncCallback("success")
	metrics.IncPayment(models.PaymentSuccess)
	r.logger.Info().Str("tran_id", payment.TranID).Int64("booking_id", payment.BookingID).
		Msg("payment confirmed")

	payment.Status = models.PaymentSuccess
	r.publish(events.EventPaymentSucceeded, payment)
	r.publish(events.EventBookingConfirmed, payment)

	if r.finance != nil {
		booking, berr := r.ledger.GetBooking(ctx, payment.BookingID)
		if berr == nil {
			if qerr := r.finance.EnqueuePayment(ctx, payment, booking); qerr != nil {
				r.logger.Error().Err(qerr).Str("tran_id", payment.TranID).Msg("enqueue finance sync")
			}
		}
	}
	return nil
}

func (r *Reconciler) applyFailure(ctx context.Context, payment *models.Payment, statusCode string) error {
	err := r.ledger.MarkPaymentFailed(ctx, payment.ID)
	if err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			metrics.IncCallback("duplicate")
			return nil
		}
		return err
	}

	metrics.IncCallback("failed")
	metrics.IncPayment(models.PaymentFailed)
	r.logger.Info().Str("tran_id", payment.TranID).Str("gateway_status", statusCode).
		Int64("booking_id", payment.BookingID).Msg("payment failed, booking left pending for retry")

	payment.Status = models.PaymentFailed
	r.publish(events.EventPaymentFailed, payment)
	return nil
}

// HandleCancel marks a still-pending payment failed when checkout was
// abandoned. The booking stays pending so the customer can retry. An unknown
// transaction id is a silent success: this path doubles as a generic
// abandonment beacon and may arrive with stale or absent data.
func (r *Reconciler) HandleCancel(ctx context.Context, tranID string) error {
	payment, err := r.ledger.GetPaymentByTranID(ctx, tranID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		return err
	}

	if models.TerminalPaymentStatus(payment.Status) {
		return nil
	}

	if err := r.ledger.AppendPaymentEvent(ctx, &models.PaymentEvent{
		PaymentID: payment.ID,
		Type:      models.EventTypeTimeout,
		Payload:   "checkout cancelled",
	}); err != nil {
		return err
	}

	if err := r.ledger.MarkPaymentFailed(ctx, payment.ID); err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			return nil
		}
		return err
	}

	metrics.IncPayment(models.PaymentFailed)
	r.logger.Info().Str("tran_id", tranID).Int64("booking_id", payment.BookingID).
		Msg("checkout abandoned, payment failed")

	payment.Status = models.PaymentFailed
	r.publish(events.EventPaymentFailed, payment)
	return nil
}

// GetPaymentStatus is the read-only polling query. The caller must own the
// booking behind the payment; both "doesn't exist" and "not yours" come back
// as ErrForbidden so existence is never leaked.
func (r *Reconciler) GetPaymentStatus(ctx context.Context, tranID string, callerID int64) (*PaymentStatus, error) {
	payment, err := r.ledger.GetPaymentByTranID(ctx, tranID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.logger.Debug().Str("tran_id", tranID).Int64("caller_id", callerID).Msg("status poll: unknown transaction")
			return nil, ErrForbidden
		}
		return nil, err
	}

	booking, err := r.ledger.GetBooking(ctx, payment.BookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != callerID {
		r.logger.Warn().Str("tran_id", tranID).Int64("caller_id", callerID).
			Int64("owner_id", booking.UserID).Msg("status poll: not owner")
		return nil, ErrForbidden
	}

	status := &PaymentStatus{Payment: payment, BookingStatus: booking.Status}
	if r.checkout != nil && payment.Status == models.PaymentPending {
		if raw, cerr := r.checkout.GetCheckout(ctx, tranID); cerr == nil && len(raw) > 0 {
			status.Checkout = raw
		}
	}
	return status, nil
}

func (r *Reconciler) publish(eventType string, payment *models.Payment) {
	if r.eventBus == nil {
		return
	}
	payload := events.BookingEventPayload{
		BookingID:  payment.BookingID,
		PaymentID:  payment.ID,
		TranID:     payment.TranID,
		Status:     payment.Status,
		Currency:   payment.Currency,
		OccurredAt: time.Now(),
	}
	payload.TotalAmount = payment.Amount
	if err := r.eventBus.PublishJSON(eventType, payload); err != nil {
		r.logger.Error().Err(err).Str("event_type", eventType).Str("tran_id", payment.TranID).Msg("publish event error")
	}
}
