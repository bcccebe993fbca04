package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/metrics"
	"bookpay/internal/models"
	"bookpay/internal/payway"
)

// BookingItemRequest describes one requested line. UnitIDs names the
// concrete inventory units to hold (seat ids, room ids); when empty the
// referenced inventory id itself is the unit.
type BookingItemRequest struct {
	Kind        string    `json:"kind"`
	InventoryID int64     `json:"inventory_id"`
	UnitIDs     []int64   `json:"unit_ids,omitempty"`
	Quantity    int64     `json:"quantity"`
	UnitPrice   int64     `json:"unit_price"` // cents
	CheckIn     time.Time `json:"check_in,omitempty"`
	CheckOut    time.Time `json:"check_out,omitempty"`
	ScheduleID  int64     `json:"schedule_id,omitempty"`
}

// CreateBookingRequest is the typed request for the create operation; every
// field is validated before any side effect.
type CreateBookingRequest struct {
	UserID        int64                `json:"user_id"`
	FirstName     string               `json:"first_name"`
	LastName      string               `json:"last_name"`
	Email         string               `json:"email"`
	Phone         string               `json:"phone"`
	Currency      string               `json:"currency"`
	PaymentOption string               `json:"payment_option,omitempty"`
	Items         []BookingItemRequest `json:"items"`
}

// RetryOptions tunes a payment retry without touching the stored quote.
type RetryOptions struct {
	PaymentOption string `json:"payment_option,omitempty"`
}

// CheckoutResult is what the customer needs to finish paying.
type CheckoutResult struct {
	Booking  *models.Booking          `json:"booking"`
	Payment  *models.Payment          `json:"payment"`
	Checkout *payway.CheckoutResponse `json:"checkout"`
}

// Orchestrator is the booking–payment state machine core. It creates
// bookings together with their inventory holds, initiates gateway purchases
// and applies the cancel transition. Confirmation is never its call: that is
// deferred to the callback reconciler.
type Orchestrator struct {
	ledger   domain.Ledger
	gateway  domain.Gateway
	eventBus domain.EventPublisher
	checkout domain.CheckoutCache
	cfg      GatewayParams
	holdTTL  time.Duration
	catalog  map[int64]*models.CatalogUnit
	logger   *zerolog.Logger
}

// GatewayParams carries the static purchase-request fields.
type GatewayParams struct {
	ReturnURL string
	CancelURL string
}

func NewOrchestrator(ledger domain.Ledger, gateway domain.Gateway, eventBus domain.EventPublisher,
	checkout domain.CheckoutCache, cfg GatewayParams, holdTTL time.Duration, logger *zerolog.Logger) *Orchestrator {
	if holdTTL <= 0 {
		holdTTL = models.DefaultHoldTTLMinutes * time.Minute
	}
	return &Orchestrator{
		ledger:   ledger,
		gateway:  gateway,
		eventBus: eventBus,
		checkout: checkout,
		cfg:      cfg,
		holdTTL:  holdTTL,
		logger:   logger,
	}
}

// SetCatalog installs the unit catalog. With a catalog present, requested
// units must exist in it and prices come from the catalog, not the client.
func (o *Orchestrator) SetCatalog(units []*models.CatalogUnit) {
	m := make(map[int64]*models.CatalogUnit, len(units))
	for _, u := range units {
		m[u.ID] = u
	}
	o.catalog = m
}

// CreateBooking validates the request, atomically creates the booking with
// its items and holds, then initiates the gateway purchase. A synchronous
// gateway failure rolls the whole reservation back so the customer never
// sees a stuck pending booking they cannot pay for.
func (o *Orchestrator) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*CheckoutResult, error) {
	if err := o.applyCatalog(req); err != nil {
		return nil, err
	}
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	booking, holds := buildBooking(req, time.Now().Add(o.holdTTL))

	if err := o.ledger.CreateBookingWithHolds(ctx, booking, holds); err != nil {
		if errors.Is(err, database.ErrInventoryConflict) {
			metrics.IncInventoryConflict()
			return nil, err
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	payment := &models.Payment{
		BookingID: booking.ID,
		Amount:    booking.TotalAmount,
		Currency:  booking.Currency,
		TranID:    payway.NewTranID(booking.ID),
		Status:    models.PaymentPending,
	}
	if err := o.ledger.CreatePayment(ctx, payment); err != nil {
		o.compensate(ctx, booking.ID, payment.TranID)
		return nil, fmt.Errorf("create payment: %w", err)
	}

	checkout, err := o.gateway.Purchase(ctx, o.purchaseRequest(booking, payment, req.PaymentOption))
	if err != nil {
		// The hold transaction already committed, so this is an explicit
		// compensating rollback, not a tx abort.
		o.compensate(ctx, booking.ID, payment.TranID)
		return nil, &GatewayError{Err: err}
	}

	o.cacheCheckout(ctx, payment.TranID, checkout)
	metrics.IncBookingCreated()
	o.publish(events.EventBookingCreated, booking, payment)

	o.logger.Info().Int64("booking_id", booking.ID).Str("tran_id", payment.TranID).
		Int64("amount", booking.TotalAmount).Msg("booking created, awaiting payment")

	return &CheckoutResult{Booking: booking, Payment: payment, Checkout: checkout}, nil
}

// RetryPayment creates a fresh payment attempt for a still-pending booking,
// reusing the booking's existing hold and its original quoted total. Earlier
// payment rows stay untouched as history.
func (o *Orchestrator) RetryPayment(ctx context.Context, bookingID, callerID int64, opts RetryOptions) (*CheckoutResult, error) {
	booking, err := o.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != callerID {
		o.logger.Warn().Int64("booking_id", bookingID).Int64("caller_id", callerID).Msg("retry denied: not owner")
		return nil, ErrForbidden
	}
	if booking.Status != models.StatusPending {
		return nil, ErrStateConflict
	}

	payment := &models.Payment{
		BookingID: booking.ID,
		Amount:    booking.TotalAmount, // original quote, never re-priced
		Currency:  booking.Currency,
		TranID:    payway.NewTranID(booking.ID),
		Status:    models.PaymentPending,
	}
	if err := o.ledger.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create retry payment: %w", err)
	}

	checkout, err := o.gateway.Purchase(ctx, o.purchaseRequest(booking, payment, opts.PaymentOption))
	if err != nil {
		// The booking and its hold survive a failed retry; only this
		// attempt is closed out, keeping the per-attempt audit trail.
		if ferr := o.ledger.MarkPaymentFailed(ctx, payment.ID); ferr != nil && !errors.Is(ferr, database.ErrConcurrentModification) {
			o.logger.Error().Err(ferr).Int64("payment_id", payment.ID).Msg("mark retry payment failed")
		}
		_ = o.ledger.AppendPaymentEvent(ctx, &models.PaymentEvent{
			PaymentID: payment.ID,
			Type:      models.EventTypeGatewayError,
			Payload:   err.Error(),
		})
		return nil, &GatewayError{Err: err}
	}

	o.cacheCheckout(ctx, payment.TranID, checkout)
	o.logger.Info().Int64("booking_id", booking.ID).Str("tran_id", payment.TranID).Msg("payment retry initiated")

	return &CheckoutResult{Booking: booking, Payment: payment, Checkout: checkout}, nil
}

// CancelBooking releases the booking's inventory and fails its pending
// payments. Only the owner may cancel, and only while pending.
func (o *Orchestrator) CancelBooking(ctx context.Context, bookingID, callerID int64) error {
	booking, err := o.ledger.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.UserID != callerID {
		o.logger.Warn().Int64("booking_id", bookingID).Int64("caller_id", callerID).Msg("cancel denied: not owner")
		return ErrForbidden
	}
	if booking.Status != models.StatusPending {
		return ErrStateConflict
	}

	if err := o.ledger.FinalizeBooking(ctx, bookingID, models.StatusCancelled); err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			// A callback or the sweeper got there first.
			return ErrStateConflict
		}
		return fmt.Errorf("cancel booking: %w", err)
	}

	booking.Status = models.StatusCancelled
	o.publish(events.EventBookingCancelled, booking, nil)
	o.logger.Info().Int64("booking_id", bookingID).Msg("booking cancelled")
	return nil
}

func (o *Orchestrator) compensate(ctx context.Context, bookingID int64, tranID string) {
	if err := o.ledger.DeleteBookingCascade(ctx, bookingID); err != nil {
		// Leave a loud trace: an orphan reservation blocks inventory until
		// the sweeper reclaims it at the expiry deadline.
		o.logger.Error().Err(err).Int64("booking_id", bookingID).Str("tran_id", tranID).
			Msg("compensating rollback failed")
	}
}

func (o *Orchestrator) purchaseRequest(booking *models.Booking, payment *models.Payment, paymentOption string) *payway.PurchaseRequest {
	return &payway.PurchaseRequest{
		ReqTime:       payway.ReqTime(time.Now()),
		TranID:        payment.TranID,
		Amount:        payway.Amount(payment.Amount),
		Items:         encodeItems(booking.Items),
		Firstname:     booking.FirstName,
		Lastname:      booking.LastName,
		Email:         booking.Email,
		Phone:         booking.Phone,
		Type:          "purchase",
		PaymentOption: paymentOption,
		ReturnURL:     o.cfg.ReturnURL,
		CancelURL:     o.cfg.CancelURL,
		Currency:      booking.Currency,
	}
}

func (o *Orchestrator) cacheCheckout(ctx context.Context, tranID string, checkout *payway.CheckoutResponse) {
	if o.checkout == nil || checkout == nil {
		return
	}
	if err := o.checkout.SetCheckout(ctx, tranID, checkout.Raw); err != nil {
		o.logger.Warn().Err(err).Str("tran_id", tranID).Msg("cache checkout payload")
	}
}

func (o *Orchestrator) publish(eventType string, booking *models.Booking, payment *models.Payment) {
	if o.eventBus == nil {
		return
	}
	payload := events.BookingEventPayload{
		BookingID:   booking.ID,
		UserID:      booking.UserID,
		Status:      booking.Status,
		TotalAmount: booking.TotalAmount,
		Currency:    booking.Currency,
		OccurredAt:  time.Now(),
	}
	if payment != nil {
		payload.TranID = payment.TranID
		payload.PaymentID = payment.ID
	}
	if err := o.eventBus.PublishJSON(eventType, payload); err != nil {
		o.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", booking.ID).Msg("publish event error")
	}
}

// applyCatalog resolves requested units against the loaded catalog and
// overwrites client-supplied prices with catalog prices. A nil catalog means
// price discovery is the caller's problem.
func (o *Orchestrator) applyCatalog(req *CreateBookingRequest) error {
	if len(o.catalog) == 0 {
		return nil
	}
	for i := range req.Items {
		item := &req.Items[i]
		var price int64
		for _, unitID := range item.unitIDs() {
			unit, ok := o.catalog[unitID]
			if !ok {
				return &ValidationError{
					Field:  fmt.Sprintf("items[%d].unit_ids", i),
					Reason: fmt.Sprintf("unknown unit %d", unitID),
				}
			}
			if unit.Kind != item.Kind {
				return &ValidationError{
					Field:  fmt.Sprintf("items[%d].kind", i),
					Reason: fmt.Sprintf("unit %d is %s", unitID, unit.Kind),
				}
			}
			if price != 0 && price != unit.UnitPrice {
				return &ValidationError{
					Field:  fmt.Sprintf("items[%d].unit_ids", i),
					Reason: "units in one line must share a price",
				}
			}
			price = unit.UnitPrice
		}
		item.UnitPrice = price
	}
	return nil
}

func validateCreate(req *CreateBookingRequest) error {
	if req.UserID <= 0 {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if req.FirstName == "" {
		return &ValidationError{Field: "first_name", Reason: "is required"}
	}
	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if item.Kind != models.KindRoomStay && item.Kind != models.KindBusSeat {
			return &ValidationError{Field: field + ".kind", Reason: "must be room_stay or bus_seat"}
		}
		if item.UnitPrice <= 0 {
			return &ValidationError{Field: field + ".unit_price", Reason: "must be positive"}
		}
		units := item.unitIDs()
		if len(units) == 0 {
			return &ValidationError{Field: field + ".inventory_id", Reason: "is required"}
		}
		if item.Quantity != 0 && item.Quantity != int64(len(units)) {
			return &ValidationError{Field: field + ".quantity", Reason: "must match the number of units"}
		}
		seen := make(map[int64]struct{}, len(units))
		for _, id := range units {
			if _, dup := seen[id]; dup {
				return &ValidationError{Field: field + ".unit_ids", Reason: "must not repeat a unit"}
			}
			seen[id] = struct{}{}
		}
		switch item.Kind {
		case models.KindRoomStay:
			if item.CheckIn.IsZero() || item.CheckOut.IsZero() {
				return &ValidationError{Field: field, Reason: "check_in and check_out are required for room stays"}
			}
			if !item.CheckIn.Before(item.CheckOut) {
				return &ValidationError{Field: field + ".check_out", Reason: "must be after check_in"}
			}
		case models.KindBusSeat:
			if item.ScheduleID <= 0 {
				return &ValidationError{Field: field + ".schedule_id", Reason: "is required for bus seats"}
			}
		}
	}
	return nil
}

func (i *BookingItemRequest) unitIDs() []int64 {
	if len(i.UnitIDs) > 0 {
		return i.UnitIDs
	}
	if i.InventoryID > 0 {
		return []int64{i.InventoryID}
	}
	return nil
}

// buildBooking turns the validated request into ledger rows. The total is
// Σ(unit price × quantity × duration units) and is fixed here for the life
// of the booking.
func buildBooking(req *CreateBookingRequest, expiresAt time.Time) (*models.Booking, []*models.InventoryHold) {
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	booking := &models.Booking{
		UserID:    req.UserID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		Currency:  currency,
		Status:    models.StatusPending,
		ExpiresAt: expiresAt,
	}

	var holds []*models.InventoryHold
	var total int64
	for _, ir := range req.Items {
		units := ir.unitIDs()
		item := &models.BookingItem{
			Kind:        ir.Kind,
			InventoryID: ir.InventoryID,
			Quantity:    int64(len(units)),
			UnitPrice:   ir.UnitPrice,
			ScheduleID:  ir.ScheduleID,
		}
		if ir.Kind == models.KindRoomStay {
			checkIn, checkOut := ir.CheckIn, ir.CheckOut
			item.CheckIn = &checkIn
			item.CheckOut = &checkOut
		}
		item.TotalPrice = item.UnitPrice * item.Quantity * item.DurationUnits()
		total += item.TotalPrice
		booking.Items = append(booking.Items, item)

		for _, unitID := range units {
			hold := &models.InventoryHold{
				Kind:       ir.Kind,
				UnitID:     unitID,
				ScheduleID: ir.ScheduleID,
			}
			if ir.Kind == models.KindRoomStay {
				hold.StartDate = ir.CheckIn
				hold.EndDate = ir.CheckOut
			}
			holds = append(holds, hold)
		}
	}
	booking.TotalAmount = total

	return booking, holds
}

// encodeItems packs the item lines into the base64 JSON payload the gateway
// displays on its checkout page.
func encodeItems(items []*models.BookingItem) string {
	type line struct {
		Name     string `json:"name"`
		Quantity int64  `json:"quantity"`
		Price    string `json:"price"`
	}
	lines := make([]line, 0, len(items))
	for _, item := range items {
		name := fmt.Sprintf("%s #%d", item.Kind, item.InventoryID)
		lines = append(lines, line{Name: name, Quantity: item.Quantity, Price: payway.Amount(item.UnitPrice)})
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
