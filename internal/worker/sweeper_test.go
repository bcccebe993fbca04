package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/events"
	"bookpay/internal/models"
	"bookpay/internal/repository"
)

func seedBooking(t *testing.T, ledger *repository.MemoryLedger, userID, seatID int64, expiresAt time.Time) (*models.Booking, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	booking := &models.Booking{
		UserID:      userID,
		FirstName:   "Dara",
		TotalAmount: 1000,
		Currency:    "USD",
		Status:      models.StatusPending,
		ExpiresAt:   expiresAt,
		Items: []*models.BookingItem{{
			Kind: models.KindBusSeat, InventoryID: seatID, Quantity: 1,
			UnitPrice: 1000, TotalPrice: 1000, ScheduleID: 300,
		}},
	}
	holds := []*models.InventoryHold{{Kind: models.KindBusSeat, UnitID: seatID, ScheduleID: 300}}
	require.NoError(t, ledger.CreateBookingWithHolds(ctx, booking, holds))

	payment := &models.Payment{
		BookingID: booking.ID, Amount: 1000, Currency: "USD",
		TranID: fmtTranID(booking.ID), Status: models.PaymentPending,
	}
	require.NoError(t, ledger.CreatePayment(ctx, payment))
	return booking, payment
}

func fmtTranID(bookingID int64) string {
	return "BK" + string(rune('A'+bookingID%26)) + "TEST"
}

func TestSweepOnce_ExpiresOverdueBookings(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	logger := zerolog.Nop()
	bus := events.NewEventBus()

	var expiredEvents int
	bus.Subscribe(events.EventBookingExpired, func(event *events.Event) error {
		expiredEvents++
		return nil
	})

	overdue, payment := seedBooking(t, ledger, 1, 7, time.Now().Add(-time.Minute))
	fresh, _ := seedBooking(t, ledger, 2, 8, time.Now().Add(time.Hour))

	sweeper := NewSweeper(ledger, bus, time.Second, 100, &logger)
	reclaimed, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
	assert.Equal(t, 1, expiredEvents)

	got, err := ledger.GetBooking(context.Background(), overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	// The hold is gone and the open payment was failed with the booking.
	assert.Equal(t, 0, ledger.ActiveHoldCount(models.KindBusSeat, 7))
	p, err := ledger.GetPaymentByTranID(context.Background(), payment.TranID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, p.Status)

	// The fresh booking is untouched.
	got, err = ledger.GetBooking(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	// A second pass finds nothing.
	reclaimed, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestSweepOnce_SkipsConcurrentlyConfirmed(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	logger := zerolog.Nop()

	overdue, payment := seedBooking(t, ledger, 1, 7, time.Now().Add(-time.Minute))

	// The success callback wins the race just before the sweep finalizes.
	require.NoError(t, ledger.ConfirmPaymentAndBooking(context.Background(), payment.ID, overdue.ID))

	sweeper := NewSweeper(ledger, events.NewEventBus(), time.Second, 100, &logger)
	reclaimed, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	got, err := ledger.GetBooking(context.Background(), overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status, "the confirmation stands")
	assert.Equal(t, 1, ledger.ActiveHoldCount(models.KindBusSeat, 7))
}

func TestSweepOnce_BatchLimit(t *testing.T) {
	ledger := repository.NewMemoryLedger()
	logger := zerolog.Nop()

	for i := int64(1); i <= 5; i++ {
		seedBooking(t, ledger, i, 100+i, time.Now().Add(-time.Minute))
	}

	sweeper := NewSweeper(ledger, nil, time.Second, 2, &logger)

	reclaimed, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	reclaimed, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed)

	reclaimed, err = sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
}
