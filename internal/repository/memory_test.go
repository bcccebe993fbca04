package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/database"
	"bookpay/internal/models"
)

func seatHoldBooking(userID int64, seatIDs []int64, scheduleID int64) (*models.Booking, []*models.InventoryHold) {
	booking := &models.Booking{
		UserID:      userID,
		FirstName:   "Dara",
		TotalAmount: 1000 * int64(len(seatIDs)),
		Currency:    "USD",
		Status:      models.StatusPending,
		ExpiresAt:   time.Now().Add(30 * time.Minute),
	}
	var holds []*models.InventoryHold
	for _, id := range seatIDs {
		holds = append(holds, &models.InventoryHold{
			Kind:       models.KindBusSeat,
			UnitID:     id,
			ScheduleID: scheduleID,
		})
	}
	return booking, holds
}

func TestMemoryLedger_DuplicateSeatInOneRequest(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	booking, holds := seatHoldBooking(1, []int64{7, 7}, 9001)

	err := ledger.CreateBookingWithHolds(ctx, booking, holds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, database.ErrInventoryConflict))

	var conflict *database.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []int64{7}, conflict.Units)
	assert.Equal(t, 0, ledger.ActiveHoldCount(models.KindBusSeat, 7))
}

func TestMemoryLedger_DistinctSeatsInOneRequest(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	booking, holds := seatHoldBooking(1, []int64{7, 8}, 9001)
	require.NoError(t, ledger.CreateBookingWithHolds(ctx, booking, holds))
	assert.Equal(t, 1, ledger.ActiveHoldCount(models.KindBusSeat, 7))
	assert.Equal(t, 1, ledger.ActiveHoldCount(models.KindBusSeat, 8))
}
