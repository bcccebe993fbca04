package database

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentHolds_SingleWinner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const numGoroutines = 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)

	// Every goroutine races for the same seat on the same schedule.
	for i := 0; i < numGoroutines; i++ {
		go func(id int64) {
			defer wg.Done()
			booking, holds := seatBooking(id, []int64{7}, 300)
			results <- db.CreateBookingWithHolds(ctx, booking, holds)
		}(int64(i + 1))
	}

	wg.Wait()
	close(results)

	successCount := 0
	conflictCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, ErrInventoryConflict):
			conflictCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successCount, "exactly one hold may win")
	assert.Equal(t, numGoroutines-1, conflictCount)

	count, err := db.CountActiveHolds(ctx, "bus_seat", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentHolds_DisjointUnitsAllSucceed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const numGoroutines = 20
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int64) {
			defer wg.Done()
			booking, holds := seatBooking(id, []int64{100 + id}, 300)
			results <- db.CreateBookingWithHolds(ctx, booking, holds)
		}(int64(i + 1))
	}

	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
}
