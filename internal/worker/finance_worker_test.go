package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookpay/internal/database"
	"bookpay/internal/models"
)

type fakeSheets struct {
	mu   sync.Mutex
	rows []FinanceRow
	err  error
}

func (f *fakeSheets) AppendPaymentRow(ctx context.Context, row FinanceRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeSheets) appended() []FinanceRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FinanceRow(nil), f.rows...)
}

func setupFinanceDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "finance.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testPaymentAndBooking() (*models.Payment, *models.Booking) {
	payment := &models.Payment{
		ID: 1, BookingID: 10, Amount: 2000, Currency: "USD",
		TranID: "BK10AAAA", Status: models.PaymentSuccess, UpdatedAt: time.Now(),
	}
	booking := &models.Booking{ID: 10, UserID: 42, Currency: "USD", Status: models.StatusConfirmed}
	return payment, booking
}

func TestFinanceWorker_EnqueueAndProcess(t *testing.T) {
	db := setupFinanceDB(t)
	sheets := &fakeSheets{}
	logger := zerolog.Nop()
	w := NewFinanceWorker(db, sheets, nil, RetryPolicy{}, &logger)
	ctx := context.Background()

	payment, booking := testPaymentAndBooking()
	require.NoError(t, w.EnqueuePayment(ctx, payment, booking))

	w.processBatch(ctx)

	rows := sheets.appended()
	require.Len(t, rows, 1)
	assert.Equal(t, "BK10AAAA", rows[0].TranID)
	assert.Equal(t, int64(10), rows[0].BookingID)
	assert.Equal(t, int64(42), rows[0].UserID)
	assert.Equal(t, "20.00", rows[0].Amount)

	// The task is done; another pass appends nothing.
	w.processBatch(ctx)
	assert.Len(t, sheets.appended(), 1)

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFinanceWorker_RetriesThenSucceeds(t *testing.T) {
	db := setupFinanceDB(t)
	sheets := &fakeSheets{err: errors.New("sheets unavailable")}
	logger := zerolog.Nop()
	// Keep delays at zero-ish so the retry is immediately eligible.
	w := NewFinanceWorker(db, sheets, nil, RetryPolicy{MaxRetries: 5, InitialDelay: time.Nanosecond, MaxDelay: time.Nanosecond}, &logger)
	ctx := context.Background()

	payment, booking := testPaymentAndBooking()
	require.NoError(t, w.EnqueuePayment(ctx, payment, booking))

	w.processBatch(ctx)
	assert.Empty(t, sheets.appended())

	// The sheet recovers; the scheduled retry drains on the next pass.
	sheets.mu.Lock()
	sheets.err = nil
	sheets.mu.Unlock()
	time.Sleep(time.Millisecond)

	w.processBatch(ctx)
	assert.Len(t, sheets.appended(), 1)
}

func TestFinanceWorker_DeadLetterAfterExhaustion(t *testing.T) {
	db := setupFinanceDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sheets := &fakeSheets{err: errors.New("sheets gone")}
	logger := zerolog.Nop()
	w := NewFinanceWorker(db, sheets, client, RetryPolicy{MaxRetries: 2, InitialDelay: time.Nanosecond, MaxDelay: time.Nanosecond}, &logger)
	ctx := context.Background()

	payment, booking := testPaymentAndBooking()
	require.NoError(t, w.EnqueuePayment(ctx, payment, booking))

	// First failure schedules a retry, the second attempt is the last allowed.
	w.processBatch(ctx)
	time.Sleep(time.Millisecond)
	w.processBatch(ctx)

	tasks, err := db.GetPendingSyncTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks, "the task is terminally failed")

	// The payload landed in the dead-letter list for manual replay.
	entries, err := client.LRange(ctx, "finance:deadletter", 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, entries[0], "BK10AAAA")
}

func TestFinanceWorker_QueueNudgeWakesWorker(t *testing.T) {
	db := setupFinanceDB(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sheets := &fakeSheets{}
	logger := zerolog.Nop()
	w := NewFinanceWorker(db, sheets, client, RetryPolicy{}, &logger)
	// With the ticker out of the picture, only the queue nudge can trigger
	// a pass.
	w.pollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.Start(ctx)

	payment, booking := testPaymentAndBooking()
	require.NoError(t, w.EnqueuePayment(ctx, payment, booking))

	require.Eventually(t, func() bool {
		return len(sheets.appended()) == 1
	}, 5*time.Second, 25*time.Millisecond)

	rows := sheets.appended()
	assert.Equal(t, "BK10AAAA", rows[0].TranID)
}
