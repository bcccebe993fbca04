package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bookpay/internal/database"
	"bookpay/internal/models"
	"bookpay/internal/payway"
)

const TaskAppendPayment = "append_payment"

// FinanceRow is one line in the finance ledger sheet.
type FinanceRow struct {
	TranID    string    `json:"tran_id"`
	BookingID int64     `json:"booking_id"`
	UserID    int64     `json:"user_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	PaidAt    time.Time `json:"paid_at"`
}

// SheetsAppender appends finance rows to the reconciliation spreadsheet.
type SheetsAppender interface {
	AppendPaymentRow(ctx context.Context, row FinanceRow) error
}

// FinanceWorker drains the persisted sync queue and pushes confirmed
// payments to the finance sheet. Tasks are durable in sqlite so a restart
// loses nothing; Redis only serves as a wake-up nudge.
type FinanceWorker struct {
	db            *database.DB
	sheets        SheetsAppender
	redis         *redis.Client
	retryPolicy   RetryPolicy
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

// NewFinanceWorker builds a worker with sane defaults.
func NewFinanceWorker(db *database.DB, sheets SheetsAppender, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *FinanceWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	return &FinanceWorker{
		db:            db,
		sheets:        sheets,
		redis:         redisClient,
		retryPolicy:   retry,
		redisQueueKey: "finance:queue",
		deadLetterKey: "finance:deadletter",
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger,
	}
}

// EnqueuePayment persists a sync task for a settled payment and nudges the
// queue. Implements domain.SyncEnqueuer.
func (w *FinanceWorker) EnqueuePayment(ctx context.Context, payment *models.Payment, booking *models.Booking) error {
	row := FinanceRow{
		TranID:    payment.TranID,
		BookingID: payment.BookingID,
		UserID:    booking.UserID,
		Amount:    payway.Amount(payment.Amount),
		Currency:  payment.Currency,
		Status:    payment.Status,
		PaidAt:    payment.UpdatedAt,
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal finance row: %w", err)
	}

	task := &models.SyncTask{
		TaskType:  TaskAppendPayment,
		PaymentID: payment.ID,
		Payload:   string(payload),
		Status:    "pending",
	}
	if err := w.db.CreateSyncTask(ctx, task); err != nil {
		return err
	}

	if w.redis != nil {
		if err := w.redis.LPush(ctx, w.redisQueueKey, strconv.FormatInt(task.ID, 10)).Err(); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis queue nudge failed")
		}
	}
	return nil
}

// Start drains the sync queue until the context is cancelled. A ticker
// paces the sqlite polls; the Redis nudge list wakes the loop early so a
// freshly settled payment does not wait out a full poll interval.
func (w *FinanceWorker) Start(ctx context.Context) {
	wake := make(chan struct{}, 1)
	if w.redis != nil {
		go w.listenQueue(ctx, wake)
	}

	go func() {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processBatch(ctx)
			case <-wake:
				w.processBatch(ctx)
			}
		}
	}()
}

// listenQueue blocks on the nudge list and signals the poll loop. The wake
// channel has capacity one; a nudge while a batch is running coalesces into
// the next pass.
func (w *FinanceWorker) listenQueue(ctx context.Context, wake chan<- struct{}) {
	for ctx.Err() == nil {
		_, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn().Err(err).Msg("finance queue listen failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}

		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (w *FinanceWorker) processBatch(ctx context.Context) {
	tasks, err := w.db.GetPendingSyncTasks(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("get pending sync tasks")
		return
	}

	for _, task := range tasks {
		if err := w.processTask(ctx, task); err != nil {
			w.handleFailure(ctx, task, err)
			continue
		}
		if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, "completed", "", nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark sync task completed")
		}
	}
}

func (w *FinanceWorker) processTask(ctx context.Context, task models.SyncTask) error {
	switch task.TaskType {
	case TaskAppendPayment:
		var row FinanceRow
		if err := json.Unmarshal([]byte(task.Payload), &row); err != nil {
			return fmt.Errorf("decode finance row: %w", err)
		}
		return w.sheets.AppendPaymentRow(ctx, row)
	default:
		return fmt.Errorf("unknown sync task type: %s", task.TaskType)
	}
}

func (w *FinanceWorker) handleFailure(ctx context.Context, task models.SyncTask, taskErr error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.logger.Error().Err(taskErr).Int64("task_id", task.ID).Int("attempts", attempt).
			Msg("sync task exhausted retries, dead-lettering")
		if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, "failed", taskErr.Error(), nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark sync task failed")
		}
		if w.redis != nil {
			_ = w.redis.LPush(ctx, w.deadLetterKey, task.Payload).Err()
		}
		return
	}

	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(taskErr).Int64("task_id", task.ID).Time("next_retry_at", next).
		Msg("sync task failed, scheduling retry")
	if err := w.db.UpdateSyncTaskStatus(ctx, task.ID, "retry", taskErr.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("schedule sync task retry")
	}
}
