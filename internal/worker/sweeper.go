package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/metrics"
	"bookpay/internal/models"
)

// Sweeper periodically reclaims pending bookings whose expiry deadline has
// passed: holds are released, the booking moves to expired and pending
// payments are failed, all through the same guarded transition the cancel
// path uses. A booking confirmed by a racing callback simply loses its guard
// here and is skipped without error.
type Sweeper struct {
	ledger    domain.Ledger
	eventBus  domain.EventPublisher
	interval  time.Duration
	batchSize int
	logger    *zerolog.Logger
}

func NewSweeper(ledger domain.Ledger, eventBus domain.EventPublisher, interval time.Duration, batchSize int, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = models.DefaultSweepIntervalSeconds * time.Second
	}
	if batchSize <= 0 {
		batchSize = models.DefaultSweepBatch
	}
	return &Sweeper{
		ledger:    ledger,
		eventBus:  eventBus,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepOnce(ctx); err != nil {
					s.logger.Error().Err(err).Msg("sweep pass failed")
				}
			}
		}
	}()
}

// SweepOnce performs one pass and returns how many bookings were expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.ledger.ListExpiredPending(ctx, time.Now(), s.batchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, booking := range expired {
		err := s.ledger.FinalizeBooking(ctx, booking.ID, models.StatusExpired)
		if err != nil {
			if errors.Is(err, database.ErrConcurrentModification) {
				// Another transition committed between the scan and here;
				// that decision stands and this row is skipped.
				s.logger.Debug().Int64("booking_id", booking.ID).Msg("sweep skipped: booking state changed")
				continue
			}
			s.logger.Error().Err(err).Int64("booking_id", booking.ID).Msg("expire booking failed")
			continue
		}

		reclaimed++
		metrics.IncSweeperExpired()
		s.logger.Info().Int64("booking_id", booking.ID).Time("expired_at", booking.ExpiresAt).
			Msg("pending booking expired, inventory released")

		if s.eventBus != nil {
			payload := events.BookingEventPayload{
				BookingID:   booking.ID,
				UserID:      booking.UserID,
				Status:      models.StatusExpired,
				TotalAmount: booking.TotalAmount,
				Currency:    booking.Currency,
				OccurredAt:  time.Now(),
			}
			if err := s.eventBus.PublishJSON(events.EventBookingExpired, payload); err != nil {
				s.logger.Error().Err(err).Int64("booking_id", booking.ID).Msg("publish expired event")
			}
		}
	}
	return reclaimed, nil
}
