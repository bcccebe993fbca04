package repository

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bookpay/internal/domain"
)

// FailoverCheckoutCache serves from the primary (Redis) cache and falls back
// to the in-memory cache when the primary errors, probing the primary again
// after a recovery interval.
type FailoverCheckoutCache struct {
	primary   domain.CheckoutCache
	fallback  domain.CheckoutCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64 // unix nanos of the last failed probe
}

const recoveryInterval = time.Minute

func NewFailoverCheckoutCache(primary, fallback domain.CheckoutCache, logger *zerolog.Logger) *FailoverCheckoutCache {
	return &FailoverCheckoutCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *FailoverCheckoutCache) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	// Try to recover after the interval elapses.
	last := time.Unix(0, f.lastCheck.Load())
	return time.Since(last) > recoveryInterval
}

func (f *FailoverCheckoutCache) markDown(err error, op string) {
	f.logger.Error().Err(err).Str("op", op).Msg("primary checkout cache failed, falling back to memory")
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().UnixNano())
}

func (f *FailoverCheckoutCache) markUp() {
	if f.isDown.Load() {
		f.logger.Info().Msg("primary checkout cache recovered")
		f.isDown.Store(false)
	}
}

func (f *FailoverCheckoutCache) SetCheckout(ctx context.Context, tranID string, payload []byte) error {
	if f.usePrimary() {
		if err := f.primary.SetCheckout(ctx, tranID, payload); err == nil {
			f.markUp()
			// Mirror into memory so reads survive a later primary outage.
			_ = f.fallback.SetCheckout(ctx, tranID, payload)
			return nil
		} else {
			f.markDown(err, "set_checkout")
		}
	}
	return f.fallback.SetCheckout(ctx, tranID, payload)
}

func (f *FailoverCheckoutCache) GetCheckout(ctx context.Context, tranID string) ([]byte, error) {
	if f.usePrimary() {
		payload, err := f.primary.GetCheckout(ctx, tranID)
		if err == nil {
			f.markUp()
			if len(payload) > 0 {
				return payload, nil
			}
		} else {
			f.markDown(err, "get_checkout")
		}
	}
	return f.fallback.GetCheckout(ctx, tranID)
}

func (f *FailoverCheckoutCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if f.usePrimary() {
		ok, err := f.primary.CheckRateLimit(ctx, key, limit, window)
		if err == nil {
			f.markUp()
			return ok, nil
		}
		f.markDown(err, "check_rate_limit")
	}
	return f.fallback.CheckRateLimit(ctx, key, limit, window)
}
