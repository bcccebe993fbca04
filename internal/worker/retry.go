package worker

import "time"

// RetryPolicy shapes the backoff between attempts of one sync task.
// MaxRetries counts total attempts, including the first. Zero values are
// normalized by NewFinanceWorker; a policy used directly must be complete.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the wait before the given 1-based attempt: InitialDelay
// grown by BackoffFactor per prior attempt, clamped at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	d := r.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * r.BackoffFactor)
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if d <= 0 {
		return time.Second
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}
