package agentlink

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultPollBackoff is used while the peer reports that no frame is ready.
func DefaultPollBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     50 * time.Millisecond,
	}
}

// DefaultReconnectBackoff is used between connection attempts.
func DefaultReconnectBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the wait before retry number attempt (1-based). The delay
// grows by Multiplier per attempt up to MaxDelay. With Jitter set and a
// non-nil rng every delay, the first included, is scaled by a factor in
// [0.5, 1.5).
func (c BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}

	growth := max(c.Multiplier, 1)
	d := float64(c.InitialDelay) * math.Pow(growth, float64(max(attempt, 1)-1))
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	if c.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	return time.Duration(d)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
