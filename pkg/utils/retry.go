// pkg/utils/retry.go
package utils

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig describes a binary-exponential retransmission schedule.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter stretches each interval by a random factor in [1, 1.5), the
	// ACK_RANDOM_FACTOR of CoAP.
	Jitter bool
}

// CoAPBackoff is the default CoAP confirmable schedule: 2s doubling.
var CoAPBackoff = BackoffConfig{
	InitialInterval: 2 * time.Second,
	MaxInterval:     32 * time.Second,
	Multiplier:      2,
}

// CalculateBackoff returns how long to wait for an answer after the
// attempt-th transmission (0 is the first).
func CalculateBackoff(attempt int, config BackoffConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}

	delay := float64(config.InitialInterval)
	for range attempt {
		delay *= config.Multiplier
		if config.MaxInterval > 0 && delay > float64(config.MaxInterval) {
			delay = float64(config.MaxInterval)
			break
		}
	}

	if config.Jitter {
		delay *= 1 + rand.Float64()/2
	}
	if config.MaxInterval > 0 && delay > float64(config.MaxInterval) {
		delay = float64(config.MaxInterval)
	}

	return time.Duration(delay)
}

// TotalWait is the sum of the waits for attempts 0..retries, the longest an
// exchange can take without jitter.
func TotalWait(retries int, config BackoffConfig) time.Duration {
	config.Jitter = false
	var total time.Duration
	for i := 0; i <= retries; i++ {
		total += CalculateBackoff(i, config)
	}
	return total
}
