package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateBackoff(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(-1, cfg))
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, CalculateBackoff(1, cfg))
	assert.Equal(t, 800*time.Millisecond, CalculateBackoff(3, cfg))
	assert.Equal(t, time.Second, CalculateBackoff(10, cfg))
}

func TestCalculateBackoff_Jitter(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2, Jitter: true}

	for range 50 {
		d := CalculateBackoff(1, cfg)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
	assert.LessOrEqual(t, CalculateBackoff(5, cfg), time.Second)
}

func TestCalculateBackoff_ConstantWithoutMultiplier(t *testing.T) {
	cfg := BackoffConfig{InitialInterval: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, CalculateBackoff(4, cfg))
}

func TestTotalWait(t *testing.T) {
	assert.Equal(t, 62*time.Second, TotalWait(4, CoAPBackoff))
	assert.Equal(t, 150*time.Millisecond, TotalWait(2, BackoffConfig{InitialInterval: 50 * time.Millisecond}))
}
