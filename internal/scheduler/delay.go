package scheduler

import (
	"math/rand/v2"
	"time"
)

// Bounds on the wait between consecutive failed sync cycles.
const (
	minBackoff = 1 * time.Second
	maxBackoff = 4 * time.Hour

	backoffRandomizationFactor = 2
)

// DelayProvider computes the next wait interval after a failed cycle from
// the previous one. Tests substitute deterministic implementations.
type DelayProvider interface {
	GetDelay(last time.Duration) time.Duration
}

type defaultDelayProvider struct{}

func (defaultDelayProvider) GetDelay(last time.Duration) time.Duration {
	return GetRecommendedDelay(last)
}

// GetRecommendedDelay roughly doubles the previous delay and perturbs it by
// up to half of it in either direction, clamped to [1s, 4h]. Anything at or
// above the cap comes back as exactly the cap, so retry traffic from a
// persistently failing client stays bounded and predictable.
func GetRecommendedDelay(last time.Duration) time.Duration {
	if last >= maxBackoff {
		return maxBackoff
	}
	lastSec := int64(last / time.Second)
	backoffSec := max(int64(1), lastSec*backoffRandomizationFactor)

	randSign := int64(rand.IntN(2))*2 - 1
	backoffSec += randSign * (lastSec / backoffRandomizationFactor)

	backoffSec = max(int64(1), min(backoffSec, int64(maxBackoff/time.Second)))
	return time.Duration(backoffSec) * time.Second
}
