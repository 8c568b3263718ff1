package notify

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 5 * time.Second
	backoffFactor = 2
	backoffJitter = 0.25
	backoffCap    = 10 * time.Minute
)

// retryBackoff returns the delay before retrying after the n-th failed
// attempt (1-based): exponential with ±25% jitter, capped at 10 minutes.
func retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jittered := time.Duration(float64(d) * (1 + backoffJitter*(2*rand.Float64()-1)))
	if jittered > backoffCap {
		return backoffCap
	}
	if jittered <= 0 {
		return backoffBase
	}
	return jittered
}
