package gateway

import (
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 20
	defaultRateBurst     = 40
)

// newSessionLimiter builds the token bucket applied to one socket's inbound
// requests.
func newSessionLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
