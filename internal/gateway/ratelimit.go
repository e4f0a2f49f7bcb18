package gateway

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// clientLimiter throttles one connection: request frequency via a token
// bucket and concurrent outstanding requests via an in-flight counter.
// Unauthenticated clients get the stricter anonymous budget.
type clientLimiter struct {
	lim         *rate.Limiter
	maxInFlight int64
	inFlight    atomic.Int64
}

func newClientLimiter(rpm, maxInFlight int) *clientLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	burst := rpm / 4
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		lim:         rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		maxInFlight: int64(maxInFlight),
	}
}

// allow admits one request into the frequency budget.
func (l *clientLimiter) allow() bool {
	return l.lim.Allow()
}

// begin reserves an in-flight slot; end releases it.
func (l *clientLimiter) begin() bool {
	if l.inFlight.Add(1) > l.maxInFlight {
		l.inFlight.Add(-1)
		return false
	}
	return true
}

func (l *clientLimiter) end() {
	l.inFlight.Add(-1)
}
