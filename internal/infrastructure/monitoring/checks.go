package monitoring

import (
	"context"
	"errors"
	"time"

	"wanderlink/pkg/circuitbreaker"
)

var ErrBreakerOpen = errors.New("signaling store circuit breaker is open")

// AddStoreCheck pings the signaling store backend.
func (h *HealthChecker) AddStoreCheck(ping func(ctx context.Context) error, timeout time.Duration) {
	h.AddCheck("store", ping, timeout)
}

// AddBreakerCheck reports unhealthy while the store breaker is open.
func (h *HealthChecker) AddBreakerCheck(state func() circuitbreaker.State) {
	h.AddCheck("store_breaker", func(context.Context) error {
		if state() == circuitbreaker.StateOpen {
			return ErrBreakerOpen
		}
		return nil
	}, time.Second)
}
