package monitoring

import (
	"time"

	"talkpair/internal/core/ports"
)

// AddStoreCheck verifies the session store answers. For the Redis store this
// is a PING.
func (h *HealthChecker) AddStoreCheck(store ports.SessionStore, interval, timeout time.Duration) {
	h.AddCheck("session_store", store.HealthCheck, interval, timeout)
}
