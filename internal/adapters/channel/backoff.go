package channel

import "time"

const (
	BaseReconnectDelay = time.Second
	MaxReconnectDelay  = 5 * time.Second
)

// ReconnectDelay is min(1s * 2^attempt, 5s).
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 8 {
		return MaxReconnectDelay
	}
	return min(BaseReconnectDelay<<attempt, MaxReconnectDelay)
}
