package monitoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the rejoin intent store. Intents fall back to memory,
// so redis is never critical.
func (h *HealthChecker) AddRedisCheck(client *redis.Client) {
	h.AddCheck(HealthCheck{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}

// AddSignalingCheck fails while the client has no relay connection.
func (h *HealthChecker) AddSignalingCheck(connected func() bool) {
	h.AddCheck(HealthCheck{
		Name: "signaling",
		Check: func(ctx context.Context) error {
			if !connected() {
				return errors.New("relay connection down")
			}
			return nil
		},
		Critical: true,
	})
}

// AddRelayCheck fails when the relay holds more connections than limit.
func (h *HealthChecker) AddRelayCheck(connections func() int, limit int) {
	h.AddCheck(HealthCheck{
		Name: "relay",
		Check: func(ctx context.Context) error {
			if n := connections(); limit > 0 && n > limit {
				return fmt.Errorf("%d connections over limit %d", n, limit)
			}
			return nil
		},
	})
}
