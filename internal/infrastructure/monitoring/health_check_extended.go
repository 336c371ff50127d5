package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// FeedHealth is implemented by components that can report their own health.
type FeedHealth interface {
	Healthy(ctx context.Context) error
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPresenceFeedCheck adds a check on the presence feed publisher
func (h *HealthChecker) AddPresenceFeedCheck(feed FeedHealth, interval, timeout time.Duration) {
	h.AddCheck("presence_feed", func(ctx context.Context) (bool, error) {
		if err := feed.Healthy(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddCapacityCheck fails once the number of open connections reaches max.
// A max of zero disables the check.
func (h *HealthChecker) AddCapacityCheck(open func() int, max int, interval, timeout time.Duration) {
	if max <= 0 {
		return
	}
	h.AddCheck("capacity", func(ctx context.Context) (bool, error) {
		return open() < max, nil
	}, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
