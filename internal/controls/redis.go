package controls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	killSwitchKey     = "signaldesk:killswitch"
	cooldownKeyPrefix = "signaldesk:cooldown:"
)

// RedisControls stores control state in Redis so multiple daemon and
// CLI processes observe the same switch.
type RedisControls struct {
	client *redis.Client
}

// NewRedisControls wraps an existing client.
func NewRedisControls(client *redis.Client) *RedisControls {
	return &RedisControls{client: client}
}

var _ Controls = (*RedisControls)(nil)

// KillSwitchActive reads the switch. Callers treat a returned error as
// the switch being active.
func (c *RedisControls) KillSwitchActive(ctx context.Context) (bool, error) {
	v, err := c.client.Get(ctx, killSwitchKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kill switch: %w", err)
	}
	return v == "1", nil
}

// SetKillSwitch flips the switch.
func (c *RedisControls) SetKillSwitch(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if err := c.client.Set(ctx, killSwitchKey, v, 0).Err(); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

// CooldownUntil reads a token's cooldown stamp, 0 when unset.
func (c *RedisControls) CooldownUntil(ctx context.Context, tokenID string) (int64, error) {
	v, err := c.client.Get(ctx, cooldownKeyPrefix+tokenID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cooldown: %w", err)
	}
	return v, nil
}

// StampCooldown writes a token's cooldown stamp with a TTL matching
// its horizon, so stale stamps clean themselves up.
func (c *RedisControls) StampCooldown(ctx context.Context, tokenID string, untilMs int64) error {
	ttl := time.Until(time.UnixMilli(untilMs))
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, cooldownKeyPrefix+tokenID, untilMs, ttl).Err(); err != nil {
		return fmt.Errorf("stamp cooldown: %w", err)
	}
	return nil
}
