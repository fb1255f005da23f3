package controls

import (
	"context"
	"sync"
)

// MemoryControls is the in-process implementation used by tests and
// single-process paper runs.
type MemoryControls struct {
	mu         sync.RWMutex
	killSwitch bool
	cooldowns  map[string]int64
}

// NewMemoryControls creates empty control state.
func NewMemoryControls() *MemoryControls {
	return &MemoryControls{cooldowns: make(map[string]int64)}
}

var _ Controls = (*MemoryControls)(nil)

// KillSwitchActive implements Controls.
func (c *MemoryControls) KillSwitchActive(_ context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.killSwitch, nil
}

// SetKillSwitch implements Controls.
func (c *MemoryControls) SetKillSwitch(_ context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitch = on
	return nil
}

// CooldownUntil implements Controls.
func (c *MemoryControls) CooldownUntil(_ context.Context, tokenID string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cooldowns[tokenID], nil
}

// StampCooldown implements Controls.
func (c *MemoryControls) StampCooldown(_ context.Context, tokenID string, untilMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns[tokenID] = untilMs
	return nil
}
