// Package controls holds the runtime safety controls shared between
// the daemon and the operator CLI: the kill-switch and per-token entry
// cooldown stamps. Both are deliberately outside the policy ledger so
// an operator can flip them without minting a policy version.
package controls

import "context"

// Controls is the shared control surface. Readers must treat an error
// from KillSwitchActive as the switch being ON; an unreachable control
// store never fails open.
type Controls interface {
	KillSwitchActive(ctx context.Context) (bool, error)
	SetKillSwitch(ctx context.Context, on bool) error

	// CooldownUntil returns the entry cooldown stamp for a token in ms
	// since epoch, 0 when none is set.
	CooldownUntil(ctx context.Context, tokenID string) (int64, error)
	StampCooldown(ctx context.Context, tokenID string, untilMs int64) error
}
