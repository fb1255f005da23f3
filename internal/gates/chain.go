package gates

import (
	"fmt"

	"signaldesk/internal/domain"
	"signaldesk/internal/portfolio"
)

// Chain runs gates strictly in order and stops at the first failure.
// The short-circuit is a contract, not an optimization: the recorded
// trace for a blocked decision names exactly one failing gate and its
// evidence.
type Chain struct {
	gates []Gate
}

// NewChain creates a Chain over the given gates in the given order.
func NewChain(gs ...Gate) *Chain {
	return &Chain{gates: gs}
}

// Evaluate runs the chain against one packet. It returns the ordered
// trace and whether every gate passed. A gate that panics is treated
// as a failing gate, never as a pass.
func (c *Chain) Evaluate(pkt *DecisionPacket, snap *portfolio.Snapshot) ([]domain.GateOutcome, bool) {
	trace := make([]domain.GateOutcome, 0, len(c.gates))
	for _, g := range c.gates {
		pass, evidence := evaluateGate(g, pkt, snap)
		trace = append(trace, domain.GateOutcome{Gate: g.Name(), Pass: pass, Evidence: evidence})
		if !pass {
			return trace, false
		}
	}
	return trace, true
}

// evaluateGate isolates a single gate call so a panic inside one gate
// converts to a fail-closed outcome instead of taking down the worker.
func evaluateGate(g Gate, pkt *DecisionPacket, snap *portfolio.Snapshot) (pass bool, evidence map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			pass = false
			evidence = map[string]string{
				"error": domain.ReasonGateEvaluation,
				"panic": fmt.Sprint(r),
			}
		}
	}()
	return g.Evaluate(pkt, snap)
}
