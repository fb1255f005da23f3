package domain

// Verdict is the judgment stage's output for a signal.
type Verdict string

// Verdict constants.
const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReject  Verdict = "REJECT"
	VerdictRevise  Verdict = "REVISE"
)

// VerificationResult is the contract required from whatever
// verification capability is plugged in (trust scoring, adversarial
// debate and judging are the collaborator's concern). A REJECT verdict
// or any non-empty RugpullFlags list always fails closed. Confidence
// is a pointer: absence is distinguishable from 0 and handled per
// mode by the engine, never silently defaulted.
type VerificationResult struct {
	TrustScore          float64 // 0-100
	RugpullFlags        []string
	Verdict             Verdict
	Confidence          *float64 // 0-100, required for APPROVE/REVISE
	DefaultedConfidence bool     // true when probe mode substituted the default
	Raw                 string   // collaborator payload preserved for audit
}
