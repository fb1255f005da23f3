package domain

// DecisionResult is the terminal outcome of one signal evaluation.
type DecisionResult string

// DecisionResult constants.
const (
	ResultExecute DecisionResult = "EXECUTE"
	ResultBlock   DecisionResult = "BLOCK"
	ResultSkip    DecisionResult = "SKIP"
)

// Reason codes for terminal decisions. Gate blocks use the failing
// gate's name as the reason code instead.
const (
	ReasonMalformedSignal     = "ERR_MALFORMED_SIGNAL"
	ReasonVerificationTimeout = "ERR_VERIFICATION_TIMEOUT"
	ReasonVerificationParse   = "ERR_VERIFICATION_PARSE"
	ReasonGateEvaluation      = "ERR_GATE_EVALUATION"
	ReasonPolicyConfigMissing = "ERR_POLICY_CONFIG_MISSING"
	ReasonRugpullFlagged      = "RUGPULL_FLAGGED"
	ReasonVerdictReject       = "VERDICT_REJECT"
	ReasonVerdictRevise       = "VERDICT_REVISE"
	ReasonLowTrust            = "LOW_TRUST"
	ReasonLowConfidence       = "LOW_CONFIDENCE"
	ReasonExecuted            = "EXECUTED"
)

// GateOutcome records one gate's evaluation inside a decision trace.
type GateOutcome struct {
	Gate     string            `json:"gate"`
	Pass     bool              `json:"pass"`
	Evidence map[string]string `json:"evidence,omitempty"`
}

// DecisionRecord is the append-only terminal output of one pipeline
// evaluation. Exactly one record exists per evaluated signal; records
// are never updated (corrections create a new record that references
// the old one via Supersedes).
type DecisionRecord struct {
	DecisionID             string
	SignalRef              string
	Result                 DecisionResult
	ReasonCode             string
	GateTrace              []GateOutcome
	VerificationVerdict    string // empty when verification was not reached
	VerificationTrust      *float64
	VerificationConfidence *float64
	PolicyVersion          int64
	Supersedes             *string
	CreatedAtMs            int64
}
