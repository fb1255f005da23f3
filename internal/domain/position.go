package domain

// PositionStatus is OPEN xor CLOSED.
type PositionStatus string

// PositionStatus constants.
const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Close reason codes, in monitor priority order.
const (
	CloseReasonFlashCrash   = "FLASH_CRASH"
	CloseReasonStopLoss     = "STOP_LOSS"
	CloseReasonTakeProfit   = "TAKE_PROFIT"
	CloseReasonTrailingStop = "TRAILING_STOP"
	CloseReasonMaxHold      = "MAX_HOLD"
	CloseReasonSignalDecay  = "SIGNAL_DECAY"
	CloseReasonEmergency    = "EMERGENCY"
)

// Position is one open or closed trade. Owned exclusively by the
// ledger: created by the decision engine on EXECUTE, closed only
// through the single atomic close operation. Once CLOSED the
// financial fields are immutable and PnLNet == PnLGross - FeesTotal.
type Position struct {
	PositionID         string
	TokenID            string
	Side               Direction
	StrategyID         string
	SourceID           string
	EntryPrice         float64 // executed entry price (slippage applied)
	EntryExpectedPrice float64 // quote at decision time
	EntryFee           float64
	SizeUSD            float64
	Qty                float64
	Status             PositionStatus
	OpenedAtMs         int64

	// Watermarks for trailing stops. LONG tracks the running max in
	// HighWater, SHORT tracks the running min in LowWater. Updated
	// only while the position is OPEN.
	HighWater float64
	LowWater  float64

	ClosePrice  *float64
	CloseReason string
	ClosedAtMs  *int64
	PnLGross    *float64
	FeesTotal   *float64
	PnLNet      *float64
	RewardBin   *int     // 1 when PnLNet > 0
	RewardReal  *float64 // clamp(PnLNet/SizeUSD, -1, 1)

	PolicyVersionAtEntry int64
	DecisionID           string
}

// FillSide is the execution side of one leg.
type FillSide string

// FillSide constants.
const (
	FillBuy  FillSide = "BUY"
	FillSell FillSide = "SELL"
)

// Fill is one executed leg of a position. Every position has exactly
// one BUY fill and, once closed, exactly one SELL fill (legs are
// named for the LONG case; a SHORT's entry is its SELL leg).
// Notional = Qty * ExecPrice. Never mutated.
type Fill struct {
	FillID        string
	PositionID    string
	Side          FillSide
	ExpectedPrice float64
	ExecPrice     float64
	Qty           float64
	Notional      float64
	Fee           float64
	SlippageBps   float64
	Venue         string
	CreatedAtMs   int64
}
