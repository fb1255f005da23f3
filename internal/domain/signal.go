package domain

// Direction of a trade claim.
type Direction string

// Direction constants.
const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Signal is a canonical claim about a tradeable instrument.
// Produced exclusively by the normalizer; immutable afterwards.
// Numeric fields are pointers because 0 is a valid price/volume and
// must not be confused with "unknown".
type Signal struct {
	SignalID      string
	TokenID       string
	Source        string
	Chain         string
	Direction     Direction
	ObservedPrice *float64
	Volume24h     *float64
	Liquidity     *float64
	TimestampMs   int64 // signal observation time (ms since epoch)
	RawThesis     string
}
