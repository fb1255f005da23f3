// Package exchange defines the venue adapter consumed by the decision
// engine and position monitor. The engine never assumes a specific
// exchange; it requires only best-effort quotes and fills with explicit
// error signaling.
package exchange

import (
	"context"
	"errors"

	"signaldesk/internal/domain"
)

// ErrNoQuote is returned when no usable quote exists for a token.
var ErrNoQuote = errors.New("no quote available")

// Quote is one observed price for a token.
type Quote struct {
	TokenID     string
	Price       float64
	SpreadBps   float64
	TimestampMs int64

	// Volume24h is nil when the venue does not report volume.
	Volume24h *float64

	// ListedAtMs is nil when the venue cannot date the instrument.
	ListedAtMs *int64
}

// Order is a request to execute one leg.
type Order struct {
	TokenID    string
	Side       domain.FillSide
	Qty        float64
	LimitPrice float64
	Venue      string
}

// OrderFill is the venue's answer to a placed order.
type OrderFill struct {
	ExecPrice float64
	Qty       float64
	Venue     string
}

// Adapter is the venue interface. Both methods must respect the
// context deadline; a call without a timeout is a defect on the
// calling side.
type Adapter interface {
	GetQuote(ctx context.Context, tokenID string) (*Quote, error)
	PlaceOrder(ctx context.Context, o *Order) (*OrderFill, error)
}

// QuoteSource is a read-only view over the latest quotes, satisfied by
// the websocket feed and by test fixtures.
type QuoteSource interface {
	Quote(tokenID string) (*Quote, bool)
}
