package exchange

import (
	"context"
	"fmt"
)

// PaperAdapter simulates a venue over a live quote source. Orders fill
// at their limit price; the cost model has already applied adverse
// slippage to that price, so paper fills carry the same economics the
// live path would.
type PaperAdapter struct {
	quotes QuoteSource
	venue  string
}

// NewPaperAdapter creates a paper venue backed by a quote source.
func NewPaperAdapter(quotes QuoteSource, venue string) *PaperAdapter {
	return &PaperAdapter{quotes: quotes, venue: venue}
}

var _ Adapter = (*PaperAdapter)(nil)

// GetQuote returns the latest quote or ErrNoQuote.
func (a *PaperAdapter) GetQuote(_ context.Context, tokenID string) (*Quote, error) {
	q, ok := a.quotes.Quote(tokenID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, tokenID)
	}
	return q, nil
}

// PlaceOrder fills immediately at the limit price.
func (a *PaperAdapter) PlaceOrder(_ context.Context, o *Order) (*OrderFill, error) {
	if o == nil {
		return nil, fmt.Errorf("invalid order: nil")
	}
	if o.Qty <= 0 || o.LimitPrice <= 0 {
		return nil, fmt.Errorf("invalid order: qty=%v limit=%v", o.Qty, o.LimitPrice)
	}
	return &OrderFill{ExecPrice: o.LimitPrice, Qty: o.Qty, Venue: a.venue}, nil
}
