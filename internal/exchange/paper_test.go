package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/domain"
)

type staticQuotes map[string]*Quote

func (s staticQuotes) Quote(tokenID string) (*Quote, bool) {
	q, ok := s[tokenID]
	return q, ok
}

func TestPaperAdapter_GetQuote(t *testing.T) {
	quotes := staticQuotes{"TOK": {TokenID: "TOK", Price: 2.0, TimestampMs: 1700000000000}}
	a := NewPaperAdapter(quotes, "paper")

	q, err := a.GetQuote(context.Background(), "TOK")
	require.NoError(t, err)
	assert.Equal(t, 2.0, q.Price)

	_, err = a.GetQuote(context.Background(), "GHOST")
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestPaperAdapter_PlaceOrder(t *testing.T) {
	a := NewPaperAdapter(staticQuotes{}, "paper")

	fill, err := a.PlaceOrder(context.Background(), &Order{
		TokenID: "TOK", Side: domain.FillBuy, Qty: 100, LimitPrice: 2.002, Venue: "paper",
	})
	require.NoError(t, err)
	assert.Equal(t, 2.002, fill.ExecPrice)
	assert.Equal(t, 100.0, fill.Qty)
	assert.Equal(t, "paper", fill.Venue)
}

func TestPaperAdapter_PlaceOrder_Invalid(t *testing.T) {
	a := NewPaperAdapter(staticQuotes{}, "paper")

	tests := []struct {
		name  string
		order *Order
	}{
		{"nil order", nil},
		{"zero qty", &Order{TokenID: "TOK", Qty: 0, LimitPrice: 2.0}},
		{"negative qty", &Order{TokenID: "TOK", Qty: -5, LimitPrice: 2.0}},
		{"zero limit", &Order{TokenID: "TOK", Qty: 100, LimitPrice: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, err := a.PlaceOrder(context.Background(), tt.order)
			assert.Error(t, err)
			assert.Nil(t, fill)
		})
	}
}
