package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Feed maintains a live quote cache from a websocket price stream. It
// reconnects with exponential backoff and keeps serving the last known
// quotes while disconnected; staleness is the freshness gate's problem,
// not the feed's.
type Feed struct {
	url    string
	tokens []string
	log    zerolog.Logger

	mu     sync.RWMutex
	quotes map[string]*Quote
}

// NewFeed creates a Feed for the given stream URL and token set.
func NewFeed(url string, tokens []string, log zerolog.Logger) *Feed {
	return &Feed{
		url:    url,
		tokens: tokens,
		log:    log.With().Str("component", "quote_feed").Logger(),
		quotes: make(map[string]*Quote),
	}
}

var _ QuoteSource = (*Feed)(nil)

// Quote returns the latest quote for a token.
func (f *Feed) Quote(tokenID string) (*Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[tokenID]
	if !ok {
		return nil, false
	}
	cp := *q
	return &cp, true
}

// Put stores a quote directly. Used by tests and by pollers that
// supplement the stream.
func (f *Feed) Put(q *Quote) {
	if q == nil || q.TokenID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *q
	f.quotes[q.TokenID] = &cp
}

// Run connects and consumes the stream until the context is canceled.
// Each disconnect restarts the backoff cycle.
func (f *Feed) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until canceled

	operation := func() error {
		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			f.log.Warn().Err(err).Msg("stream disconnected, reconnecting")
			return err
		}
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// subscribeRequest is the stream's subscription message.
type subscribeRequest struct {
	Op     string   `json:"op"`
	Tokens []string `json:"tokens"`
}

// streamTick is one inbound price message.
type streamTick struct {
	TokenID     string   `json:"token_id"`
	Price       float64  `json:"price"`
	SpreadBps   float64  `json:"spread_bps"`
	TimestampMs int64    `json:"timestamp_ms"`
	Volume24h   *float64 `json:"volume_24h,omitempty"`
	ListedAtMs  *int64   `json:"listed_at_ms,omitempty"`
}

func (f *Feed) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if len(f.tokens) > 0 {
		if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Tokens: f.tokens}); err != nil {
			return err
		}
	}
	f.log.Info().Str("url", f.url).Int("tokens", len(f.tokens)).Msg("stream connected")

	// Unblock ReadMessage when the context is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var tick streamTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			f.log.Warn().Err(err).Msg("bad stream message")
			continue
		}
		if tick.TokenID == "" || tick.Price <= 0 {
			continue
		}
		f.Put(&Quote{
			TokenID:     tick.TokenID,
			Price:       tick.Price,
			SpreadBps:   tick.SpreadBps,
			TimestampMs: tick.TimestampMs,
			Volume24h:   tick.Volume24h,
			ListedAtMs:  tick.ListedAtMs,
		})
	}
}
