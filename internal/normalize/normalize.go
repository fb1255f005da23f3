// Package normalize converts heterogeneous scanner payloads into the
// canonical Signal shape. Sources disagree on field names and types,
// so each canonical field is resolved through an alias list and a
// tolerant numeric parser. Normalization is a pure function: same
// payload in, same Signal out.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"signaldesk/internal/domain"
)

// ErrMalformedSignal is returned when token_id or timestamp cannot be
// determined from the payload. Intake rejects the payload before it
// reaches the ledger and counts it under ERR_MALFORMED_SIGNAL.
var ErrMalformedSignal = errors.New("malformed signal")

// Alias lists tried in order. First present key wins.
var (
	tokenAliases     = []string{"token_id", "token", "mint", "address", "contract"}
	timestampAliases = []string{"timestamp_ms", "timestamp", "ts", "time", "observed_at"}
	priceAliases     = []string{"observed_price", "price", "price_usd", "last_price"}
	volumeAliases    = []string{"volume_24h", "volume24h", "vol_24h", "volume"}
	liquidityAliases = []string{"liquidity", "liquidity_usd", "liq", "pool_liquidity"}
	directionAliases = []string{"direction", "side", "bias"}
	chainAliases     = []string{"chain", "network", "chain_id"}
	thesisAliases    = []string{"raw_thesis", "thesis", "note", "rationale", "reason"}
)

// Normalize converts a raw payload from the named source into a
// canonical Signal. Unknown numeric fields stay nil, never 0.
func Normalize(raw map[string]any, source string) (*domain.Signal, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedSignal)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: missing source", ErrMalformedSignal)
	}

	tokenID := firstString(raw, tokenAliases)
	if tokenID == "" {
		return nil, fmt.Errorf("%w: token id not determined", ErrMalformedSignal)
	}

	timestampMs, ok := firstTimestamp(raw, timestampAliases)
	if !ok {
		return nil, fmt.Errorf("%w: timestamp not determined", ErrMalformedSignal)
	}

	direction, err := parseDirection(firstString(raw, directionAliases))
	if err != nil {
		return nil, err
	}

	return &domain.Signal{
		SignalID:      fmt.Sprintf("%s:%s:%d", source, tokenID, timestampMs),
		TokenID:       tokenID,
		Source:        source,
		Chain:         strings.ToLower(firstString(raw, chainAliases)),
		Direction:     direction,
		ObservedPrice: firstFloat(raw, priceAliases),
		Volume24h:     firstFloat(raw, volumeAliases),
		Liquidity:     firstFloat(raw, liquidityAliases),
		TimestampMs:   timestampMs,
		RawThesis:     firstString(raw, thesisAliases),
	}, nil
}

// parseDirection maps source vocabulary onto LONG/SHORT. An absent
// direction defaults to LONG; an unrecognized one is malformed.
func parseDirection(v string) (domain.Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "LONG", "BUY", "BULL", "BULLISH":
		return domain.DirectionLong, nil
	case "SHORT", "SELL", "BEAR", "BEARISH":
		return domain.DirectionShort, nil
	default:
		return "", fmt.Errorf("%w: unrecognized direction %q", ErrMalformedSignal, v)
	}
}

func firstString(raw map[string]any, aliases []string) string {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				return s
			}
		}
	}
	return ""
}

func firstFloat(raw map[string]any, aliases []string) *float64 {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if f, ok := asFloat(v); ok {
			return &f
		}
	}
	return nil
}

// firstTimestamp resolves a timestamp and converts seconds to ms when
// a source reports epoch seconds.
func firstTimestamp(raw map[string]any, aliases []string) (int64, bool) {
	for _, key := range aliases {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		f, ok := asFloat(v)
		if !ok || f <= 0 {
			continue
		}
		ts := int64(f)
		if ts < 1e12 {
			ts *= 1000
		}
		return ts, true
	}
	return 0, false
}

// asFloat accepts the numeric encodings seen across sources: JSON
// numbers, Go ints from in-process callers, and numeric strings.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
