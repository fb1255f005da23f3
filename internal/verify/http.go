package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"signaldesk/internal/domain"
)

// HTTPVerifier calls an external verification service over HTTP. The
// service owns the trust-scoring, debate and judgment stages; this
// client only speaks the request/response contract.
type HTTPVerifier struct {
	url    string
	client *http.Client
}

// NewHTTPVerifier creates a verifier client. The HTTP client carries
// its own timeout as a backstop; the Service wrapper enforces the hard
// deadline.
func NewHTTPVerifier(url string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

var _ Verifier = (*HTTPVerifier)(nil)

type verifyRequest struct {
	TokenID     string   `json:"token_id"`
	Source      string   `json:"source"`
	Chain       string   `json:"chain"`
	Direction   string   `json:"direction"`
	Price       *float64 `json:"observed_price,omitempty"`
	Volume24h   *float64 `json:"volume_24h,omitempty"`
	Liquidity   *float64 `json:"liquidity,omitempty"`
	TimestampMs int64    `json:"timestamp_ms"`
	Thesis      string   `json:"thesis,omitempty"`
}

type verifyResponse struct {
	TrustScore   float64  `json:"trust_score"`
	RugpullFlags []string `json:"rugpull_flags"`
	Verdict      string   `json:"verdict"`
	Confidence   *float64 `json:"confidence"`
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, sig *domain.Signal) (*domain.VerificationResult, error) {
	body, err := json.Marshal(verifyRequest{
		TokenID:     sig.TokenID,
		Source:      sig.Source,
		Chain:       sig.Chain,
		Direction:   string(sig.Direction),
		Price:       sig.ObservedPrice,
		Volume24h:   sig.Volume24h,
		Liquidity:   sig.Liquidity,
		TimestampMs: sig.TimestampMs,
		Thesis:      sig.RawThesis,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verify status %d: %s", resp.StatusCode, raw)
	}

	var vr verifyResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", ErrParse, err, raw)
	}
	return &domain.VerificationResult{
		TrustScore:   vr.TrustScore,
		RugpullFlags: vr.RugpullFlags,
		Verdict:      domain.Verdict(vr.Verdict),
		Confidence:   vr.Confidence,
		Raw:          string(raw),
	}, nil
}
