// Package notify delivers terminal-decision and position-close
// notifications. Delivery is fire-and-forget: a failed or slow
// notifier must never affect the transactional outcome it reports on,
// so dispatch happens after commit on a separate goroutine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"signaldesk/internal/domain"
)

// Notifier receives terminal events. Implementations must tolerate
// being called concurrently.
type Notifier interface {
	NotifyDecision(ctx context.Context, d *domain.DecisionRecord)
	NotifyClose(ctx context.Context, p *domain.Position)
}

// Dispatcher fans out to notifiers asynchronously with a per-delivery
// deadline. It implements Notifier itself so callers hold one handle.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
}

// NewDispatcher wraps notifiers. A zero timeout defaults to 5s.
func NewDispatcher(timeout time.Duration, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{notifiers: notifiers, timeout: timeout}
}

var _ Notifier = (*Dispatcher)(nil)

// NotifyDecision implements Notifier.
func (d *Dispatcher) NotifyDecision(_ context.Context, rec *domain.DecisionRecord) {
	for _, n := range d.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			n.NotifyDecision(ctx, rec)
		}(n)
	}
}

// NotifyClose implements Notifier.
func (d *Dispatcher) NotifyClose(_ context.Context, p *domain.Position) {
	for _, n := range d.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			n.NotifyClose(ctx, p)
		}(n)
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

var _ Notifier = (*LogNotifier)(nil)

// NotifyDecision implements Notifier.
func (n *LogNotifier) NotifyDecision(_ context.Context, d *domain.DecisionRecord) {
	n.log.Info().
		Str("decision_id", d.DecisionID).
		Str("signal_ref", d.SignalRef).
		Str("result", string(d.Result)).
		Str("reason", d.ReasonCode).
		Int64("policy_version", d.PolicyVersion).
		Msg("decision")
}

// NotifyClose implements Notifier.
func (n *LogNotifier) NotifyClose(_ context.Context, p *domain.Position) {
	ev := n.log.Info().
		Str("position_id", p.PositionID).
		Str("token_id", p.TokenID).
		Str("close_reason", p.CloseReason)
	if p.PnLNet != nil {
		ev = ev.Float64("pnl_net", *p.PnLNet)
	}
	ev.Msg("position closed")
}

// WebhookNotifier POSTs events to an operator endpoint as JSON. Server
// errors retry with exponential backoff inside the dispatcher's
// delivery deadline; 4xx responses are terminal.
type WebhookNotifier struct {
	url             string
	client          *http.Client
	log             zerolog.Logger
	initialInterval time.Duration
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(url string, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:             url,
		client:          &http.Client{Timeout: 5 * time.Second},
		log:             log.With().Str("component", "webhook_notifier").Logger(),
		initialInterval: 500 * time.Millisecond,
	}
}

var _ Notifier = (*WebhookNotifier)(nil)

// NotifyDecision implements Notifier.
func (n *WebhookNotifier) NotifyDecision(ctx context.Context, d *domain.DecisionRecord) {
	n.post(ctx, map[string]any{
		"type":           "decision",
		"decision_id":    d.DecisionID,
		"signal_ref":     d.SignalRef,
		"result":         d.Result,
		"reason":         d.ReasonCode,
		"policy_version": d.PolicyVersion,
	})
}

// NotifyClose implements Notifier.
func (n *WebhookNotifier) NotifyClose(ctx context.Context, p *domain.Position) {
	event := map[string]any{
		"type":         "position_closed",
		"position_id":  p.PositionID,
		"token_id":     p.TokenID,
		"close_reason": p.CloseReason,
	}
	if p.PnLNet != nil {
		event["pnl_net"] = *p.PnLNet
	}
	n.post(ctx, event)
}

func (n *WebhookNotifier) post(ctx context.Context, event map[string]any) {
	body, err := json.Marshal(event)
	if err != nil {
		n.log.Warn().Err(err).Msg("encode event")
		return
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.initialInterval
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		n.log.Warn().Err(err).Str("url", n.url).Msg("webhook delivery failed")
	}
}
