package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/domain"
)

func fastWebhook(url string) *WebhookNotifier {
	n := NewWebhookNotifier(url, zerolog.Nop())
	n.initialInterval = time.Millisecond
	return n
}

func TestWebhookNotifier_PostsDecision(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	fastWebhook(srv.URL).NotifyDecision(context.Background(), &domain.DecisionRecord{
		DecisionID:    "d1",
		SignalRef:     "s1",
		Result:        domain.ResultBlock,
		ReasonCode:    domain.ReasonLowTrust,
		PolicyVersion: 3,
	})

	require.NotNil(t, got)
	assert.Equal(t, "decision", got["type"])
	assert.Equal(t, "d1", got["decision_id"])
	assert.Equal(t, "BLOCK", got["result"])
	assert.Equal(t, "LOW_TRUST", got["reason"])
	assert.Equal(t, 3.0, got["policy_version"])
}

func TestWebhookNotifier_PostsClose(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	pnl := 19.58
	fastWebhook(srv.URL).NotifyClose(context.Background(), &domain.Position{
		PositionID:  "p1",
		TokenID:     "TOK",
		CloseReason: domain.CloseReasonTakeProfit,
		PnLNet:      &pnl,
	})

	require.NotNil(t, got)
	assert.Equal(t, "position_closed", got["type"])
	assert.Equal(t, "p1", got["position_id"])
	assert.Equal(t, "TAKE_PROFIT", got["close_reason"])
	assert.InDelta(t, 19.58, got["pnl_net"], 1e-9)
}

func TestWebhookNotifier_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	fastWebhook(srv.URL).NotifyDecision(context.Background(), &domain.DecisionRecord{DecisionID: "d1"})
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifier_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	fastWebhook(srv.URL).NotifyDecision(context.Background(), &domain.DecisionRecord{DecisionID: "d1"})
	assert.Equal(t, int32(1), calls.Load())
}
