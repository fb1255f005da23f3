package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"signaldesk/internal/config"
	"signaldesk/internal/domain"
)

func TestPrintSources(t *testing.T) {
	var buf bytes.Buffer
	printSources(&buf, []*domain.SourceScore{
		{SourceID: "scanner_alpha", TradeCount: 10, WinCount: 6},
		{SourceID: "scanner_beta", TradeCount: 10, WinCount: 2},
		{SourceID: "fresh", TradeCount: 0, WinCount: 0},
	})

	out := buf.String()
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "GRADE")
	assert.Contains(t, out, "scanner_alpha")
	// 10 trades at 60% win rate grades A, 20% grades D; an unseen
	// source stays provisional.
	assert.Regexp(t, `scanner_alpha.*A\n`, out)
	assert.Regexp(t, `scanner_beta.*D\n`, out)
	assert.Regexp(t, `fresh.*C\n`, out)
}

func TestPrintSources_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSources(&buf, nil)
	assert.Contains(t, buf.String(), "no source scores recorded")
}

func TestRequireSharedControls(t *testing.T) {
	cfg := &config.Config{}
	err := requireSharedControls(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "storage.redis_addr")

	cfg.Storage.RedisAddr = "localhost:6379"
	assert.NoError(t, requireSharedControls(cfg))
}
