package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTimeout)
	assert.Equal(t, 5*time.Minute, cfg.FreshnessWindow)
	assert.Equal(t, 256, cfg.EventBufferSize)
	assert.True(t, cfg.DefaultBudgetLimitUSD.Valid)
	assert.True(t, cfg.DefaultBudgetLimitUSD.Decimal.Equal(decimal.NewFromInt(100)))
	require.Len(t, cfg.Tokens, 1)
	assert.Equal(t, "USDC", cfg.Tokens[0].Symbol)
	assert.Equal(t, int32(6), cfg.Tokens[0].Decimals)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DEFAULT_BUDGET_LIMIT_USD", "none")
	t.Setenv("DEFAULT_APPROVAL_THRESHOLD_USD", "2.5")
	t.Setenv("SERVICES", "Market Data=https://data.example.com/v1/quotes, weather=https://wx.example.com")
	t.Setenv("APPROVAL_TIMEOUT", "10m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.False(t, cfg.DefaultBudgetLimitUSD.Valid)
	assert.True(t, cfg.DefaultApprovalThresholdUSD.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, "https://data.example.com/v1/quotes", cfg.Services["market data"])
	assert.Equal(t, 10*time.Minute, cfg.ApprovalTimeout)
}

func TestLoadRejectsBadPlannerMode(t *testing.T) {
	t.Setenv("PLANNER_MODE", "magic")
	_, err := Load()
	assert.Error(t, err)
}

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens([]string{"usdc:0x01:6", "WETH:0x02:18:3000.5"})
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "USDC", tokens[0].Symbol)
	assert.True(t, tokens[0].PriceUSD.Equal(decimal.NewFromInt(1)))
	assert.True(t, tokens[1].PriceUSD.Equal(decimal.RequireFromString("3000.5")))

	_, err = ParseTokens([]string{"USDC:0x01"})
	assert.Error(t, err)
	_, err = ParseTokens([]string{"USDC:0x01:x"})
	assert.Error(t, err)
}
