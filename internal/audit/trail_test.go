package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/tests/helpers"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	now := time.Now()
	require.NoError(t, db.CreateSession(context.Background(), &domain.Session{
		ID:            "s1",
		WalletAddress: "0xabc",
		Status:        domain.SessionStatusActive,
		CreatedAt:     now,
		LastActive:    now,
	}))
	return NewTrail(db, nil, nil)
}

func TestTrailCostEqualsLedger(t *testing.T) {
	ctx := context.Background()
	trail := newTestTrail(t)

	log, err := trail.CreateExecutionLog(ctx, NewLog{SessionID: "s1", Command: "Pay 0.10 USDC to market data"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, log.Status)

	_, err = trail.RecordToolCall(ctx, log.ID, ToolCallRecord{
		ToolName: "pay_api",
		Args:     json.RawMessage(`{"service_url":"https://svc"}`),
		Err:      apperr.New(apperr.CodePaymentFailed, "facilitator unavailable"),
		Duration: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = trail.RecordToolCall(ctx, log.ID, ToolCallRecord{
		ToolName: "pay_api",
		Result:   json.RawMessage(`{"tx_hash":"0x1"}`),
		CostUSD:  decimal.RequireFromString("0.10"),
	})
	require.NoError(t, err)

	// The reported total is wrong on purpose; the ledger wins.
	final, err := trail.UpdateExecutionLog(ctx, log.ID, Completion{
		Status:       domain.ExecutionStatusCompleted,
		TotalCostUSD: decimal.RequireFromString("0.20"),
		Duration:     time.Second,
	})
	require.NoError(t, err)
	assert.True(t, final.TotalCostUSD.Equal(decimal.RequireFromString("0.10")))

	require.Len(t, final.ToolCalls, 2)
	assert.False(t, final.ToolCalls[0].Success)
	assert.Equal(t, "PAYMENT_FAILED", final.ToolCalls[0].ErrorCode)
	assert.Equal(t, "facilitator unavailable", final.ToolCalls[0].ErrorMessage)
	assert.True(t, final.ToolCalls[1].Success)

	sum := decimal.Zero
	for _, tc := range final.ToolCalls {
		sum = sum.Add(tc.CostUSD)
	}
	assert.True(t, sum.Equal(final.TotalCostUSD))
}

func TestTrailUpdateExactlyOnce(t *testing.T) {
	ctx := context.Background()
	trail := newTestTrail(t)

	log, err := trail.CreateExecutionLog(ctx, NewLog{SessionID: "s1", Command: "check balance"})
	require.NoError(t, err)

	_, err = trail.UpdateExecutionLog(ctx, log.ID, Completion{Status: domain.ExecutionStatusCompleted})
	require.NoError(t, err)

	_, err = trail.UpdateExecutionLog(ctx, log.ID, Completion{
		Status: domain.ExecutionStatusFailed,
		Err:    apperr.New(apperr.CodeInternal, "late"),
	})
	assert.True(t, errors.Is(err, ErrLogFinalized))

	got, err := trail.GetExecutionLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, got.Status)

	_, err = trail.RecordToolCall(ctx, log.ID, ToolCallRecord{ToolName: "get_balance"})
	assert.Error(t, err)
}

func TestTrailRejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	trail := newTestTrail(t)
	log, err := trail.CreateExecutionLog(ctx, NewLog{SessionID: "s1", Command: "x"})
	require.NoError(t, err)

	_, err = trail.UpdateExecutionLog(ctx, log.ID, Completion{Status: domain.ExecutionStatusRunning})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestTrailSessionLogsOrderedNewestFirst(t *testing.T) {
	ctx := context.Background()
	trail := newTestTrail(t)

	first, err := trail.CreateExecutionLog(ctx, NewLog{SessionID: "s1", Command: "first"})
	require.NoError(t, err)
	second, err := trail.CreateExecutionLog(ctx, NewLog{SessionID: "s1", Command: "second"})
	require.NoError(t, err)

	logs, err := trail.GetSessionExecutionLogs(ctx, "s1", 0, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, second.ID, logs[0].ID)
	assert.Equal(t, first.ID, logs[1].ID)

	empty, err := trail.GetSessionExecutionLogs(ctx, "unknown", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTrailGetMissingLog(t *testing.T) {
	trail := newTestTrail(t)
	_, err := trail.GetExecutionLog(context.Background(), "missing")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}
