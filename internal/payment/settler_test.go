package payment

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/tests/helpers"
)

func TestFacilitatorErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      map[string]any
		code      apperr.Code
		retryable bool
	}{
		{"insufficient", http.StatusOK, map[string]any{"success": false, "error_code": "insufficient_balance"}, apperr.CodeInsufficientBalance, false},
		{"duplicate", http.StatusConflict, map[string]any{"success": false, "error_code": "duplicate_nonce"}, apperr.CodeDuplicatePayment, false},
		{"signature", http.StatusBadRequest, map[string]any{"success": false, "error_code": "invalid_signature"}, apperr.CodeValidation, false},
		{"reverted", http.StatusOK, map[string]any{"success": false, "error_code": "reverted"}, apperr.CodeChain, false},
		{"unavailable", http.StatusServiceUnavailable, map[string]any{"success": false}, apperr.CodePaymentFailed, true},
		{"rate limited", http.StatusTooManyRequests, map[string]any{"success": false}, apperr.CodePaymentFailed, true},
		{"no tx hash", http.StatusOK, map[string]any{"success": true}, apperr.CodePaymentFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/settle", r.URL.Path)
				writeJSON(w, tc.status, tc.body)
			}))
			defer srv.Close()

			_, err := NewFacilitatorSettler(srv.URL+"/", srv.Client()).Settle(context.Background(), testAuthorization(t))
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
			assert.Equal(t, tc.retryable, apperr.IsRetryable(err))
		})
	}
}

func TestFacilitatorUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewFacilitatorSettler(url, nil).Settle(context.Background(), testAuthorization(t))
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
}

func TestChainSettlerTransfersTokens(t *testing.T) {
	node := helpers.NewFakeNode()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key, Domain{ChainID: big.NewInt(84532), VerifyingContract: usdcAddress})
	node.SetBalance(usdcAddress, signer.Address(), big.NewInt(1_000_000))

	auth := testAuthorization(t)
	auth.Message.WalletAddress = signer.Address()

	settlement, err := NewChainSettler(node, signer, time.Second).Settle(context.Background(), auth)
	require.NoError(t, err)
	assert.NotEmpty(t, settlement.TxHash)
	assert.Equal(t, uint64(52000), settlement.GasUsed)

	got, err := node.BalanceOf(context.Background(), merchant, usdcAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), got.Int64())
}

func TestChainSettlerRevertIsTerminal(t *testing.T) {
	node := helpers.NewFakeNode()
	node.Revert = true
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSigner(key, Domain{ChainID: big.NewInt(84532), VerifyingContract: usdcAddress})

	_, err = NewChainSettler(node, signer, time.Second).Settle(context.Background(), testAuthorization(t))
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeChain))
	assert.False(t, apperr.IsRetryable(err))
}

func testAuthorization(t *testing.T) *Authorization {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	domain := Domain{ChainID: big.NewInt(84532), VerifyingContract: usdcAddress}
	s := NewSigner(key, domain)
	msg := testMessage(s.Address())
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	return &Authorization{
		AttemptID: "att-1",
		Quote:     Quote{ServiceURL: msg.ServiceURL, Amount: decimal.RequireFromString("0.10"), Token: "USDC", Recipient: merchant},
		Token:     usdc,
		AmountUSD: decimal.RequireFromString("0.10"),
		Domain:    domain,
		Message:   msg,
		Signature: sig,
	}
}
