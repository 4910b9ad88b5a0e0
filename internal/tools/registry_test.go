package tools

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/chain"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/payment"
	"github.com/xiaot623/agentpay/tests/helpers"
)

var usdc = chain.Token{
	Symbol:   "USDC",
	Address:  common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	Decimals: 6,
	PriceUSD: decimal.NewFromInt(1),
}

type fakePayer struct {
	req     payment.PayRequest
	outcome *payment.Outcome
	err     error
}

func (p *fakePayer) Pay(_ context.Context, req payment.PayRequest) (*payment.Outcome, error) {
	p.req = req
	return p.outcome, p.err
}

// quotingPayer answers every payment with a fixed quote, vetting it the way
// the payment client does before it signs.
type quotingPayer struct {
	quote payment.Quote
	req   payment.PayRequest
}

func (p *quotingPayer) Pay(_ context.Context, req payment.PayRequest) (*payment.Outcome, error) {
	p.req = req
	report := payment.AttemptReport{Attempt: 1, State: domain.PaymentStatePaymentRequired, Quote: &p.quote, AmountUSD: decimal.Zero}
	if req.CheckQuote != nil {
		if err := req.CheckQuote(&p.quote, usdc); err != nil {
			report.State = domain.PaymentStateFailed
			report.Err = apperr.From(err)
			return &payment.Outcome{Attempts: []payment.AttemptReport{report}, TotalUSD: decimal.Zero}, report.Err
		}
	}
	cost := usdc.USD(p.quote.Amount)
	if req.MaxAmountUSD.Valid && cost.GreaterThan(req.MaxAmountUSD.Decimal) {
		report.State = domain.PaymentStateFailed
		report.Err = apperr.New(apperr.CodeBudgetExceeded, "over cap")
		return &payment.Outcome{Attempts: []payment.AttemptReport{report}, TotalUSD: decimal.Zero}, report.Err
	}
	report.State = domain.PaymentStateSettled
	report.AmountUSD = cost
	return &payment.Outcome{
		State:      domain.PaymentStateSettled,
		StatusCode: 200,
		Body:       []byte(`{}`),
		Attempts:   []payment.AttemptReport{report},
		TotalUSD:   cost,
	}, nil
}

func newRegistry(t *testing.T, payer Payer) (*Registry, *helpers.FakeNode, *payment.Signer) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := payment.NewSigner(key, payment.Domain{ChainID: big.NewInt(84532), VerifyingContract: common.HexToAddress("0x0402")})
	node := helpers.NewFakeNode()
	r := NewRegistry(Config{
		Payer:    payer,
		Node:     node,
		Signer:   signer,
		Tokens:   chain.NewTokenBook([]chain.Token{usdc}),
		Services: map[string]string{"Market Data": "https://market.example.com/v1/prices"},
	})
	return r, node, signer
}

func TestValidateRejectsBadArguments(t *testing.T) {
	r, _, _ := newRegistry(t, nil)

	cases := []struct {
		tool string
		args string
	}{
		{"pay_api", `{}`},
		{"pay_api", `{"url":"ftp://x"}`},
		{"pay_api", `{"url":"https://x","extra":1}`},
		{"pay_api", `{"url":"https://x","token":"DOGE"}`},
		{"get_balance", `{}`},
		{"get_balance", `{"token":"USDC","address":"0x12"}`},
		{"transfer_token", `{"to":"0x00000000000000000000000000000000000000aa","amount":"0","token":"USDC"}`},
		{"transfer_token", `{"to":"bob","amount":"1","token":"USDC"}`},
		{"transfer_token", `{"to":"0x00000000000000000000000000000000000000aa","amount":"0.0000001","token":"USDC"}`},
		{"transfer_token", `{"to":"0x00000000000000000000000000000000000000aa","amount":"1","token":"USDC"} {}`},
		{"rm_rf", `{}`},
	}
	for _, tc := range cases {
		err := r.Validate(tc.tool, json.RawMessage(tc.args))
		require.Error(t, err, "%s %s", tc.tool, tc.args)
		assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
	}

	assert.NoError(t, r.Validate("pay_api", json.RawMessage(`{"service":"market data","amount":"0.10","token":"USDC"}`)))
	assert.NoError(t, r.Validate("get_balance", json.RawMessage(`{"token":"usdc"}`)))
	assert.NoError(t, r.Validate("transfer_token", json.RawMessage(`{"to":"0x00000000000000000000000000000000000000aa","amount":"5","token":"USDC"}`)))
}

func TestEstimate(t *testing.T) {
	r, _, _ := newRegistry(t, nil)

	e, err := r.Estimate("pay_api", json.RawMessage(`{"url":"https://x","amount":"0.10"}`))
	require.NoError(t, err)
	assert.True(t, e.AmountUSD.Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, "USDC", e.Currency)

	e, err = r.Estimate("pay_api", json.RawMessage(`{"url":"https://x"}`))
	require.NoError(t, err)
	assert.True(t, e.AmountUSD.IsZero())

	e, err = r.Estimate("transfer_token", json.RawMessage(`{"to":"0x00000000000000000000000000000000000000aa","amount":"5","token":"USDC"}`))
	require.NoError(t, err)
	assert.True(t, e.AmountUSD.Equal(decimal.NewFromInt(5)))

	e, err = r.Estimate("get_balance", json.RawMessage(`{"token":"USDC"}`))
	require.NoError(t, err)
	assert.True(t, e.AmountUSD.IsZero())
}

func TestPayAPIReportsEveryAttempt(t *testing.T) {
	payer := &fakePayer{outcome: &payment.Outcome{
		State:      domain.PaymentStateSettled,
		StatusCode: 200,
		Body:       []byte(`{"price":1}`),
		TotalUSD:   decimal.RequireFromString("0.10"),
		Settlement: &payment.Settlement{TxHash: "0xabc"},
		Attempts: []payment.AttemptReport{
			{Attempt: 1, State: domain.PaymentStateFailed, AmountUSD: decimal.Zero, Err: apperr.New(apperr.CodePaymentFailed, "503")},
			{Attempt: 2, State: domain.PaymentStateSettled, AmountUSD: decimal.RequireFromString("0.10")},
		},
	}}
	r, _, _ := newRegistry(t, payer)

	res := r.Invoke(context.Background(), "pay_api", Invocation{
		ExecutionID: "exec-1",
		Args:        json.RawMessage(`{"service":"market data","max_amount_usd":"0.50"}`),
		MaxCostUSD:  decimal.NewNullDecimal(decimal.NewFromInt(3)),
	})

	require.True(t, res.OK())
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].OK())
	assert.True(t, res.CostUSD().Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, "https://market.example.com/v1/prices", payer.req.ServiceURL)
	assert.Equal(t, "exec-1", payer.req.ExecutionID)
	assert.True(t, payer.req.MaxAmountUSD.Decimal.Equal(decimal.RequireFromString("0.50")))

	var out struct {
		Data json.RawMessage `json:"data"`
		Paid bool            `json:"paid"`
	}
	require.NoError(t, json.Unmarshal(res.Output(), &out))
	assert.JSONEq(t, `{"price":1}`, string(out.Data))
	assert.True(t, out.Paid)
}

func TestPayAPIFailureCarriesError(t *testing.T) {
	payer := &fakePayer{
		outcome: &payment.Outcome{Attempts: []payment.AttemptReport{
			{Attempt: 1, State: domain.PaymentStateFailed, AmountUSD: decimal.Zero, Err: apperr.New(apperr.CodeBudgetExceeded, "too expensive")},
		}},
		err: apperr.New(apperr.CodeBudgetExceeded, "too expensive"),
	}
	r, _, _ := newRegistry(t, payer)

	res := r.Invoke(context.Background(), "pay_api", Invocation{Args: json.RawMessage(`{"url":"https://x"}`)})
	assert.False(t, res.OK())
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, apperr.CodeBudgetExceeded, res.Err().Code())
}

func TestPayAPIUnknownService(t *testing.T) {
	r, _, _ := newRegistry(t, &fakePayer{})
	res := r.Invoke(context.Background(), "pay_api", Invocation{Args: json.RawMessage(`{"service":"weather"}`)})
	assert.False(t, res.OK())
	assert.Equal(t, apperr.CodeValidation, res.Err().Code())
}

func TestGetBalance(t *testing.T) {
	r, node, signer := newRegistry(t, nil)
	node.SetBalance(usdc.Address, signer.Address(), big.NewInt(12_500_000))

	res := r.Invoke(context.Background(), "get_balance", Invocation{Args: json.RawMessage(`{"token":"USDC"}`)})
	require.True(t, res.OK())
	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output(), &out))
	assert.Equal(t, "12.5", out["balance"])
	assert.Equal(t, signer.Address().Hex(), out["address"])
	assert.True(t, res.CostUSD().IsZero())
}

func TestTransferToken(t *testing.T) {
	r, node, signer := newRegistry(t, nil)
	node.SetBalance(usdc.Address, signer.Address(), big.NewInt(10_000_000))
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	res := r.Invoke(context.Background(), "transfer_token", Invocation{
		Args: json.RawMessage(`{"to":"` + to.Hex() + `","amount":"2.5","token":"USDC"}`),
	})
	require.True(t, res.OK(), "%v", res.Err())
	assert.True(t, res.CostUSD().Equal(decimal.RequireFromString("2.5")))

	got, err := node.BalanceOf(context.Background(), to, usdc.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), got.Int64())
}

func TestTransferTokenFailures(t *testing.T) {
	r, node, signer := newRegistry(t, nil)
	node.SetBalance(usdc.Address, signer.Address(), big.NewInt(1_000_000))
	args := json.RawMessage(`{"to":"0x00000000000000000000000000000000000000aa","amount":"2","token":"USDC"}`)

	res := r.Invoke(context.Background(), "transfer_token", Invocation{Args: args})
	assert.Equal(t, apperr.CodeInsufficientBalance, res.Err().Code())
	assert.True(t, res.CostUSD().IsZero())

	res = r.Invoke(context.Background(), "transfer_token", Invocation{Args: args, MaxCostUSD: decimal.NewNullDecimal(decimal.NewFromInt(1))})
	assert.Equal(t, apperr.CodeBudgetExceeded, res.Err().Code())

	node.SetBalance(usdc.Address, signer.Address(), big.NewInt(5_000_000))
	node.Revert = true
	res = r.Invoke(context.Background(), "transfer_token", Invocation{Args: args})
	assert.Equal(t, apperr.CodeChain, res.Err().Code())
	assert.True(t, res.CostUSD().IsZero())
}

func TestSpecsCoverEveryKind(t *testing.T) {
	infos := Specs()
	require.Len(t, infos, len(Kinds))
	for _, info := range infos {
		assert.True(t, json.Valid(info.Schema), info.Name)
		_, ok := ParseKind(info.Name)
		assert.True(t, ok)
	}
	assert.True(t, KindTransferToken.MovesFunds())
	assert.False(t, KindGetBalance.MovesFunds())
}

func TestPayAPIStatedAmountBoundsThePayment(t *testing.T) {
	payer := &quotingPayer{quote: payment.Quote{Amount: decimal.NewFromInt(9), Token: "USDC"}}
	r, _, _ := newRegistry(t, payer)

	res := r.Invoke(context.Background(), "pay_api", Invocation{
		Args:        json.RawMessage(`{"url":"https://x","amount":"0.10","token":"USDC"}`),
		MaxCostUSD:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		ApprovedUSD: decimal.NewFromInt(1),
	})

	assert.False(t, res.OK())
	assert.Equal(t, apperr.CodeValidation, res.Err().Code())
	assert.Contains(t, res.Err().Message(), "step stated 0.1")
	assert.Nil(t, res.Requote)
	assert.True(t, res.CostUSD().IsZero())
	assert.True(t, payer.req.MaxAmountUSD.Decimal.Equal(decimal.RequireFromString("0.10")))

	payer.quote.Amount = decimal.RequireFromString("0.10")
	res = r.Invoke(context.Background(), "pay_api", Invocation{
		Args:        json.RawMessage(`{"url":"https://x","amount":"0.10"}`),
		MaxCostUSD:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		ApprovedUSD: decimal.NewFromInt(1),
	})
	require.True(t, res.OK())
	assert.True(t, res.CostUSD().Equal(decimal.RequireFromString("0.10")))
}

func TestPayAPIStatedTokenMustMatchQuote(t *testing.T) {
	tokens := chain.NewTokenBook([]chain.Token{usdc, {Symbol: "DAI", Address: common.HexToAddress("0x0d"), Decimals: 18, PriceUSD: decimal.NewFromInt(1)}})
	payer := &quotingPayer{quote: payment.Quote{Amount: decimal.RequireFromString("0.10"), Token: "USDC"}}
	r := NewRegistry(Config{Payer: payer, Tokens: tokens})

	res := r.Invoke(context.Background(), "pay_api", Invocation{
		Args:        json.RawMessage(`{"url":"https://x","amount":"0.10","token":"DAI"}`),
		ApprovedUSD: decimal.NewFromInt(1),
	})
	assert.False(t, res.OK())
	assert.Equal(t, apperr.CodeValidation, res.Err().Code())
	assert.Contains(t, res.Err().Message(), "step stated DAI")
}

func TestPayAPIUnstatedAmountMustFitClearance(t *testing.T) {
	payer := &quotingPayer{quote: payment.Quote{Amount: decimal.NewFromInt(9), Token: "USDC"}}
	r, _, _ := newRegistry(t, payer)
	args := json.RawMessage(`{"url":"https://x"}`)

	res := r.Invoke(context.Background(), "pay_api", Invocation{
		Args:        args,
		MaxCostUSD:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		ApprovedUSD: decimal.NewFromInt(1),
	})
	assert.False(t, res.OK())
	assert.Equal(t, apperr.CodeApprovalRequired, res.Err().Code())
	require.NotNil(t, res.Requote)
	assert.True(t, res.Requote.AmountUSD.Equal(decimal.NewFromInt(9)))
	assert.Equal(t, "USDC", res.Requote.Currency)
	assert.True(t, res.CostUSD().IsZero())

	res = r.Invoke(context.Background(), "pay_api", Invocation{
		Args:        args,
		MaxCostUSD:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
		ApprovedUSD: decimal.NewFromInt(9),
	})
	require.True(t, res.OK())
	assert.Nil(t, res.Requote)
	assert.True(t, res.CostUSD().Equal(decimal.NewFromInt(9)))
}
