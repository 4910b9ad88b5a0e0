package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/chain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/payment"
)

// Payer runs the x402 payment loop.
type Payer interface {
	Pay(ctx context.Context, req payment.PayRequest) (*payment.Outcome, error)
}

// Invocation is one call of a tool within an execution.
type Invocation struct {
	SessionID   string
	ExecutionID string
	Args        json.RawMessage
	// MaxCostUSD is the remaining budget. Null means unlimited.
	MaxCostUSD decimal.NullDecimal
	// ApprovedUSD is the spend policy or a human cleared for this call.
	ApprovedUSD decimal.Decimal
}

// Attempt is one try at running a tool. Each attempt becomes one audit row.
type Attempt struct {
	Output   json.RawMessage
	Err      *apperr.Error
	CostUSD  decimal.Decimal
	Duration time.Duration
}

// OK reports whether the attempt succeeded.
func (a Attempt) OK() bool { return a.Err == nil }

// Result is the tagged outcome of a tool invocation: it succeeded when its
// last attempt succeeded.
type Result struct {
	Attempts []Attempt
	// Requote is set when the call stopped at a live price above
	// Invocation.ApprovedUSD. Nothing was paid.
	Requote *Estimate
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool {
	return len(r.Attempts) > 0 && r.Attempts[len(r.Attempts)-1].OK()
}

// Output is the output of the final attempt.
func (r Result) Output() json.RawMessage {
	if len(r.Attempts) == 0 {
		return nil
	}
	return r.Attempts[len(r.Attempts)-1].Output
}

// Err is the error of the final attempt.
func (r Result) Err() *apperr.Error {
	if len(r.Attempts) == 0 {
		return apperr.New(apperr.CodeInternal, "tool produced no attempts")
	}
	return r.Attempts[len(r.Attempts)-1].Err
}

// CostUSD sums the cost of every attempt.
func (r Result) CostUSD() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Attempts {
		total = total.Add(a.CostUSD)
	}
	return total
}

func failure(err error, d time.Duration) Result {
	return Result{Attempts: []Attempt{{Err: apperr.From(err), CostUSD: decimal.Zero, Duration: d}}}
}

// Estimate is what a step is expected to spend.
type Estimate struct {
	AmountUSD decimal.Decimal
	Amount    decimal.Decimal
	Currency  string
}

// Config wires a Registry.
type Config struct {
	Payer    Payer
	Node     payment.ChainNode
	Signer   *payment.Signer
	Tokens   *chain.TokenBook
	Services map[string]string
	// SettlementTimeout bounds the wait for a submitted transfer.
	SettlementTimeout time.Duration
	Logger            *zap.Logger
}

// Registry dispatches tool invocations.
type Registry struct {
	payer    Payer
	node     payment.ChainNode
	signer   *payment.Signer
	tokens   *chain.TokenBook
	services map[string]string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRegistry creates a registry. Payer, Node and Signer may be nil, in which
// case the tools needing them fail at invocation.
func NewRegistry(cfg Config) *Registry {
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = chain.NewTokenBook(nil)
	}
	services := make(map[string]string, len(cfg.Services))
	for name, url := range cfg.Services {
		services[strings.ToLower(name)] = url
	}
	timeout := cfg.SettlementTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Registry{
		payer:    cfg.Payer,
		node:     cfg.Node,
		signer:   cfg.Signer,
		tokens:   tokens,
		services: services,
		timeout:  timeout,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// Services returns the service catalog.
func (r *Registry) Services() map[string]string {
	out := make(map[string]string, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// Validate checks args against the schema of toolName.
func (r *Registry) Validate(toolName string, args json.RawMessage) error {
	kind, ok := ParseKind(toolName)
	if !ok {
		return apperr.Newf(apperr.CodeValidation, "unknown tool %q", toolName)
	}
	var err error
	switch kind {
	case KindPayAPI:
		_, err = r.parsePayAPI(args)
	case KindGetBalance:
		_, _, err = r.parseGetBalance(args)
	case KindTransferToken:
		_, _, err = r.parseTransferToken(args)
	}
	return err
}

// Estimate returns the expected spend of a call. pay_api without an expected
// amount estimates zero: its real price is only known from the quote.
func (r *Registry) Estimate(toolName string, args json.RawMessage) (Estimate, error) {
	kind, ok := ParseKind(toolName)
	if !ok {
		return Estimate{}, apperr.Newf(apperr.CodeValidation, "unknown tool %q", toolName)
	}
	switch kind {
	case KindPayAPI:
		a, err := r.parsePayAPI(args)
		if err != nil {
			return Estimate{}, err
		}
		if a.Amount == nil {
			return Estimate{AmountUSD: decimal.Zero}, nil
		}
		token, ok := r.tokens.Lookup(a.Token)
		if !ok {
			token, ok = r.defaultToken()
		}
		if !ok {
			return Estimate{AmountUSD: decimal.Zero}, nil
		}
		return Estimate{AmountUSD: token.USD(*a.Amount), Amount: *a.Amount, Currency: token.Symbol}, nil
	case KindTransferToken:
		a, token, err := r.parseTransferToken(args)
		if err != nil {
			return Estimate{}, err
		}
		return Estimate{AmountUSD: token.USD(a.Amount), Amount: a.Amount, Currency: token.Symbol}, nil
	case KindGetBalance:
		if _, _, err := r.parseGetBalance(args); err != nil {
			return Estimate{}, err
		}
	}
	return Estimate{AmountUSD: decimal.Zero}, nil
}

func (r *Registry) defaultToken() (chain.Token, bool) {
	symbols := r.tokens.Symbols()
	if len(symbols) == 0 {
		return chain.Token{}, false
	}
	if t, ok := r.tokens.Lookup("USDC"); ok {
		return t, true
	}
	return r.tokens.Lookup(symbols[0])
}

// Invoke runs toolName. Tool-level failures are reported in the Result, never
// as a Go error.
func (r *Registry) Invoke(ctx context.Context, toolName string, inv Invocation) Result {
	started := time.Now()
	kind, ok := ParseKind(toolName)
	if !ok {
		return failure(apperr.Newf(apperr.CodeValidation, "unknown tool %q", toolName), time.Since(started))
	}

	logging.For(ctx, r.logger).Debug("invoking tool", zap.String("tool", toolName))
	switch kind {
	case KindPayAPI:
		return r.payAPI(ctx, inv)
	case KindGetBalance:
		return r.getBalance(ctx, inv)
	case KindTransferToken:
		return r.transferToken(ctx, inv)
	}
	return failure(apperr.Newf(apperr.CodeInternal, "tool %q has no executor", toolName), time.Since(started))
}

func (r *Registry) payAPI(ctx context.Context, inv Invocation) Result {
	started := time.Now()
	args, err := r.parsePayAPI(inv.Args)
	if err != nil {
		return failure(err, time.Since(started))
	}
	if r.payer == nil {
		return failure(apperr.New(apperr.CodePaymentFailed, "payments are not configured", apperr.WithRetryable(false)), time.Since(started))
	}

	url := args.URL
	if url == "" {
		resolved, ok := r.services[strings.ToLower(args.Service)]
		if !ok {
			return failure(apperr.Newf(apperr.CodeValidation, "unknown service %q", args.Service), time.Since(started))
		}
		url = resolved
	}

	limit := inv.MaxCostUSD
	capAt := func(usd decimal.Decimal) {
		if !limit.Valid || usd.LessThan(limit.Decimal) {
			limit = decimal.NewNullDecimal(usd)
		}
	}
	if args.MaxAmountUSD != nil {
		capAt(*args.MaxAmountUSD)
	}
	// A stated amount is what was estimated and approved, so it bounds the
	// payment. Without one the live quote must fit what was cleared.
	var stated decimal.Decimal
	if args.Amount != nil {
		token, ok := r.tokens.Lookup(args.Token)
		if !ok {
			token, ok = r.defaultToken()
		}
		if ok {
			stated = token.USD(*args.Amount)
			capAt(stated)
		}
	}

	var requote *Estimate
	checkQuote := func(quote *payment.Quote, token chain.Token) error {
		cost := token.USD(quote.Amount)
		if args.Amount != nil {
			if args.Token != "" && !strings.EqualFold(args.Token, token.Symbol) {
				return apperr.Newf(apperr.CodeValidation, "service asked for %s, step stated %s", token.Symbol, strings.ToUpper(args.Token))
			}
			if cost.GreaterThan(stated) {
				return apperr.Newf(apperr.CodeValidation, "service quoted %s %s ($%s), step stated %s ($%s)",
					quote.Amount, token.Symbol, cost.StringFixed(2), args.Amount, stated.StringFixed(2))
			}
			return nil
		}
		if cost.GreaterThan(inv.ApprovedUSD) {
			requote = &Estimate{AmountUSD: cost, Amount: quote.Amount, Currency: token.Symbol}
			return apperr.Newf(apperr.CodeApprovalRequired, "service quoted %s %s ($%s), above the $%s cleared for this step",
				quote.Amount, token.Symbol, cost.StringFixed(2), inv.ApprovedUSD.StringFixed(2))
		}
		return nil
	}

	out, err := r.payer.Pay(ctx, payment.PayRequest{
		ServiceURL:   url,
		ExecutionID:  inv.ExecutionID,
		MaxAmountUSD: limit,
		CheckQuote:   checkQuote,
	})
	var res Result
	if out != nil {
		for _, rep := range out.Attempts {
			res.Attempts = append(res.Attempts, Attempt{
				Output:   attemptOutput(url, rep),
				Err:      rep.Err,
				CostUSD:  rep.AmountUSD,
				Duration: rep.Duration,
			})
		}
	}
	if err != nil {
		last := res.Err()
		if len(res.Attempts) == 0 || apperr.CodeOf(err) != last.Code() {
			res.Attempts = append(res.Attempts, Attempt{Err: apperr.From(err), CostUSD: decimal.Zero})
		}
		if apperr.IsCode(err, apperr.CodeApprovalRequired) {
			res.Requote = requote
		}
		return res
	}

	final := &res.Attempts[len(res.Attempts)-1]
	final.Output = payOutput(url, out)
	return res
}

type payAttemptOutput struct {
	ServiceURL string              `json:"service_url"`
	State      string              `json:"state"`
	StatusCode int                 `json:"status_code,omitempty"`
	AttemptID  string              `json:"payment_attempt_id,omitempty"`
	Quote      *payment.Quote      `json:"quote,omitempty"`
	Settlement *payment.Settlement `json:"settlement,omitempty"`
	AmountUSD  string              `json:"amount_usd"`
}

func attemptOutput(url string, rep payment.AttemptReport) json.RawMessage {
	raw, _ := json.Marshal(payAttemptOutput{
		ServiceURL: url,
		State:      string(rep.State),
		StatusCode: rep.StatusCode,
		AttemptID:  rep.AttemptID,
		Quote:      rep.Quote,
		Settlement: rep.Settlement,
		AmountUSD:  rep.AmountUSD.String(),
	})
	return raw
}

type payOutputBody struct {
	ServiceURL  string              `json:"service_url"`
	StatusCode  int                 `json:"status_code"`
	ContentType string              `json:"content_type,omitempty"`
	Data        json.RawMessage     `json:"data"`
	Paid        bool                `json:"paid"`
	AmountUSD   string              `json:"amount_usd"`
	Quote       *payment.Quote      `json:"quote,omitempty"`
	Settlement  *payment.Settlement `json:"settlement,omitempty"`
}

func payOutput(url string, out *payment.Outcome) json.RawMessage {
	data := json.RawMessage(out.Body)
	if !json.Valid(data) {
		data, _ = json.Marshal(string(out.Body))
	}
	raw, _ := json.Marshal(payOutputBody{
		ServiceURL:  url,
		StatusCode:  out.StatusCode,
		ContentType: out.ContentType,
		Data:        data,
		Paid:        out.Settlement != nil,
		AmountUSD:   out.TotalUSD.String(),
		Quote:       out.Quote,
		Settlement:  out.Settlement,
	})
	return raw
}

func (r *Registry) getBalance(ctx context.Context, inv Invocation) Result {
	started := time.Now()
	args, token, err := r.parseGetBalance(inv.Args)
	if err != nil {
		return failure(err, time.Since(started))
	}
	if r.node == nil {
		return failure(apperr.New(apperr.CodeChain, "no chain node configured", apperr.WithRetryable(false)), time.Since(started))
	}

	var owner common.Address
	switch {
	case args.Address != "":
		owner = common.HexToAddress(args.Address)
	case r.signer != nil:
		owner = r.signer.Address()
	default:
		return failure(apperr.New(apperr.CodeValidation, "address is required without a wallet"), time.Since(started))
	}

	units, err := r.node.BalanceOf(ctx, owner, token.Address)
	if err != nil {
		return failure(apperr.Wrap(err, apperr.CodeChain, "read balance"), time.Since(started))
	}
	balance := token.FromBaseUnits(units)
	raw, _ := json.Marshal(map[string]string{
		"address":     owner.Hex(),
		"token":       token.Symbol,
		"balance":     balance.String(),
		"balance_usd": token.USD(balance).StringFixed(2),
	})
	return Result{Attempts: []Attempt{{Output: raw, CostUSD: decimal.Zero, Duration: time.Since(started)}}}
}

func (r *Registry) transferToken(ctx context.Context, inv Invocation) Result {
	started := time.Now()
	args, token, err := r.parseTransferToken(inv.Args)
	if err != nil {
		return failure(err, time.Since(started))
	}
	if r.node == nil || r.signer == nil {
		return failure(apperr.New(apperr.CodeChain, "no chain node or wallet configured", apperr.WithRetryable(false)), time.Since(started))
	}

	cost := token.USD(args.Amount)
	if inv.MaxCostUSD.Valid && cost.GreaterThan(inv.MaxCostUSD.Decimal) {
		return failure(apperr.Newf(apperr.CodeBudgetExceeded,
			"transfer of $%s exceeds remaining budget $%s", cost.StringFixed(2), inv.MaxCostUSD.Decimal.StringFixed(2)), time.Since(started))
	}

	units, _ := token.ToBaseUnits(args.Amount)
	wallet := r.signer.Address()
	balance, err := r.node.BalanceOf(ctx, wallet, token.Address)
	if err != nil {
		return failure(apperr.Wrap(err, apperr.CodeChain, "read balance"), time.Since(started))
	}
	if balance.Cmp(units) < 0 {
		return failure(apperr.Newf(apperr.CodeInsufficientBalance,
			"wallet holds %s %s, transfer needs %s", token.FromBaseUnits(balance), token.Symbol, args.Amount), time.Since(started))
	}

	raw, err := chain.BuildSignedTransfer(ctx, r.node, r.signer.Key(), chain.Transfer{
		Token:   token.Address,
		To:      common.HexToAddress(args.To),
		Amount:  units,
		ChainID: r.signer.Domain().ChainID,
	})
	if err != nil {
		return failure(apperr.Wrap(err, apperr.CodeChain, "build transfer"), time.Since(started))
	}
	hash, err := r.node.SendSignedTx(ctx, raw)
	if err != nil {
		return failure(apperr.Wrap(err, apperr.CodeChain, "submit transfer"), time.Since(started))
	}

	settlement, err := payment.WaitSettlement(context.WithoutCancel(ctx), r.node, hash, r.timeout)
	if err != nil {
		return failure(err, time.Since(started))
	}
	out, _ := json.Marshal(map[string]any{
		"tx_hash":      settlement.TxHash,
		"gas_used":     settlement.GasUsed,
		"block_number": settlement.BlockNumber,
		"to":           common.HexToAddress(args.To).Hex(),
		"amount":       args.Amount.String(),
		"token":        token.Symbol,
	})
	r.logger.Info("token transfer confirmed",
		zap.String("execution_id", inv.ExecutionID),
		zap.String("tx_hash", settlement.TxHash),
		zap.String("amount", args.Amount.String()),
		zap.String("token", token.Symbol))
	return Result{Attempts: []Attempt{{Output: out, CostUSD: cost, Duration: time.Since(started)}}}
}
