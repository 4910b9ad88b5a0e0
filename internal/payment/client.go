// Package payment implements the client side of the x402 micropayment
// protocol: capture a 402 quote, sign an EIP-712 authorization, settle it and
// retry the request with a settlement proof.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/chain"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
	store "github.com/xiaot623/agentpay/internal/repository"
)

const (
	maxResponseBytes = 4 << 20
	maxClockSkew     = 30 * time.Second
	nonceAttempts    = 3
)

// AttemptStore persists payment attempts.
type AttemptStore interface {
	CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	TransitionPaymentAttempt(ctx context.Context, id string, from, to domain.PaymentStatus) (bool, error)
	CompletePaymentAttempt(ctx context.Context, id string, update store.PaymentUpdate) error
}

// BalanceReader reads token balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error)
}

// Options tune the payment loop.
type Options struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	FreshnessWindow   time.Duration
	SettlementTimeout time.Duration
}

// Deps are the collaborators of a Client. Balances and Attempts are optional.
type Deps struct {
	HTTPClient *http.Client
	Signer     *Signer
	Tokens     *chain.TokenBook
	Balances   BalanceReader
	Settler    Settler
	Nonces     NonceStore
	Attempts   AttemptStore
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client drives x402 payments for one wallet.
type Client struct {
	http     *http.Client
	signer   *Signer
	tokens   *chain.TokenBook
	balances BalanceReader
	settler  Settler
	nonces   NonceStore
	attempts AttemptStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a payment client.
func NewClient(deps Deps, opts Options) (*Client, error) {
	if deps.Signer == nil || deps.Tokens == nil || deps.Settler == nil || deps.Nonces == nil {
		return nil, errors.New("payment client requires signer, tokens, settler and nonce store")
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = 5 * time.Minute
	}
	if opts.SettlementTimeout <= 0 {
		opts.SettlementTimeout = 2 * time.Minute
	}
	return &Client{
		http:     deps.HTTPClient,
		signer:   deps.Signer,
		tokens:   deps.Tokens,
		balances: deps.Balances,
		settler:  deps.Settler,
		nonces:   deps.Nonces,
		attempts: deps.Attempts,
		logger:   logging.OrNop(deps.Logger),
		metrics:  deps.Metrics,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepContext,
	}, nil
}

// Wallet returns the paying address.
func (c *Client) Wallet() common.Address {
	return c.signer.Address()
}

// Response is a service reply. Quote is set when the service answered 402.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Quote       *Quote
}

// Authorization is a signed, persisted payment authorization.
type Authorization struct {
	AttemptID   string
	ExecutionID string
	Attempt     int
	Quote       Quote
	Token       chain.Token
	AmountUSD   decimal.Decimal
	Domain      Domain
	Message     Message
	Signature   []byte
}

// Proof is sent back to the service once the payment settled.
type Proof struct {
	TxHash    string `json:"tx_hash"`
	Signature string `json:"signature"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// Request performs the initial GET against serviceURL.
func (c *Client) Request(ctx context.Context, serviceURL string) (*Response, error) {
	return c.do(ctx, serviceURL, nil)
}

// RetryWithProof repeats the request carrying the settlement proof. A 402
// reply comes back as a Response with a fresh Quote.
func (c *Client) RetryWithProof(ctx context.Context, serviceURL string, proof Proof) (*Response, error) {
	return c.do(ctx, serviceURL, &proof)
}

func (c *Client) do(ctx context.Context, serviceURL string, proof *Proof) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceURL, nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, "invalid service url")
	}
	req.Header.Set("Accept", "application/json")
	if proof != nil {
		raw, err := json.Marshal(proof)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "encode payment proof")
		}
		req.Header.Set(HeaderPaymentProof, string(raw))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(ctx.Err(), apperr.CodeCancelled, "request cancelled")
		}
		return nil, apperr.Wrap(err, apperr.CodePaymentFailed, "service unreachable", apperr.WithRetryable(true))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodePaymentFailed, "read service response", apperr.WithRetryable(true))
	}
	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		quote, err := ParseQuote(serviceURL, resp.Header, body)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodePaymentRequired, "service sent malformed payment terms")
		}
		out.Quote = quote
		return out, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, apperr.Newf(apperr.CodePaymentFailed, "service returned %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, apperr.New(apperr.CodePaymentFailed,
			fmt.Sprintf("service returned %d", resp.StatusCode), apperr.WithRetryable(false))
	}
	return out, nil
}

// Authorize signs an authorization for quote and persists it as a signed
// payment attempt.
func (c *Client) Authorize(ctx context.Context, executionID string, quote *Quote, attempt int) (*Authorization, error) {
	token, ok := c.tokens.Lookup(quote.Token)
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "unsupported payment token %q", quote.Token)
	}
	units, err := token.ToBaseUnits(quote.Amount)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeValidation, err.Error())
	}

	domainSep := c.signer.Domain()
	for i := 0; i < nonceAttempts; i++ {
		var nonce [32]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "generate nonce")
		}
		claimed, err := c.nonces.Claim(ctx, NonceKey("auth", c.signer.Address(), domainSep.VerifyingContract, nonce), 2*c.opts.FreshnessWindow)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "reserve nonce")
		}
		if !claimed {
			continue
		}

		msg := Message{
			ServiceURL:    quote.ServiceURL,
			Amount:        units,
			Token:         token.Address,
			Recipient:     quote.Recipient,
			Description:   quote.Description,
			Timestamp:     c.now().Unix(),
			Nonce:         nonce,
			WalletAddress: c.signer.Address(),
		}
		sig, err := c.signer.Sign(msg)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "sign authorization")
		}
		auth := &Authorization{
			AttemptID:   uuid.NewString(),
			ExecutionID: executionID,
			Attempt:     attempt,
			Quote:       *quote,
			Token:       token,
			AmountUSD:   token.USD(quote.Amount),
			Domain:      domainSep,
			Message:     msg,
			Signature:   sig,
		}
		if err := c.persist(ctx, auth); err != nil {
			if errors.Is(err, store.ErrDuplicateNonce) {
				continue
			}
			return nil, apperr.Wrap(err, apperr.CodeInternal, "persist payment attempt")
		}
		return auth, nil
	}
	return nil, apperr.New(apperr.CodeInternal, "could not reserve a unique nonce")
}

func (c *Client) persist(ctx context.Context, auth *Authorization) error {
	if c.attempts == nil {
		return nil
	}
	now := c.now().UTC()
	return c.attempts.CreatePaymentAttempt(ctx, &domain.PaymentAttempt{
		ID:                auth.AttemptID,
		ExecutionLogID:    auth.ExecutionID,
		ServiceURL:        auth.Quote.ServiceURL,
		Amount:            auth.Quote.Amount,
		Token:             auth.Token.Symbol,
		Recipient:         auth.Quote.Recipient.Hex(),
		Network:           auth.Quote.Network,
		Signer:            auth.Message.WalletAddress.Hex(),
		VerifyingContract: auth.Domain.VerifyingContract.Hex(),
		Nonce:             hexutil.Encode(auth.Message.Nonce[:]),
		Timestamp:         auth.Message.Timestamp,
		Signature:         hexutil.Encode(auth.Signature),
		Status:            domain.PaymentStatusSigned,
		Attempt:           auth.Attempt,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// Settle verifies auth and moves the funds. Each authorization settles at
// most once. After submission the caller's cancellation no longer applies:
// the settlement is awaited up to the settlement timeout.
func (c *Client) Settle(ctx context.Context, auth *Authorization) (*Settlement, error) {
	now := c.now()
	signedAt := time.Unix(auth.Message.Timestamp, 0)
	if now.Sub(signedAt) > c.opts.FreshnessWindow {
		return nil, c.fail(ctx, auth, apperr.New(apperr.CodeValidation, "payment authorization is stale"))
	}
	if signedAt.Sub(now) > maxClockSkew {
		return nil, c.fail(ctx, auth, apperr.New(apperr.CodeValidation, "payment authorization is dated in the future"))
	}

	signer, err := RecoverSigner(auth.Domain, auth.Message, auth.Signature)
	if err != nil || signer != auth.Message.WalletAddress || signer != c.signer.Address() {
		return nil, c.fail(ctx, auth, apperr.New(apperr.CodeValidation, "payment signature does not match wallet"))
	}

	key := NonceKey("settle", signer, auth.Domain.VerifyingContract, auth.Message.Nonce)
	claimed, err := c.nonces.Claim(ctx, key, 2*c.opts.FreshnessWindow)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "claim nonce")
	}
	if !claimed {
		return nil, apperr.New(apperr.CodeDuplicatePayment, "authorization nonce already settled")
	}

	if c.balances != nil {
		balance, err := c.balances.BalanceOf(ctx, signer, auth.Token.Address)
		if err != nil {
			return nil, c.fail(ctx, auth, apperr.Wrap(err, apperr.CodeChain, "read wallet balance", apperr.WithRetryable(true)))
		}
		if balance.Cmp(auth.Message.Amount) < 0 {
			return nil, c.fail(ctx, auth, apperr.Newf(apperr.CodeInsufficientBalance,
				"wallet holds %s %s, payment needs %s", auth.Token.FromBaseUnits(balance), auth.Token.Symbol, auth.Quote.Amount))
		}
	}

	if c.attempts != nil {
		ok, err := c.attempts.TransitionPaymentAttempt(ctx, auth.AttemptID, domain.PaymentStatusSigned, domain.PaymentStatusSubmitted)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "mark payment submitted")
		}
		if !ok {
			return nil, apperr.New(apperr.CodeDuplicatePayment, "payment attempt already submitted")
		}
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SettlementTimeout)
	defer cancel()

	started := time.Now()
	settlement, err := c.settler.Settle(settleCtx, auth)
	c.metrics.ObserveSettlement(c.settler.Name(), time.Since(started))
	if err != nil {
		return nil, c.fail(settleCtx, auth, c.classifySettleError(settleCtx, err))
	}

	if c.attempts != nil {
		err := c.attempts.CompletePaymentAttempt(settleCtx, auth.AttemptID, store.PaymentUpdate{
			Status:      domain.PaymentStatusConfirmed,
			TxHash:      settlement.TxHash,
			GasUsed:     settlement.GasUsed,
			BlockNumber: settlement.BlockNumber,
		})
		if err != nil {
			c.logger.Error("failed to record settlement",
				zap.String("attempt_id", auth.AttemptID),
				zap.String("tx_hash", settlement.TxHash),
				zap.Error(err))
		}
	}
	return settlement, nil
}

func (c *Client) classifySettleError(ctx context.Context, err error) *apperr.Error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.CodePaymentFailed, "settlement timed out", apperr.WithRetryable(true))
	}
	return apperr.Wrap(err, apperr.CodePaymentFailed, "settlement failed")
}

// fail marks the attempt failed and returns appErr.
func (c *Client) fail(ctx context.Context, auth *Authorization, appErr *apperr.Error) *apperr.Error {
	if c.attempts != nil {
		err := c.attempts.CompletePaymentAttempt(context.WithoutCancel(ctx), auth.AttemptID, store.PaymentUpdate{
			Status: domain.PaymentStatusFailed,
			Error:  appErr.Error(),
		})
		if err != nil {
			c.logger.Error("failed to record payment failure", zap.String("attempt_id", auth.AttemptID), zap.Error(err))
		}
	}
	return appErr
}

// PayRequest describes one paid request.
type PayRequest struct {
	ServiceURL  string
	ExecutionID string
	// MaxAmountUSD caps the total paid across attempts. Null means no cap.
	MaxAmountUSD decimal.NullDecimal
	// CheckQuote, when set, vets every quote before anything is signed. Its
	// error ends the payment unless the error is retryable.
	CheckQuote func(quote *Quote, token chain.Token) error
}

// AttemptReport describes one pass through the protocol.
type AttemptReport struct {
	Attempt    int                 `json:"attempt"`
	State      domain.PaymentState `json:"state"`
	AttemptID  string              `json:"payment_attempt_id,omitempty"`
	Quote      *Quote              `json:"quote,omitempty"`
	Settlement *Settlement         `json:"settlement,omitempty"`
	StatusCode int                 `json:"status_code,omitempty"`
	// AmountUSD is what this attempt actually paid.
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Err       *apperr.Error   `json:"-"`
	Duration  time.Duration   `json:"-"`
}

// Outcome is the result of Pay. It is returned even on failure so every
// attempt can be recorded.
type Outcome struct {
	State       domain.PaymentState
	StatusCode  int
	ContentType string
	Body        []byte
	Quote       *Quote
	Settlement  *Settlement
	Attempts    []AttemptReport
	TotalUSD    decimal.Decimal
}

// resume is where the next pass picks up. A settled payment whose proof
// could not be delivered is only ever re-sent, never paid again.
type resume struct {
	quote      *Quote
	proof      *Proof
	settlement *Settlement
}

// Pay fetches req.ServiceURL, paying when the service asks for it. Transient
// failures are retried with backoff up to MaxRetries times; terminal ones
// return at once.
func (c *Client) Pay(ctx context.Context, req PayRequest) (*Outcome, error) {
	log := logging.For(ctx, c.logger).With(zap.String("service_url", req.ServiceURL))
	out := &Outcome{State: domain.PaymentStateInit, TotalUSD: decimal.Zero}
	delays := c.newBackOff()

	var next resume
	var lastErr *apperr.Error
	for n := 1; n <= c.opts.MaxRetries+1; n++ {
		if n > 1 {
			if err := c.sleep(ctx, delays.NextBackOff()); err != nil {
				return out, apperr.Wrap(err, apperr.CodeCancelled, "payment cancelled")
			}
		}
		if err := ctx.Err(); err != nil {
			return out, apperr.Wrap(err, apperr.CodeCancelled, "payment cancelled")
		}

		report, resp, carry := c.attempt(ctx, req, n, next, out.TotalUSD)
		out.Attempts = append(out.Attempts, report)
		out.TotalUSD = out.TotalUSD.Add(report.AmountUSD)
		out.State = report.State
		if report.Quote != nil {
			out.Quote = report.Quote
		}
		if report.Settlement != nil {
			out.Settlement = report.Settlement
		}
		code := ""
		if report.Err != nil {
			code = string(report.Err.Code())
		}
		c.metrics.RecordPaymentAttempt(string(report.State), code)

		if report.Err == nil {
			out.StatusCode = resp.StatusCode
			out.ContentType = resp.ContentType
			out.Body = resp.Body
			log.Info("payment flow completed",
				zap.Int("attempts", n),
				zap.String("total_usd", out.TotalUSD.String()))
			return out, nil
		}

		lastErr = report.Err
		next = carry
		log.Warn("payment attempt failed",
			zap.Int("attempt", n),
			zap.String("code", string(report.Err.Code())),
			zap.Bool("retryable", report.Err.Retryable()),
			zap.Bool("settled", carry.proof != nil),
			zap.Error(report.Err))
		if !report.Err.Retryable() && carry.quote == nil {
			return out, report.Err
		}
	}
	if next.proof != nil {
		log.Error("payment settled but the service never accepted the proof",
			zap.String("tx_hash", next.proof.TxHash))
	}
	return out, lastErr
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.opts.BaseDelay > 0 {
		b.InitialInterval = c.opts.BaseDelay
	}
	if c.opts.MaxDelay > 0 {
		b.MaxInterval = c.opts.MaxDelay
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = 0.25
	b.Reset()
	return b
}

// attempt runs one pass starting from `from`. The returned resume tells the
// next pass to re-send a proof, or to pay a fresh quote the service answered
// a proof with.
func (c *Client) attempt(ctx context.Context, req PayRequest, n int, from resume, spent decimal.Decimal) (AttemptReport, *Response, resume) {
	started := c.now()
	report := AttemptReport{Attempt: n, State: domain.PaymentStateInit, AmountUSD: decimal.Zero}
	failed := func(err error, carry resume) (AttemptReport, *Response, resume) {
		report.State = domain.PaymentStateFailed
		report.Err = apperr.From(err)
		report.Duration = c.now().Sub(started)
		return report, nil, carry
	}

	deliver := func(proof Proof, settlement *Settlement) (AttemptReport, *Response, resume) {
		resp, carry, err := c.deliverProof(ctx, req.ServiceURL, proof, settlement)
		if resp != nil {
			report.StatusCode = resp.StatusCode
		}
		if err != nil {
			return failed(err, carry)
		}
		report.State = domain.PaymentStateSettled
		report.Duration = c.now().Sub(started)
		return report, resp, resume{}
	}

	if from.proof != nil {
		report.State = domain.PaymentStateSettling
		report.Settlement = from.settlement
		return deliver(*from.proof, from.settlement)
	}

	quote := from.quote
	if quote == nil {
		report.State = domain.PaymentStateRequested
		resp, err := c.Request(ctx, req.ServiceURL)
		if err != nil {
			return failed(err, resume{})
		}
		report.StatusCode = resp.StatusCode
		if resp.Quote == nil {
			report.State = domain.PaymentStateSettled
			report.Duration = c.now().Sub(started)
			return report, resp, resume{}
		}
		quote = resp.Quote
	}
	report.State = domain.PaymentStatePaymentRequired
	report.Quote = quote

	token, ok := c.tokens.Lookup(quote.Token)
	if !ok {
		return failed(apperr.Newf(apperr.CodeValidation, "unsupported payment token %q", quote.Token), resume{})
	}
	if req.CheckQuote != nil {
		if err := req.CheckQuote(quote, token); err != nil {
			return failed(err, resume{})
		}
	}
	if req.MaxAmountUSD.Valid {
		cost := token.USD(quote.Amount)
		if spent.Add(cost).GreaterThan(req.MaxAmountUSD.Decimal) {
			return failed(apperr.Newf(apperr.CodeBudgetExceeded,
				"quote of %s %s ($%s) exceeds remaining budget $%s",
				quote.Amount, token.Symbol, cost.StringFixed(2), req.MaxAmountUSD.Decimal.Sub(spent).StringFixed(2)), resume{})
		}
	}

	auth, err := c.Authorize(ctx, req.ExecutionID, quote, n)
	if err != nil {
		return failed(err, resume{})
	}
	report.State = domain.PaymentStateAuthorized
	report.AttemptID = auth.AttemptID

	report.State = domain.PaymentStateSettling
	settlement, err := c.Settle(ctx, auth)
	if err != nil {
		return failed(err, resume{})
	}
	report.Settlement = settlement
	report.AmountUSD = auth.AmountUSD

	proof := Proof{
		TxHash:    settlement.TxHash,
		Signature: hexutil.Encode(auth.Signature),
		Amount:    quote.Amount.String(),
		Timestamp: auth.Message.Timestamp,
	}
	return deliver(proof, settlement)
}

// deliverProof sends the proof of a settled payment. A transient failure
// hands the same proof to the next pass; a fresh 402 hands over its quote.
func (c *Client) deliverProof(ctx context.Context, serviceURL string, proof Proof, settlement *Settlement) (*Response, resume, error) {
	resp, err := c.RetryWithProof(context.WithoutCancel(ctx), serviceURL, proof)
	if err != nil {
		return nil, resume{proof: &proof, settlement: settlement}, err
	}
	if resp.Quote != nil {
		return resp, resume{quote: resp.Quote}, apperr.New(apperr.CodePaymentFailed, "service rejected payment proof")
	}
	return resp, resume{}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
