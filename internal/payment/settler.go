package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/chain"
)

// Settlement is the on-chain outcome of a settled authorization.
type Settlement struct {
	TxHash      string `json:"tx_hash"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
}

// Settler moves the funds described by a signed authorization.
type Settler interface {
	Name() string
	Settle(ctx context.Context, auth *Authorization) (*Settlement, error)
}

// AuthorizationPayload is the wire form of a signed authorization.
type AuthorizationPayload struct {
	ServiceURL        string `json:"serviceUrl"`
	Amount            string `json:"amount"`
	Token             string `json:"token"`
	Recipient         string `json:"recipient"`
	Description       string `json:"description"`
	Timestamp         int64  `json:"timestamp"`
	Nonce             string `json:"nonce"`
	WalletAddress     string `json:"walletAddress"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Network           string `json:"network,omitempty"`
}

// Payload converts auth into its wire form.
func (a *Authorization) Payload() AuthorizationPayload {
	return AuthorizationPayload{
		ServiceURL:        a.Message.ServiceURL,
		Amount:            a.Message.Amount.String(),
		Token:             a.Message.Token.Hex(),
		Recipient:         a.Message.Recipient.Hex(),
		Description:       a.Message.Description,
		Timestamp:         a.Message.Timestamp,
		Nonce:             hexutil.Encode(a.Message.Nonce[:]),
		WalletAddress:     a.Message.WalletAddress.Hex(),
		ChainID:           a.Domain.ChainID.String(),
		VerifyingContract: a.Domain.VerifyingContract.Hex(),
		Network:           a.Quote.Network,
	}
}

type settleRequest struct {
	Authorization AuthorizationPayload `json:"authorization"`
	Signature     string               `json:"signature"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
	Error       string `json:"error"`
	ErrorCode   string `json:"error_code"`
}

// FacilitatorSettler settles through an HTTP payment facilitator.
type FacilitatorSettler struct {
	baseURL string
	client  *http.Client
}

// NewFacilitatorSettler creates a settler posting to {baseURL}/settle.
func NewFacilitatorSettler(baseURL string, client *http.Client) *FacilitatorSettler {
	if client == nil {
		client = http.DefaultClient
	}
	return &FacilitatorSettler{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (f *FacilitatorSettler) Name() string { return "facilitator" }

func (f *FacilitatorSettler) Settle(ctx context.Context, auth *Authorization) (*Settlement, error) {
	body, err := json.Marshal(settleRequest{
		Authorization: auth.Payload(),
		Signature:     hexutil.Encode(auth.Signature),
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "encode settle request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "build settle request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodePaymentFailed, "facilitator unreachable", apperr.WithRetryable(true))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodePaymentFailed, "read facilitator response", apperr.WithRetryable(true))
	}

	var out settleResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, apperr.Newf(apperr.CodePaymentFailed, "facilitator returned %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, apperr.Wrap(decodeErr, apperr.CodePaymentFailed, "decode facilitator response", apperr.WithRetryable(false))
	}
	if resp.StatusCode >= http.StatusBadRequest || !out.Success {
		return nil, classifyFacilitatorError(resp.StatusCode, out)
	}
	if out.TxHash == "" {
		return nil, apperr.New(apperr.CodePaymentFailed, "facilitator reported success without tx_hash", apperr.WithRetryable(false))
	}
	return &Settlement{TxHash: out.TxHash, GasUsed: out.GasUsed, BlockNumber: out.BlockNumber}, nil
}

func classifyFacilitatorError(status int, out settleResponse) *apperr.Error {
	msg := out.Error
	if msg == "" {
		msg = fmt.Sprintf("facilitator rejected settlement (%d)", status)
	}
	switch strings.ToLower(out.ErrorCode) {
	case "insufficient_balance", "insufficient_funds":
		return apperr.New(apperr.CodeInsufficientBalance, msg)
	case "duplicate_nonce", "nonce_used":
		return apperr.New(apperr.CodeDuplicatePayment, msg)
	case "invalid_signature", "expired", "invalid_authorization":
		return apperr.New(apperr.CodeValidation, msg)
	case "reverted":
		return apperr.New(apperr.CodeChain, msg, apperr.WithRetryable(false))
	case "timeout", "network_error", "rpc_error":
		return apperr.New(apperr.CodePaymentFailed, msg, apperr.WithRetryable(true))
	}
	return apperr.New(apperr.CodePaymentFailed, msg, apperr.WithRetryable(status == http.StatusTooManyRequests))
}

// ChainNode is what ChainSettler needs from the node.
type ChainNode interface {
	chain.Node
	chain.TxPreparer
}

// ChainSettler settles by sending an ERC-20 transfer from the wallet.
type ChainSettler struct {
	node           ChainNode
	signer         *Signer
	receiptTimeout time.Duration
}

// NewChainSettler creates a settler that transfers directly via node and
// waits up to receiptTimeout for the transfer to be mined.
func NewChainSettler(node ChainNode, signer *Signer, receiptTimeout time.Duration) *ChainSettler {
	return &ChainSettler{node: node, signer: signer, receiptTimeout: receiptTimeout}
}

func (c *ChainSettler) Name() string { return "chain" }

func (c *ChainSettler) Settle(ctx context.Context, auth *Authorization) (*Settlement, error) {
	if auth.Message.Recipient == (common.Address{}) {
		return nil, apperr.New(apperr.CodeValidation, "quote has no recipient for a direct transfer")
	}
	raw, err := chain.BuildSignedTransfer(ctx, c.node, c.signer.Key(), chain.Transfer{
		Token:   auth.Message.Token,
		To:      auth.Message.Recipient,
		Amount:  new(big.Int).Set(auth.Message.Amount),
		ChainID: c.signer.Domain().ChainID,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeChain, "build transfer", apperr.WithRetryable(true))
	}
	hash, err := c.node.SendSignedTx(ctx, raw)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeChain, "submit transfer", apperr.WithRetryable(true))
	}
	return WaitSettlement(ctx, c.node, hash, c.receiptTimeout)
}

// WaitSettlement waits for hash to be mined. Once a transaction is submitted
// a timeout is terminal: resubmitting could pay twice.
func WaitSettlement(ctx context.Context, node chain.Node, hash common.Hash, timeout time.Duration) (*Settlement, error) {
	receipt, err := node.WaitForReceipt(ctx, hash, timeout)
	if err != nil {
		if errors.Is(err, chain.ErrReceiptTimeout) {
			return nil, apperr.Wrap(err, apperr.CodeChain, "transaction "+hash.Hex()+" not confirmed in time", apperr.WithRetryable(false))
		}
		return nil, apperr.Wrap(err, apperr.CodeChain, "wait for receipt", apperr.WithRetryable(false))
	}
	if !receipt.Succeeded() {
		return nil, apperr.New(apperr.CodeChain, "transaction "+hash.Hex()+" reverted", apperr.WithRetryable(false))
	}
	return &Settlement{
		TxHash:      receipt.TxHash.Hex(),
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber,
	}, nil
}
