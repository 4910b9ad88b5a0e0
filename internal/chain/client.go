// Package chain adapts an EVM JSON-RPC node for balance queries, transaction
// submission and receipt tracking.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrReceiptTimeout is returned when a transaction is not mined in time.
var ErrReceiptTimeout = errors.New("timed out waiting for receipt")

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	GasUsed     uint64
	BlockNumber uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// Node is the blockchain node used by payments and tools.
type Node interface {
	BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error)
	SendSignedTx(ctx context.Context, raw []byte) (common.Hash, error)
	GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
}

// Backend is the subset of ethclient.Client the adapter uses.
type Backend interface {
	TxPreparer
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client implements Node over a JSON-RPC backend.
type Client struct {
	backend      Backend
	eth          *ethclient.Client
	pollInterval time.Duration
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("chain rpc url is not configured")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain node: %w", err)
	}
	c := NewClient(eth)
	c.eth = eth
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend) *Client {
	return &Client{backend: backend, pollInterval: time.Second}
}

// WithPollInterval sets how often WaitForReceipt polls.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// BalanceOf returns the balance of owner in token units. The zero token
// address means the native coin.
func (c *Client) BalanceOf(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if token == (common.Address{}) {
		balance, err := c.backend.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("query native balance: %w", err)
		}
		return balance, nil
	}
	data, err := PackBalanceOf(owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return UnpackBalance(out)
}

// SendSignedTx broadcasts a raw signed transaction.
func (c *Client) SendSignedTx(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode signed transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash(), nil
}

// GetReceipt returns the receipt, or nil while the transaction is pending.
func (c *Client) GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	receipt := &Receipt{TxHash: r.TxHash, Status: r.Status, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		receipt.BlockNumber = r.BlockNumber.Uint64()
	}
	return receipt, nil
}

// WaitForReceipt polls until the transaction is mined, timeout elapses or ctx
// is done.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.GetReceipt(ctx, hash)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// PendingNonceAt returns the next nonce of account.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, account)
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.backend.SuggestGasPrice(ctx)
}
