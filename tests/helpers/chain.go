package helpers

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/xiaot623/agentpay/internal/chain"
)

// FakeNode is an in-memory chain.Node that executes ERC-20 transfers.
type FakeNode struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
	receipts map[common.Hash]*chain.Receipt
	block    uint64
	nonces   map[common.Address]uint64

	// Revert makes every transfer revert on chain.
	Revert bool
	// SendErr is returned by SendSignedTx when set.
	SendErr error
	Sent    []*types.Transaction
}

// NewFakeNode creates an empty node.
func NewFakeNode() *FakeNode {
	return &FakeNode{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*chain.Receipt),
		nonces:   make(map[common.Address]uint64),
		block:    100,
	}
}

// SetBalance sets the token balance of owner.
func (n *FakeNode) SetBalance(token, owner common.Address, amount *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.balances[token] == nil {
		n.balances[token] = make(map[common.Address]*big.Int)
	}
	n.balances[token][owner] = new(big.Int).Set(amount)
}

func (n *FakeNode) BalanceOf(_ context.Context, owner, token common.Address) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.balances[token][owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (n *FakeNode) SendSignedTx(_ context.Context, raw []byte) (common.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SendErr != nil {
		return common.Hash{}, n.SendErr
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return common.Hash{}, err
	}
	if tx.Nonce() != n.nonces[from] {
		return common.Hash{}, errors.New("nonce too low")
	}
	n.nonces[from]++
	n.Sent = append(n.Sent, tx)
	n.block++

	status := types.ReceiptStatusSuccessful
	to, amount, err := chain.UnpackTransfer(tx.Data())
	if err != nil || n.Revert || tx.To() == nil {
		status = types.ReceiptStatusFailed
	} else {
		token := *tx.To()
		fromBal := n.balances[token][from]
		if fromBal == nil || fromBal.Cmp(amount) < 0 {
			status = types.ReceiptStatusFailed
		} else {
			if n.balances[token][to] == nil {
				n.balances[token][to] = big.NewInt(0)
			}
			fromBal.Sub(fromBal, amount)
			n.balances[token][to].Add(n.balances[token][to], amount)
		}
	}
	n.receipts[tx.Hash()] = &chain.Receipt{TxHash: tx.Hash(), Status: status, GasUsed: 52000, BlockNumber: n.block}
	return tx.Hash(), nil
}

func (n *FakeNode) GetReceipt(_ context.Context, hash common.Hash) (*chain.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.receipts[hash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (n *FakeNode) WaitForReceipt(ctx context.Context, hash common.Hash, _ time.Duration) (*chain.Receipt, error) {
	r, err := n.GetReceipt(ctx, hash)
	if err != nil || r != nil {
		return r, err
	}
	return nil, chain.ErrReceiptTimeout
}

func (n *FakeNode) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[account], nil
}

func (n *FakeNode) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
