package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultTransferGas is the gas limit used for ERC-20 transfers.
const DefaultTransferGas uint64 = 100_000

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// PackTransfer encodes an ERC-20 transfer call.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// PackBalanceOf encodes an ERC-20 balanceOf call.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

// UnpackBalance decodes the result of balanceOf.
func UnpackBalance(out []byte) (*big.Int, error) {
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf returned %d values", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", values[0])
	}
	return balance, nil
}

// TxPreparer provides what is needed to build a transaction.
type TxPreparer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Transfer describes an ERC-20 transfer to sign.
type Transfer struct {
	Token   common.Address
	To      common.Address
	Amount  *big.Int
	ChainID *big.Int
	Gas     uint64
}

// BuildSignedTransfer builds and signs an ERC-20 transfer, returning the raw
// transaction bytes.
func BuildSignedTransfer(ctx context.Context, prep TxPreparer, key *ecdsa.PrivateKey, t Transfer) ([]byte, error) {
	data, err := PackTransfer(t.To, t.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := prep.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := prep.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas := t.Gas
	if gas == 0 {
		gas = DefaultTransferGas
	}
	token := t.Token
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.ChainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	return signed.MarshalBinary()
}

// UnpackTransfer decodes ERC-20 transfer calldata.
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	method, ok := erc20ABI.Methods["transfer"]
	if !ok || len(data) < 4 || string(data[:4]) != string(method.ID) {
		return common.Address{}, nil, errors.New("not an erc20 transfer")
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	to, ok1 := values[0].(common.Address)
	amount, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, errors.New("unexpected transfer argument types")
	}
	return to, amount, nil
}
