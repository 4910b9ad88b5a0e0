package chain

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token is an ERC-20 token the wallet can pay with.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
	PriceUSD decimal.Decimal
}

// ToBaseUnits converts a human amount into integer token units. Amounts with
// more precision than the token supports are rejected.
func (t Token) ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	shifted := amount.Shift(t.Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals for %s", amount, t.Decimals, t.Symbol)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer token units into a human amount.
func (t Token) FromBaseUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -t.Decimals)
}

// USD values amount of this token in US dollars.
func (t Token) USD(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(t.PriceUSD)
}

// TokenBook resolves tokens by symbol or contract address.
type TokenBook struct {
	bySymbol  map[string]Token
	byAddress map[common.Address]Token
}

// NewTokenBook indexes tokens.
func NewTokenBook(tokens []Token) *TokenBook {
	b := &TokenBook{
		bySymbol:  make(map[string]Token, len(tokens)),
		byAddress: make(map[common.Address]Token, len(tokens)),
	}
	for _, t := range tokens {
		t.Symbol = strings.ToUpper(t.Symbol)
		b.bySymbol[t.Symbol] = t
		b.byAddress[t.Address] = t
	}
	return b
}

// Lookup finds a token by symbol (case-insensitive) or hex address.
func (b *TokenBook) Lookup(ref string) (Token, bool) {
	ref = strings.TrimSpace(ref)
	if common.IsHexAddress(ref) {
		t, ok := b.byAddress[common.HexToAddress(ref)]
		return t, ok
	}
	t, ok := b.bySymbol[strings.ToUpper(ref)]
	return t, ok
}

// Symbols lists the known token symbols in order.
func (b *TokenBook) Symbols() []string {
	out := make([]string, 0, len(b.bySymbol))
	for s := range b.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
