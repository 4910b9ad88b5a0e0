package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/chain"
)

// PayAPIArgs are the arguments of pay_api.
type PayAPIArgs struct {
	URL          string           `json:"url,omitempty"`
	Service      string           `json:"service,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Token        string           `json:"token,omitempty"`
	MaxAmountUSD *decimal.Decimal `json:"max_amount_usd,omitempty"`
}

// GetBalanceArgs are the arguments of get_balance.
type GetBalanceArgs struct {
	Token   string `json:"token"`
	Address string `json:"address,omitempty"`
}

// TransferTokenArgs are the arguments of transfer_token.
type TransferTokenArgs struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	Token  string          `json:"token"`
}

// decodeArgs strictly decodes raw into v: unknown fields and trailing data
// are rejected.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after arguments")
	}
	return nil
}

func invalidArgs(kind Kind, err error) *apperr.Error {
	return apperr.Wrap(err, apperr.CodeValidation, fmt.Sprintf("invalid %s arguments: %v", kind, err))
}

func (r *Registry) parsePayAPI(raw json.RawMessage) (PayAPIArgs, error) {
	var a PayAPIArgs
	if err := decodeArgs(raw, &a); err != nil {
		return a, invalidArgs(KindPayAPI, err)
	}
	if a.URL == "" && a.Service == "" {
		return a, invalidArgs(KindPayAPI, errors.New("url or service is required"))
	}
	if a.URL != "" && !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
		return a, invalidArgs(KindPayAPI, fmt.Errorf("url %q must be http or https", a.URL))
	}
	if a.Amount != nil && !a.Amount.IsPositive() {
		return a, invalidArgs(KindPayAPI, errors.New("amount must be positive"))
	}
	if a.MaxAmountUSD != nil && a.MaxAmountUSD.IsNegative() {
		return a, invalidArgs(KindPayAPI, errors.New("max_amount_usd must not be negative"))
	}
	if a.Token != "" {
		if _, ok := r.tokens.Lookup(a.Token); !ok {
			return a, invalidArgs(KindPayAPI, fmt.Errorf("unknown token %q", a.Token))
		}
	}
	return a, nil
}

func (r *Registry) parseGetBalance(raw json.RawMessage) (GetBalanceArgs, chain.Token, error) {
	var a GetBalanceArgs
	if err := decodeArgs(raw, &a); err != nil {
		return a, chain.Token{}, invalidArgs(KindGetBalance, err)
	}
	token, ok := r.tokens.Lookup(a.Token)
	if !ok {
		return a, chain.Token{}, invalidArgs(KindGetBalance, fmt.Errorf("unknown token %q", a.Token))
	}
	if a.Address != "" && !common.IsHexAddress(a.Address) {
		return a, chain.Token{}, invalidArgs(KindGetBalance, fmt.Errorf("invalid address %q", a.Address))
	}
	return a, token, nil
}

func (r *Registry) parseTransferToken(raw json.RawMessage) (TransferTokenArgs, chain.Token, error) {
	var a TransferTokenArgs
	if err := decodeArgs(raw, &a); err != nil {
		return a, chain.Token{}, invalidArgs(KindTransferToken, err)
	}
	if !common.IsHexAddress(a.To) {
		return a, chain.Token{}, invalidArgs(KindTransferToken, fmt.Errorf("invalid recipient %q", a.To))
	}
	if !a.Amount.IsPositive() {
		return a, chain.Token{}, invalidArgs(KindTransferToken, errors.New("amount must be positive"))
	}
	token, ok := r.tokens.Lookup(a.Token)
	if !ok {
		return a, chain.Token{}, invalidArgs(KindTransferToken, fmt.Errorf("unknown token %q", a.Token))
	}
	if _, err := token.ToBaseUnits(a.Amount); err != nil {
		return a, chain.Token{}, invalidArgs(KindTransferToken, err)
	}
	return a, token, nil
}
