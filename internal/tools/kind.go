// Package tools is the closed set of tools a plan may invoke.
package tools

import (
	"encoding/json"

	"github.com/xiaot623/agentpay/internal/domain"
)

// Kind names a tool. The set is closed: Invoke dispatches over it with a
// switch and unknown names never reach execution.
type Kind string

const (
	KindPayAPI        Kind = "pay_api"
	KindGetBalance    Kind = "get_balance"
	KindTransferToken Kind = "transfer_token"
)

// Kinds lists every tool in display order.
var Kinds = []Kind{KindPayAPI, KindGetBalance, KindTransferToken}

// ParseKind resolves a tool name.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// MovesFunds reports whether invoking the tool can spend money.
func (k Kind) MovesFunds() bool {
	return k == KindPayAPI || k == KindTransferToken
}

type spec struct {
	description string
	schema      string
}

var specs = map[Kind]spec{
	KindPayAPI: {
		description: "Call a paid HTTP API, paying its x402 quote from the session wallet.",
		schema: `{"type":"object","properties":{` +
			`"url":{"type":"string","description":"Service URL"},` +
			`"service":{"type":"string","description":"Catalog name of the service, used when url is absent"},` +
			`"amount":{"type":"string","description":"Expected price, used for budget and approval checks"},` +
			`"token":{"type":"string","description":"Payment token symbol"},` +
			`"max_amount_usd":{"type":"string","description":"Refuse quotes above this USD value"}},` +
			`"additionalProperties":false}`,
	},
	KindGetBalance: {
		description: "Read the token balance of the session wallet or another address.",
		schema: `{"type":"object","properties":{` +
			`"token":{"type":"string","description":"Token symbol or contract address"},` +
			`"address":{"type":"string","description":"Address to inspect, defaults to the session wallet"}},` +
			`"required":["token"],"additionalProperties":false}`,
	},
	KindTransferToken: {
		description: "Send an ERC-20 transfer from the session wallet.",
		schema: `{"type":"object","properties":{` +
			`"to":{"type":"string","description":"Recipient address"},` +
			`"amount":{"type":"string","description":"Amount in token units"},` +
			`"token":{"type":"string","description":"Token symbol or contract address"}},` +
			`"required":["to","amount","token"],"additionalProperties":false}`,
	},
}

// Specs describes every tool for API consumers and the LLM planner.
func Specs() []domain.ToolInfo {
	out := make([]domain.ToolInfo, 0, len(Kinds))
	for _, k := range Kinds {
		s := specs[k]
		out = append(out, domain.ToolInfo{
			Name:        string(k),
			Description: s.description,
			Schema:      json.RawMessage(s.schema),
			Payment:     k.MovesFunds(),
		})
	}
	return out
}
