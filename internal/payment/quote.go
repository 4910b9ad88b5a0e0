package payment

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// HeaderPaymentRequired carries the payment terms of a 402 response.
	HeaderPaymentRequired = "Payment-Required"
	// HeaderPaymentProof carries the settlement proof on the retried request.
	HeaderPaymentProof = "X-Payment-Proof"

	scheme = "x402"
)

// Quote is what a service asks to be paid.
type Quote struct {
	ServiceURL  string          `json:"service_url"`
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	Recipient   common.Address  `json:"recipient"`
	Network     string          `json:"network,omitempty"`
	Description string          `json:"description,omitempty"`
}

type quoteBody struct {
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	Recipient   string          `json:"recipient"`
	PayTo       string          `json:"payTo"`
	Network     string          `json:"network"`
	Description string          `json:"description"`
}

// ParseQuote extracts the payment terms from a 402 response. The
// Payment-Required header wins; a JSON body is the fallback.
func ParseQuote(serviceURL string, header http.Header, body []byte) (*Quote, error) {
	if raw := header.Get(HeaderPaymentRequired); raw != "" {
		q, err := parseQuoteHeader(raw)
		if err != nil {
			return nil, err
		}
		q.ServiceURL = serviceURL
		return q, q.validate()
	}

	if len(body) == 0 {
		return nil, fmt.Errorf("402 response has neither %s header nor body", HeaderPaymentRequired)
	}
	var qb quoteBody
	if err := json.Unmarshal(body, &qb); err != nil {
		return nil, fmt.Errorf("decode 402 body: %w", err)
	}
	recipient := qb.Recipient
	if recipient == "" {
		recipient = qb.PayTo
	}
	q := &Quote{
		ServiceURL:  serviceURL,
		Amount:      qb.Amount,
		Token:       strings.ToUpper(strings.TrimSpace(qb.Token)),
		Network:     qb.Network,
		Description: qb.Description,
	}
	if recipient != "" {
		if !common.IsHexAddress(recipient) {
			return nil, fmt.Errorf("invalid recipient %q", recipient)
		}
		q.Recipient = common.HexToAddress(recipient)
	}
	return q, q.validate()
}

// parseQuoteHeader parses "x402; amount=0.10; token=USDC; recipient=0x..".
// The scheme prefix is optional.
func parseQuoteHeader(raw string) (*Quote, error) {
	q := &Quote{}
	for i, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if i == 0 && strings.EqualFold(part, scheme) {
				continue
			}
			return nil, fmt.Errorf("malformed %s parameter %q", HeaderPaymentRequired, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch key {
		case "amount":
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return nil, fmt.Errorf("invalid amount %q: %w", value, err)
			}
			q.Amount = amount
		case "token":
			q.Token = strings.ToUpper(value)
		case "recipient", "payto":
			if !common.IsHexAddress(value) {
				return nil, fmt.Errorf("invalid recipient %q", value)
			}
			q.Recipient = common.HexToAddress(value)
		case "network":
			q.Network = value
		case "description":
			q.Description = value
		}
	}
	return q, nil
}

func (q *Quote) validate() error {
	if !q.Amount.IsPositive() {
		return fmt.Errorf("quoted amount must be positive, got %s", q.Amount)
	}
	if q.Token == "" {
		return fmt.Errorf("quote has no token")
	}
	return nil
}
