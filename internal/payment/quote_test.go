package payment

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuoteHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderPaymentRequired, "x402; amount=0.10; token=usdc; recipient="+merchant.Hex()+"; network=base-sepolia")

	q, err := ParseQuote("https://api.example.com/data", h, nil)
	require.NoError(t, err)
	assert.True(t, q.Amount.Equal(decimal.RequireFromString("0.10")))
	assert.Equal(t, "USDC", q.Token)
	assert.Equal(t, merchant, q.Recipient)
	assert.Equal(t, "base-sepolia", q.Network)
	assert.Equal(t, "https://api.example.com/data", q.ServiceURL)
}

func TestParseQuoteHeaderWithoutScheme(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderPaymentRequired, "amount=0.10;token=USDC")

	q, err := ParseQuote("https://api.example.com", h, nil)
	require.NoError(t, err)
	assert.Equal(t, "USDC", q.Token)
	assert.Equal(t, "0.1", q.Amount.String())
}

func TestParseQuoteBodyFallback(t *testing.T) {
	body := []byte(`{"amount":"2.5","token":"USDC","payTo":"` + merchant.Hex() + `","description":"report"}`)

	q, err := ParseQuote("https://api.example.com", http.Header{}, body)
	require.NoError(t, err)
	assert.True(t, q.Amount.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, merchant, q.Recipient)
	assert.Equal(t, "report", q.Description)
}

func TestParseQuoteRejectsBadTerms(t *testing.T) {
	cases := map[string]string{
		"zero amount":  "x402; amount=0; token=USDC",
		"no token":     "x402; amount=1",
		"bad amount":   "x402; amount=abc; token=USDC",
		"bad address":  "x402; amount=1; token=USDC; recipient=0x12",
		"bare garbage": "x402; garbage",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h := http.Header{}
			h.Set(HeaderPaymentRequired, header)
			_, err := ParseQuote("https://api.example.com", h, nil)
			assert.Error(t, err)
		})
	}

	_, err := ParseQuote("https://api.example.com", http.Header{}, nil)
	assert.Error(t, err)
}
