// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int  `env:"HTTP_PORT" envDefault:"8080"`
	Debug    bool `env:"DEBUG" envDefault:"false"`

	// Database
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:agentpay.db?cache=shared&mode=rwc&_busy_timeout=5000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Session defaults
	DefaultBudgetLimitUSD       decimal.NullDecimal `env:"-"`
	DefaultApprovalThresholdUSD decimal.Decimal     `env:"-"`
	RawBudgetLimitUSD           string              `env:"DEFAULT_BUDGET_LIMIT_USD" envDefault:"100"`
	RawApprovalThresholdUSD     string              `env:"DEFAULT_APPROVAL_THRESHOLD_USD" envDefault:"1"`

	// Approvals
	ApprovalTimeout       time.Duration `env:"APPROVAL_TIMEOUT" envDefault:"24h"`
	ApprovalSweepInterval time.Duration `env:"APPROVAL_SWEEP_INTERVAL" envDefault:"30s"`
	DeniedTools           []string      `env:"DENIED_TOOLS" envSeparator:","`
	AlwaysApproveTools    []string      `env:"ALWAYS_APPROVE_TOOLS" envSeparator:","`

	// Payments
	PaymentMaxRetries     int           `env:"PAYMENT_MAX_RETRIES" envDefault:"3"`
	PaymentRetryBaseDelay time.Duration `env:"PAYMENT_RETRY_BASE_DELAY" envDefault:"500ms"`
	PaymentRetryMaxDelay  time.Duration `env:"PAYMENT_RETRY_MAX_DELAY" envDefault:"10s"`
	FreshnessWindow       time.Duration `env:"PAYMENT_FRESHNESS_WINDOW" envDefault:"5m"`
	SettlementTimeout     time.Duration `env:"SETTLEMENT_TIMEOUT" envDefault:"2m"`
	HTTPClientTimeout     time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"30s"`
	FacilitatorURL        string        `env:"FACILITATOR_URL"`
	Network               string        `env:"PAYMENT_NETWORK" envDefault:"base-sepolia"`
	NonceCacheSize        int           `env:"NONCE_CACHE_SIZE" envDefault:"100000"`
	RedisURL              string        `env:"REDIS_URL"`

	// Chain
	ChainRPCURL       string   `env:"CHAIN_RPC_URL"`
	ChainID           int64    `env:"CHAIN_ID" envDefault:"84532"`
	VerifyingContract string   `env:"VERIFYING_CONTRACT" envDefault:"0x0000000000000000000000000000000000000402"`
	WalletPrivateKey  string   `env:"WALLET_PRIVATE_KEY"`
	RawTokens         []string `env:"TOKENS" envSeparator:"," envDefault:"USDC:0x036CbD53842c5426634e7929541eC2318f3dCF7e:6:1"`
	Tokens            []Token  `env:"-"`

	// Planner
	PlannerMode string            `env:"PLANNER_MODE" envDefault:"rule"`
	RawServices []string          `env:"SERVICES" envSeparator:","`
	Services    map[string]string `env:"-"`
	LLMBaseURL  string            `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey   string            `env:"LLM_API_KEY"`
	LLMModel    string            `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMTimeout  time.Duration     `env:"LLM_TIMEOUT" envDefault:"60s"`

	// Realtime
	EventBufferSize   int           `env:"EVENT_BUFFER_SIZE" envDefault:"256"`
	WSPingInterval    time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WSWriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	WSReadTimeout     time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	WSMaxMessageSize  int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`
	WSAllowedOrigins  []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Token is a payable token as configured in TOKENS (symbol:address:decimals[:usd_price]).
type Token struct {
	Symbol   string
	Address  string
	Decimals int32
	PriceUSD decimal.Decimal
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if raw := strings.TrimSpace(c.RawBudgetLimitUSD); raw != "" && raw != "none" {
		limit, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("DEFAULT_BUDGET_LIMIT_USD: %w", err)
		}
		if limit.IsNegative() {
			return fmt.Errorf("DEFAULT_BUDGET_LIMIT_USD must not be negative")
		}
		c.DefaultBudgetLimitUSD = decimal.NewNullDecimal(limit)
	}

	threshold, err := decimal.NewFromString(strings.TrimSpace(c.RawApprovalThresholdUSD))
	if err != nil {
		return fmt.Errorf("DEFAULT_APPROVAL_THRESHOLD_USD: %w", err)
	}
	c.DefaultApprovalThresholdUSD = threshold

	tokens, err := ParseTokens(c.RawTokens)
	if err != nil {
		return err
	}
	c.Tokens = tokens

	services, err := ParseServices(c.RawServices)
	if err != nil {
		return err
	}
	c.Services = services

	switch c.PlannerMode {
	case "rule", "llm":
	default:
		return fmt.Errorf("PLANNER_MODE must be rule or llm, got %q", c.PlannerMode)
	}
	if c.PaymentMaxRetries < 0 {
		return fmt.Errorf("PAYMENT_MAX_RETRIES must not be negative")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("EVENT_BUFFER_SIZE must be positive")
	}
	return nil
}

// ParseTokens parses symbol:address:decimals[:usd_price] entries.
func ParseTokens(entries []string) ([]Token, error) {
	tokens := make([]Token, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 && len(parts) != 4 {
			return nil, fmt.Errorf("TOKENS entry %q: want symbol:address:decimals[:usd_price]", entry)
		}
		decimals, err := strconv.ParseInt(parts[2], 10, 32)
		if err != nil || decimals < 0 {
			return nil, fmt.Errorf("TOKENS entry %q: invalid decimals", entry)
		}
		price := decimal.NewFromInt(1)
		if len(parts) == 4 {
			price, err = decimal.NewFromString(parts[3])
			if err != nil {
				return nil, fmt.Errorf("TOKENS entry %q: invalid price: %w", entry, err)
			}
		}
		tokens = append(tokens, Token{
			Symbol:   strings.ToUpper(parts[0]),
			Address:  parts[1],
			Decimals: int32(decimals),
			PriceUSD: price,
		})
	}
	return tokens, nil
}

// ParseServices parses name=url entries into a lowercase-keyed catalog.
func ParseServices(entries []string) (map[string]string, error) {
	services := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("SERVICES entry %q: want name=url", entry)
		}
		services[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(url)
	}
	return services, nil
}
