package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/agentpay/internal/adapter/llm"
	"github.com/xiaot623/agentpay/internal/approval"
	"github.com/xiaot623/agentpay/internal/audit"
	"github.com/xiaot623/agentpay/internal/chain"
	"github.com/xiaot623/agentpay/internal/config"
	"github.com/xiaot623/agentpay/internal/engine"
	"github.com/xiaot623/agentpay/internal/eventbus"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
	"github.com/xiaot623/agentpay/internal/payment"
	"github.com/xiaot623/agentpay/internal/planner"
	store "github.com/xiaot623/agentpay/internal/repository"
	"github.com/xiaot623/agentpay/internal/service"
	"github.com/xiaot623/agentpay/internal/tools"
	httpserver "github.com/xiaot623/agentpay/internal/transport/http"
	"github.com/xiaot623/agentpay/internal/transport/ws"
	"github.com/xiaot623/agentpay/policy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	signer, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}
	tokens, err := tokenBook(cfg.Tokens)
	if err != nil {
		return err
	}

	// A nil node leaves the chain tools and the chain settler disabled.
	var node payment.ChainNode
	if cfg.ChainRPCURL != "" {
		client, err := chain.Dial(ctx, cfg.ChainRPCURL)
		if err != nil {
			return err
		}
		defer client.Close()
		node = client
	}

	nonces, closeNonces, err := newNonceStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeNonces()

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	var payer tools.Payer
	if settler := newSettler(cfg, node, signer, httpClient); settler != nil {
		deps := payment.Deps{
			HTTPClient: httpClient,
			Signer:     signer,
			Tokens:     tokens,
			Settler:    settler,
			Nonces:     nonces,
			Attempts:   db,
			Logger:     logger.Named("payment"),
			Metrics:    m,
		}
		if node != nil {
			deps.Balances = node
		}
		client, err := payment.NewClient(deps, payment.Options{
			MaxRetries:        cfg.PaymentMaxRetries,
			BaseDelay:         cfg.PaymentRetryBaseDelay,
			MaxDelay:          cfg.PaymentRetryMaxDelay,
			FreshnessWindow:   cfg.FreshnessWindow,
			SettlementTimeout: cfg.SettlementTimeout,
		})
		if err != nil {
			return fmt.Errorf("init payment client: %w", err)
		}
		payer = client
	} else {
		logger.Warn("no facilitator or chain node configured, pay_api is disabled")
	}

	registry := tools.NewRegistry(tools.Config{
		Payer:             payer,
		Node:              node,
		Signer:            signer,
		Tokens:            tokens,
		Services:          cfg.Services,
		SettlementTimeout: cfg.SettlementTimeout,
		Logger:            logger.Named("tools"),
	})

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}
	gate := approval.NewGate(db, policyEngine, registry.Validate, approval.Options{
		TTL:                cfg.ApprovalTimeout,
		DeniedTools:        cfg.DeniedTools,
		AlwaysApproveTools: cfg.AlwaysApproveTools,
	}, logger.Named("approval"), m)

	trail := audit.NewTrail(db, logger.Named("audit"), m)
	bus := eventbus.New(cfg.EventBufferSize, logger.Named("events"), m)

	var plan engine.Planner
	switch cfg.PlannerMode {
	case "llm":
		plan = planner.NewLLMPlanner(llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout), cfg.LLMModel, cfg.Services, logger.Named("planner"))
	default:
		plan = planner.NewRulePlanner(cfg.Services, tokens.Symbols())
	}

	eng := engine.New(engine.Deps{
		Planner:  plan,
		Tools:    registry,
		Gate:     gate,
		Trail:    trail,
		Events:   bus,
		Sessions: db,
		Logger:   logger.Named("engine"),
		Metrics:  m,
	}, engine.Config{
		DefaultBudgetLimitUSD:       cfg.DefaultBudgetLimitUSD,
		DefaultApprovalThresholdUSD: cfg.DefaultApprovalThresholdUSD,
		WalletAddress:               signer.Address().Hex(),
		Debug:                       cfg.Debug,
	})
	svc := service.New(eng, gate, trail, bus, db, cfg.Debug, logger.Named("service"))

	hub := ws.NewHub(cfg.EventBufferSize)
	realtime := ws.NewServer(ws.Config{
		PingInterval:   cfg.WSPingInterval,
		WriteTimeout:   cfg.WSWriteTimeout,
		ReadTimeout:    cfg.WSReadTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
		AllowedOrigins: cfg.WSAllowedOrigins,
	}, hub, svc, logger.Named("ws"), m)
	server := httpserver.NewServer(svc, realtime, reg, logger.Named("http"))

	logger.Info("starting orchestrator",
		zap.Int("port", cfg.HTTPPort),
		zap.String("wallet", signer.Address().Hex()),
		zap.String("planner", cfg.PlannerMode),
		zap.Strings("tokens", tokens.Symbols()),
		zap.Bool("chain", node != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gate.RunExpiryMonitor(gctx, cfg.ApprovalSweepInterval)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down orchestrator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		hub.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown http server gracefully", zap.Error(err))
		}
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("executions still running at shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("orchestrator stopped")
	return nil
}

func newSigner(cfg *config.Config, logger *zap.Logger) (*payment.Signer, error) {
	domain := payment.Domain{
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.VerifyingContract),
	}
	if cfg.WalletPrivateKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate wallet key: %w", err)
		}
		logger.Warn("WALLET_PRIVATE_KEY is not set, using an ephemeral wallet")
		return payment.NewSigner(key, domain), nil
	}
	key, err := payment.ParseKey(cfg.WalletPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse WALLET_PRIVATE_KEY: %w", err)
	}
	return payment.NewSigner(key, domain), nil
}

func tokenBook(entries []config.Token) (*chain.TokenBook, error) {
	tokens := make([]chain.Token, 0, len(entries))
	for _, t := range entries {
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("token %s: invalid address %q", t.Symbol, t.Address)
		}
		tokens = append(tokens, chain.Token{
			Symbol:   t.Symbol,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
			PriceUSD: t.PriceUSD,
		})
	}
	return chain.NewTokenBook(tokens), nil
}

func newNonceStore(ctx context.Context, cfg *config.Config) (payment.NonceStore, func(), error) {
	if cfg.RedisURL != "" {
		s, err := payment.NewRedisNonceStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis nonce store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	s, err := payment.NewLRUNonceStore(cfg.NonceCacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("init nonce cache: %w", err)
	}
	return s, func() {}, nil
}

// newSettler prefers the facilitator and falls back to settling on chain.
func newSettler(cfg *config.Config, node payment.ChainNode, signer *payment.Signer, client *http.Client) payment.Settler {
	if cfg.FacilitatorURL != "" {
		return payment.NewFacilitatorSettler(cfg.FacilitatorURL, client)
	}
	if node != nil {
		return payment.NewChainSettler(node, signer, cfg.SettlementTimeout)
	}
	return nil
}
