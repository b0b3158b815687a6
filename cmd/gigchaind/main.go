package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gigchain/config"
	"gigchain/core/state"
	"gigchain/native/arbitration"
	"gigchain/native/escrow"
	"gigchain/observability/logging"
	"gigchain/rpc"
	"gigchain/storage"
)

const rpcTokenEnv = "GIGCHAIN_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memoryFlag := flag.Bool("memory", false, "DEV ONLY: keep all state in memory instead of the data directory")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("GIGCHAIN_ENV"))
	logger := logging.Setup("gigchaind", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	var db storage.Database
	if *memoryFlag {
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("Failed to open database", slog.String("dataDir", cfg.DataDir), slog.Any("error", err))
			os.Exit(1)
		}
		defer leveldb.Close()
		db = leveldb
	}

	manager := state.NewManager(db)

	if err := applyGenesisAllocations(manager, cfg.Allocations, logger); err != nil {
		logger.Error("Failed to apply genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}

	ledger := arbitration.NewLedger(manager)
	if cfg.MintAuthority != "" {
		authority, err := config.ParseAddress(cfg.MintAuthority)
		if err != nil {
			logger.Error("Invalid mint authority", slog.Any("error", err))
			os.Exit(1)
		}
		ledger.SetAuthority(authority)
	}

	feeRecipient, err := config.ParseAddress(cfg.FeeRecipient)
	if err != nil {
		logger.Error("Invalid fee recipient", slog.Any("error", err))
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetFeeRecipient(feeRecipient)
	engine.SetCommissionRate(cfg.CommissionRate)

	if err := registerGenesisArbitrators(ledger, cfg.Arbitrators, logger); err != nil {
		logger.Error("Failed to register genesis arbitrators", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(engine, ledger, manager.EscrowVaultAddress())
	server.SetAccounts(manager)
	token := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if token == "" {
		token = cfg.RPCToken
	}
	server.SetAuthToken(token)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("JSON-RPC server listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("network", cfg.NetworkName))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Shutdown failed", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// applyGenesisAllocations seeds configured account balances on the first boot
// against this database. The manager records a marker so a restart never
// credits twice.
func applyGenesisAllocations(manager *state.Manager, allocs []config.Allocation, logger *slog.Logger) error {
	parsed := make([]state.GenesisAllocation, 0, len(allocs))
	for _, alloc := range allocs {
		addr, err := config.ParseAddress(alloc.Address)
		if err != nil {
			return err
		}
		balance, err := config.ParseAmount(alloc.Balance)
		if err != nil {
			return err
		}
		parsed = append(parsed, state.GenesisAllocation{Address: addr, Balance: balance})
	}
	applied, err := manager.ApplyGenesisAllocations(parsed)
	if err != nil {
		return err
	}
	if applied && len(parsed) > 0 {
		logger.Info("Applied genesis allocations", slog.Int("count", len(parsed)))
	}
	return nil
}

// registerGenesisArbitrators seeds the arbitrator pool from configuration.
// Already-registered principals are skipped so restarts stay idempotent.
func registerGenesisArbitrators(ledger *arbitration.Ledger, addrs []string, logger *slog.Logger) error {
	for _, raw := range addrs {
		addr, err := config.ParseAddress(raw)
		if err != nil {
			return err
		}
		if _, err := ledger.Register(addr); err != nil {
			if errors.Is(err, arbitration.ErrAlreadyRegistered) {
				continue
			}
			return err
		}
		logger.Info("Registered genesis arbitrator", slog.String("address", raw))
	}
	return nil
}
