// Command exchanged is the exchange node's entrypoint (spec §2.16): it wires
// every core package into one running process in dependency order, starts
// the indexer/settlement/reconciliation background loops, serves the thin
// REST/WS shim, and on shutdown drains any pending trades into a final
// settlement batch before exiting. Wiring order and the graceful-shutdown-
// via-signal-context pattern are grounded on the teacher's cmd/node/main.go.
package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/api"
	"github.com/polyclob/exchange/internal/chain"
	"github.com/polyclob/exchange/internal/config"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/events"
	"github.com/polyclob/exchange/internal/indexer"
	"github.com/polyclob/exchange/internal/ledger"
	"github.com/polyclob/exchange/internal/logging"
	"github.com/polyclob/exchange/internal/market"
	"github.com/polyclob/exchange/internal/matching"
	"github.com/polyclob/exchange/internal/monitor"
	"github.com/polyclob/exchange/internal/orders"
	"github.com/polyclob/exchange/internal/reconcile"
	"github.com/polyclob/exchange/internal/risk"
	"github.com/polyclob/exchange/internal/settlement"
	"github.com/polyclob/exchange/internal/sig"
	"github.com/polyclob/exchange/internal/storage"
)

func main() {
	cfg := config.LoadFromEnv("")

	logger, err := logging.NewWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("exchanged_starting",
		zap.Int64("chain_id", cfg.ChainID),
		zap.Bool("rpc_enabled", cfg.RPCEnabled()))

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal("storage: open failed", zap.Error(err))
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(cfg.DataDir + "/exchange.wal")
	if err != nil {
		logger.Fatal("wal: open failed", zap.Error(err))
	}
	defer wal.Close()

	led := ledger.New(store)
	if err := led.Restore(store); err != nil {
		logger.Fatal("ledger: restore failed", zap.Error(err))
	}

	riskEngine := risk.NewEngine(risk.DefaultLimits())
	registry := market.NewRegistry()
	hub := events.NewHub(logger)
	mon := monitor.New(hub, logger)

	// A single-operator deployment runs without a configured BLS quorum
	// group: settlement.New skips its attestation gate on a nil quorum
	// group, and reconcile.New with a nil signer disables Resume, which then
	// returns an error instead of resuming. There's no multi-operator config
	// to source one from yet (SPEC_FULL.md leaves multi-
	// operator quorum bootstrapping out of scope for this entrypoint).
	matchEngine := matching.NewEngine(registry, led)

	var chainClient *chain.Client
	if cfg.RPCEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		chainClient, err = chain.Dial(ctx, chain.Config{
			RPCURL:          cfg.RPCURL,
			ChainID:         cfg.ChainID,
			VaultAddress:    cfg.VaultAddress,
			ExchangeAddress: cfg.ExchangeAddress,
			OperatorKeyHex:  os.Getenv("OPERATOR_KEY"),
		})
		cancel()
		if err != nil {
			logger.Fatal("chain: dial failed", zap.Error(err))
		}
	} else {
		logger.Warn("exchanged: RPC_URL unset, running with on-chain components disabled")
	}

	var verifier orders.Verifier
	if chainClient != nil {
		verifier = sig.NewVerifier(sig.Domain{
			Name:              "PolyClob",
			Version:           "1",
			ChainID:           big.NewInt(cfg.ChainID),
			VerifyingContract: cfg.ExchangeAddress,
		}, chainClient)
	} else {
		// Without a deployed contract there is nothing to dial for
		// ERC-1271/Safe verification; EOA orders still verify against the
		// digest alone, matching sig.Verifier's fail-closed contract-path
		// behavior only being reachable for SigContract/SigPolyGnosisSafe
		// orders, which a no-RPC deployment simply never admits.
		verifier = sig.NewVerifier(sig.Domain{
			Name:              "PolyClob",
			Version:           "1",
			ChainID:           big.NewInt(cfg.ChainID),
			VerifyingContract: cfg.ExchangeAddress,
		}, noopContractVerifier{})
	}

	orderSvc, err := orders.New(led, verifier, riskEngine, matchEngine, registry, store, wal, hub, logger)
	if err != nil {
		logger.Fatal("orders: construction failed", zap.Error(err))
	}

	settleSvc := settlement.New(settlement.Config{
		Interval: cfg.SettlementBatchInterval,
	}, matchEngine, store, store, chainClient, wal, nil, logger)
	if err := settleSvc.Restore(); err != nil {
		logger.Fatal("settlement: restore failed", zap.Error(err))
	}

	var reconcileSvc *reconcile.Service
	var idx *indexer.Service
	if chainClient != nil {
		reconcileSvc = reconcile.New(led, chainClient, mon, domain.CollateralTokenID, nil, logger)

		idx = indexer.New(chainClient, led, store, store, hub, cfg.Confirmations, logger)
		if err := idx.Restore(); err != nil {
			logger.Fatal("indexer: restore failed", zap.Error(err))
		}
	}

	apiServer := api.New(orderSvc, matchEngine, led, registry, hub, logger)

	httpServer := &http.Server{
		Addr:    apiAddr(),
		Handler: apiServer.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("exchanged: http server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("exchanged: http server failed", zap.Error(err))
		}
	}()

	if idx != nil {
		go idx.Run(ctx, cfg.IndexerPollInterval)
	}
	if reconcileSvc != nil {
		go runReconciliation(ctx, reconcileSvc, mon, cfg.ReconciliationInterval, cfg.CriticalThreshold(), logger)
	}
	if chainClient != nil {
		go runSettlementLoop(ctx, settleSvc, mon, cfg.SettlementBatchInterval, logger)
	}

	<-ctx.Done()
	logger.Info("exchanged: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if chainClient != nil {
		finalizeOnExit(settleSvc, logger)
	}
	logger.Info("exchanged: shutdown complete")
}

func apiAddr() string {
	if v := os.Getenv("API_ADDR"); v != "" {
		return v
	}
	return ":8080"
}

// runSettlementLoop drives settlement.Service's batch/commit/execute cycle
// on its own ticker, since the service has no built-in Run loop — unlike
// internal/indexer and internal/reconcile, which do.
func runSettlementLoop(ctx context.Context, svc *settlement.Service, mon *monitor.Service, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOneSettlementCycle(svc, mon, logger)
		}
	}
}

func runOneSettlementCycle(svc *settlement.Service, mon *monitor.Service, logger *zap.Logger) {
	epoch, err := svc.CreateBatch()
	if err != nil {
		logger.Error("settlement: create batch failed", zap.Error(err))
		return
	}
	if epoch == nil {
		return
	}
	start := time.Now()
	if err := svc.CommitBatch(epoch, nil); err != nil {
		logger.Error("settlement: commit batch failed", zap.Error(err), zap.Uint64("epoch", epoch.EpochID))
		return
	}
	mon.RecordEpochCommitLatency(time.Since(start))

	for _, legErr := range svc.ExecuteSettlement(epoch) {
		if legErr != nil {
			logger.Error("settlement: execute leg failed", zap.Error(legErr), zap.Uint64("epoch", epoch.EpochID))
		}
	}
}

// finalizeOnExit drains any trades accumulated since the last tick into one
// final batch and attempts to commit and execute it before the process
// exits. It runs after the signal context is cancelled, so the settlement,
// indexer and reconciliation loops have already been told to stop.
func finalizeOnExit(svc *settlement.Service, logger *zap.Logger) {
	epoch, err := svc.CreateBatch()
	if err != nil {
		logger.Error("settlement: final batch create failed", zap.Error(err))
		return
	}
	if epoch == nil {
		logger.Info("settlement: no pending trades at exit")
		return
	}
	if err := svc.CommitBatch(epoch, nil); err != nil {
		logger.Error("settlement: final batch commit failed", zap.Error(err), zap.Uint64("epoch", epoch.EpochID))
		return
	}
	for _, legErr := range svc.ExecuteSettlement(epoch) {
		if legErr != nil {
			logger.Error("settlement: final batch leg failed", zap.Error(legErr), zap.Uint64("epoch", epoch.EpochID))
		}
	}
	logger.Info("settlement: final batch committed", zap.Uint64("epoch", epoch.EpochID))
}

// runReconciliation drives reconcile.Service's own ticker-driven Cycle and
// relays each result into the monitor's gauges and alert bus — reconcile.Run
// already loops internally, but its only hook is the Alerter, which does not
// update the monitor's gauges, so this entrypoint drives Cycle itself
// instead of calling Run directly.
func runReconciliation(ctx context.Context, svc *reconcile.Service, mon *monitor.Service, interval time.Duration, criticalThreshold float64, logger *zap.Logger) {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := svc.Cycle(ctx)
			if err != nil {
				logger.Error("reconcile: cycle failed", zap.Error(err))
				continue
			}
			mon.SetDiscrepancyPercent(result.DiscrepancyPercent)
			mon.SetPaused(svc.Paused())
			if !result.Healthy {
				level := "WARN"
				if result.DiscrepancyPercent >= criticalThreshold {
					level = "CRITICAL"
				}
				mon.Alert(level, "reconciliation discrepancy detected")
			}
		}
	}
}

// noopContractVerifier implements sig.ContractVerifier for a no-RPC
// deployment: ERC-1271/Safe orders always fail closed (spec's resolved Open
// Question #1), since there is no contract to ask.
type noopContractVerifier struct{}

func (noopContractVerifier) IsValidSignature(account common.Address, digest [32]byte, signature []byte) (bool, error) {
	return false, nil
}
