// Package reconcile implements the reconciliation loop (spec §4.8): every
// interval, compare the ledger's off-chain collateral total against the
// vault's on-chain total, alert on WARN/CRITICAL divergence, and pause the
// exchange on CRITICAL. Resuming is gated behind a quorum signature
// (internal/quorum.ThresholdSigner) rather than a bare boolean flip, giving
// spec's "explicit external operation" a concrete multi-operator mechanism.
package reconcile

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/quorum"
)

// WarnThreshold and CriticalMultiplier are spec §4.8's literal constants:
// WARN at 0.01% divergence, CRITICAL at 10x that.
const (
	WarnThreshold      = 0.0001
	CriticalMultiplier = 10
)

const defaultHistoryCap = 1000

// LedgerReader is the off-chain balance view the reconciliation loop sums.
type LedgerReader interface {
	GetTotalBalance(tokenID domain.TokenID) amount.Amount
	PerAddressTotals(tokenID domain.TokenID) map[common.Address]amount.Amount
}

// ChainReader is the on-chain vault view: totalDeposits() is the fast path;
// BalanceOf is the per-user fallback spec §4.8 allows when the aggregate
// view is unavailable ("or sum per-user balances if unavailable").
type ChainReader interface {
	TotalDeposits(ctx context.Context) (amount.Amount, error)
	BalanceOf(ctx context.Context, addr common.Address) (amount.Amount, error)
}

// Alerter fans out WARN/CRITICAL alerts, implemented by internal/monitor.
type Alerter interface {
	Alert(level, message string)
}

// Service runs the reconciliation cycle and holds the pause gate.
type Service struct {
	ledger  LedgerReader
	chain   ChainReader
	alert   Alerter
	tokenID domain.TokenID
	signer  quorum.ThresholdSigner // nil disables Resume
	log     *zap.Logger

	mu         sync.Mutex
	history    []domain.ReconciliationResult
	historyCap int
	paused     bool

	now func() time.Time
}

func New(ledger LedgerReader, chain ChainReader, alert Alerter, tokenID domain.TokenID, signer quorum.ThresholdSigner, log *zap.Logger) *Service {
	return &Service{
		ledger:     ledger,
		chain:      chain,
		alert:      alert,
		tokenID:    tokenID,
		signer:     signer,
		log:        log,
		historyCap: defaultHistoryCap,
		now:        time.Now,
	}
}

// Run ticks Cycle every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
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
			if _, err := s.Cycle(ctx); err != nil {
				s.log.Error("reconcile: cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle runs one reconciliation pass (spec §4.8).
func (s *Service) Cycle(ctx context.Context) (domain.ReconciliationResult, error) {
	offChain := s.ledger.GetTotalBalance(s.tokenID)

	onChain, err := s.chain.TotalDeposits(ctx)
	if err != nil {
		s.log.Warn("reconcile: totalDeposits unavailable, falling back to per-user sum", zap.Error(err))
		onChain, err = s.sumPerUser(ctx)
		if err != nil {
			return domain.ReconciliationResult{}, errs.Wrap(errs.RpcFailure, "reconcile: on-chain read", err)
		}
	}

	var diff amount.Amount
	if offChain.Cmp(onChain) >= 0 {
		diff = offChain.Sub(onChain)
	} else {
		diff = onChain.Sub(offChain)
	}

	denom := onChain
	if denom.IsZero() {
		denom = amount.FromUint64(1)
	}
	pct := ratio(diff, denom)

	result := domain.ReconciliationResult{
		Timestamp:          s.now(),
		OnChainTotal:       onChain,
		OffChainTotal:      offChain,
		Discrepancy:        diff,
		DiscrepancyPercent: pct,
		Healthy:            pct < WarnThreshold,
		PerUser:            s.perUserDetail(ctx),
	}

	s.mu.Lock()
	s.history = append(s.history, result)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	if pct >= WarnThreshold*CriticalMultiplier {
		s.paused = true
	}
	paused := s.paused
	s.mu.Unlock()

	switch {
	case paused && pct >= WarnThreshold*CriticalMultiplier:
		s.alert.Alert("CRITICAL", "reconciliation discrepancy exceeds critical threshold, exchange paused")
	case !result.Healthy:
		s.alert.Alert("WARN", "reconciliation discrepancy exceeds warn threshold")
	}

	return result, nil
}

// ratio computes diff/denom as a float64, the one place this package steps
// outside exact integer arithmetic — discrepancyPercent is a monitoring
// signal, not a balance, so float precision is acceptable here only.
func ratio(diff, denom amount.Amount) float64 {
	d, _ := new(big.Float).SetString(diff.String())
	n, _ := new(big.Float).SetString(denom.String())
	if n.Sign() == 0 {
		return 0
	}
	out, _ := new(big.Float).Quo(d, n).Float64()
	return out
}

func (s *Service) sumPerUser(ctx context.Context) (amount.Amount, error) {
	totals := s.ledger.PerAddressTotals(s.tokenID)
	sum := amount.Zero
	for addr := range totals {
		bal, err := s.chain.BalanceOf(ctx, addr)
		if err != nil {
			return amount.Zero, err
		}
		sum = sum.Add(bal)
	}
	return sum, nil
}

func (s *Service) perUserDetail(ctx context.Context) []domain.UserDiscrepancy {
	totals := s.ledger.PerAddressTotals(s.tokenID)
	var out []domain.UserDiscrepancy
	for addr, off := range totals {
		on, err := s.chain.BalanceOf(ctx, addr)
		if err != nil {
			continue
		}
		if off.Cmp(on) == 0 {
			continue
		}
		diff, ok := off.SubClamped(on)
		if !ok {
			diff, _ = on.SubClamped(off)
		}
		out = append(out, domain.UserDiscrepancy{Address: addr, OffChain: off, OnChain: on, Difference: diff})
	}
	return out
}

// History returns a copy of the retained reconciliation results, newest last.
func (s *Service) History() []domain.ReconciliationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ReconciliationResult, len(s.history))
	copy(out, s.history)
	return out
}

// Paused reports whether the exchange is currently paused by a CRITICAL
// reconciliation result.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Resume lifts a CRITICAL pause. Per spec §4.8 ("explicit external
// operation"), this requires a valid quorum signature over msg — a single
// operator cannot unilaterally resume the exchange.
func (s *Service) Resume(msg []byte, sig quorum.Signature) error {
	if s.signer == nil {
		return errs.New(errs.BadRequest, "reconcile: no quorum signer configured")
	}
	if !s.signer.Verify(msg, sig) {
		return errs.New(errs.BadRequest, "reconcile: invalid quorum resume signature")
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return nil
}
