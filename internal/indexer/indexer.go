// Package indexer implements the blockchain indexer (spec §4.9): a 2s poll
// loop that tracks lastProcessedBlock/lastBlockHash, walks back to a common
// ancestor on reorg, processes the Vault(Deposit,Claimed,EpochCommitted) and
// Exchange(OrderCancelled) event windows, tracks pending-deposit confirmations,
// and keeps ledger nonces in sync with on-chain nonces. Grounded on
// go-ethereum's ethclient/eth-filters call surface (internal/chain wraps the
// RPC calls this package drives) and, for the poll-loop shape, the
// teacher's timer-driven workers (pkg/app/perp/txfeeder.go).
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/chain"
	"github.com/polyclob/exchange/internal/domain"
)

// ChainSource is the on-chain read surface the indexer polls, implemented by
// internal/chain.Client.
type ChainSource interface {
	HeadNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	FilterDeposits(ctx context.Context, from, to uint64) ([]chain.DepositLog, error)
	FilterClaimed(ctx context.Context, from, to uint64) ([]chain.ClaimedLog, error)
	FilterEpochCommitted(ctx context.Context, from, to uint64) ([]chain.EpochCommittedLog, error)
	FilterOrderCancelled(ctx context.Context, from, to uint64) ([]chain.OrderCancelledLog, error)
	NonceOf(ctx context.Context, addr common.Address) (uint64, error)
}

// Ledger is the off-chain balance/nonce surface deposits and claims mutate.
type Ledger interface {
	Credit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
	Debit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
	GetNonce(addr common.Address) uint64
	SetNonce(addr common.Address, n uint64)
}

// CancelledMarker records an on-chain-observed cancellation into the
// settlement cancel set, implemented by internal/storage.Store.
type CancelledMarker interface {
	MarkCancelled(hash domain.OrderHash) error
}

// DepositTracker persists in-flight (not yet confirmed) deposits and the
// indexer's scan checkpoint so both survive a restart, implemented by
// internal/storage.Store.
type DepositTracker interface {
	SavePendingDeposit(d domain.PendingDeposit) error
	LoadPendingDeposits() ([]domain.PendingDeposit, error)
	SaveCheckpoint(block uint64, hash common.Hash) error
	LoadCheckpoint() (uint64, common.Hash, bool, error)
}

// Publisher fans out "reorg" and other indexer events, implemented by
// internal/events.Hub.
type Publisher interface {
	Publish(channel string, payload interface{})
}

const (
	defaultConfirmations = 20
	defaultPollInterval  = 2 * time.Second
	seenCacheSize        = 16384
	blockHashHistorySize = 512
)

// seenKey is the idempotency key spec §4.9 mandates: every side effect is
// keyed by (txHash, logIndex) so reorg-driven replays of an already-applied
// event are silently dropped.
type seenKey struct {
	txHash   common.Hash
	logIndex uint
}

// ReorgEvent is published when the indexer detects and recovers from a
// chain reorganization.
type ReorgEvent struct {
	OldBlock uint64
	NewBlock uint64
}

// Service is the indexer's poll-loop state.
type Service struct {
	chain         ChainSource
	ledger        Ledger
	cancelled     CancelledMarker
	deposits      DepositTracker
	pub           Publisher
	log           *zap.Logger
	confirmations uint64

	mu                 sync.Mutex
	lastProcessedBlock uint64
	lastBlockHash      common.Hash
	blockHashes        map[uint64]common.Hash
	seen               *lru.Cache[seenKey, struct{}]
	pending            map[seenKey]domain.PendingDeposit
}

// New constructs a Service. confirmations of 0 uses spec's default of 20.
func New(cs ChainSource, ledger Ledger, cancelled CancelledMarker, deposits DepositTracker, pub Publisher, confirmations uint64, log *zap.Logger) *Service {
	if confirmations == 0 {
		confirmations = defaultConfirmations
	}
	seen, _ := lru.New[seenKey, struct{}](seenCacheSize)
	return &Service{
		chain:         cs,
		ledger:        ledger,
		cancelled:     cancelled,
		deposits:      deposits,
		pub:           pub,
		log:           log,
		confirmations: confirmations,
		blockHashes:   make(map[uint64]common.Hash),
		seen:          seen,
		pending:       make(map[seenKey]domain.PendingDeposit),
	}
}

// Restore reloads previously-tracked pending deposits and the last
// checkpointed (block, blockHash) from persistence, letting confirmation
// tracking and reorg detection resume after a restart instead of
// re-scanning from genesis and double-crediting already-applied deposits.
func (s *Service) Restore() error {
	ds, err := s.deposits.LoadPendingDeposits()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, d := range ds {
		s.pending[seenKey{txHash: d.TxHash, logIndex: d.LogIndex}] = d
	}
	s.mu.Unlock()

	block, hash, ok, err := s.deposits.LoadCheckpoint()
	if err != nil {
		return err
	}
	if ok {
		s.mu.Lock()
		s.lastProcessedBlock = block
		s.lastBlockHash = hash
		s.recordBlockHashLocked(block, hash)
		s.mu.Unlock()
	}
	return nil
}

// Run polls every interval until ctx is cancelled. interval <= 0 uses
// spec's default of 2s.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil {
				s.log.Error("indexer: poll failed", zap.Error(err))
			}
		}
	}
}

// Poll runs one indexer cycle (spec §4.9 steps 1-5).
func (s *Service) Poll(ctx context.Context) error {
	head, err := s.chain.HeadNumber(ctx)
	if err != nil {
		return err
	}

	if err := s.checkReorg(ctx); err != nil {
		return err
	}

	safeBlock := uint64(0)
	if head > s.confirmations {
		safeBlock = head - s.confirmations
	}

	s.mu.Lock()
	from := s.lastProcessedBlock
	s.mu.Unlock()

	if safeBlock > from {
		if err := s.processWindow(ctx, from+1, safeBlock); err != nil {
			return err
		}
		hdr, err := s.chain.HeaderByNumber(ctx, safeBlock)
		if err == nil {
			s.mu.Lock()
			s.lastProcessedBlock = safeBlock
			s.lastBlockHash = hdr.Hash()
			s.recordBlockHashLocked(safeBlock, hdr.Hash())
			s.mu.Unlock()
			_ = s.deposits.SaveCheckpoint(safeBlock, hdr.Hash())
		}
	}

	if head > safeBlock {
		if err := s.trackPending(ctx, safeBlock+1, head); err != nil {
			return err
		}
	}
	s.promoteConfirmed(head)

	return nil
}

// checkReorg reloads the block at lastProcessedBlock and, if its hash no
// longer matches what was recorded, walks backwards through the recent
// block-hash history to find a common ancestor (spec §4.9 step 2).
func (s *Service) checkReorg(ctx context.Context) error {
	s.mu.Lock()
	last := s.lastProcessedBlock
	expected := s.lastBlockHash
	s.mu.Unlock()

	if last == 0 {
		return nil
	}
	hdr, err := s.chain.HeaderByNumber(ctx, last)
	if err == nil && hdr.Hash() == expected {
		return nil
	}

	s.log.Warn("indexer: reorg detected", zap.Uint64("block", last))
	ancestor := last
	for ancestor > 0 {
		ancestor--
		s.mu.Lock()
		known, ok := s.blockHashes[ancestor]
		s.mu.Unlock()
		if !ok {
			continue
		}
		h, err := s.chain.HeaderByNumber(ctx, ancestor)
		if err == nil && h.Hash() == known {
			break
		}
	}

	s.mu.Lock()
	s.lastProcessedBlock = ancestor
	ancestorHash := s.lastBlockHash
	if h, ok := s.blockHashes[ancestor]; ok {
		s.lastBlockHash = h
		ancestorHash = h
	}
	evicted := s.evictPendingAboveLocked(ancestor)
	s.mu.Unlock()

	_ = s.deposits.SaveCheckpoint(ancestor, ancestorHash)

	for _, d := range evicted {
		_ = s.deposits.SavePendingDeposit(d) // persists the eviction (Indexed stays false)
	}

	if s.pub != nil {
		s.pub.Publish("reorg", ReorgEvent{OldBlock: last, NewBlock: ancestor})
	}
	return nil
}

func (s *Service) evictPendingAboveLocked(ancestor uint64) []domain.PendingDeposit {
	var evicted []domain.PendingDeposit
	for k, d := range s.pending {
		if d.BlockNumber > ancestor {
			delete(s.pending, k)
			evicted = append(evicted, d)
		}
	}
	return evicted
}

func (s *Service) recordBlockHashLocked(number uint64, h common.Hash) {
	s.blockHashes[number] = h
	if len(s.blockHashes) > blockHashHistorySize {
		var oldest uint64
		first := true
		for n := range s.blockHashes {
			if first || n < oldest {
				oldest = n
				first = false
			}
		}
		delete(s.blockHashes, oldest)
	}
}

// processWindow applies every event in (from-1, to] exactly once, idempotent
// by (txHash, logIndex) (spec §4.9 step 3).
func (s *Service) processWindow(ctx context.Context, from, to uint64) error {
	touched := make(map[common.Address]struct{})

	deposits, err := s.chain.FilterDeposits(ctx, from, to)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		if !s.markSeen(d.TxHash, d.LogIndex) {
			continue
		}
		if err := s.ledger.Credit(d.User, domain.CollateralTokenID, d.Amount); err != nil {
			s.log.Error("indexer: credit deposit failed", zap.Error(err), zap.String("tx", d.TxHash.Hex()))
			continue
		}
		touched[d.User] = struct{}{}
	}

	claims, err := s.chain.FilterClaimed(ctx, from, to)
	if err != nil {
		return err
	}
	for _, c := range claims {
		if !s.markSeen(c.TxHash, c.LogIndex) {
			continue
		}
		if err := s.ledger.Debit(c.User, domain.CollateralTokenID, c.Amount); err != nil {
			s.log.Error("indexer: debit claim failed", zap.Error(err), zap.String("tx", c.TxHash.Hex()))
			continue
		}
		touched[c.User] = struct{}{}
	}

	if _, err := s.chain.FilterEpochCommitted(ctx, from, to); err != nil {
		return err
	}

	cancels, err := s.chain.FilterOrderCancelled(ctx, from, to)
	if err != nil {
		return err
	}
	for _, oc := range cancels {
		if !s.markSeen(oc.TxHash, oc.LogIndex) {
			continue
		}
		if err := s.cancelled.MarkCancelled(oc.OrderHash); err != nil {
			s.log.Error("indexer: mark cancelled failed", zap.Error(err), zap.String("tx", oc.TxHash.Hex()))
		}
	}

	for addr := range touched {
		s.syncNonce(ctx, addr)
	}
	return nil
}

// trackPending scans (safeBlock, head] for deposits not yet past the
// confirmation horizon, recording confirmation progress (spec §4.9 step 4).
func (s *Service) trackPending(ctx context.Context, from, head uint64) error {
	deposits, err := s.chain.FilterDeposits(ctx, from, head)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deposits {
		k := seenKey{txHash: d.TxHash, logIndex: d.LogIndex}
		if s.seen.Contains(k) {
			continue // already credited in a confirmed window this cycle or a prior one
		}
		pd := domain.PendingDeposit{
			TxHash:        d.TxHash,
			LogIndex:      d.LogIndex,
			User:          d.User,
			Amount:        d.Amount,
			BlockNumber:   d.BlockNumber,
			Confirmations: head - d.BlockNumber,
			Indexed:       false,
		}
		s.pending[k] = pd
		_ = s.deposits.SavePendingDeposit(pd)
	}
	return nil
}

// promoteConfirmed credits any tracked pending deposit whose confirmations
// have reached the threshold, matching the "promote to indexed credit"
// half of spec §4.9 step 4 for deposits the confirmed window (step 3) has
// not yet reached.
func (s *Service) promoteConfirmed(head uint64) {
	s.mu.Lock()
	var toCredit []domain.PendingDeposit
	for k, d := range s.pending {
		conf := uint64(0)
		if head >= d.BlockNumber {
			conf = head - d.BlockNumber
		}
		if conf >= s.confirmations {
			toCredit = append(toCredit, d)
			delete(s.pending, k)
		}
	}
	s.mu.Unlock()

	for _, d := range toCredit {
		if !s.markSeen(d.TxHash, d.LogIndex) {
			continue
		}
		if err := s.ledger.Credit(d.User, domain.CollateralTokenID, d.Amount); err != nil {
			s.log.Error("indexer: promote pending deposit failed", zap.Error(err), zap.String("tx", d.TxHash.Hex()))
			continue
		}
		d.Indexed = true
		_ = s.deposits.SavePendingDeposit(d)
	}
}

// markSeen reports whether (txHash, logIndex) has not been applied before,
// recording it if so. The single idempotency gate every side effect funnels
// through.
func (s *Service) markSeen(txHash common.Hash, logIndex uint) bool {
	k := seenKey{txHash: txHash, logIndex: logIndex}
	if s.seen.Contains(k) {
		return false
	}
	s.seen.Add(k, struct{}{})
	return true
}

// syncNonce reads the on-chain nonce for addr and advances the
// ledger's nonce to max(offChain, onChain) (spec §4.9 step 5, batched here
// for every address touched by this cycle's confirmed window).
func (s *Service) syncNonce(ctx context.Context, addr common.Address) {
	onChain, err := s.chain.NonceOf(ctx, addr)
	if err != nil {
		s.log.Warn("indexer: nonce sync failed", zap.Error(err), zap.String("addr", addr.Hex()))
		return
	}
	offChain := s.ledger.GetNonce(addr)
	if onChain > offChain {
		s.ledger.SetNonce(addr, onChain)
	}
}

// SyncNonce is the on-demand half of spec §4.9 step 5, called at order
// validation time.
func (s *Service) SyncNonce(ctx context.Context, addr common.Address) {
	s.syncNonce(ctx, addr)
}

// LastProcessedBlock reports the indexer's current high-water mark.
func (s *Service) LastProcessedBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProcessedBlock
}

// Lag returns head - lastProcessedBlock for monitoring.
func (s *Service) Lag(head uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if head <= s.lastProcessedBlock {
		return 0
	}
	return head - s.lastProcessedBlock
}
