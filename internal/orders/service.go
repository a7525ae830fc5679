// Package orders implements the order service (spec §4.4): the eight-step
// admission pipeline every signed order passes through before it can rest
// in a book or trade, plus lazy expiration sweeping. Generalized from the
// teacher's pkg/app/core/engine.go SubmitOrder pipeline (parse -> verify ->
// risk -> book -> persist), which validated a single-asset perpetual order
// the same sequential, short-circuit-on-failure way.
package orders

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/market"
)

// Ledger is the subset of internal/ledger.Ledger the order service needs
// directly (matching.Engine holds its own narrower view for settlement).
type Ledger interface {
	Lock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
	Unlock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
	GetNonce(addr common.Address) uint64
}

// Verifier is the subset of internal/sig.Verifier the order service needs.
type Verifier interface {
	Verify(o *domain.SignedOrder) (domain.OrderHash, error)
}

// RiskEngine is the subset of internal/risk.Engine the order service needs.
type RiskEngine interface {
	CheckOrder(addr common.Address, size amount.Amount, now time.Time) error
	ReserveOrder(addr common.Address, size amount.Amount, now time.Time)
	ReleaseOrder(addr common.Address, size amount.Amount)
}

// Engine is the subset of internal/matching.Engine the order service needs.
type Engine interface {
	Submit(entry *domain.OrderBookEntry) ([]domain.Trade, error)
	Cancel(marketID domain.MarketID, tokenID domain.TokenID, hash domain.OrderHash) (*domain.OrderBookEntry, bool)
}

// OrderStore persists accepted OrderBookEntries (spec §4.4 step 8).
type OrderStore interface {
	SaveOrder(e *domain.OrderBookEntry) error
	DeleteOrder(hash domain.OrderHash) error
	MarkCancelled(hash domain.OrderHash) error
}

// WAL is the append-only audit trail the service writes every accepted
// order and resulting trade to.
type WAL interface {
	Append(line string)
}

// Publisher fans out order/trade events to subscribers (internal/events),
// grounded on the teacher's Hub.BroadcastToChannel (pkg/api/websocket.go).
type Publisher interface {
	Publish(channel string, payload interface{})
}

// dedupCacheSize bounds the duplicate-order-hash LRU (spec §4.4 step 5).
// Sized generously above any single settlement epoch's expected order
// volume so a hash isn't evicted and accidentally re-admitted within one
// epoch's window.
const dedupCacheSize = 1 << 16

// tracked is the order service's own bookkeeping record for a resting
// order, used for expiration sweeping and cancellation dispatch — separate
// from matching.Engine's book, which only knows price levels and FIFO
// position, not expiration.
type tracked struct {
	marketID   domain.MarketID
	tokenID    domain.TokenID
	maker      common.Address
	lockSide   domain.TokenID // which token/collateral leg is locked
	size       amount.Amount  // risk-engine notional reserved
	expiration int64          // unix seconds, 0 = no expiry
}

// Service orchestrates order admission: validation, signature, risk,
// matching, settlement, and persistence, in the order spec §4.4 requires.
type Service struct {
	ledger   Ledger
	verifier Verifier
	risk     RiskEngine
	engine   Engine
	registry *market.Registry
	store    OrderStore
	wal      WAL
	pub      Publisher
	log      *zap.Logger

	dedup   *lru.Cache[domain.OrderHash, struct{}]
	trackMu sync.Mutex
	tracked map[domain.OrderHash]*tracked

	now func() time.Time
}

func New(
	ledger Ledger,
	verifier Verifier,
	riskEngine RiskEngine,
	engine Engine,
	registry *market.Registry,
	store OrderStore,
	wal WAL,
	pub Publisher,
	log *zap.Logger,
) (*Service, error) {
	cache, err := lru.New[domain.OrderHash, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("orders: build dedup cache: %w", err)
	}
	return &Service{
		ledger:   ledger,
		verifier: verifier,
		risk:     riskEngine,
		engine:   engine,
		registry: registry,
		store:    store,
		wal:      wal,
		pub:      pub,
		log:      log,
		dedup:    cache,
		tracked:  make(map[domain.OrderHash]*tracked),
		now:      time.Now,
	}, nil
}

// Submit runs the full admission pipeline for a newly-received signed order
// (spec §4.4 steps 1-8). Any failure from step 7 onward unwinds every prior
// side effect for this order.
func (s *Service) Submit(o *domain.SignedOrder) (*domain.OrderBookEntry, []domain.Trade, error) {
	now := s.now()

	// Step 1: structural parse.
	if err := s.validateStructure(o, now); err != nil {
		return nil, nil, err
	}

	// Step 2: signature verify.
	hash, err := s.verifier.Verify(o)
	if err != nil {
		return nil, nil, err
	}

	// Step 3: expiration check.
	if o.Expiration != 0 && o.Expiration <= now.Unix() {
		return nil, nil, errs.New(errs.Expired, hash.Hex())
	}

	// Step 4: nonce check.
	if o.Nonce < s.ledger.GetNonce(o.Maker) {
		return nil, nil, errs.New(errs.StaleNonce, o.Maker.Hex())
	}

	// Step 5: duplicate detection.
	if _, ok := s.dedup.Get(hash); ok {
		return nil, nil, errs.New(errs.Duplicate, hash.Hex())
	}

	lockTokenID, lockAmount, remaining, riskSize := orderLegs(o)

	// Step 6: risk pre-check.
	if err := s.risk.CheckOrder(o.Maker, riskSize, now); err != nil {
		return nil, nil, err
	}

	// Step 7a: lock collateral/position on ledger.
	if err := s.ledger.Lock(o.Maker, lockTokenID, lockAmount); err != nil {
		return nil, nil, err
	}

	// Step 7b: reserve risk exposure.
	s.risk.ReserveOrder(o.Maker, riskSize, now)

	entry := &domain.OrderBookEntry{
		ID:        hash,
		Order:     o,
		Remaining: remaining,
		Timestamp: now,
		Status:    domain.StatusOpen,
	}

	// Step 7c-d: insert into book, run matching loop, settle fills.
	trades, err := s.engine.Submit(entry)
	if err != nil {
		// Unwind: release lock and exposure, the order never entered a book.
		if unlockErr := s.ledger.Unlock(o.Maker, lockTokenID, lockAmount); unlockErr != nil {
			s.log.Error("orders: unwind unlock failed", zap.Error(unlockErr), zap.String("order", hash.Hex()))
		}
		s.risk.ReleaseOrder(o.Maker, riskSize)
		return nil, nil, err
	}

	// Step 8: persist, track, and emit.
	s.dedup.Add(hash, struct{}{})

	if entry.Status == domain.StatusOpen || entry.Status == domain.StatusPartial {
		s.trackMu.Lock()
		s.tracked[hash] = &tracked{
			marketID:   o.MarketID,
			tokenID:    o.TokenID,
			maker:      o.Maker,
			lockSide:   lockTokenID,
			size:       riskSize,
			expiration: o.Expiration,
		}
		s.trackMu.Unlock()
		if err := s.store.SaveOrder(entry); err != nil {
			s.log.Error("orders: persist failed", zap.Error(err), zap.String("order", hash.Hex()))
		}
	}

	s.wal.Append(fmt.Sprintf("ORDER maker=%s market=%x token=%d side=%s hash=%s status=%s trades=%d",
		o.Maker.Hex(), o.MarketID, o.TokenID, o.Side, hash.Hex(), entry.Status, len(trades)))
	if s.pub != nil {
		s.pub.Publish("orders", entry)
		for _, t := range trades {
			s.pub.Publish("trades", t)
		}
	}

	return entry, trades, nil
}

// Cancel removes a resting order, releasing its ledger lock and risk
// exposure (spec §4.5 "Cancel").
func (s *Service) Cancel(marketID domain.MarketID, tokenID domain.TokenID, hash domain.OrderHash) error {
	removed, ok := s.engine.Cancel(marketID, tokenID, hash)
	if !ok {
		return errs.New(errs.BadRequest, hash.Hex())
	}

	s.trackMu.Lock()
	t, isTracked := s.tracked[hash]
	delete(s.tracked, hash)
	s.trackMu.Unlock()

	if isTracked {
		if err := s.ledger.Unlock(t.maker, t.lockSide, lockedRemaining(removed)); err != nil {
			s.log.Error("orders: cancel unlock failed", zap.Error(err), zap.String("order", hash.Hex()))
		}
		s.risk.ReleaseOrder(t.maker, t.size)
	}

	removed.Status = domain.StatusCancelled
	if err := s.store.DeleteOrder(hash); err != nil {
		s.log.Error("orders: cancel persist failed", zap.Error(err), zap.String("order", hash.Hex()))
	}
	if err := s.store.MarkCancelled(hash); err != nil {
		s.log.Error("orders: mark cancelled failed", zap.Error(err), zap.String("order", hash.Hex()))
	}
	s.wal.Append(fmt.Sprintf("CANCEL hash=%s", hash.Hex()))
	if s.pub != nil {
		s.pub.Publish("orders", removed)
	}
	return nil
}

// SweepExpired walks every tracked resting order and cancels the ones past
// their expiration (spec §4.5: "EXPIRED reached lazily ... during a
// sweep"). Intended to be called on a timer by the caller (cmd/exchanged).
func (s *Service) SweepExpired() int {
	now := s.now().Unix()

	s.trackMu.Lock()
	candidates := make([]domain.OrderHash, 0, len(s.tracked))
	for hash, t := range s.tracked {
		if t.expiration != 0 && t.expiration <= now {
			candidates = append(candidates, hash)
		}
	}
	s.trackMu.Unlock()

	count := 0
	for _, hash := range candidates {
		s.trackMu.Lock()
		t, ok := s.tracked[hash]
		s.trackMu.Unlock()
		if !ok {
			continue
		}
		entry, found := s.engine.Cancel(t.marketID, t.tokenID, hash)
		if !found {
			s.trackMu.Lock()
			delete(s.tracked, hash)
			s.trackMu.Unlock()
			continue
		}

		s.trackMu.Lock()
		delete(s.tracked, hash)
		s.trackMu.Unlock()

		if err := s.ledger.Unlock(t.maker, t.lockSide, lockedRemaining(entry)); err != nil {
			s.log.Error("orders: sweep unlock failed", zap.Error(err), zap.String("order", hash.Hex()))
		}
		s.risk.ReleaseOrder(t.maker, t.size)
		entry.Status = domain.StatusExpired
		if err := s.store.DeleteOrder(hash); err != nil {
			s.log.Error("orders: sweep persist failed", zap.Error(err), zap.String("order", hash.Hex()))
		}
		s.wal.Append(fmt.Sprintf("EXPIRE hash=%s", hash.Hex()))
		if s.pub != nil {
			s.pub.Publish("orders", entry)
		}
		count++
	}
	return count
}

// validateStructure checks the invariants spec §3 places on a SignedOrder
// before any cryptographic or stateful work: positive amounts, a known
// active market, and a tokenId that belongs to it.
func (s *Service) validateStructure(o *domain.SignedOrder, now time.Time) error {
	if o.MakerAmount.IsZero() || o.TakerAmount.IsZero() {
		return errs.New(errs.BadRequest, "makerAmount and takerAmount must be positive")
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return errs.New(errs.BadRequest, "unknown side")
	}
	if o.Expiration != 0 && o.Expiration < 0 {
		return errs.New(errs.BadRequest, "negative expiration")
	}

	m, err := s.registry.Get(o.MarketID)
	if err != nil {
		return errs.Wrap(errs.BadRequest, fmt.Sprintf("%x", o.MarketID), err)
	}
	if m.Status != market.Active {
		return errs.New(errs.MarketPaused, fmt.Sprintf("%x", o.MarketID))
	}
	if o.TokenID != m.YesTokenID && o.TokenID != m.NoTokenID {
		return errs.New(errs.BadRequest, "tokenId does not belong to market")
	}
	return nil
}

// orderLegs derives the ledger leg to lock, the book's initial remaining
// size, and the risk engine's notional size, from a validated order's side.
// BUY locks collateral (makerAmount) and tracks remaining tokens
// (takerAmount); SELL locks tokens (makerAmount) and tracks remaining
// tokens the same way, with collateral notional for risk being takerAmount.
func orderLegs(o *domain.SignedOrder) (lockTokenID domain.TokenID, lockAmount, remaining, riskSize amount.Amount) {
	if o.Side == domain.SideBuy {
		return domain.CollateralTokenID, o.MakerAmount, o.TakerAmount, o.MakerAmount
	}
	return o.TokenID, o.MakerAmount, o.MakerAmount, o.TakerAmount
}

// lockedRemaining returns the ledger amount to release for a resting entry:
// its remaining tokens for a SELL, and for a BUY the share of makerAmount
// that matches its remaining tokens (remaining is in tokens, the lock in
// collateral).
func lockedRemaining(e *domain.OrderBookEntry) amount.Amount {
	if e.Order.Side == domain.SideBuy {
		return amount.MulDivFloor(e.Order.MakerAmount, e.Remaining, e.Order.TakerAmount)
	}
	return e.Remaining
}
