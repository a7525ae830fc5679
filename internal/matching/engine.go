// Package matching implements the price-time priority matching engine
// (spec §4.5): COMPLEMENTARY matching within one token's book, plus
// cross-book MINT/MERGE matching between a market's complementary YES/NO
// tokens. Generalized from the teacher's single-asset
// pkg/app/core/orderbook package, which only ever matched one book against
// itself.
package matching

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/market"
)

// Ledger is the subset of internal/ledger.Ledger the matching engine needs
// to apply trade settlement effects. Kept as an interface so unit tests can
// substitute a fake without pulling in Pebble.
type Ledger interface {
	SettleLocked(debitor, creditor common.Address, tokenID domain.TokenID, amt amount.Amount) error
	Credit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
	Unlock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
	Debit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error
}

// DustThreshold is the minimum remaining size below which a partially
// filled order is marked FILLED outright, avoiding stranded near-zero
// entries (spec §4.5 edge cases).
var DustThreshold = amount.FromUint64(1000) // 1000 wei-equivalent sub-units

// Engine owns every (marketId, tokenId) book and the pending-trade queue
// settlement drains each epoch. All mutation goes through one mutex — the
// single serialized section spec §5 requires for book/ledger consistency.
type Engine struct {
	mu       sync.Mutex
	books    map[bookKey]*book
	registry *market.Registry
	ledger   Ledger

	nextSeq    uint64
	nextTradeID uint64
	pending    []domain.Trade
}

func NewEngine(registry *market.Registry, ledger Ledger) *Engine {
	return &Engine{
		books:    make(map[bookKey]*book),
		registry: registry,
		ledger:   ledger,
	}
}

func (e *Engine) bookFor(marketID domain.MarketID, tokenID domain.TokenID) *book {
	k := bookKey{marketID, tokenID}
	b, ok := e.books[k]
	if !ok {
		b = newBook()
		e.books[k] = b
	}
	return b
}

// Submit runs the matching algorithm for a newly-admitted order (spec §4.5
// steps 1-8). The caller (internal/orders) has already locked collateral/
// position and reserved risk exposure before calling this; Submit only
// applies the ledger effects of actual fills plus resting what remains.
func (e *Engine) Submit(entry *domain.OrderBookEntry) ([]domain.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := entry.Order
	var trades []domain.Trade

	ownBook := e.bookFor(o.MarketID, o.TokenID)

	complementTokenID, hasComplement := e.registry.Complement(o.MarketID, o.TokenID)

	if err := e.matchComplementary(entry, ownBook, &trades); err != nil {
		return nil, err
	}

	if !entry.Remaining.IsZero() && hasComplement {
		complementBook := e.bookFor(o.MarketID, complementTokenID)
		switch o.Side {
		case domain.SideBuy:
			if err := e.matchMint(entry, complementBook, complementTokenID, &trades); err != nil {
				return nil, err
			}
		case domain.SideSell:
			if err := e.matchMerge(entry, complementBook, complementTokenID, &trades); err != nil {
				return nil, err
			}
		}
	}

	if !entry.Remaining.IsZero() {
		e.nextSeq++
		entry.Seq = e.nextSeq
		if entry.Status == domain.StatusOpen && len(trades) > 0 {
			entry.Status = domain.StatusPartial
		}
		price := o.Price()
		if o.Side == domain.SideBuy {
			ownBook.restBid(entry, price)
		} else {
			ownBook.restAsk(entry, price)
		}
	} else {
		entry.Status = domain.StatusFilled
	}

	e.pending = append(e.pending, trades...)
	return trades, nil
}

// matchComplementary matches entry against the opposite side of its own
// (marketId, tokenId) book — ordinary crossing trades (spec §4.5 step 1-2).
func (e *Engine) matchComplementary(entry *domain.OrderBookEntry, b *book, trades *[]domain.Trade) error {
	o := entry.Order

	for !entry.Remaining.IsZero() {
		var maker *domain.OrderBookEntry
		var makerPrice amount.Amount
		var crosses bool

		if o.Side == domain.SideBuy {
			price, ok := b.bestAsk()
			if !ok {
				break
			}
			crosses = price.Cmp(o.Price()) <= 0
			makerPrice = price
			maker = b.frontAsk()
		} else {
			price, ok := b.bestBid()
			if !ok {
				break
			}
			crosses = price.Cmp(o.Price()) >= 0
			makerPrice = price
			maker = b.frontBid()
		}
		if !crosses || maker == nil {
			break
		}
		if maker.Order.Maker == o.Maker {
			return errs.New(errs.SelfMatch, o.Maker.Hex())
		}

		fillAmt := entry.Remaining.Min(maker.Remaining)
		cost := amount.Cost(makerPrice, fillAmt)

		var buyer, seller *domain.OrderBookEntry
		if o.Side == domain.SideBuy {
			buyer, seller = entry, maker
		} else {
			buyer, seller = maker, entry
		}

		if err := e.ledger.SettleLocked(buyer.Order.Maker, seller.Order.Maker, domain.CollateralTokenID, cost); err != nil {
			return err
		}
		if err := e.ledger.SettleLocked(seller.Order.Maker, buyer.Order.Maker, o.TokenID, fillAmt); err != nil {
			return err
		}

		// A crossing BUY locked collateral at its own limit price but fills
		// at the resting ask's (better-or-equal) price; the difference was
		// never spent and must be unlocked here or it strands in `locked`
		// forever once the entry fills. The resting side never strands:
		// its lock was sized from its own price, which is makerPrice.
		if o.Side == domain.SideBuy {
			reserved := amount.Cost(o.Price(), fillAmt)
			if surplus := reserved.Sub(cost); !surplus.IsZero() {
				if err := e.ledger.Unlock(entry.Order.Maker, domain.CollateralTokenID, surplus); err != nil {
					return err
				}
			}
		}

		entry.Remaining = entry.Remaining.Sub(fillAmt)
		maker.Remaining = maker.Remaining.Sub(fillAmt)
		if maker.Remaining.Cmp(DustThreshold) < 0 {
			maker.Remaining = amount.Zero
		}
		if entry.Remaining.Cmp(DustThreshold) < 0 {
			entry.Remaining = amount.Zero
		}
		if maker.Remaining.IsZero() {
			maker.Status = domain.StatusFilled
		} else {
			maker.Status = domain.StatusPartial
		}

		*trades = append(*trades, e.newTrade(entry, maker, o.TokenID, fillAmt, makerPrice, domain.MatchComplementary))

		if o.Side == domain.SideBuy {
			b.popFrontIfDone(makerPrice, domain.SideSell)
		} else {
			b.popFrontIfDone(makerPrice, domain.SideBuy)
		}
	}
	return nil
}

// matchMint matches a resting BUY against a complementary-token BUY whose
// combined price reaches ONE (spec §4.5 mini-algebra): the platform mints
// complete sets against the two buyers' locked collateral.
func (e *Engine) matchMint(entry *domain.OrderBookEntry, complementBook *book, complementTokenID domain.TokenID, trades *[]domain.Trade) error {
	for !entry.Remaining.IsZero() {
		otherPrice, ok := complementBook.bestBid()
		if !ok {
			break
		}
		if entry.Order.Price().Add(otherPrice).Cmp(amount.ONE) < 0 {
			break
		}
		other := complementBook.frontBid()
		if other == nil {
			break
		}
		if other.Order.Maker == entry.Order.Maker {
			return errs.New(errs.SelfMatch, entry.Order.Maker.Hex())
		}

		k := entry.Remaining.Min(other.Remaining)
		costSelf := amount.Cost(entry.Order.Price(), k)
		costOther := amount.Cost(otherPrice, k)

		if err := e.burnLocked(entry.Order.Maker, domain.CollateralTokenID, costSelf); err != nil {
			return err
		}
		if err := e.burnLocked(other.Order.Maker, domain.CollateralTokenID, costOther); err != nil {
			return err
		}
		if err := e.ledger.Credit(entry.Order.Maker, entry.Order.TokenID, k); err != nil {
			return err
		}
		if err := e.ledger.Credit(other.Order.Maker, complementTokenID, k); err != nil {
			return err
		}

		entry.Remaining = entry.Remaining.Sub(k)
		other.Remaining = other.Remaining.Sub(k)
		if other.Remaining.Cmp(DustThreshold) < 0 {
			other.Remaining = amount.Zero
		}
		if entry.Remaining.Cmp(DustThreshold) < 0 {
			entry.Remaining = amount.Zero
		}
		other.Status = statusFor(other.Remaining)

		trade := e.newTrade(entry, other, entry.Order.TokenID, k, entry.Order.Price(), domain.MatchMint)
		// Fee records the spread captured by minting at prices summing above
		// ONE; it is not distributed here (spec §4.7 settlement owns fee
		// accounting), only recorded for visibility.
		surplus, ok2 := costSelf.Add(costOther).SubClamped(amount.Cost(amount.ONE, k))
		if ok2 {
			trade.Fee = surplus
		}
		*trades = append(*trades, trade)

		complementBook.popFrontIfDone(otherPrice, domain.SideBuy)
	}
	return nil
}

// matchMerge matches a resting SELL against a complementary-token SELL
// whose combined price is at or below ONE: the platform merges both
// outcome tokens back into collateral.
func (e *Engine) matchMerge(entry *domain.OrderBookEntry, complementBook *book, complementTokenID domain.TokenID, trades *[]domain.Trade) error {
	for !entry.Remaining.IsZero() {
		otherPrice, ok := complementBook.bestAsk()
		if !ok {
			break
		}
		if entry.Order.Price().Add(otherPrice).Cmp(amount.ONE) > 0 {
			break
		}
		other := complementBook.frontAsk()
		if other == nil {
			break
		}
		if other.Order.Maker == entry.Order.Maker {
			return errs.New(errs.SelfMatch, entry.Order.Maker.Hex())
		}

		k := entry.Remaining.Min(other.Remaining)
		payoutSelf := amount.Cost(entry.Order.Price(), k)
		payoutOther := amount.Cost(otherPrice, k)

		if err := e.burnLocked(entry.Order.Maker, entry.Order.TokenID, k); err != nil {
			return err
		}
		if err := e.burnLocked(other.Order.Maker, complementTokenID, k); err != nil {
			return err
		}
		if err := e.ledger.Credit(entry.Order.Maker, domain.CollateralTokenID, payoutSelf); err != nil {
			return err
		}
		if err := e.ledger.Credit(other.Order.Maker, domain.CollateralTokenID, payoutOther); err != nil {
			return err
		}

		entry.Remaining = entry.Remaining.Sub(k)
		other.Remaining = other.Remaining.Sub(k)
		if other.Remaining.Cmp(DustThreshold) < 0 {
			other.Remaining = amount.Zero
		}
		if entry.Remaining.Cmp(DustThreshold) < 0 {
			entry.Remaining = amount.Zero
		}
		other.Status = statusFor(other.Remaining)

		trade := e.newTrade(entry, other, entry.Order.TokenID, k, entry.Order.Price(), domain.MatchMerge)
		surplus, ok2 := amount.Cost(amount.ONE, k).SubClamped(payoutSelf.Add(payoutOther))
		if ok2 {
			trade.Fee = surplus
		}
		*trades = append(*trades, trade)

		complementBook.popFrontIfDone(otherPrice, domain.SideSell)
	}
	return nil
}

// burnLocked releases amt from addr's locked balance without crediting a
// counterparty — used when a locked balance is consumed by minting or
// merging rather than transferred to another trader.
func (e *Engine) burnLocked(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	if err := e.ledger.Unlock(addr, tokenID, amt); err != nil {
		return err
	}
	return e.ledger.Debit(addr, tokenID, amt)
}

func statusFor(remaining amount.Amount) domain.OrderStatus {
	if remaining.IsZero() {
		return domain.StatusFilled
	}
	return domain.StatusPartial
}

func (e *Engine) newTrade(taker, maker *domain.OrderBookEntry, tokenID domain.TokenID, amt, price amount.Amount, matchType domain.MatchType) domain.Trade {
	e.nextTradeID++
	return domain.Trade{
		ID:             e.nextTradeID,
		TakerOrderHash: taker.ID,
		MakerOrderHash: maker.ID,
		Maker:          maker.Order.Maker,
		Taker:          taker.Order.Maker,
		MarketID:       taker.Order.MarketID,
		TokenID:        tokenID,
		Amount:         amt,
		Price:          price,
		MatchType:      matchType,
		Timestamp:      time.Now(),
	}
}

// Cancel removes a resting order from its book, wherever it is. Returns the
// removed entry so the caller (internal/orders) can release its ledger
// lock and risk exposure.
func (e *Engine) Cancel(marketID domain.MarketID, tokenID domain.TokenID, hash domain.OrderHash) (*domain.OrderBookEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bookFor(marketID, tokenID)
	return b.cancel(hash)
}

// DrainTrades atomically removes and returns every trade accumulated since
// the last drain (spec §4.7 step 1: "Atomically drain pending trades from
// the engine").
func (e *Engine) DrainTrades() []domain.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// BestBidAsk returns the current best bid and ask for (marketId, tokenId),
// used by the monitor and by clients probing market state.
func (e *Engine) BestBidAsk(marketID domain.MarketID, tokenID domain.TokenID) (bid, ask amount.Amount, hasBid, hasAsk bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bookFor(marketID, tokenID)
	bid, hasBid = b.bestBid()
	ask, hasAsk = b.bestAsk()
	return
}
