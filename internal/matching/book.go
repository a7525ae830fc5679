package matching

import (
	"container/heap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
)

// bookKey identifies one (marketId, tokenId) order book (spec §4.5: "per
// (marketId, tokenId) two priority sequences").
type bookKey struct {
	marketID domain.MarketID
	tokenID  domain.TokenID
}

type indexEntry struct {
	price amount.Amount
	side  domain.Side
}

// book is a single-token order book: price-indexed FIFO queues plus
// heap-based best-price tracking, generalized from the teacher's
// pkg/app/core/orderbook/orderbook.go from int64 ticks to amount.Amount.
type book struct {
	bidHeap *maxPriceHeap
	askHeap *minPriceHeap

	bids map[amount.Amount][]*domain.OrderBookEntry
	asks map[amount.Amount][]*domain.OrderBookEntry

	index map[domain.OrderHash]indexEntry
}

func newBook() *book {
	bidHeap := &maxPriceHeap{}
	askHeap := &minPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &book{
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[amount.Amount][]*domain.OrderBookEntry),
		asks:    make(map[amount.Amount][]*domain.OrderBookEntry),
		index:   make(map[domain.OrderHash]indexEntry),
	}
}

func (b *book) bestBid() (amount.Amount, bool) { return b.bidHeap.Peek() }
func (b *book) bestAsk() (amount.Amount, bool) { return b.askHeap.Peek() }

func (b *book) restBid(e *domain.OrderBookEntry, price amount.Amount) {
	if len(b.bids[price]) == 0 {
		heap.Push(b.bidHeap, price)
	}
	b.bids[price] = append(b.bids[price], e)
	b.index[e.ID] = indexEntry{price: price, side: domain.SideBuy}
}

func (b *book) restAsk(e *domain.OrderBookEntry, price amount.Amount) {
	if len(b.asks[price]) == 0 {
		heap.Push(b.askHeap, price)
	}
	b.asks[price] = append(b.asks[price], e)
	b.index[e.ID] = indexEntry{price: price, side: domain.SideSell}
}

// popFrontIfDone removes a fully-filled front-of-queue entry, collapsing
// the price level (and heap entry) when it becomes empty.
func (b *book) popFrontIfDone(price amount.Amount, side domain.Side) {
	switch side {
	case domain.SideBuy:
		q := b.bids[price]
		if len(q) == 0 {
			return
		}
		if q[0].Remaining.IsZero() {
			delete(b.index, q[0].ID)
			b.bids[price] = q[1:]
		}
		if len(b.bids[price]) == 0 {
			delete(b.bids, price)
			b.removeFromBidHeap(price)
		}
	case domain.SideSell:
		q := b.asks[price]
		if len(q) == 0 {
			return
		}
		if q[0].Remaining.IsZero() {
			delete(b.index, q[0].ID)
			b.asks[price] = q[1:]
		}
		if len(b.asks[price]) == 0 {
			delete(b.asks, price)
			b.removeFromAskHeap(price)
		}
	}
}

func (b *book) removeFromBidHeap(price amount.Amount) {
	for i := 0; i < b.bidHeap.Len(); i++ {
		if (*b.bidHeap)[i].Cmp(price) == 0 {
			heap.Remove(b.bidHeap, i)
			return
		}
	}
}

func (b *book) removeFromAskHeap(price amount.Amount) {
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i].Cmp(price) == 0 {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// cancel removes order hash from the book, wherever it rests. The index map
// finds the order's price level directly; the level's queue is then scanned
// linearly for the order, and when the level empties the price heap is also
// searched linearly before the heap removal, so cancel is not O(log n).
func (b *book) cancel(hash domain.OrderHash) (*domain.OrderBookEntry, bool) {
	ix, ok := b.index[hash]
	if !ok {
		return nil, false
	}

	var queue *[]*domain.OrderBookEntry
	if ix.side == domain.SideBuy {
		q := b.bids[ix.price]
		queue = &q
	} else {
		q := b.asks[ix.price]
		queue = &q
	}

	for i, e := range *queue {
		if e.ID == hash {
			removed := e
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			if ix.side == domain.SideBuy {
				b.bids[ix.price] = *queue
				if len(*queue) == 0 {
					delete(b.bids, ix.price)
					b.removeFromBidHeap(ix.price)
				}
			} else {
				b.asks[ix.price] = *queue
				if len(*queue) == 0 {
					delete(b.asks, ix.price)
					b.removeFromAskHeap(ix.price)
				}
			}
			delete(b.index, hash)
			return removed, true
		}
	}
	return nil, false
}

// frontBid and frontAsk return the resting entry at the best bid or ask,
// without removing it.
func (b *book) frontBid() *domain.OrderBookEntry {
	price, ok := b.bestBid()
	if !ok {
		return nil
	}
	q := b.bids[price]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (b *book) frontAsk() *domain.OrderBookEntry {
	price, ok := b.bestAsk()
	if !ok {
		return nil
	}
	q := b.asks[price]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
