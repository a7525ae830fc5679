package matching

import "github.com/polyclob/exchange/internal/amount"

// maxPriceHeap implements heap.Interface for bid prices (highest price on
// top), generalized from the teacher's MaxPriceHeap (pkg/app/core/orderbook/heap.go)
// from int64 ticks to amount.Amount, comparing via Cmp instead of <.
type maxPriceHeap []amount.Amount

func (h maxPriceHeap) Len() int           { return len(h) }
func (h maxPriceHeap) Less(i, j int) bool { return h[i].Cmp(h[j]) > 0 }
func (h maxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(amount.Amount))
}

func (h *maxPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h maxPriceHeap) Peek() (amount.Amount, bool) {
	if len(h) == 0 {
		return amount.Zero, false
	}
	return h[0], true
}

// minPriceHeap implements heap.Interface for ask prices (lowest price on top).
type minPriceHeap []amount.Amount

func (h minPriceHeap) Len() int           { return len(h) }
func (h minPriceHeap) Less(i, j int) bool { return h[i].Cmp(h[j]) < 0 }
func (h minPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minPriceHeap) Push(x interface{}) {
	*h = append(*h, x.(amount.Amount))
}

func (h *minPriceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h minPriceHeap) Peek() (amount.Amount, bool) {
	if len(h) == 0 {
		return amount.Zero, false
	}
	return h[0], true
}
