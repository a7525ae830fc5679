// Package risk implements per-address pre-trade risk checks (spec §4.3):
// tiered order-size/exposure/rate limits and exposure reservation. Tier
// shape follows the teacher's MarketParams/DefaultHYPLUSDC convention
// (pkg/app/core/market_params.go), generalized from one market's
// leverage/margin knobs to one address's account-wide limits. The teacher
// has no rate limiter of its own, so the per-minute order-rate budget is
// built on golang.org/x/time/rate instead of a hand-rolled window.
package risk

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/errs"
)

// Tier names an address's limit profile.
type Tier uint8

const (
	TierRetail Tier = iota
	TierVIP
	TierMarketMaker
)

// Limits is the per-tier set of risk limits (spec §4.3).
type Limits struct {
	MaxOrderSize        amount.Amount
	MaxExposure         amount.Amount
	MaxOrdersPerMinute  int
	MaxWithdrawalPerDay amount.Amount
}

// DefaultLimits mirrors the teacher's DefaultHYPLUSDC pattern: one
// well-commented baseline profile per tier, expressed in whole-collateral
// units via amount.FromDecimal for readability.
func DefaultLimits() map[Tier]Limits {
	maxOrderRetail, _ := amount.FromDecimal("5000000000000000000000")         // 5,000
	maxExposureRetail, _ := amount.FromDecimal("25000000000000000000000")     // 25,000
	maxWithdrawRetail, _ := amount.FromDecimal("10000000000000000000000")     // 10,000

	maxOrderVIP, _ := amount.FromDecimal("50000000000000000000000")       // 50,000
	maxExposureVIP, _ := amount.FromDecimal("250000000000000000000000")   // 250,000
	maxWithdrawVIP, _ := amount.FromDecimal("100000000000000000000000")   // 100,000

	maxOrderMM, _ := amount.FromDecimal("500000000000000000000000")     // 500,000
	maxExposureMM, _ := amount.FromDecimal("5000000000000000000000000") // 5,000,000
	maxWithdrawMM, _ := amount.FromDecimal("2000000000000000000000000") // 2,000,000

	return map[Tier]Limits{
		TierRetail: {
			MaxOrderSize:        maxOrderRetail,
			MaxExposure:         maxExposureRetail,
			MaxOrdersPerMinute:  60,
			MaxWithdrawalPerDay: maxWithdrawRetail,
		},
		TierVIP: {
			MaxOrderSize:        maxOrderVIP,
			MaxExposure:         maxExposureVIP,
			MaxOrdersPerMinute:  300,
			MaxWithdrawalPerDay: maxWithdrawVIP,
		},
		TierMarketMaker: {
			MaxOrderSize:        maxOrderMM,
			MaxExposure:         maxExposureMM,
			MaxOrdersPerMinute:  3000,
			MaxWithdrawalPerDay: maxWithdrawMM,
		},
	}
}

type account struct {
	tier     Tier
	exposure amount.Amount
	limiter  *rate.Limiter // per-minute order-rate budget, rebuilt on tier change
}

// newLimiter builds a token bucket refilling at the tier's per-minute order
// budget, with burst sized to the same budget so a quiet account can still
// place a full minute's worth of orders back-to-back.
func newLimiter(lim Limits) *rate.Limiter {
	perSecond := rate.Limit(float64(lim.MaxOrdersPerMinute) / rateWindow.Seconds())
	return rate.NewLimiter(perSecond, lim.MaxOrdersPerMinute)
}

// Engine tracks exposure and order-rate state per address and enforces
// Limits against it. All methods are safe for concurrent use: each one takes
// the engine's own mutex, which is not shared with the ledger, so a
// CheckOrder and the ReserveOrder that follows it are separate critical
// sections.
type Engine struct {
	mu       sync.Mutex
	limits   map[Tier]Limits
	accounts map[common.Address]*account
}

func NewEngine(limits map[Tier]Limits) *Engine {
	return &Engine{
		limits:   limits,
		accounts: make(map[common.Address]*account),
	}
}

// SetTier assigns addr's tier and rebuilds its rate limiter against the new
// tier's budget.
func (e *Engine) SetTier(addr common.Address, tier Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.accountLocked(addr)
	a.tier = tier
	a.limiter = newLimiter(e.limits[tier])
}

func (e *Engine) accountLocked(addr common.Address) *account {
	a, ok := e.accounts[addr]
	if !ok {
		a = &account{tier: TierRetail, limiter: newLimiter(e.limits[TierRetail])}
		e.accounts[addr] = a
	}
	return a
}

const rateWindow = time.Minute

// CheckOrder validates a proposed order's size and the address's current
// exposure/order-rate against its tier's limits, per spec §4.3. It does not
// mutate state; call ReserveOrder after the order is actually accepted.
func (e *Engine) CheckOrder(addr common.Address, size amount.Amount, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.accountLocked(addr)
	lim := e.limits[a.tier]

	if size.Cmp(lim.MaxOrderSize) > 0 {
		return errs.New(errs.SizeExceeded, addr.Hex())
	}
	if a.exposure.Add(size).Cmp(lim.MaxExposure) > 0 {
		return errs.New(errs.ExposureExceeded, addr.Hex())
	}

	if a.limiter.TokensAt(now) < 1 {
		return errs.New(errs.RateLimited, addr.Hex())
	}
	return nil
}

// ReserveOrder records an accepted order's exposure and rate-window entry.
// The order service calls it right after the ledger lock and before the
// matching engine sees the order, and calls ReleaseOrder to undo the
// exposure if the engine rejects it.
func (e *Engine) ReserveOrder(addr common.Address, size amount.Amount, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.accountLocked(addr)
	a.exposure = a.exposure.Add(size)
	a.limiter.AllowN(now, 1)
}

// ReleaseOrder reverses a prior ReserveOrder's exposure effect — called on
// cancel or fill-to-zero (spec §4.3). It never touches the rate window:
// once an order has been placed it counts against the minute's rate
// regardless of later cancellation.
func (e *Engine) ReleaseOrder(addr common.Address, size amount.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.accountLocked(addr)
	newExposure, ok := a.exposure.SubClamped(size)
	if !ok {
		// Exposure accounting invariant violation: releasing more than was
		// reserved indicates a caller bug upstream, not a recoverable state.
		panic(errs.New(errs.ExposureExceeded, addr.Hex()).Error())
	}
	a.exposure = newExposure
}

// Exposure returns addr's current reserved exposure, for monitoring/tests.
func (e *Engine) Exposure(addr common.Address) amount.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountLocked(addr).exposure
}
