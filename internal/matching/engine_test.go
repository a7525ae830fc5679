package matching

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/market"
)

// fakeLedger is an in-memory stand-in for internal/ledger.Ledger, letting
// these tests assert on debit/credit effects without pulling in Pebble.
type fakeLedger struct {
	available map[balKey]amount.Amount
	locked    map[balKey]amount.Amount
}

type balKey struct {
	addr    common.Address
	tokenID domain.TokenID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		available: make(map[balKey]amount.Amount),
		locked:    make(map[balKey]amount.Amount),
	}
}

func (f *fakeLedger) lockInitial(addr common.Address, tokenID domain.TokenID, amt amount.Amount) {
	f.locked[balKey{addr, tokenID}] = f.locked[balKey{addr, tokenID}].Add(amt)
}

func (f *fakeLedger) SettleLocked(debitor, creditor common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	k := balKey{debitor, tokenID}
	newLocked, ok := f.locked[k].SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, debitor.Hex())
	}
	f.locked[k] = newLocked
	ck := balKey{creditor, tokenID}
	f.available[ck] = f.available[ck].Add(amt)
	return nil
}

func (f *fakeLedger) Credit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	k := balKey{addr, tokenID}
	f.available[k] = f.available[k].Add(amt)
	return nil
}

func (f *fakeLedger) Unlock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	k := balKey{addr, tokenID}
	newLocked, ok := f.locked[k].SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, addr.Hex())
	}
	f.locked[k] = newLocked
	f.available[k] = f.available[k].Add(amt)
	return nil
}

func (f *fakeLedger) Debit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	k := balKey{addr, tokenID}
	newAvail, ok := f.available[k].SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, addr.Hex())
	}
	f.available[k] = newAvail
	return nil
}

var (
	alice = common.HexToAddress("0xA1A1000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xB0B0000000000000000000000000000000000000")
)

func mustAmt(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.FromDecimal(s)
	if err != nil {
		t.Fatalf("bad amount %q: %v", s, err)
	}
	return a
}

func newTestMarket(t *testing.T) (*market.Registry, domain.MarketID) {
	t.Helper()
	reg := market.NewRegistry()
	var id domain.MarketID
	id[0] = 0xAA
	if err := reg.Register(&market.Market{ID: id, YesTokenID: 1, NoTokenID: 2, Status: market.Active}); err != nil {
		t.Fatalf("register market: %v", err)
	}
	return reg, id
}

func entryFor(t *testing.T, maker common.Address, marketID domain.MarketID, tokenID domain.TokenID, side domain.Side, makerAmt, takerAmt string) *domain.OrderBookEntry {
	t.Helper()
	ma := mustAmt(t, makerAmt)
	ta := mustAmt(t, takerAmt)
	o := &domain.SignedOrder{
		Maker:       maker,
		Signer:      maker,
		MarketID:    marketID,
		TokenID:     tokenID,
		Side:        side,
		MakerAmount: ma,
		TakerAmount: ta,
	}
	remaining := ta
	if side == domain.SideSell {
		remaining = ma
	}
	return &domain.OrderBookEntry{
		ID:        domain.OrderHash(common.BytesToHash([]byte(maker.Hex() + string(rune(tokenID)) + side.String()))),
		Order:     o,
		Remaining: remaining,
		Timestamp: time.Now(),
		Status:    domain.StatusOpen,
	}
}

// TestComplementaryMatch: a SELL resting at price 0.5, a crossing BUY taker,
// fully fills both sides and settles collateral<->token.
func TestComplementaryMatch(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	// Bob sells 10 YES tokens at price 0.5 (makerAmount=10 tokens, takerAmount=5 collateral).
	sellEntry := entryFor(t, bob, marketID, 1, domain.SideSell, "10000000000000000000", "5000000000000000000")
	led.lockInitial(bob, 1, sellEntry.Remaining)
	if _, err := eng.Submit(sellEntry); err != nil {
		t.Fatalf("rest sell: %v", err)
	}

	// Alice buys 10 YES at price 0.5 (makerAmount=5 collateral, takerAmount=10 tokens).
	buyEntry := entryFor(t, alice, marketID, 1, domain.SideBuy, "5000000000000000000", "10000000000000000000")
	led.lockInitial(alice, domain.CollateralTokenID, mustAmt(t, "5000000000000000000"))

	trades, err := eng.Submit(buyEntry)
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if trades[0].MatchType != domain.MatchComplementary {
		t.Errorf("match type = %v, want COMPLEMENTARY", trades[0].MatchType)
	}
	if !buyEntry.Remaining.IsZero() || !sellEntry.Remaining.IsZero() {
		t.Errorf("expected both orders fully filled, got buy=%s sell=%s", buyEntry.Remaining, sellEntry.Remaining)
	}

	bobCollateral := led.available[balKey{bob, domain.CollateralTokenID}]
	want := mustAmt(t, "5000000000000000000")
	if bobCollateral.Cmp(want) != 0 {
		t.Errorf("bob collateral = %s, want %s", bobCollateral, want)
	}
	aliceTokens := led.available[balKey{alice, 1}]
	wantTokens := mustAmt(t, "10000000000000000000")
	if aliceTokens.Cmp(wantTokens) != 0 {
		t.Errorf("alice tokens = %s, want %s", aliceTokens, wantTokens)
	}
}

// TestComplementaryBuyPriceImprovementUnlocksResidual: a BUY taker locks
// collateral at its own (worse) limit price but fills against a
// better-priced resting ask; the unspent difference must come back out of
// `locked` rather than stranding there once the order is fully filled.
func TestComplementaryBuyPriceImprovementUnlocksResidual(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	// Bob sells 10 YES at price 0.4 (makerAmount=10 tokens, takerAmount=4 collateral).
	sellEntry := entryFor(t, bob, marketID, 1, domain.SideSell, "10000000000000000000", "4000000000000000000")
	led.lockInitial(bob, 1, sellEntry.Remaining)
	if _, err := eng.Submit(sellEntry); err != nil {
		t.Fatalf("rest sell: %v", err)
	}

	// Alice buys 10 YES at limit price 0.5 (makerAmount=5 collateral locked
	// up front, takerAmount=10 tokens) — crosses bob's cheaper 0.4 ask.
	buyEntry := entryFor(t, alice, marketID, 1, domain.SideBuy, "5000000000000000000", "10000000000000000000")
	led.lockInitial(alice, domain.CollateralTokenID, mustAmt(t, "5000000000000000000"))

	trades, err := eng.Submit(buyEntry)
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if !buyEntry.Remaining.IsZero() {
		t.Fatalf("expected buy fully filled, got remaining=%s", buyEntry.Remaining)
	}

	// Only the actual 0.4-priced cost (4 collateral) should have left
	// alice's locked balance; the 1-collateral price-improvement residual
	// must be unlocked back to available, not stranded in locked.
	aliceLocked := led.locked[balKey{alice, domain.CollateralTokenID}]
	if !aliceLocked.IsZero() {
		t.Errorf("alice locked collateral = %s, want 0 (residual stranded)", aliceLocked)
	}
	aliceAvailable := led.available[balKey{alice, domain.CollateralTokenID}]
	wantResidual := mustAmt(t, "1000000000000000000")
	if aliceAvailable.Cmp(wantResidual) != 0 {
		t.Errorf("alice available collateral = %s, want %s refunded residual", aliceAvailable, wantResidual)
	}
}

func TestSelfMatchRejected(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	sellEntry := entryFor(t, alice, marketID, 1, domain.SideSell, "10000000000000000000", "5000000000000000000")
	led.lockInitial(alice, 1, sellEntry.Remaining)
	if _, err := eng.Submit(sellEntry); err != nil {
		t.Fatalf("rest sell: %v", err)
	}

	buyEntry := entryFor(t, alice, marketID, 1, domain.SideBuy, "5000000000000000000", "10000000000000000000")
	led.lockInitial(alice, domain.CollateralTokenID, mustAmt(t, "5000000000000000000"))

	_, err := eng.Submit(buyEntry)
	if !errs.Is(err, errs.SelfMatch) {
		t.Fatalf("expected SelfMatch, got %v", err)
	}
}

// TestMintMatch: two buyers on complementary YES/NO tokens whose prices sum
// to exactly ONE cross as a MINT.
func TestMintMatch(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	// Bob buys NO at price 0.4: makerAmount=4 collateral, takerAmount=10 tokens.
	noBuy := entryFor(t, bob, marketID, 2, domain.SideBuy, "4000000000000000000", "10000000000000000000")
	led.lockInitial(bob, domain.CollateralTokenID, mustAmt(t, "4000000000000000000"))
	if _, err := eng.Submit(noBuy); err != nil {
		t.Fatalf("rest no-buy: %v", err)
	}

	// Alice buys YES at price 0.6: makerAmount=6 collateral, takerAmount=10 tokens.
	yesBuy := entryFor(t, alice, marketID, 1, domain.SideBuy, "6000000000000000000", "10000000000000000000")
	led.lockInitial(alice, domain.CollateralTokenID, mustAmt(t, "6000000000000000000"))

	trades, err := eng.Submit(yesBuy)
	if err != nil {
		t.Fatalf("submit yes-buy: %v", err)
	}
	if len(trades) != 1 || trades[0].MatchType != domain.MatchMint {
		t.Fatalf("expected one MINT trade, got %+v", trades)
	}
	if !yesBuy.Remaining.IsZero() || !noBuy.Remaining.IsZero() {
		t.Errorf("expected both mint legs fully filled, got yes=%s no=%s", yesBuy.Remaining, noBuy.Remaining)
	}

	aliceYes := led.available[balKey{alice, 1}]
	bobNo := led.available[balKey{bob, 2}]
	want := mustAmt(t, "10000000000000000000")
	if aliceYes.Cmp(want) != 0 || bobNo.Cmp(want) != 0 {
		t.Errorf("expected both buyers credited 10 tokens, got alice=%s bob=%s", aliceYes, bobNo)
	}
}

func TestMintDoesNotCrossBelowOne(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	// Prices sum to 0.9, below ONE: should not mint.
	noBuy := entryFor(t, bob, marketID, 2, domain.SideBuy, "4000000000000000000", "10000000000000000000")
	led.lockInitial(bob, domain.CollateralTokenID, mustAmt(t, "4000000000000000000"))
	_, _ = eng.Submit(noBuy)

	yesBuy := entryFor(t, alice, marketID, 1, domain.SideBuy, "5000000000000000000", "10000000000000000000")
	led.lockInitial(alice, domain.CollateralTokenID, mustAmt(t, "5000000000000000000"))

	trades, err := eng.Submit(yesBuy)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected no mint trade below price-sum ONE, got %+v", trades)
	}
	if yesBuy.Remaining.IsZero() {
		t.Error("expected yesBuy to rest unfilled")
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	sellEntry := entryFor(t, bob, marketID, 1, domain.SideSell, "10000000000000000000", "5000000000000000000")
	led.lockInitial(bob, 1, sellEntry.Remaining)
	if _, err := eng.Submit(sellEntry); err != nil {
		t.Fatalf("rest sell: %v", err)
	}

	removed, ok := eng.Cancel(marketID, 1, sellEntry.ID)
	if !ok || removed.ID != sellEntry.ID {
		t.Fatalf("expected to cancel resting order, ok=%v removed=%+v", ok, removed)
	}

	if _, ok := eng.Cancel(marketID, 1, sellEntry.ID); ok {
		t.Error("expected second cancel of same order to report not found")
	}
}

func TestDrainTradesEmptiesQueue(t *testing.T) {
	reg, marketID := newTestMarket(t)
	led := newFakeLedger()
	eng := NewEngine(reg, led)

	sellEntry := entryFor(t, bob, marketID, 1, domain.SideSell, "10000000000000000000", "5000000000000000000")
	led.lockInitial(bob, 1, sellEntry.Remaining)
	_, _ = eng.Submit(sellEntry)

	buyEntry := entryFor(t, alice, marketID, 1, domain.SideBuy, "5000000000000000000", "10000000000000000000")
	led.lockInitial(alice, domain.CollateralTokenID, mustAmt(t, "5000000000000000000"))
	_, _ = eng.Submit(buyEntry)

	drained := eng.DrainTrades()
	if len(drained) != 1 {
		t.Fatalf("got %d drained trades, want 1", len(drained))
	}
	if more := eng.DrainTrades(); len(more) != 0 {
		t.Errorf("expected second drain to be empty, got %d", len(more))
	}
}
