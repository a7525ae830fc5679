package orders

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/market"
)

type fakeLedger struct {
	locked   map[string]amount.Amount
	nonces   map[common.Address]uint64
	failLock bool
}

func legKey(addr common.Address, tokenID domain.TokenID) string {
	return fmt.Sprintf("%s|%d", addr.Hex(), tokenID)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{locked: make(map[string]amount.Amount), nonces: make(map[common.Address]uint64)}
}

func (f *fakeLedger) Lock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	if f.failLock {
		return errs.New(errs.InsufficientBalance, addr.Hex())
	}
	k := legKey(addr, tokenID)
	f.locked[k] = f.locked[k].Add(amt)
	return nil
}

func (f *fakeLedger) Unlock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	k := legKey(addr, tokenID)
	newAmt, ok := f.locked[k].SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, addr.Hex())
	}
	f.locked[k] = newAmt
	return nil
}

func (f *fakeLedger) GetNonce(addr common.Address) uint64 { return f.nonces[addr] }

type fakeVerifier struct {
	fail bool
	hash domain.OrderHash
}

func (f *fakeVerifier) Verify(o *domain.SignedOrder) (domain.OrderHash, error) {
	if f.fail {
		return domain.OrderHash{}, errs.New(errs.InvalidSignature, o.Maker.Hex())
	}
	return f.hash, nil
}

type fakeRisk struct {
	failCheck bool
	reserved  []amount.Amount
	released  []amount.Amount
}

func (f *fakeRisk) CheckOrder(addr common.Address, size amount.Amount, now time.Time) error {
	if f.failCheck {
		return errs.New(errs.SizeExceeded, addr.Hex())
	}
	return nil
}
func (f *fakeRisk) ReserveOrder(addr common.Address, size amount.Amount, now time.Time) {
	f.reserved = append(f.reserved, size)
}
func (f *fakeRisk) ReleaseOrder(addr common.Address, size amount.Amount) {
	f.released = append(f.released, size)
}

type fakeEngine struct {
	submitErr error
	fillAll   bool
	resting   map[domain.OrderHash]*domain.OrderBookEntry
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{resting: make(map[domain.OrderHash]*domain.OrderBookEntry)}
}

func (f *fakeEngine) Submit(entry *domain.OrderBookEntry) ([]domain.Trade, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.fillAll {
		entry.Remaining = amount.Zero
		entry.Status = domain.StatusFilled
		return []domain.Trade{{ID: 1}}, nil
	}
	f.resting[entry.ID] = entry
	return nil, nil
}

func (f *fakeEngine) Cancel(marketID domain.MarketID, tokenID domain.TokenID, hash domain.OrderHash) (*domain.OrderBookEntry, bool) {
	e, ok := f.resting[hash]
	if ok {
		delete(f.resting, hash)
	}
	return e, ok
}

type fakeStore struct {
	saved     map[domain.OrderHash]*domain.OrderBookEntry
	deleted   map[domain.OrderHash]bool
	cancelled map[domain.OrderHash]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved:     make(map[domain.OrderHash]*domain.OrderBookEntry),
		deleted:   make(map[domain.OrderHash]bool),
		cancelled: make(map[domain.OrderHash]bool),
	}
}

func (f *fakeStore) SaveOrder(e *domain.OrderBookEntry) error {
	f.saved[e.ID] = e
	return nil
}

func (f *fakeStore) DeleteOrder(hash domain.OrderHash) error {
	f.deleted[hash] = true
	return nil
}

func (f *fakeStore) MarkCancelled(hash domain.OrderHash) error {
	f.cancelled[hash] = true
	return nil
}

type fakeWAL struct{ lines []string }

func (f *fakeWAL) Append(line string) { f.lines = append(f.lines, line) }

type fakePublisher struct{ events []string }

func (f *fakePublisher) Publish(channel string, payload interface{}) {
	f.events = append(f.events, channel)
}

func testRegistry(t *testing.T) (*market.Registry, domain.MarketID) {
	t.Helper()
	reg := market.NewRegistry()
	var id domain.MarketID
	id[0] = 0x01
	if err := reg.Register(&market.Market{ID: id, YesTokenID: 1, NoTokenID: 2, Status: market.Active}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg, id
}

func mustAmt(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.FromDecimal(s)
	if err != nil {
		t.Fatalf("bad amount %q: %v", s, err)
	}
	return a
}

var maker = common.HexToAddress("0xA1A1000000000000000000000000000000000000")

func testOrder(t *testing.T, marketID domain.MarketID) *domain.SignedOrder {
	t.Helper()
	return &domain.SignedOrder{
		Maker:       maker,
		Signer:      maker,
		MarketID:    marketID,
		TokenID:     1,
		Side:        domain.SideBuy,
		MakerAmount: mustAmt(t, "5000000000000000000"),
		TakerAmount: mustAmt(t, "10000000000000000000"),
	}
}

func newTestService(t *testing.T) (*Service, *fakeLedger, *fakeRisk, *fakeEngine, *fakeStore, *fakeWAL, *fakePublisher, domain.MarketID) {
	t.Helper()
	reg, marketID := testRegistry(t)
	led := newFakeLedger()
	risk := &fakeRisk{}
	eng := newFakeEngine()
	store := newFakeStore()
	wal := &fakeWAL{}
	pub := &fakePublisher{}
	verifier := &fakeVerifier{hash: domain.OrderHash{0xAB}}

	svc, err := New(led, verifier, risk, eng, reg, store, wal, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, led, risk, eng, store, wal, pub, marketID
}

func TestSubmitRestsOrder(t *testing.T) {
	svc, led, risk, _, store, wal, pub, marketID := newTestService(t)
	o := testOrder(t, marketID)

	entry, trades, err := svc.Submit(o)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades, got %d", len(trades))
	}
	if entry.Status != domain.StatusOpen {
		t.Errorf("status = %v, want OPEN", entry.Status)
	}

	locked := led.locked[legKey(maker, domain.CollateralTokenID)]
	if locked.Cmp(o.MakerAmount) != 0 {
		t.Errorf("locked collateral = %s, want %s", locked, o.MakerAmount)
	}
	if len(risk.reserved) != 1 {
		t.Errorf("expected one risk reservation, got %d", len(risk.reserved))
	}
	if _, ok := store.saved[entry.ID]; !ok {
		t.Error("expected order to be persisted")
	}
	if len(wal.lines) != 1 {
		t.Errorf("expected one WAL line, got %d", len(wal.lines))
	}
	if len(pub.events) != 1 || pub.events[0] != "orders" {
		t.Errorf("expected one orders publish, got %v", pub.events)
	}
}

func TestSubmitInvalidSignature(t *testing.T) {
	reg, marketID := testRegistry(t)
	led := newFakeLedger()
	risk := &fakeRisk{}
	eng := newFakeEngine()
	store := newFakeStore()
	wal := &fakeWAL{}
	pub := &fakePublisher{}
	verifier := &fakeVerifier{fail: true}

	svc, err := New(led, verifier, risk, eng, reg, store, wal, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = svc.Submit(testOrder(t, marketID))
	if !errs.Is(err, errs.InvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
	if len(led.locked) != 0 {
		t.Error("expected no ledger locks on signature failure")
	}
}

func TestSubmitExpiredOrder(t *testing.T) {
	svc, _, _, _, _, _, _, marketID := newTestService(t)
	o := testOrder(t, marketID)
	o.Expiration = time.Now().Add(-time.Hour).Unix()

	_, _, err := svc.Submit(o)
	if !errs.Is(err, errs.Expired) {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestSubmitStaleNonce(t *testing.T) {
	svc, led, _, _, _, _, _, marketID := newTestService(t)
	led.nonces[maker] = 5
	o := testOrder(t, marketID)
	o.Nonce = 1

	_, _, err := svc.Submit(o)
	if !errs.Is(err, errs.StaleNonce) {
		t.Fatalf("expected StaleNonce, got %v", err)
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	svc, _, _, _, _, _, _, marketID := newTestService(t)
	o := testOrder(t, marketID)

	if _, _, err := svc.Submit(o); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, _, err := svc.Submit(o)
	if !errs.Is(err, errs.Duplicate) {
		t.Fatalf("expected Duplicate, got %v", err)
	}
}

func TestSubmitRiskRejectedBeforeLock(t *testing.T) {
	reg, marketID := testRegistry(t)
	led := newFakeLedger()
	risk := &fakeRisk{failCheck: true}
	eng := newFakeEngine()
	store := newFakeStore()
	wal := &fakeWAL{}
	pub := &fakePublisher{}
	verifier := &fakeVerifier{hash: domain.OrderHash{0xCD}}

	svc, err := New(led, verifier, risk, eng, reg, store, wal, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = svc.Submit(testOrder(t, marketID))
	if !errs.Is(err, errs.SizeExceeded) {
		t.Fatalf("expected SizeExceeded, got %v", err)
	}
	if len(led.locked) != 0 {
		t.Error("expected no ledger lock when risk check fails")
	}
}

func TestSubmitEngineFailureUnwindsLockAndExposure(t *testing.T) {
	reg, marketID := testRegistry(t)
	led := newFakeLedger()
	risk := &fakeRisk{}
	eng := newFakeEngine()
	eng.submitErr = errs.New(errs.SelfMatch, maker.Hex())
	store := newFakeStore()
	wal := &fakeWAL{}
	pub := &fakePublisher{}
	verifier := &fakeVerifier{hash: domain.OrderHash{0xEF}}

	svc, err := New(led, verifier, risk, eng, reg, store, wal, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = svc.Submit(testOrder(t, marketID))
	if !errs.Is(err, errs.SelfMatch) {
		t.Fatalf("expected SelfMatch, got %v", err)
	}
	if locked := led.locked[legKey(maker, domain.CollateralTokenID)]; !locked.IsZero() {
		t.Errorf("expected lock unwound to zero, got %s", locked)
	}
	if len(risk.reserved) != 1 || len(risk.released) != 1 {
		t.Errorf("expected reserve+release pair, got reserved=%d released=%d", len(risk.reserved), len(risk.released))
	}
}

func TestCancelReleasesLockAndExposure(t *testing.T) {
	svc, led, risk, _, store, _, _, marketID := newTestService(t)
	o := testOrder(t, marketID)
	entry, _, err := svc.Submit(o)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Cancel(marketID, o.TokenID, entry.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if locked := led.locked[legKey(maker, domain.CollateralTokenID)]; !locked.IsZero() {
		t.Errorf("expected lock released, got %s", locked)
	}
	if len(risk.released) != 1 {
		t.Errorf("expected one risk release, got %d", len(risk.released))
	}
	if !store.deleted[entry.ID] {
		t.Error("expected persisted order to be deleted on cancel")
	}
}

func TestSweepExpiredCancelsPastDeadline(t *testing.T) {
	svc, led, risk, _, _, wal, _, marketID := newTestService(t)
	o := testOrder(t, marketID)
	o.Expiration = time.Now().Add(time.Hour).Unix()

	entry, _, err := svc.Submit(o)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n := svc.SweepExpired()
	if n != 1 {
		t.Fatalf("expected 1 expired order swept, got %d", n)
	}
	if locked := led.locked[legKey(maker, domain.CollateralTokenID)]; !locked.IsZero() {
		t.Errorf("expected lock released after sweep, got %s", locked)
	}
	if len(risk.released) != 1 {
		t.Errorf("expected one risk release from sweep, got %d", len(risk.released))
	}
	foundExpireLine := false
	for _, l := range wal.lines {
		if l == "EXPIRE hash="+entry.ID.Hex() {
			foundExpireLine = true
		}
	}
	if !foundExpireLine {
		t.Errorf("expected an EXPIRE WAL line, got %v", wal.lines)
	}
}

func TestSweepExpiredLeavesFreshOrders(t *testing.T) {
	svc, _, _, _, _, _, _, marketID := newTestService(t)
	o := testOrder(t, marketID)
	o.Expiration = time.Now().Add(time.Hour).Unix()

	if _, _, err := svc.Submit(o); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if n := svc.SweepExpired(); n != 0 {
		t.Fatalf("expected 0 expired, got %d", n)
	}
}
