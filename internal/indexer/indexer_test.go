package indexer

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/chain"
	"github.com/polyclob/exchange/internal/domain"
)

type fakeChain struct {
	head      uint64
	headers   map[uint64]common.Hash
	deposits  []chain.DepositLog
	claimed   []chain.ClaimedLog
	cancelled []chain.OrderCancelledLog
	nonces    map[common.Address]uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{headers: make(map[uint64]common.Hash), nonces: make(map[common.Address]uint64)}
}

func (f *fakeChain) HeadNumber(ctx context.Context) (uint64, error) { return f.head, nil }

// HeaderByNumber varies ParentHash per block so each synthetic header hashes
// distinctly; the indexer only ever compares Hash() for equality.
func (f *fakeChain) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	h, ok := f.headers[number]
	if !ok {
		h = common.BytesToHash([]byte{byte(number)})
	}
	return &types.Header{ParentHash: h}, nil
}

func (f *fakeChain) FilterDeposits(ctx context.Context, from, to uint64) ([]chain.DepositLog, error) {
	var out []chain.DepositLog
	for _, d := range f.deposits {
		if d.BlockNumber >= from && d.BlockNumber <= to {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeChain) FilterClaimed(ctx context.Context, from, to uint64) ([]chain.ClaimedLog, error) {
	var out []chain.ClaimedLog
	for _, c := range f.claimed {
		if c.BlockNumber >= from && c.BlockNumber <= to {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChain) FilterEpochCommitted(ctx context.Context, from, to uint64) ([]chain.EpochCommittedLog, error) {
	return nil, nil
}

func (f *fakeChain) FilterOrderCancelled(ctx context.Context, from, to uint64) ([]chain.OrderCancelledLog, error) {
	var out []chain.OrderCancelledLog
	for _, oc := range f.cancelled {
		if oc.BlockNumber >= from && oc.BlockNumber <= to {
			out = append(out, oc)
		}
	}
	return out, nil
}

func (f *fakeChain) NonceOf(ctx context.Context, addr common.Address) (uint64, error) {
	return f.nonces[addr], nil
}

type fakeLedger struct {
	balances map[common.Address]amount.Amount
	nonces   map[common.Address]uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[common.Address]amount.Amount), nonces: make(map[common.Address]uint64)}
}

func (l *fakeLedger) Credit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	l.balances[addr] = l.balances[addr].Add(amt)
	return nil
}

func (l *fakeLedger) Debit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	l.balances[addr] = l.balances[addr].Sub(amt)
	return nil
}

func (l *fakeLedger) GetNonce(addr common.Address) uint64 { return l.nonces[addr] }
func (l *fakeLedger) SetNonce(addr common.Address, n uint64) { l.nonces[addr] = n }

type fakeCancelledMarker struct{ marked []domain.OrderHash }

func (f *fakeCancelledMarker) MarkCancelled(hash domain.OrderHash) error {
	f.marked = append(f.marked, hash)
	return nil
}

type fakeDepositTracker struct {
	saved         []domain.PendingDeposit
	checkpointSet bool
	ckBlock       uint64
	ckHash        common.Hash
}

func (f *fakeDepositTracker) SavePendingDeposit(d domain.PendingDeposit) error {
	f.saved = append(f.saved, d)
	return nil
}

func (f *fakeDepositTracker) LoadPendingDeposits() ([]domain.PendingDeposit, error) {
	return f.saved, nil
}

func (f *fakeDepositTracker) SaveCheckpoint(block uint64, hash common.Hash) error {
	f.checkpointSet = true
	f.ckBlock = block
	f.ckHash = hash
	return nil
}

func (f *fakeDepositTracker) LoadCheckpoint() (uint64, common.Hash, bool, error) {
	return f.ckBlock, f.ckHash, f.checkpointSet, nil
}

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func mustAmt(t *testing.T, s string) amount.Amount {
	t.Helper()
	a, err := amount.FromDecimal(s)
	if err != nil {
		t.Fatalf("amount.FromDecimal(%q): %v", s, err)
	}
	return a
}

func newTestService(cs *fakeChain, ledger *fakeLedger, marker *fakeCancelledMarker, tracker *fakeDepositTracker) *Service {
	return New(cs, ledger, marker, tracker, nil, 20, zap.NewNop())
}

func TestPollCreditsConfirmedDeposit(t *testing.T) {
	cs := newFakeChain()
	cs.head = 100
	user := addr(1)
	cs.deposits = []chain.DepositLog{
		{TxHash: common.HexToHash("0x1"), LogIndex: 0, BlockNumber: 50, User: user, Amount: mustAmt(t, "1000000000000000000")},
	}
	ledger := newFakeLedger()
	svc := newTestService(cs, ledger, &fakeCancelledMarker{}, &fakeDepositTracker{})

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ledger.balances[user].IsZero() {
		t.Fatal("expected deposit to be credited within the confirmed window")
	}
}

func TestPollDoesNotCreditBeyondSafeBlock(t *testing.T) {
	cs := newFakeChain()
	cs.head = 30 // safeBlock = 30-20 = 10
	user := addr(2)
	cs.deposits = []chain.DepositLog{
		{TxHash: common.HexToHash("0x2"), LogIndex: 0, BlockNumber: 25, User: user, Amount: mustAmt(t, "5000000000000000000")},
	}
	ledger := newFakeLedger()
	tracker := &fakeDepositTracker{}
	svc := newTestService(cs, ledger, &fakeCancelledMarker{}, tracker)

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !ledger.balances[user].IsZero() {
		t.Fatal("expected deposit beyond safeBlock to not be credited yet")
	}
	if len(tracker.saved) == 0 {
		t.Fatal("expected the unconfirmed deposit to be tracked as pending")
	}
}

func TestPollPromotesPendingOnceConfirmed(t *testing.T) {
	cs := newFakeChain()
	cs.head = 30
	user := addr(3)
	cs.deposits = []chain.DepositLog{
		{TxHash: common.HexToHash("0x3"), LogIndex: 0, BlockNumber: 25, User: user, Amount: mustAmt(t, "2000000000000000000")},
	}
	ledger := newFakeLedger()
	svc := newTestService(cs, ledger, &fakeCancelledMarker{}, &fakeDepositTracker{})

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !ledger.balances[user].IsZero() {
		t.Fatal("should not be credited yet")
	}

	cs.head = 46 // now 21 confirmations on block 25
	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll 2: %v", err)
	}
	if ledger.balances[user].IsZero() {
		t.Fatal("expected deposit to be promoted and credited once confirmed")
	}
}

func TestPollIsIdempotentAcrossCycles(t *testing.T) {
	cs := newFakeChain()
	cs.head = 100
	user := addr(4)
	cs.deposits = []chain.DepositLog{
		{TxHash: common.HexToHash("0x4"), LogIndex: 0, BlockNumber: 50, User: user, Amount: mustAmt(t, "1000000000000000000")},
	}
	ledger := newFakeLedger()
	svc := newTestService(cs, ledger, &fakeCancelledMarker{}, &fakeDepositTracker{})

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll 1: %v", err)
	}
	cs.head = 101
	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll 2: %v", err)
	}
	want := mustAmt(t, "1000000000000000000")
	if ledger.balances[user].Cmp(want) != 0 {
		t.Fatalf("expected balance to equal a single deposit, got %s", ledger.balances[user])
	}
}

func TestPollMarksOrderCancelled(t *testing.T) {
	cs := newFakeChain()
	cs.head = 100
	var oh domain.OrderHash
	oh[0] = 0xAB
	cs.cancelled = []chain.OrderCancelledLog{
		{TxHash: common.HexToHash("0x5"), LogIndex: 0, BlockNumber: 50, OrderHash: oh},
	}
	marker := &fakeCancelledMarker{}
	svc := newTestService(cs, newFakeLedger(), marker, &fakeDepositTracker{})

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(marker.marked) != 1 || marker.marked[0] != oh {
		t.Fatalf("expected order hash %x marked cancelled, got %v", oh, marker.marked)
	}
}

func TestRestoreReloadsCheckpointAndPreventsDoubleCredit(t *testing.T) {
	cs := newFakeChain()
	cs.head = 100
	user := addr(7)
	dep := chain.DepositLog{TxHash: common.HexToHash("0x7"), LogIndex: 0, BlockNumber: 50, User: user, Amount: mustAmt(t, "3000000000000000000")}
	cs.deposits = []chain.DepositLog{dep}
	ledger := newFakeLedger()
	tracker := &fakeDepositTracker{}
	svc := newTestService(cs, ledger, &fakeCancelledMarker{}, tracker)

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll 1: %v", err)
	}
	if !tracker.checkpointSet {
		t.Fatal("expected Poll to persist a checkpoint")
	}
	credited := ledger.balances[user]
	if credited.IsZero() {
		t.Fatal("expected deposit credited in first poll")
	}

	// Simulate a restart: fresh Service sharing the same persisted tracker
	// and ledger, but with an empty in-memory idempotency cache.
	restarted := newTestService(cs, ledger, &fakeCancelledMarker{}, tracker)
	if err := restarted.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := restarted.LastProcessedBlock(); got != tracker.ckBlock {
		t.Fatalf("expected restored lastProcessedBlock=%d, got %d", tracker.ckBlock, got)
	}

	if err := restarted.Poll(context.Background()); err != nil {
		t.Fatalf("Poll after restore: %v", err)
	}
	if ledger.balances[user].Cmp(credited) != 0 {
		t.Fatalf("expected no double-credit after restart, balance changed from %s to %s", credited, ledger.balances[user])
	}
}

func TestLastProcessedBlockAdvancesToSafeBlock(t *testing.T) {
	cs := newFakeChain()
	cs.head = 50
	svc := newTestService(cs, newFakeLedger(), &fakeCancelledMarker{}, &fakeDepositTracker{})

	if err := svc.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := svc.LastProcessedBlock(); got != 30 {
		t.Fatalf("expected lastProcessedBlock=30 (50-20), got %d", got)
	}
}
