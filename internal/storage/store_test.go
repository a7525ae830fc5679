package storage

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadBalance(t *testing.T) {
	s := openTestStore(t)
	addr := common.HexToAddress("0xCC00000000000000000000000000000000000000")
	amt, _ := amount.FromDecimal("5000000000000000000")

	bal := domain.Balance{Available: amt, Locked: amount.Zero}
	if err := s.SaveBalance(addr, 1, bal); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.LoadBalance(addr, 1)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.Available.Cmp(amt) != 0 {
		t.Errorf("available = %s, want %s", got.Available, amt)
	}
}

func TestLoadBalanceMissing(t *testing.T) {
	s := openTestStore(t)
	addr := common.HexToAddress("0xDD00000000000000000000000000000000000000")
	_, ok, err := s.LoadBalance(addr, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Errorf("expected missing balance to report ok=false")
	}
}

func TestSaveLoadNonce(t *testing.T) {
	s := openTestStore(t)
	addr := common.HexToAddress("0xEE00000000000000000000000000000000000000")

	if err := s.SaveNonce(addr, 42); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadNonce(addr)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != 42 {
		t.Errorf("nonce = %d, want 42", got)
	}
}

func TestCancelledSet(t *testing.T) {
	s := openTestStore(t)
	var h domain.OrderHash
	h[0] = 0xAB

	cancelled, err := s.IsCancelled(h)
	if err != nil || cancelled {
		t.Fatalf("expected not cancelled before mark, got cancelled=%v err=%v", cancelled, err)
	}

	if err := s.MarkCancelled(h); err != nil {
		t.Fatalf("mark: %v", err)
	}
	cancelled, err = s.IsCancelled(h)
	if err != nil || !cancelled {
		t.Fatalf("expected cancelled after mark, got cancelled=%v err=%v", cancelled, err)
	}
}

func TestPendingDepositRoundTrip(t *testing.T) {
	s := openTestStore(t)
	amt, _ := amount.FromDecimal("1000000000000000000")
	d := domain.PendingDeposit{
		TxHash:        common.HexToHash("0x01"),
		LogIndex:      3,
		User:          common.HexToAddress("0xFF00000000000000000000000000000000000000"),
		Amount:        amt,
		BlockNumber:   100,
		Confirmations: 2,
		Indexed:       false,
	}
	if err := s.SavePendingDeposit(d); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := s.LoadPendingDeposits()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d deposits, want 1", len(all))
	}
	if all[0].Amount.Cmp(amt) != 0 || all[0].BlockNumber != 100 {
		t.Errorf("unexpected round-tripped deposit: %+v", all[0])
	}
}
