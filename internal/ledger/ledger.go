// Package ledger implements the exchange's single authoritative off-chain
// balance store (spec §4.1). It owns Balance{available,locked} per
// (address, tokenId) and the per-address nonce, and is the only package
// allowed to mutate them. All mutations are serialized under one mutex
// (spec §5: "All ledger and book mutations go through a single serialized
// section") — generalized from the teacher's AccountManager
// (pkg/app/core/account/manager.go), which serialized a single USDC balance
// the same way.
package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
)

type key struct {
	addr    common.Address
	tokenID domain.TokenID
}

// Ledger is the exchange's authoritative balance and nonce store.
type Ledger struct {
	mu       sync.Mutex
	balances map[key]*domain.Balance
	nonces   map[common.Address]uint64
	store    Store // optional durable backing; nil disables persistence
}

// Store is the durable persistence hook the ledger writes through to on
// every mutation, satisfied by internal/storage's Pebble-backed
// implementation (spec §6 persisted-state note).
type Store interface {
	SaveBalance(addr common.Address, tokenID domain.TokenID, bal domain.Balance) error
	SaveNonce(addr common.Address, nonce uint64) error
}

// New creates an empty ledger. Pass a nil store for a pure in-memory ledger
// (as this package's own tests do).
func New(store Store) *Ledger {
	return &Ledger{
		balances: make(map[key]*domain.Balance),
		nonces:   make(map[common.Address]uint64),
		store:    store,
	}
}

// Loader is the bulk-read surface the ledger pulls from exactly once at
// startup to repopulate its in-memory state from persistence (spec §6
// persisted-state note), satisfied by internal/storage.Store.
type Loader interface {
	LoadAllBalances() ([]domain.BalanceRecord, error)
	LoadAllNonces() ([]domain.NonceRecord, error)
}

// Restore repopulates the ledger's in-memory balances and nonces from
// loader. Values are already durable, so this bypasses persistBalanceLocked
// rather than re-writing what was just read back.
func (l *Ledger) Restore(loader Loader) error {
	balances, err := loader.LoadAllBalances()
	if err != nil {
		return err
	}
	nonces, err := loader.LoadAllNonces()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range balances {
		b := r.Balance
		l.balances[key{r.Addr, r.TokenID}] = &b
	}
	for _, r := range nonces {
		l.nonces[r.Addr] = r.Nonce
	}
	return nil
}

func (l *Ledger) balanceLocked(addr common.Address, tokenID domain.TokenID) *domain.Balance {
	k := key{addr, tokenID}
	b, ok := l.balances[k]
	if !ok {
		b = &domain.Balance{}
		l.balances[k] = b
	}
	return b
}

func (l *Ledger) persistBalanceLocked(addr common.Address, tokenID domain.TokenID, b *domain.Balance) {
	if l.store == nil {
		return
	}
	// Best-effort: a persistence failure is dropped here, neither returned to
	// the caller nor logged, and is not fatal to the in-memory invariant (the
	// in-memory ledger remains the
	// authoritative source within a process lifetime; replay from the store
	// plus indexer re-catchup reconstructs state after a restart, per spec §6).
	_ = l.store.SaveBalance(addr, tokenID, *b)
}

// Balance returns a snapshot of an address's balance for tokenID. Read-only
// snapshots may be produced under the same lock and returned by value
// (spec §5).
func (l *Ledger) Balance(addr common.Address, tokenID domain.TokenID) domain.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.balanceLocked(addr, tokenID)
}

// GetNonce returns the address's current nonce (0 if never set).
func (l *Ledger) GetNonce(addr common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[addr]
}

// SetNonce stores max(current, n) — monotonic, per spec §4.1 and testable
// property §8.8.
func (l *Ledger) SetNonce(addr common.Address, n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.nonces[addr] {
		l.nonces[addr] = n
		if l.store != nil {
			_ = l.store.SaveNonce(addr, n)
		}
	}
}

// Credit adds to available balance. Fails if amount <= 0.
func (l *Ledger) Credit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	if amt.IsZero() {
		return errs.New(errs.BadRequest, "credit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balanceLocked(addr, tokenID)
	b.Available = b.Available.Add(amt)
	l.persistBalanceLocked(addr, tokenID, b)
	return nil
}

// Debit subtracts from available balance.
func (l *Ledger) Debit(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	if amt.IsZero() {
		return errs.New(errs.BadRequest, "debit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balanceLocked(addr, tokenID)
	newAvail, ok := b.Available.SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, addr.Hex())
	}
	b.Available = newAvail
	l.persistBalanceLocked(addr, tokenID, b)
	return nil
}

// Lock moves available -> locked.
func (l *Ledger) Lock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balanceLocked(addr, tokenID)
	newAvail, ok := b.Available.SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, addr.Hex())
	}
	b.Available = newAvail
	b.Locked = b.Locked.Add(amt)
	l.persistBalanceLocked(addr, tokenID, b)
	return nil
}

// Unlock moves locked -> available.
func (l *Ledger) Unlock(addr common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balanceLocked(addr, tokenID)
	newLocked, ok := b.Locked.SubClamped(amt)
	if !ok {
		// Ledger invariant violation: unlocking more than is locked should be
		// impossible if callers pre-checked. Per spec §7 this is a fatal
		// assertion, not a silently-swallowed error.
		panic(errs.New(errs.InsufficientBalance, addr.Hex()).Error())
	}
	b.Locked = newLocked
	b.Available = b.Available.Add(amt)
	l.persistBalanceLocked(addr, tokenID, b)
	return nil
}

// SettleLocked moves amount from debitor's locked balance directly to
// creditor's available balance (spec §4.1) — the atomic leg of a trade fill.
func (l *Ledger) SettleLocked(debitor, creditor common.Address, tokenID domain.TokenID, amt amount.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	db := l.balanceLocked(debitor, tokenID)
	newLocked, ok := db.Locked.SubClamped(amt)
	if !ok {
		return errs.New(errs.InsufficientBalance, debitor.Hex())
	}
	db.Locked = newLocked
	l.persistBalanceLocked(debitor, tokenID, db)

	cb := l.balanceLocked(creditor, tokenID)
	cb.Available = cb.Available.Add(amt)
	l.persistBalanceLocked(creditor, tokenID, cb)
	return nil
}

// GetTotalBalance sums available+locked across every address for tokenID —
// the reconciliation invariant's off-chain side (spec §4.1, §4.8).
func (l *Ledger) GetTotalBalance(tokenID domain.TokenID) amount.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := amount.Zero
	for k, b := range l.balances {
		if k.tokenID != tokenID {
			continue
		}
		total = total.Add(b.Available).Add(b.Locked)
	}
	return total
}

// PerAddressTotals returns a snapshot of every address's available+locked
// total for tokenID, used by reconciliation's per-user detail list.
func (l *Ledger) PerAddressTotals(tokenID domain.TokenID) map[common.Address]amount.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[common.Address]amount.Amount)
	for k, b := range l.balances {
		if k.tokenID != tokenID {
			continue
		}
		out[k.addr] = b.Available.Add(b.Locked)
	}
	return out
}
