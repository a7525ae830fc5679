// Package domain holds the core entities shared across the exchange
// pipeline (spec §3): signed orders, book entries, trades, balances, and
// settlement epochs. It is the one package every other internal package is
// allowed to depend on without creating an import cycle.
package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polyclob/exchange/internal/amount"
)

// Side is BUY or SELL, following the teacher's int8 Side convention
// (pkg/app/core/types.go) generalized from a signed magnitude to a named enum.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// SigType enumerates the signature schemes spec §3 allows on a SignedOrder.
type SigType uint8

const (
	SigEOA SigType = iota
	SigContract
	SigPolyGnosisSafe
)

// MarketID is a 32-byte hash identifying a binary prediction market.
type MarketID [32]byte

// TokenID identifies an outcome token (YES/NO) within a market.
type TokenID uint64

// CollateralTokenID is the reserved TokenID for the exchange's single
// collateral asset, distinct from any market's YES/NO outcome tokens.
const CollateralTokenID TokenID = 0

// OrderHash is the EIP-712 digest that uniquely identifies a SignedOrder.
type OrderHash [32]byte

func (h OrderHash) Hex() string { return common.Bytes2Hex(h[:]) }

// SignedOrder is the immutable, cryptographically signed order as defined in
// spec §3. Identity is the EIP-712 hash of the struct (computed by the sig
// package, not stored redundantly here beyond the OrderHash the caller
// attaches once verified).
type SignedOrder struct {
	Salt         [32]byte
	Maker        common.Address
	Signer       common.Address
	Taker        common.Address // zero address = open taker
	MarketID     MarketID
	TokenID      TokenID
	Side         Side
	MakerAmount  amount.Amount
	TakerAmount  amount.Amount
	Expiration   int64 // unix seconds, 0 = no expiry
	Nonce        uint64
	FeeRateBps   int64
	SigType      SigType
	Signature    []byte
}

// Price derives the resting order's price per spec §4.5: for BUY,
// makerAmount is collateral and takerAmount is tokens, so
// price = makerAmount/takerAmount; for SELL the roles invert (makerAmount
// is tokens, takerAmount is collateral), so price = takerAmount/makerAmount.
// Both conventions yield collateral-per-token, so bid and ask prices are
// directly comparable.
func (o *SignedOrder) Price() amount.Amount {
	if o.Side == SideSell {
		return amount.PriceFromAmounts(o.TakerAmount, o.MakerAmount)
	}
	return amount.PriceFromAmounts(o.MakerAmount, o.TakerAmount)
}

// OrderStatus is the lifecycle state of an OrderBookEntry (spec §4.5 state
// machine): NEW -> OPEN -> {PARTIAL -> ...}* -> (FILLED | CANCELLED | EXPIRED).
type OrderStatus uint8

const (
	StatusOpen OrderStatus = iota
	StatusPartial
	StatusFilled
	StatusCancelled
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusPartial:
		return "PARTIAL"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// OrderBookEntry is the matching engine's record of an accepted order (spec
// §3). Owned exclusively by the matching engine.
type OrderBookEntry struct {
	ID        OrderHash
	Order     *SignedOrder
	Remaining amount.Amount
	Timestamp time.Time
	Seq       uint64 // monotonic insertion counter, tie-break for same-timestamp orders
	Status    OrderStatus
}

// MatchType classifies a Trade per spec §4.5.
type MatchType uint8

const (
	MatchComplementary MatchType = iota
	MatchMint
	MatchMerge
)

func (m MatchType) String() string {
	switch m {
	case MatchComplementary:
		return "COMPLEMENTARY"
	case MatchMint:
		return "MINT"
	case MatchMerge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// Trade is an immutable fill record (spec §3), appended to the pending queue
// the settlement service later drains.
type Trade struct {
	ID             uint64
	TakerOrderHash OrderHash
	MakerOrderHash OrderHash
	Maker          common.Address
	Taker          common.Address
	MarketID       MarketID
	TokenID        TokenID
	Amount         amount.Amount
	Price          amount.Amount
	MatchType      MatchType
	Timestamp      time.Time
	Fee            amount.Amount
	FeeRateBps     int64
}

// EpochStatus is the settlement batch state machine (spec §3, §4.7).
type EpochStatus uint8

const (
	EpochBuilding EpochStatus = iota
	EpochCommitted
	EpochSettled
	EpochFailed
)

func (s EpochStatus) String() string {
	switch s {
	case EpochBuilding:
		return "BUILDING"
	case EpochCommitted:
		return "COMMITTED"
	case EpochSettled:
		return "SETTLED"
	case EpochFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Epoch (Batch) is a settled batch of trades (spec §3).
type Epoch struct {
	EpochID     uint64
	Trades      []Trade
	MerkleRoot  [32]byte
	Entries     map[common.Address]amount.Amount // only positive net deltas
	Proofs      map[common.Address][][32]byte
	Status      EpochStatus
	Timestamp   time.Time
	TxHashes    []common.Hash
}

// Balance is the ledger's per-(address,tokenId) record (spec §3).
type Balance struct {
	Available amount.Amount
	Locked    amount.Amount
}

// PendingDeposit tracks an observed but not-yet-confirmed Vault deposit (spec §3).
type PendingDeposit struct {
	TxHash        common.Hash
	LogIndex      uint
	User          common.Address
	Amount        amount.Amount
	BlockNumber   uint64
	Confirmations uint64
	Indexed       bool
}

// BalanceRecord is one (address, tokenId) balance row, used to repopulate
// the in-memory ledger from persistence at startup (spec §6 persisted-state
// note).
type BalanceRecord struct {
	Addr    common.Address
	TokenID TokenID
	Balance Balance
}

// NonceRecord is one address's persisted nonce, used alongside
// BalanceRecord at ledger restore.
type NonceRecord struct {
	Addr  common.Address
	Nonce uint64
}

// ReconciliationResult is one cycle's off-chain/on-chain comparison (spec §3).
type ReconciliationResult struct {
	Timestamp          time.Time
	OnChainTotal       amount.Amount
	OffChainTotal      amount.Amount
	Discrepancy        amount.Amount
	DiscrepancyPercent float64
	Healthy            bool
	PerUser            []UserDiscrepancy
}

// UserDiscrepancy is one user's off/on-chain balance gap.
type UserDiscrepancy struct {
	Address    common.Address
	OffChain   amount.Amount
	OnChain    amount.Amount
	Difference amount.Amount
}
