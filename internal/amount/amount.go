// Package amount provides the fixed-point 256-bit arithmetic used for every
// balance, price and trade computation in the exchange. Prices and amounts are
// never represented as floats (spec §4.5: "exact integer arithmetic; no floats").
package amount

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Amount is a 256-bit unsigned fixed-point value, denominated in sub-units of
// ONE (10^18 sub-units per token unit), matching the on-chain "wei"-like
// convention described in spec §3.
type Amount struct {
	v uint256.Int
}

// ONE is one full token unit in sub-units.
var ONE = FromUint64(1_000_000_000_000_000_000)

// Zero is the additive identity.
var Zero = Amount{}

// FromUint64 builds an Amount from a plain uint64 count of sub-units.
func FromUint64(u uint64) Amount {
	var a Amount
	a.v.SetUint64(u)
	return a
}

// FromDecimal parses a base-10 string of sub-units (e.g. "60000000000000000000").
func FromDecimal(s string) (Amount, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok || b.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount: invalid decimal %q", s)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, fmt.Errorf("amount: decimal %q overflows 256 bits", s)
	}
	return Amount{v: *u}, nil
}

// FromBig32 reconstructs an Amount from a 32-byte big-endian encoding, the
// on-chain / Merkle-leaf representation.
func FromBig32(b [32]byte) Amount {
	var a Amount
	a.v.SetBytes(b[:])
	return a
}

// Bytes32 returns the big-endian 32-byte encoding used by Merkle leaves and
// on-chain calldata.
func (a Amount) Bytes32() [32]byte {
	return a.v.Bytes32()
}

// Big returns the math/big.Int representation, for interop with go-ethereum
// APIs (ethclient, abi/bind) that are expressed in terms of *big.Int.
func (a Amount) Big() *big.Int {
	return a.v.ToBig()
}

func (a Amount) String() string { return a.v.Dec() }

func (a Amount) IsZero() bool { return a.v.IsZero() }

func (a Amount) Sign() int {
	if a.v.IsZero() {
		return 0
	}
	return 1
}

func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Add(b Amount) Amount {
	var out Amount
	out.v.Add(&a.v, &b.v)
	return out
}

// Sub panics on underflow; callers must pre-check via Cmp (per the ledger's
// non-negativity invariant, spec §4.1) before subtracting.
func (a Amount) Sub(b Amount) Amount {
	if a.Cmp(b) < 0 {
		panic(fmt.Sprintf("amount: underflow %s - %s", a, b))
	}
	var out Amount
	out.v.Sub(&a.v, &b.v)
	return out
}

// SubClamped subtracts without panicking, returning (Zero, false) on underflow.
func (a Amount) SubClamped(b Amount) (Amount, bool) {
	if a.Cmp(b) < 0 {
		return Zero, false
	}
	return a.Sub(b), true
}

func (a Amount) Min(b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func (a Amount) Max(b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MulDivFloor computes floor(a*b/d) via a 512-bit-safe intermediate, so large
// amount*price products never silently wrap. This is the single division
// primitive every price/cost computation in the matching engine and
// settlement service goes through.
func MulDivFloor(a, b, d Amount) Amount {
	if d.v.IsZero() {
		panic("amount: division by zero")
	}
	var out uint256.Int
	if _, overflow := out.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		panic(fmt.Sprintf("amount: MulDivFloor(%s,%s,%s) overflow", a, b, d))
	}
	return Amount{v: out}
}

// PriceFromAmounts derives a resting order's price per spec §4.5:
// price = makerAmount * ONE / takerAmount.
func PriceFromAmounts(makerAmount, takerAmount Amount) Amount {
	return MulDivFloor(makerAmount, ONE, takerAmount)
}

// Cost computes price * amount / ONE, the collateral cost of filling `amount`
// tokens at `price`.
func Cost(price, amount Amount) Amount {
	return MulDivFloor(price, amount, ONE)
}
