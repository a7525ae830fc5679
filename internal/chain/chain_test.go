package chain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polyclob/exchange/internal/domain"
)

func TestVaultAndExchangeABIsParse(t *testing.T) {
	if _, err := abi.JSON(strings.NewReader(vaultABI)); err != nil {
		t.Fatalf("vaultABI: %v", err)
	}
	if _, err := abi.JSON(strings.NewReader(exchangeABI)); err != nil {
		t.Fatalf("exchangeABI: %v", err)
	}
}

func TestBigToBytes32RoundTrip(t *testing.T) {
	n := big.NewInt(1234567890)
	b32 := bigToBytes32(n)
	got := new(big.Int).SetBytes(b32[:])
	if got.Cmp(n) != 0 {
		t.Fatalf("expected %s, got %s", n, got)
	}
}

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func padTo32(b []byte) common.Hash {
	var h common.Hash
	copy(h[32-len(b):], b)
	return h
}

func TestDecodeDepositLog(t *testing.T) {
	user := addr(7)
	amt := big.NewInt(5_000_000)
	l := types.Log{
		Topics:      []common.Hash{topicDeposit, common.BytesToHash(user.Bytes())},
		Data:        padTo32(amt.Bytes()).Bytes(),
		TxHash:      common.HexToHash("0xabc"),
		Index:       3,
		BlockNumber: 100,
	}
	d, ok := decodeDepositLog(l)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if d.User != user {
		t.Fatalf("expected user %s, got %s", user, d.User)
	}
	if d.Amount.Big().Cmp(amt) != 0 {
		t.Fatalf("expected amount %s, got %s", amt, d.Amount.Big())
	}
	if d.LogIndex != 3 || d.BlockNumber != 100 {
		t.Fatalf("unexpected log metadata: %+v", d)
	}
}

func TestDecodeDepositLogRejectsMalformed(t *testing.T) {
	l := types.Log{Topics: []common.Hash{topicDeposit}}
	if _, ok := decodeDepositLog(l); ok {
		t.Fatal("expected decode to fail on missing user topic")
	}
}

func TestDecodeClaimedLog(t *testing.T) {
	user := addr(9)
	epochID := uint64(42)
	amt := big.NewInt(777)

	data := make([]byte, 64)
	copy(data[:32], padTo32(user.Bytes()).Bytes())
	copy(data[32:64], padTo32(amt.Bytes()).Bytes())

	l := types.Log{
		Topics: []common.Hash{topicClaimed, padTo32(big.NewInt(int64(epochID)).Bytes())},
		Data:   data,
	}
	c, ok := decodeClaimedLog(l)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if c.EpochID != epochID {
		t.Fatalf("expected epochID %d, got %d", epochID, c.EpochID)
	}
	if c.User != user {
		t.Fatalf("expected user %s, got %s", user, c.User)
	}
	if c.Amount.Big().Cmp(amt) != 0 {
		t.Fatalf("expected amount %s, got %s", amt, c.Amount.Big())
	}
}

func TestDecodeEpochCommittedLog(t *testing.T) {
	epochID := uint64(5)
	var root common.Hash
	root[0] = 0xAA
	total := big.NewInt(99999)

	data := make([]byte, 64)
	copy(data[:32], root.Bytes())
	copy(data[32:64], padTo32(total.Bytes()).Bytes())

	l := types.Log{
		Topics: []common.Hash{topicEpochCommitted, padTo32(big.NewInt(int64(epochID)).Bytes())},
		Data:   data,
	}
	e, ok := decodeEpochCommittedLog(l)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if e.EpochID != epochID {
		t.Fatalf("expected epochID %d, got %d", epochID, e.EpochID)
	}
	if e.MerkleRoot != root {
		t.Fatalf("expected root %s, got %s", root, e.MerkleRoot)
	}
	if e.TotalAmount.Big().Cmp(total) != 0 {
		t.Fatalf("expected total %s, got %s", total, e.TotalAmount.Big())
	}
}

func TestDecodeOrderCancelledLog(t *testing.T) {
	var orderHash domain.OrderHash
	orderHash[0] = 0x11
	l := types.Log{
		Topics: []common.Hash{topicOrderCancelled, common.Hash(orderHash)},
	}
	oc, ok := decodeOrderCancelledLog(l)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if oc.OrderHash != orderHash {
		t.Fatalf("expected order hash %x, got %x", orderHash, oc.OrderHash)
	}
}

func TestDecodeOrderCancelledLogRejectsMissingTopic(t *testing.T) {
	l := types.Log{Topics: []common.Hash{topicOrderCancelled}}
	if _, ok := decodeOrderCancelledLog(l); ok {
		t.Fatal("expected decode to fail without the order hash topic")
	}
}
