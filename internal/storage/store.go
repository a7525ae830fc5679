// Package storage provides Pebble-backed durability for the exchange's
// in-memory state: balances/nonces, the cancelled-order-hash set, resting
// orders, pending deposits, the indexer checkpoint, and epoch metadata
// (trades themselves are not stored). Generalized from the teacher's
// pkg/storage/pebble_store.go (which persisted consensus blocks/certs) and
// pkg/app/core/account/store.go (which persisted a single-asset Account) to
// the spec's generic (address,tokenId)->Balance keyspace.
//
// Replay of this store plus indexer re-catchup from lastProcessedBlock
// reconstructs full state after a restart (spec §6 persisted-state note).
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
)

// Store is a Pebble-backed durability layer. All writes use pebble.Sync so a
// crash never loses an acknowledged mutation.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble database at path, tuned the same
// way the teacher's account Store was (pkg/app/core/account/store.go).
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(128 << 20),
		MemTableSize:                64 << 20,
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20,
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10,
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Key namespaces, following the teacher's "b:<hash>" single-letter-prefix
// convention (pkg/storage/pebble_store.go).
const (
	prefixBalance   = "bal:"
	prefixNonce     = "non:"
	prefixCancelled = "can:"
	prefixEpoch     = "epo:"
	prefixDeposit   = "dep:"
	prefixOrder     = "ord:"
	prefixMeta      = "met:"
)

// checkpointMetaKey is the indexer's single persisted (block, blockHash)
// high-water mark, read back by indexer.Service.Restore so a restart
// resumes scanning from where it left off instead of re-walking the chain
// from genesis and double-crediting already-applied deposits.
var checkpointMetaKey = []byte(prefixMeta + "indexer_checkpoint")

func balanceKey(addr common.Address, tokenID domain.TokenID) []byte {
	k := make([]byte, 0, len(prefixBalance)+20+8)
	k = append(k, prefixBalance...)
	k = append(k, addr.Bytes()...)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], uint64(tokenID))
	return append(k, tb[:]...)
}

func nonceKey(addr common.Address) []byte {
	return append([]byte(prefixNonce), addr.Bytes()...)
}

func cancelledKey(orderHash domain.OrderHash) []byte {
	return append([]byte(prefixCancelled), orderHash[:]...)
}

func epochKey(epochID uint64) []byte {
	k := make([]byte, 0, len(prefixEpoch)+8)
	k = append(k, prefixEpoch...)
	var eb [8]byte
	binary.BigEndian.PutUint64(eb[:], epochID)
	return append(k, eb[:]...)
}

func depositKey(txHash common.Hash, logIndex uint) []byte {
	k := make([]byte, 0, len(prefixDeposit)+32+4)
	k = append(k, prefixDeposit...)
	k = append(k, txHash.Bytes()...)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(logIndex))
	return append(k, lb[:]...)
}

func orderKey(hash domain.OrderHash) []byte {
	return append([]byte(prefixOrder), hash[:]...)
}

// SaveBalance persists a balance, satisfying ledger.Store.
func (s *Store) SaveBalance(addr common.Address, tokenID domain.TokenID, bal domain.Balance) error {
	data, err := json.Marshal(balanceJSON{
		Available: bal.Available.String(),
		Locked:    bal.Locked.String(),
	})
	if err != nil {
		return fmt.Errorf("storage: marshal balance: %w", err)
	}
	return s.db.Set(balanceKey(addr, tokenID), data, pebble.Sync)
}

type balanceJSON struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// LoadBalance loads a balance, returning (zero, false) if absent.
func (s *Store) LoadBalance(addr common.Address, tokenID domain.TokenID) (domain.Balance, bool, error) {
	val, closer, err := s.db.Get(balanceKey(addr, tokenID))
	if err == pebble.ErrNotFound {
		return domain.Balance{}, false, nil
	}
	if err != nil {
		return domain.Balance{}, false, err
	}
	defer closer.Close()

	var bj balanceJSON
	if err := json.Unmarshal(val, &bj); err != nil {
		return domain.Balance{}, false, err
	}
	avail, err := amount.FromDecimal(bj.Available)
	if err != nil {
		return domain.Balance{}, false, err
	}
	locked, err := amount.FromDecimal(bj.Locked)
	if err != nil {
		return domain.Balance{}, false, err
	}
	return domain.Balance{Available: avail, Locked: locked}, true, nil
}

// SaveNonce persists a nonce, satisfying ledger.Store.
func (s *Store) SaveNonce(addr common.Address, nonce uint64) error {
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	return s.db.Set(nonceKey(addr), nb[:], pebble.Sync)
}

// LoadNonce loads a nonce, returning 0 if absent.
func (s *Store) LoadNonce(addr common.Address) (uint64, error) {
	val, closer, err := s.db.Get(nonceKey(addr))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(val), nil
}

// LoadAllBalances iterates every persisted (address, tokenId) balance,
// satisfying ledger.Loader's startup restore from persistence.
func (s *Store) LoadAllBalances() ([]domain.BalanceRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixBalance),
		UpperBound: keyUpperBound(prefixBalance),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.BalanceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		rest := k[len(prefixBalance):]
		if len(rest) != common.AddressLength+8 {
			continue
		}
		addr := common.BytesToAddress(rest[:common.AddressLength])
		tokenID := domain.TokenID(binary.BigEndian.Uint64(rest[common.AddressLength:]))

		var bj balanceJSON
		if err := json.Unmarshal(iter.Value(), &bj); err != nil {
			return nil, err
		}
		avail, err := amount.FromDecimal(bj.Available)
		if err != nil {
			return nil, err
		}
		locked, err := amount.FromDecimal(bj.Locked)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BalanceRecord{
			Addr:    addr,
			TokenID: tokenID,
			Balance: domain.Balance{Available: avail, Locked: locked},
		})
	}
	return out, iter.Error()
}

// LoadAllNonces iterates every persisted address nonce, satisfying
// ledger.Loader's startup restore from persistence.
func (s *Store) LoadAllNonces() ([]domain.NonceRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixNonce),
		UpperBound: keyUpperBound(prefixNonce),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.NonceRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefixNonce):]
		if len(rest) != common.AddressLength {
			continue
		}
		out = append(out, domain.NonceRecord{
			Addr:  common.BytesToAddress(rest),
			Nonce: binary.BigEndian.Uint64(iter.Value()),
		})
	}
	return out, iter.Error()
}

// checkpointJSON is the wire shape for the indexer's persisted high-water
// mark.
type checkpointJSON struct {
	Block uint64      `json:"block"`
	Hash  common.Hash `json:"hash"`
}

// SaveCheckpoint persists the indexer's (lastProcessedBlock, lastBlockHash)
// high-water mark, satisfying indexer.DepositTracker's restart-resume half.
func (s *Store) SaveCheckpoint(block uint64, hash common.Hash) error {
	data, err := json.Marshal(checkpointJSON{Block: block, Hash: hash})
	if err != nil {
		return fmt.Errorf("storage: marshal checkpoint: %w", err)
	}
	return s.db.Set(checkpointMetaKey, data, pebble.Sync)
}

// LoadCheckpoint loads the indexer's persisted high-water mark, returning
// ok=false if the indexer has never checkpointed.
func (s *Store) LoadCheckpoint() (uint64, common.Hash, bool, error) {
	val, closer, err := s.db.Get(checkpointMetaKey)
	if err == pebble.ErrNotFound {
		return 0, common.Hash{}, false, nil
	}
	if err != nil {
		return 0, common.Hash{}, false, err
	}
	defer closer.Close()

	var cj checkpointJSON
	if err := json.Unmarshal(val, &cj); err != nil {
		return 0, common.Hash{}, false, err
	}
	return cj.Block, cj.Hash, true, nil
}

// MarkCancelled records an order hash in the append-only cancelled set.
func (s *Store) MarkCancelled(orderHash domain.OrderHash) error {
	return s.db.Set(cancelledKey(orderHash), []byte{1}, pebble.Sync)
}

// IsCancelled reports whether orderHash was previously cancelled.
func (s *Store) IsCancelled(orderHash domain.OrderHash) (bool, error) {
	_, closer, err := s.db.Get(cancelledKey(orderHash))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// SaveEpochMeta persists epoch metadata: id, root, status, timestamp,
// entries, per-address proofs and tx hashes. The epoch's trades are not
// stored.
func (s *Store) SaveEpochMeta(e *domain.Epoch) error {
	entries := make(map[string]string, len(e.Entries))
	for addr, amt := range e.Entries {
		entries[addr.Hex()] = amt.String()
	}
	proofs := make(map[string][]string, len(e.Proofs))
	for addr, path := range e.Proofs {
		hexPath := make([]string, len(path))
		for i, h := range path {
			hexPath[i] = common.Hash(h).Hex()
		}
		proofs[addr.Hex()] = hexPath
	}
	txHashes := make([]common.Hash, len(e.TxHashes))
	copy(txHashes, e.TxHashes)

	data, err := json.Marshal(epochJSON{
		EpochID:    e.EpochID,
		MerkleRoot: e.MerkleRoot,
		Status:     e.Status.String(),
		Timestamp:  e.Timestamp.Unix(),
		Entries:    entries,
		Proofs:     proofs,
		TxHashes:   txHashes,
	})
	if err != nil {
		return err
	}
	return s.db.Set(epochKey(e.EpochID), data, pebble.Sync)
}

// LoadEpoch reconstructs a persisted Epoch's metadata (entries, proofs,
// status, root) for getProof/getUnclaimedEpochs queries after a restart.
// Trades themselves are not replayed from the store (the WAL is the
// authoritative trade history); callers needing trade-level detail read the
// WAL, not this record.
func (s *Store) LoadEpoch(epochID uint64) (*domain.Epoch, bool, error) {
	data, closer, err := s.db.Get(epochKey(epochID))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	var ej epochJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return nil, false, err
	}
	return ej.toEpoch()
}

// LoadEpochs iterates every epoch recorded under prefixEpoch, used at
// startup to rebuild the settlement service's proof store.
func (s *Store) LoadEpochs() ([]*domain.Epoch, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixEpoch),
		UpperBound: keyUpperBound(prefixEpoch),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*domain.Epoch
	for iter.First(); iter.Valid(); iter.Next() {
		var ej epochJSON
		if err := json.Unmarshal(iter.Value(), &ej); err != nil {
			return nil, err
		}
		e, _, err := ej.toEpoch()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

type epochJSON struct {
	EpochID    uint64              `json:"epoch_id"`
	MerkleRoot [32]byte            `json:"merkle_root"`
	Status     string              `json:"status"`
	Timestamp  int64               `json:"timestamp"`
	Entries    map[string]string   `json:"entries"`
	Proofs     map[string][]string `json:"proofs"`
	TxHashes   []common.Hash       `json:"tx_hashes"`
}

func (ej epochJSON) toEpoch() (*domain.Epoch, bool, error) {
	status := domain.EpochBuilding
	switch ej.Status {
	case domain.EpochCommitted.String():
		status = domain.EpochCommitted
	case domain.EpochSettled.String():
		status = domain.EpochSettled
	case domain.EpochFailed.String():
		status = domain.EpochFailed
	}

	entries := make(map[common.Address]amount.Amount, len(ej.Entries))
	for hexAddr, amtStr := range ej.Entries {
		amt, err := amount.FromDecimal(amtStr)
		if err != nil {
			return nil, false, err
		}
		entries[common.HexToAddress(hexAddr)] = amt
	}

	proofs := make(map[common.Address][][32]byte, len(ej.Proofs))
	for hexAddr, hexPath := range ej.Proofs {
		path := make([][32]byte, len(hexPath))
		for i, h := range hexPath {
			path[i] = common.HexToHash(h)
		}
		proofs[common.HexToAddress(hexAddr)] = path
	}

	return &domain.Epoch{
		EpochID:    ej.EpochID,
		MerkleRoot: ej.MerkleRoot,
		Entries:    entries,
		Proofs:     proofs,
		Status:     status,
		Timestamp:  time.Unix(ej.Timestamp, 0),
		TxHashes:   ej.TxHashes,
	}, true, nil
}

// SavePendingDeposit persists a tracked Vault deposit, keyed by (txHash,
// logIndex) so reprocessing the same log is idempotent.
func (s *Store) SavePendingDeposit(d domain.PendingDeposit) error {
	data, err := json.Marshal(depositJSON{
		TxHash:        d.TxHash,
		LogIndex:      uint32(d.LogIndex),
		User:          d.User,
		Amount:        d.Amount.String(),
		BlockNumber:   d.BlockNumber,
		Confirmations: d.Confirmations,
		Indexed:       d.Indexed,
	})
	if err != nil {
		return err
	}
	return s.db.Set(depositKey(d.TxHash, d.LogIndex), data, pebble.Sync)
}

type depositJSON struct {
	TxHash        common.Hash    `json:"tx_hash"`
	LogIndex      uint32         `json:"log_index"`
	User          common.Address `json:"user"`
	Amount        string         `json:"amount"`
	BlockNumber   uint64         `json:"block_number"`
	Confirmations uint64         `json:"confirmations"`
	Indexed       bool           `json:"indexed"`
}

// LoadPendingDeposits iterates every deposit recorded under prefixDeposit.
// Used at startup to rebuild the indexer's in-flight confirmation window.
func (s *Store) LoadPendingDeposits() ([]domain.PendingDeposit, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixDeposit),
		UpperBound: keyUpperBound(prefixDeposit),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []domain.PendingDeposit
	for iter.First(); iter.Valid(); iter.Next() {
		var dj depositJSON
		if err := json.Unmarshal(iter.Value(), &dj); err != nil {
			return nil, err
		}
		amt, err := amount.FromDecimal(dj.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PendingDeposit{
			TxHash:        dj.TxHash,
			LogIndex:      uint(dj.LogIndex),
			User:          dj.User,
			Amount:        amt,
			BlockNumber:   dj.BlockNumber,
			Confirmations: dj.Confirmations,
			Indexed:       dj.Indexed,
		})
	}
	return out, iter.Error()
}

// SaveOrder persists an accepted OrderBookEntry (spec §4.4 step 8), enough
// to reconstruct the resting book on restart: the signed order fields, the
// remaining size, and lifecycle state.
func (s *Store) SaveOrder(e *domain.OrderBookEntry) error {
	o := e.Order
	data, err := json.Marshal(orderJSON{
		Hash:        e.ID,
		Salt:        o.Salt,
		Maker:       o.Maker,
		Signer:      o.Signer,
		Taker:       o.Taker,
		MarketID:    o.MarketID,
		TokenID:     uint64(o.TokenID),
		Side:        uint8(o.Side),
		MakerAmount: o.MakerAmount.String(),
		TakerAmount: o.TakerAmount.String(),
		Expiration:  o.Expiration,
		Nonce:       o.Nonce,
		FeeRateBps:  o.FeeRateBps,
		SigType:     uint8(o.SigType),
		Signature:   o.Signature,
		Remaining:   e.Remaining.String(),
		Timestamp:   e.Timestamp.Unix(),
		Seq:         e.Seq,
		Status:      uint8(e.Status),
	})
	if err != nil {
		return fmt.Errorf("storage: marshal order: %w", err)
	}
	return s.db.Set(orderKey(e.ID), data, pebble.Sync)
}

// DeleteOrder removes a persisted order, called once it is fully filled,
// cancelled, or expired.
func (s *Store) DeleteOrder(hash domain.OrderHash) error {
	return s.db.Delete(orderKey(hash), pebble.Sync)
}

// LoadOrders iterates every order recorded under prefixOrder, used at
// startup to rebuild the resting book.
func (s *Store) LoadOrders() ([]*domain.OrderBookEntry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixOrder),
		UpperBound: keyUpperBound(prefixOrder),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*domain.OrderBookEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var oj orderJSON
		if err := json.Unmarshal(iter.Value(), &oj); err != nil {
			return nil, err
		}
		entry, err := oj.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, iter.Error()
}

type orderJSON struct {
	Hash        domain.OrderHash `json:"hash"`
	Salt        [32]byte         `json:"salt"`
	Maker       common.Address   `json:"maker"`
	Signer      common.Address   `json:"signer"`
	Taker       common.Address   `json:"taker"`
	MarketID    domain.MarketID  `json:"market_id"`
	TokenID     uint64           `json:"token_id"`
	Side        uint8            `json:"side"`
	MakerAmount string           `json:"maker_amount"`
	TakerAmount string           `json:"taker_amount"`
	Expiration  int64            `json:"expiration"`
	Nonce       uint64           `json:"nonce"`
	FeeRateBps  int64            `json:"fee_rate_bps"`
	SigType     uint8            `json:"sig_type"`
	Signature   []byte           `json:"signature"`
	Remaining   string           `json:"remaining"`
	Timestamp   int64            `json:"timestamp"`
	Seq         uint64           `json:"seq"`
	Status      uint8            `json:"status"`
}

func (oj orderJSON) toEntry() (*domain.OrderBookEntry, error) {
	makerAmt, err := amount.FromDecimal(oj.MakerAmount)
	if err != nil {
		return nil, err
	}
	takerAmt, err := amount.FromDecimal(oj.TakerAmount)
	if err != nil {
		return nil, err
	}
	remaining, err := amount.FromDecimal(oj.Remaining)
	if err != nil {
		return nil, err
	}
	return &domain.OrderBookEntry{
		ID: oj.Hash,
		Order: &domain.SignedOrder{
			Salt:        oj.Salt,
			Maker:       oj.Maker,
			Signer:      oj.Signer,
			Taker:       oj.Taker,
			MarketID:    oj.MarketID,
			TokenID:     domain.TokenID(oj.TokenID),
			Side:        domain.Side(oj.Side),
			MakerAmount: makerAmt,
			TakerAmount: takerAmt,
			Expiration:  oj.Expiration,
			Nonce:       oj.Nonce,
			FeeRateBps:  oj.FeeRateBps,
			SigType:     domain.SigType(oj.SigType),
			Signature:   oj.Signature,
		},
		Remaining: remaining,
		Timestamp: time.Unix(oj.Timestamp, 0),
		Seq:       oj.Seq,
		Status:    domain.OrderStatus(oj.Status),
	}, nil
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix, for use as a pebble.IterOptions.UpperBound.
func keyUpperBound(prefix string) []byte {
	bound := []byte(prefix)
	bound[len(bound)-1]++
	return bound
}
