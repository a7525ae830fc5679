// Package settlement implements the periodic epoch batcher (spec §4.7):
// drain pending trades, filter cancelled orders, compute net balance deltas,
// build a Merkle tree over positive deltas, commit the root on-chain behind
// a quorum attestation gate, then stream per-trade executeTrade calls.
// Generalized from the teacher's batching/retry shape in
// pkg/app/core/engine.go's settlement hooks, with the on-chain RPC idiom
// (ethclient.Dial, bind.NewKeyedTransactorWithChainID, bind.WaitMined)
// grounded on other_examples' OrderBookEVM settlement manager.
package settlement

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/merkle"
	"github.com/polyclob/exchange/internal/quorum"
)

// Engine is the subset of internal/matching.Engine the settlement service
// drains trades from.
type Engine interface {
	DrainTrades() []domain.Trade
}

// CancelledChecker reports whether an order hash was cancelled, used to
// filter trades per spec §4.7 step 2.
type CancelledChecker interface {
	IsCancelled(hash domain.OrderHash) (bool, error)
}

// EpochStore persists epoch metadata (entries, proofs, status) so getProof
// and getUnclaimedEpochs survive a restart.
type EpochStore interface {
	SaveEpochMeta(e *domain.Epoch) error
	LoadEpochs() ([]*domain.Epoch, error)
}

// ChainClient is the on-chain RPC surface the settlement service drives:
// committing an epoch root and executing individual trade legs. Implemented
// by internal/chain against the real Exchange contract
// (commitEpoch/executeTrade, spec §6); "vocabulary consumed, not
// implemented" per spec — this package only calls it.
type ChainClient interface {
	CommitEpoch(ctx context.Context, epochID uint64, merkleRoot [32]byte, totalAmount *big.Int) (common.Hash, error)
	ExecuteTrade(ctx context.Context, epochID uint64, trade domain.Trade) (common.Hash, error)
}

// WAL is the append-only audit trail for epoch lifecycle events.
type WAL interface {
	Append(line string)
}

const defaultMaxConcurrentLegs = 8

// Config controls batching cadence and concurrency.
type Config struct {
	Interval          time.Duration // default 60s, spec §4.7
	MaxConcurrentLegs int           // bounded errgroup fan-out for executeSettlement
	CommitTimeout     time.Duration
	ExecuteTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MaxConcurrentLegs <= 0 {
		c.MaxConcurrentLegs = defaultMaxConcurrentLegs
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 30 * time.Second
	}
	return c
}

// Service batches trades into epochs and drives their on-chain settlement.
type Service struct {
	cfg    Config
	engine Engine
	cancel CancelledChecker
	store  EpochStore
	chain  ChainClient
	wal    WAL
	log    *zap.Logger

	quorumGroup *quorum.Quorum // nil disables the attestation gate

	mu      sync.Mutex
	nextID  uint64
	epochs  map[uint64]*domain.Epoch // committed/settled history, for proof queries
	claimed map[uint64]map[common.Address]bool

	now func() time.Time
}

func New(cfg Config, engine Engine, cancel CancelledChecker, store EpochStore, chain ChainClient, wal WAL, quorumGroup *quorum.Quorum, log *zap.Logger) *Service {
	return &Service{
		cfg:         cfg.withDefaults(),
		engine:      engine,
		cancel:      cancel,
		store:       store,
		chain:       chain,
		wal:         wal,
		quorumGroup: quorumGroup,
		log:         log,
		epochs:      make(map[uint64]*domain.Epoch),
		claimed:     make(map[uint64]map[common.Address]bool),
		now:         time.Now,
	}
}

// Restore rebuilds in-memory epoch history from the store, for proof
// queries to survive a restart.
func (s *Service) Restore() error {
	epochs, err := s.store.LoadEpochs()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range epochs {
		s.epochs[e.EpochID] = e
		if e.EpochID >= s.nextID {
			s.nextID = e.EpochID + 1
		}
	}
	return nil
}

func addDelta(deltas map[common.Address]*big.Int, addr common.Address, d *big.Int) {
	cur, ok := deltas[addr]
	if !ok {
		cur = new(big.Int)
		deltas[addr] = cur
	}
	cur.Add(cur, d)
}

// CreateBatch runs spec §4.7 steps 1-5: drain trades, filter cancelled,
// compute deltas, build the Merkle tree, and return the BUILDING epoch. A
// nil epoch (with nil error) means there was nothing to batch.
func (s *Service) CreateBatch() (*domain.Epoch, error) {
	trades := s.engine.DrainTrades()
	if len(trades) == 0 {
		return nil, nil
	}

	filtered := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		makerCancelled, err := s.cancel.IsCancelled(t.MakerOrderHash)
		if err != nil {
			return nil, errs.Wrap(errs.RpcFailure, "settlement: check maker cancelled", err)
		}
		takerCancelled, err := s.cancel.IsCancelled(t.TakerOrderHash)
		if err != nil {
			return nil, errs.Wrap(errs.RpcFailure, "settlement: check taker cancelled", err)
		}
		if makerCancelled || takerCancelled {
			continue
		}
		filtered = append(filtered, t)
	}

	deltas := make(map[common.Address]*big.Int)
	for _, t := range filtered {
		cost := amount.Cost(t.Price, t.Amount).Big()
		addDelta(deltas, t.Maker, new(big.Int).Neg(cost))
		addDelta(deltas, t.Taker, cost)
	}

	var positiveAddrs []common.Address
	for addr, d := range deltas {
		if d.Sign() > 0 {
			positiveAddrs = append(positiveAddrs, addr)
		}
	}
	sort.Slice(positiveAddrs, func(i, j int) bool {
		return bytes.Compare(positiveAddrs[i].Bytes(), positiveAddrs[j].Bytes()) < 0
	})

	entries := make([]merkle.Entry, 0, len(positiveAddrs))
	entryMap := make(map[common.Address]amount.Amount, len(positiveAddrs))
	for _, addr := range positiveAddrs {
		amt, err := amount.FromDecimal(deltas[addr].String())
		if err != nil {
			return nil, errs.Wrap(errs.BadRequest, "settlement: delta overflow", err)
		}
		entries = append(entries, merkle.Entry{Address: addr, Amount: amt})
		entryMap[addr] = amt
	}

	tree := merkle.New(entries)
	root := [32]byte(tree.GetRoot())

	proofs := make(map[common.Address][][32]byte, len(entries))
	for _, e := range entries {
		p, err := tree.GetProof(e)
		if err != nil {
			return nil, errs.Wrap(errs.BadRequest, "settlement: build proof", err)
		}
		path := make([][32]byte, len(p.Path))
		for i, h := range p.Path {
			path[i] = [32]byte(h)
		}
		proofs[e.Address] = path
	}

	s.mu.Lock()
	epochID := s.nextID
	s.nextID++
	s.mu.Unlock()

	epoch := &domain.Epoch{
		EpochID:    epochID,
		Trades:     filtered,
		MerkleRoot: root,
		Entries:    entryMap,
		Proofs:     proofs,
		Status:     domain.EpochBuilding,
		Timestamp:  s.now(),
	}
	if err := s.store.SaveEpochMeta(epoch); err != nil {
		s.log.Error("settlement: persist building epoch failed", zap.Error(err), zap.Uint64("epoch", epochID))
	}
	s.wal.Append(formatBatchLine(epoch))
	return epoch, nil
}

// CommitBatch calls the on-chain commitEpoch. If a quorum group is
// configured, attestation must carry at least the quorum's threshold of
// valid operator signatures over the epoch's Merkle root before the RPC
// call is made (spec §4.7 step 6, **(+)** pre-commit safety gate).
func (s *Service) CommitBatch(epoch *domain.Epoch, attestation *quorum.Attestation) error {
	if s.quorumGroup != nil {
		if attestation == nil || attestation.Signed < s.quorumGroup.Threshold() {
			return errs.New(errs.BadRequest, "settlement: missing quorum attestation")
		}
		if !bytes.Equal(attestation.Msg, epoch.MerkleRoot[:]) {
			return errs.New(errs.BadRequest, "settlement: attestation root mismatch")
		}
	}

	total := new(big.Int)
	for _, amt := range epoch.Entries {
		total.Add(total, amt.Big())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommitTimeout)
	defer cancel()
	txHash, err := s.chain.CommitEpoch(ctx, epoch.EpochID, epoch.MerkleRoot, total)
	if err != nil {
		epoch.Status = domain.EpochFailed
		_ = s.store.SaveEpochMeta(epoch)
		return errs.Wrap(errs.RpcFailure, "settlement: commitEpoch", err)
	}

	epoch.Status = domain.EpochCommitted
	epoch.TxHashes = append(epoch.TxHashes, txHash)
	if err := s.store.SaveEpochMeta(epoch); err != nil {
		s.log.Error("settlement: persist committed epoch failed", zap.Error(err), zap.Uint64("epoch", epoch.EpochID))
	}

	s.mu.Lock()
	s.epochs[epoch.EpochID] = epoch
	s.mu.Unlock()

	s.wal.Append(formatCommitLine(epoch, txHash))
	return nil
}

// ExecuteSettlement streams per-trade executeTrade calls with bounded
// concurrency (spec §4.7 step 7). Partial failures don't abort the batch:
// already-committed trades remain settled, and the caller receives the
// per-trade error list to retry (bounded, see spec §7) or alert on.
func (s *Service) ExecuteSettlement(epoch *domain.Epoch) []error {
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(s.cfg.MaxConcurrentLegs)

	errsList := make([]error, len(epoch.Trades))
	for i, t := range epoch.Trades {
		i, t := i, t
		g.Go(func() error {
			legCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
			defer cancel()
			_, err := s.chain.ExecuteTrade(legCtx, epoch.EpochID, t)
			if err != nil {
				errsList[i] = errs.Wrap(errs.RpcFailure, "settlement: executeTrade", err)
			}
			return nil // collect per-leg errors rather than aborting the group
		})
	}
	_ = g.Wait()

	failed := 0
	for _, e := range errsList {
		if e != nil {
			failed++
		}
	}
	if failed == 0 {
		epoch.Status = domain.EpochSettled
	}
	if err := s.store.SaveEpochMeta(epoch); err != nil {
		s.log.Error("settlement: persist executed epoch failed", zap.Error(err), zap.Uint64("epoch", epoch.EpochID))
	}

	s.mu.Lock()
	s.epochs[epoch.EpochID] = epoch
	s.mu.Unlock()

	s.wal.Append(formatExecuteLine(epoch, failed))
	return errsList
}

// Proof is the inclusion proof response for getProof (spec §4.7 step 8 /
// §4.6 contract).
type Proof struct {
	EpochID uint64
	Leaf    [32]byte
	Path    [][32]byte
	Root    [32]byte
}

// GetProof returns the stored inclusion proof for addr within epochID, or
// NotInTree if addr has no positive-delta entry there.
func (s *Service) GetProof(epochID uint64, addr common.Address) (*Proof, error) {
	s.mu.Lock()
	epoch, ok := s.epochs[epochID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotInTree, addr.Hex())
	}

	amt, ok := epoch.Entries[addr]
	if !ok {
		return nil, errs.New(errs.NotInTree, addr.Hex())
	}
	path, ok := epoch.Proofs[addr]
	if !ok {
		return nil, errs.New(errs.NotInTree, addr.Hex())
	}

	// A single-entry tree's root equals its only leaf's hash, so this
	// recomputes the leaf hash without needing to store it separately.
	singleTree := merkle.New([]merkle.Entry{{Address: addr, Amount: amt}})
	return &Proof{EpochID: epochID, Leaf: [32]byte(singleTree.GetRoot()), Path: path, Root: epoch.MerkleRoot}, nil
}

// GetUnclaimedEpochs returns every settled/committed epoch id where addr has
// a positive-delta entry not yet marked claimed (by MarkClaimed, driven by
// the indexer observing the vault's Claimed event).
func (s *Service) GetUnclaimedEpochs(addr common.Address) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uint64
	for id, epoch := range s.epochs {
		if epoch.Status != domain.EpochCommitted && epoch.Status != domain.EpochSettled {
			continue
		}
		if _, has := epoch.Entries[addr]; !has {
			continue
		}
		if s.claimed[id][addr] {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkClaimed records that addr claimed epochID on-chain, called by
// internal/indexer when it observes the vault's Claimed event.
func (s *Service) MarkClaimed(epochID uint64, addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[epochID] == nil {
		s.claimed[epochID] = make(map[common.Address]bool)
	}
	s.claimed[epochID][addr] = true
}

func formatBatchLine(e *domain.Epoch) string {
	return "EPOCH_BUILT epoch=" + strconv.FormatUint(e.EpochID, 10) +
		" trades=" + strconv.Itoa(len(e.Trades)) + " entries=" + strconv.Itoa(len(e.Entries))
}

func formatCommitLine(e *domain.Epoch, tx common.Hash) string {
	return "EPOCH_COMMITTED epoch=" + strconv.FormatUint(e.EpochID, 10) + " tx=" + tx.Hex()
}

func formatExecuteLine(e *domain.Epoch, failed int) string {
	return "EPOCH_EXECUTED epoch=" + strconv.FormatUint(e.EpochID, 10) + " failed=" + strconv.Itoa(failed)
}
