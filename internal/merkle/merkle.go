// Package merkle builds the deterministic sorted-pair binary Merkle tree
// over (address, amount) leaves used for settlement epoch roots (spec §4.6).
// The corpus carries no directly adoptable Merkle library for this shape
// (github.com/ethereum/go-ethereum's beacon/merkle and contracts/lotterybook/
// merkletree packages only survived filtering as test files, and both
// describe a different tree — weighted/probabilistic position ranges, not a
// plain address+amount leaf set) so this is built fresh, in the small-struct-
// plus-pure-functions shape those test files still suggest.
package merkle

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/errs"
)

// Entry is one leaf's source data: an address credited `Amount` in an epoch.
type Entry struct {
	Address common.Address
	Amount  amount.Amount
}

// Proof is an inclusion proof: the leaf itself plus the sibling hashes to
// fold up to the root, in bottom-up order.
type Proof struct {
	Leaf common.Hash
	Path []common.Hash
	Root common.Hash
}

// Tree is a deterministic binary Merkle tree over a fixed entry set. Leaves
// are sorted ascending by their hash before construction so that two trees
// built from equal entry multisets always produce the same root (spec §4.6
// determinism), regardless of the order entries were appended in.
type Tree struct {
	leaves map[common.Hash]int // leaf hash -> index in the sorted leaf vector
	levels [][]common.Hash     // levels[0] is the sorted leaf vector, levels[len-1] is {root}
}

// leafHash computes keccak256(abi.encodePacked(address, amount)): the
// address's 20 raw bytes followed by the amount's 32-byte big-endian
// encoding, matching the on-chain vault's leaf encoding exactly.
func leafHash(e Entry) common.Hash {
	b := e.Amount.Bytes32()
	buf := make([]byte, 0, common.AddressLength+32)
	buf = append(buf, e.Address.Bytes()...)
	buf = append(buf, b[:]...)
	return crypto.Keccak256Hash(buf)
}

// nodeHash combines two child hashes with ordered-pair hashing: the smaller
// hash (by byte order) always goes first, so a proof can be folded without
// the verifier needing to know which side each sibling sat on.
func nodeHash(left, right common.Hash) common.Hash {
	a, b := left, right
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, a.Bytes()...)
	buf = append(buf, b.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// New builds a Tree over entries. Leaves are hashed, sorted ascending by
// hash, then folded pairwise up to a single root; an odd trailing node at any
// level duplicates itself rather than pairing with a phantom zero leaf.
func New(entries []Entry) *Tree {
	leafVec := make([]common.Hash, len(entries))
	for i, e := range entries {
		leafVec[i] = leafHash(e)
	}
	sort.Slice(leafVec, func(i, j int) bool {
		return bytes.Compare(leafVec[i].Bytes(), leafVec[j].Bytes()) < 0
	})

	idx := make(map[common.Hash]int, len(leafVec))
	for i, h := range leafVec {
		idx[h] = i
	}

	t := &Tree{leaves: idx, levels: [][]common.Hash{leafVec}}
	t.build()
	return t
}

func (t *Tree) build() {
	cur := t.levels[0]
	for len(cur) > 1 {
		next := make([]common.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, nodeHash(cur[i], cur[i+1]))
			} else {
				next = append(next, nodeHash(cur[i], cur[i]))
			}
		}
		t.levels = append(t.levels, next)
		cur = next
	}
	if len(cur) == 0 {
		t.levels = append(t.levels, []common.Hash{{}})
	}
}

// GetRoot returns the tree's root hash. For an empty entry set the root is
// the zero hash.
func (t *Tree) GetRoot() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// GetProof returns the inclusion proof for the given entry, or NotInTree if
// no leaf in the tree matches (address, amount) exactly.
func (t *Tree) GetProof(e Entry) (*Proof, error) {
	leaf := leafHash(e)
	i, ok := t.leaves[leaf]
	if !ok {
		return nil, errs.New(errs.NotInTree, e.Address.Hex())
	}

	path := make([]common.Hash, 0, len(t.levels)-1)
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var sibling common.Hash
		if i%2 == 0 {
			if i+1 < len(level) {
				sibling = level[i+1]
			} else {
				sibling = level[i]
			}
		} else {
			sibling = level[i-1]
		}
		path = append(path, sibling)
		i /= 2
	}

	return &Proof{Leaf: leaf, Path: path, Root: t.GetRoot()}, nil
}

// Verify folds proof siblings into leaf under the same sort-then-hash rule
// the tree was built with, and reports whether the result matches root.
func Verify(proof []common.Hash, root common.Hash, leaf common.Hash) bool {
	cur := leaf
	for _, sibling := range proof {
		cur = nodeHash(cur, sibling)
	}
	return cur == root
}
