// Package quorum implements off-chain multi-operator attestation: a BLS
// aggregate signature collected from a threshold of settlement operators
// over a message (an epoch Merkle root, or a reconciliation resume request)
// before the caller is allowed to act on it. Adapted from the teacher's
// pkg/crypto/bls.go Sign/Aggregate/VerifyAggregate primitives and the
// pkg/crypto/tss.go ThresholdSigner interface, re-homed from per-block
// validator voting onto per-epoch/per-resume operator attestation.
package quorum

import (
	bls "github.com/cloudflare/circl/sign/bls"

	"github.com/polyclob/exchange/internal/errs"
)

type scheme = bls.KeyG1SigG2

// PubKey and Signature alias the underlying circl BLS types, matching the
// teacher's own `BLSPubKey`/`BLSSignature` aliasing rather than wrapping them.
type PubKey = bls.PublicKey[scheme]
type Signature = []byte

// Signer is one settlement operator's BLS signing identity.
type Signer struct {
	sk *bls.PrivateKey[scheme]
	pk *PubKey
}

// NewSignerFromSeed derives a deterministic operator keypair from a seed,
// the same construction the teacher uses for test fixtures
// (NewBLSSignerFromSeed) generalized into the exported constructor operators
// actually use.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.RpcFailure, "quorum keygen", err)
	}
	return &Signer{sk: sk, pk: sk.PublicKey()}, nil
}

func (s *Signer) PubKey() *PubKey { return s.pk }

// Sign produces this operator's share over msg (an epoch Merkle root, or a
// reconciliation resume request digest).
func (s *Signer) Sign(msg []byte) Signature {
	return bls.Sign(s.sk, msg)
}

// Verify reports whether sig is pk's valid BLS signature over msg.
func Verify(pk *PubKey, msg []byte, sig Signature) bool {
	return bls.Verify(pk, msg, bls.Signature(sig))
}

// Aggregate combines per-operator signatures over the same msg into a single
// aggregate signature, dropping any empty shares (an operator who didn't
// sign in time).
func Aggregate(shares []Signature) Signature {
	sigs := make([]bls.Signature, 0, len(shares))
	for _, sh := range shares {
		if len(sh) == 0 {
			continue
		}
		sigs = append(sigs, bls.Signature(sh))
	}
	agg, err := bls.Aggregate(bls.G1{}, sigs)
	if err != nil {
		return nil
	}
	return agg
}

// VerifyAggregate reports whether aggSig is a valid aggregate of signatures
// by every key in pks, all over the same msg.
func VerifyAggregate(pks []*PubKey, msg []byte, aggSig Signature) bool {
	if len(aggSig) == 0 {
		return false
	}
	return bls.VerifyAggregate(pks, [][]byte{msg}, bls.Signature(aggSig))
}

// Quorum is a fixed committee of settlement-operator public keys and the
// minimum number of signatures required to attest a message. It implements
// the spec's "explicit external operation"/pre-commit gate as a concrete
// multi-operator-signature check rather than a bare boolean flip.
type Quorum struct {
	members   []*PubKey
	threshold int
}

// New builds a Quorum requiring at least threshold signatures out of
// members. threshold must be in [1, len(members)].
func New(members []*PubKey, threshold int) (*Quorum, error) {
	if threshold < 1 || threshold > len(members) {
		return nil, errs.New(errs.BadRequest, "quorum: invalid threshold")
	}
	return &Quorum{members: append([]*PubKey(nil), members...), threshold: threshold}, nil
}

// Threshold returns the minimum number of member signatures required.
func (q *Quorum) Threshold() int { return q.threshold }

// Attestation is a collected, aggregated quorum signature over one message,
// ready for on-chain submission (ThresholdSigner.Combine's output) or local
// verification.
type Attestation struct {
	Msg    []byte
	Sig    Signature
	Signed int // number of member shares folded into Sig
}

// Collect verifies each (index, share) pair against the corresponding
// committee member's public key, aggregates the valid shares, and returns an
// Attestation if at least q.threshold shares verified. Shares from unknown
// indices or that fail verification are dropped rather than rejecting the
// whole batch, so a single misbehaving operator can't block quorum.
func (q *Quorum) Collect(msg []byte, shares map[int]Signature) (*Attestation, error) {
	valid := make([]Signature, 0, len(shares))
	for idx, sig := range shares {
		if idx < 0 || idx >= len(q.members) {
			continue
		}
		if !Verify(q.members[idx], msg, sig) {
			continue
		}
		valid = append(valid, sig)
	}
	if len(valid) < q.threshold {
		return nil, errs.New(errs.BadRequest, "quorum: below threshold")
	}
	agg := Aggregate(valid)
	if agg == nil {
		return nil, errs.New(errs.BadRequest, "quorum: aggregate failed")
	}
	return &Attestation{Msg: msg, Sig: agg, Signed: len(valid)}, nil
}

// VerifyAttestation re-checks an Attestation's aggregate signature against
// the full committee (best-effort: aggregate BLS verification over a subset
// of signers requires knowing which subset signed, so callers that persist
// attestations should also persist the signer index set; here we verify
// against the full member set, which is correct only when every member
// signed — partial-quorum attestations should be re-verified via Collect's
// per-share path instead of this convenience check).
func (q *Quorum) VerifyAttestation(a *Attestation) bool {
	if a.Signed != len(q.members) {
		return false
	}
	return VerifyAggregate(q.members, a.Msg, a.Sig)
}

// ThresholdSigner is the interface reconcile.Resume gates on (settlement's
// CommitBatch checks an Attestation against a *Quorum instead): produce this
// operator's share, combine shares from a quorum, and verify a combined
// signature. Adapted from the teacher's
// pkg/crypto/tss.go ThresholdSigner interface.
type ThresholdSigner interface {
	SignShare(msg []byte) (Signature, error)
	Combine(msg []byte, shares map[int]Signature) (Signature, error)
	Verify(msg []byte, sig Signature) bool
}

// BLSThresholdSigner implements ThresholdSigner over a fixed Quorum using
// this operator's own Signer for SignShare.
type BLSThresholdSigner struct {
	self  *Signer
	group *Quorum
}

func NewBLSThresholdSigner(self *Signer, group *Quorum) *BLSThresholdSigner {
	return &BLSThresholdSigner{self: self, group: group}
}

func (s *BLSThresholdSigner) SignShare(msg []byte) (Signature, error) {
	return s.self.Sign(msg), nil
}

func (s *BLSThresholdSigner) Combine(msg []byte, shares map[int]Signature) (Signature, error) {
	att, err := s.group.Collect(msg, shares)
	if err != nil {
		return nil, err
	}
	return att.Sig, nil
}

func (s *BLSThresholdSigner) Verify(msg []byte, sig Signature) bool {
	return VerifyAggregate(s.group.members, msg, sig)
}
