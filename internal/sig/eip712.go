// Package sig verifies the EIP-712 signature on a domain.SignedOrder
// (spec §4.2). It is generalized from the teacher's
// pkg/crypto/{eip712.go,signer.go}, which hashed and verified a perpetual
// order struct the same way: build an apitypes.TypedData value, compute the
// "\x19\x01"-prefixed digest, then recover (or check) the signer.
package sig

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
)

// Domain is the EIP-712 domain separator data, bound to one deployed
// Exchange contract and chain (spec §3).
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "marketId", Type: "bytes32"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
	},
}

// HashOrder computes the EIP-712 digest of a SignedOrder under domain,
// independent of the order's own Signature field.
func HashOrder(domainCfg Domain, o *domain.SignedOrder) ([32]byte, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              domainCfg.Name,
			Version:           domainCfg.Version,
			ChainId:           (*math.HexOrDecimal256)(domainCfg.ChainID),
			VerifyingContract: domainCfg.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":        new(big.Int).SetBytes(o.Salt[:]).String(),
			"maker":       o.Maker.Hex(),
			"signer":      o.Signer.Hex(),
			"taker":       o.Taker.Hex(),
			"marketId":    "0x" + common.Bytes2Hex(o.MarketID[:]),
			"tokenId":     fmt.Sprintf("%d", uint64(o.TokenID)),
			"side":        fmt.Sprintf("%d", uint8(o.Side)),
			"makerAmount": o.MakerAmount.Big().String(),
			"takerAmount": o.TakerAmount.Big().String(),
			"expiration":  fmt.Sprintf("%d", o.Expiration),
			"nonce":       fmt.Sprintf("%d", o.Nonce),
			"feeRateBps":  fmt.Sprintf("%d", o.FeeRateBps),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return [32]byte{}, fmt.Errorf("sig: hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("sig: hash message: %w", err)
	}

	rawData := append([]byte("\x19\x01"), append(domainSeparator, messageHash...)...)
	return crypto.Keccak256Hash(rawData), nil
}

// ContractVerifier checks an ERC-1271 / Gnosis Safe style on-chain
// signature. Implemented by internal/chain against a live RPC endpoint;
// stubbed out in unit tests.
type ContractVerifier interface {
	IsValidSignature(account common.Address, digest [32]byte, signature []byte) (bool, error)
}

// Verifier validates SignedOrder signatures per spec §4.2. EOA signatures
// are checked in-process via ecrecover; CONTRACT and POLY_GNOSIS_SAFE
// signatures are checked against the chain and, per SPEC_FULL.md's resolved
// Open Question on RPC unavailability, fail closed (rejected) rather than
// silently accepted when the RPC call itself errors.
type Verifier struct {
	domain   Domain
	contract ContractVerifier
}

func NewVerifier(domain Domain, contract ContractVerifier) *Verifier {
	return &Verifier{domain: domain, contract: contract}
}

// Verify computes the order's EIP-712 hash and validates its signature
// against o.Signer, returning the hash as the order's canonical identity.
func (v *Verifier) Verify(o *domain.SignedOrder) (domain.OrderHash, error) {
	digest, err := HashOrder(v.domain, o)
	if err != nil {
		return domain.OrderHash{}, errs.Wrap(errs.InvalidSignature, "hash", err)
	}

	switch o.SigType {
	case domain.SigEOA:
		if !verifyEOA(o.Signer, digest, o.Signature) {
			return domain.OrderHash{}, errs.New(errs.InvalidSignature, o.Signer.Hex())
		}
	case domain.SigContract, domain.SigPolyGnosisSafe:
		if v.contract == nil {
			return domain.OrderHash{}, errs.New(errs.InvalidSignature, "no contract verifier configured")
		}
		ok, err := v.contract.IsValidSignature(o.Signer, digest, o.Signature)
		if err != nil {
			// Fail closed: an RPC error is not proof of validity.
			return domain.OrderHash{}, errs.Wrap(errs.InvalidSignature, o.Signer.Hex(), err)
		}
		if !ok {
			return domain.OrderHash{}, errs.New(errs.InvalidSignature, o.Signer.Hex())
		}
	default:
		return domain.OrderHash{}, errs.New(errs.BadRequest, "unknown sig type")
	}

	return domain.OrderHash(digest), nil
}

func verifyEOA(expected common.Address, digest [32]byte, signature []byte) bool {
	if len(signature) != 65 {
		return false
	}
	// go-ethereum's Ecrecover expects the recovery id in the last byte as
	// 0/1; EIP-712 wallets commonly produce 27/28, same normalization the
	// teacher's VerifySignature relied on implicitly by requiring callers
	// to pass raw v already in 0/1 form for in-process signing. Orders
	// arriving over the wire may use either convention.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(digest[:], sig)
	if err != nil {
		return false
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pubKey) == expected
}
