// Command sign-order is a developer utility that generates a throwaway key,
// builds one SignedOrder, signs its EIP-712 digest, and prints a ready-to-
// POST JSON payload for the exchanged REST surface (spec §2.17). Adapted
// from the teacher's cmd/sign-order/main.go, which did the same for its
// perpetual order struct via pkg/crypto's EIP712Signer/Verifier; this
// version builds the spec's binary-outcome Order instead and signs/verifies
// directly against internal/sig, since that package exposes the digest
// (HashOrder) rather than a bundled sign-and-wrap helper.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/sig"
)

// submissionDTO mirrors internal/api's orderDTO wire format.
type submissionDTO struct {
	Salt        string `json:"salt"`
	Maker       string `json:"maker"`
	Signer      string `json:"signer"`
	Taker       string `json:"taker"`
	MarketID    string `json:"marketId"`
	TokenID     uint64 `json:"tokenId"`
	Side        uint8  `json:"side"`
	MakerAmount string `json:"makerAmount"`
	TakerAmount string `json:"takerAmount"`
	Expiration  int64  `json:"expiration"`
	Nonce       uint64 `json:"nonce"`
	FeeRateBps  int64  `json:"feeRateBps"`
	SigType     int    `json:"sigType"`
	Signature   string `json:"signature"`
}

func main() {
	fmt.Println("Generating new keypair...")
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	fmt.Printf("Address: %s\n", addr.Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", hex.EncodeToString(ethcrypto.FromECDSA(key)))

	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		fmt.Printf("Error generating salt: %v\n", err)
		os.Exit(1)
	}
	var marketID domain.MarketID
	copy(marketID[:], ethcrypto.Keccak256([]byte("WILL-IT-RAIN-TOMORROW")))

	makerAmount, _ := amount.FromDecimal("500000000000000000") // 0.5 collateral/token, 18dp
	takerAmount := amount.ONE                                           // 1 token

	order := &domain.SignedOrder{
		Salt:        salt,
		Maker:       addr,
		Signer:      addr,
		Taker:       common.Address{}, // open taker
		MarketID:    marketID,
		TokenID:     1, // YES
		Side:        domain.SideBuy,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Expiration:  0, // no expiry
		Nonce:       1,
		FeeRateBps:  10,
		SigType:     domain.SigEOA,
	}

	domainCfg := sig.Domain{
		Name:              "PolyClob",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.HexToAddress(envOr("EXCHANGE_ADDRESS", "0x0000000000000000000000000000000000000001")),
	}

	digest, err := sig.HashOrder(domainCfg, order)
	if err != nil {
		fmt.Printf("Error hashing order: %v\n", err)
		os.Exit(1)
	}

	signature, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	order.Signature = signature

	fmt.Println("Order Details:")
	fmt.Printf("  Market: %s\n", "0x"+hex.EncodeToString(order.MarketID[:]))
	fmt.Printf("  Token: %d\n", order.TokenID)
	fmt.Printf("  Side: %s\n", order.Side)
	fmt.Printf("  Maker amount: %s\n", order.MakerAmount)
	fmt.Printf("  Taker amount: %s\n", order.TakerAmount)
	fmt.Printf("  Price: %s\n\n", order.Price())
	fmt.Printf("Signature: 0x%s\n\n", hex.EncodeToString(signature))

	fmt.Println("Verifying signature...")
	verifier := sig.NewVerifier(domainCfg, nil)
	hash, err := verifier.Verify(order)
	if err != nil {
		fmt.Printf("✗ Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")
	fmt.Printf("  Order hash: %s\n\n", hash.Hex())

	payload := submissionDTO{
		Salt:        "0x" + hex.EncodeToString(order.Salt[:]),
		Maker:       order.Maker.Hex(),
		Signer:      order.Signer.Hex(),
		Taker:       order.Taker.Hex(),
		MarketID:    "0x" + hex.EncodeToString(order.MarketID[:]),
		TokenID:     uint64(order.TokenID),
		Side:        uint8(order.Side),
		MakerAmount: order.MakerAmount.String(),
		TakerAmount: order.TakerAmount.String(),
		Expiration:  order.Expiration,
		Nonce:       order.Nonce,
		FeeRateBps:  order.FeeRateBps,
		SigType:     int(order.SigType),
		Signature:   "0x" + hex.EncodeToString(order.Signature),
	}
	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("To submit this order to the exchange:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(payloadJSON))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
