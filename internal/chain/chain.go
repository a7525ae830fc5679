// Package chain is the exchange's on-chain RPC surface (spec §6): a thin
// ethclient-backed client against the Vault/Exchange contract vocabulary the
// spec treats as an external black box. Grounded on the teacher's pack-wide
// idiom for unbound-contract Go clients — inline ABI JSON parsed with
// accounts/abi.JSON, calls packed with abi.Pack, reads via
// ethclient.CallContract, writes via bind.NewKeyedTransactorWithChainID +
// SendTransaction + bind.WaitMined (see internal/settlement.go's grounding
// note and other_examples/.../merger.go for the CallContract/Pack shape).
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
)

// vaultABI and exchangeABI cover exactly the vocabulary spec §6 enumerates:
// Vault{Deposit, Claimed, EpochCommitted, balanceOf, totalDeposits} and
// Exchange{OrderCancelled, nonces, commitEpoch, executeTrade, claim}.
const vaultABI = `[
	{"name":"Deposit","type":"event","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"name":"Claimed","type":"event","anonymous":false,"inputs":[
		{"name":"user","type":"address","indexed":false},
		{"name":"epochId","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}
	]},
	{"name":"EpochCommitted","type":"event","anonymous":false,"inputs":[
		{"name":"epochId","type":"uint256","indexed":true},
		{"name":"merkleRoot","type":"bytes32","indexed":false},
		{"name":"totalAmount","type":"uint256","indexed":false}
	]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[
		{"name":"user","type":"address"}
	],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"totalDeposits","type":"function","stateMutability":"view","inputs":[],
	"outputs":[{"name":"","type":"uint256"}]}
]`

const exchangeABI = `[
	{"name":"OrderCancelled","type":"event","anonymous":false,"inputs":[
		{"name":"orderHash","type":"bytes32","indexed":true}
	]},
	{"name":"nonces","type":"function","stateMutability":"view","inputs":[
		{"name":"user","type":"address"}
	],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"commitEpoch","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"epochId","type":"uint256"},
		{"name":"merkleRoot","type":"bytes32"},
		{"name":"totalAmount","type":"uint256"}
	],"outputs":[]},
	{"name":"executeTrade","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"epochId","type":"uint256"},
		{"name":"takerOrderHash","type":"bytes32"},
		{"name":"makerOrderHash","type":"bytes32"},
		{"name":"amount","type":"uint256"},
		{"name":"price","type":"uint256"}
	],"outputs":[]},
	{"name":"claim","type":"function","stateMutability":"nonpayable","inputs":[
		{"name":"epochId","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"proof","type":"bytes32[]"}
	],"outputs":[]}
]`

// topic hashes for log filtering, computed once at init time.
var (
	topicDeposit        = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	topicClaimed        = crypto.Keccak256Hash([]byte("Claimed(address,uint256,uint256)"))
	topicEpochCommitted = crypto.Keccak256Hash([]byte("EpochCommitted(uint256,bytes32,uint256)"))
	topicOrderCancelled = crypto.Keccak256Hash([]byte("OrderCancelled(bytes32)"))
)

// Client wraps an ethclient connection with the Vault/Exchange ABIs bound to
// their deployed addresses, and an optional signer for write calls
// (commitEpoch/executeTrade). A nil auth means the client is read-only,
// suitable for reconciliation/indexer-only deployments.
type Client struct {
	eth      *ethclient.Client
	vault    common.Address
	exchange common.Address
	vaultABI abi.ABI
	exABI    abi.ABI
	auth     *bind.TransactOpts
	chainID  *big.Int
}

// Config is the minimal RPC wiring Client needs, mirroring config.Config's
// on-chain fields.
type Config struct {
	RPCURL          string
	ChainID         int64
	VaultAddress    common.Address
	ExchangeAddress common.Address
	// OperatorKeyHex, if set, enables write calls (commitEpoch, executeTrade).
	OperatorKeyHex string
}

// Dial connects to the RPC endpoint and parses both contract ABIs.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.Wrap(errs.RpcFailure, "chain: dial", err)
	}
	vABI, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse vault ABI: %w", err)
	}
	eABI, err := abi.JSON(strings.NewReader(exchangeABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse exchange ABI: %w", err)
	}

	c := &Client{
		eth:      eth,
		vault:    cfg.VaultAddress,
		exchange: cfg.ExchangeAddress,
		vaultABI: vABI,
		exABI:    eABI,
		chainID:  big.NewInt(cfg.ChainID),
	}

	if cfg.OperatorKeyHex != "" {
		key, err := crypto.HexToECDSA(cfg.OperatorKeyHex)
		if err != nil {
			return nil, fmt.Errorf("chain: parse operator key: %w", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
		if err != nil {
			return nil, fmt.Errorf("chain: build transactor: %w", err)
		}
		c.auth = auth
	}

	return c, nil
}

// --- reads ---

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errs.Wrap(errs.RpcFailure, to.Hex(), err)
	}
	return out, nil
}

// TotalDeposits calls vault.totalDeposits(), implementing reconcile.ChainReader.
func (c *Client) TotalDeposits(ctx context.Context) (amount.Amount, error) {
	data, err := c.vaultABI.Pack("totalDeposits")
	if err != nil {
		return amount.Zero, fmt.Errorf("chain: pack totalDeposits: %w", err)
	}
	out, err := c.call(ctx, c.vault, data)
	if err != nil {
		return amount.Zero, err
	}
	vals, err := c.vaultABI.Unpack("totalDeposits", out)
	if err != nil || len(vals) == 0 {
		return amount.Zero, fmt.Errorf("chain: unpack totalDeposits: %w", err)
	}
	return amount.FromBig32(bigToBytes32(vals[0].(*big.Int))), nil
}

// BalanceOf calls vault.balanceOf(addr), implementing reconcile.ChainReader.
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (amount.Amount, error) {
	data, err := c.vaultABI.Pack("balanceOf", addr)
	if err != nil {
		return amount.Zero, fmt.Errorf("chain: pack balanceOf: %w", err)
	}
	out, err := c.call(ctx, c.vault, data)
	if err != nil {
		return amount.Zero, err
	}
	vals, err := c.vaultABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return amount.Zero, fmt.Errorf("chain: unpack balanceOf: %w", err)
	}
	return amount.FromBig32(bigToBytes32(vals[0].(*big.Int))), nil
}

// NonceOf calls exchange.nonces(addr), the on-chain half of the indexer's
// nonce sync (authoritative value = max(offChain, onChain)).
func (c *Client) NonceOf(ctx context.Context, addr common.Address) (uint64, error) {
	data, err := c.exABI.Pack("nonces", addr)
	if err != nil {
		return 0, fmt.Errorf("chain: pack nonces: %w", err)
	}
	out, err := c.call(ctx, c.exchange, data)
	if err != nil {
		return 0, err
	}
	vals, err := c.exABI.Unpack("nonces", out)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("chain: unpack nonces: %w", err)
	}
	return vals[0].(*big.Int).Uint64(), nil
}

// HeadNumber returns the current chain head's block number.
func (c *Client) HeadNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.RpcFailure, "chain: head number", err)
	}
	return n, nil
}

// HeaderByNumber fetches the header at number, used by the indexer's reorg
// walk-back to compare stored vs live block hashes.
func (c *Client) HeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, errs.Wrap(errs.RpcFailure, "chain: header by number", err)
	}
	return h, nil
}

// --- events ---

// DepositLog is one decoded Vault.Deposit event.
type DepositLog struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	User        common.Address
	Amount      amount.Amount
}

// ClaimedLog is one decoded Vault.Claimed event.
type ClaimedLog struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	User        common.Address
	EpochID     uint64
	Amount      amount.Amount
}

// EpochCommittedLog is one decoded Vault.EpochCommitted event.
type EpochCommittedLog struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	EpochID     uint64
	MerkleRoot  common.Hash
	TotalAmount amount.Amount
}

// OrderCancelledLog is one decoded Exchange.OrderCancelled event.
type OrderCancelledLog struct {
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	OrderHash   domain.OrderHash
}

func (c *Client) filterLogs(ctx context.Context, addr common.Address, topic common.Hash, from, to uint64) ([]types.Log, error) {
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, errs.Wrap(errs.RpcFailure, "chain: filter logs", err)
	}
	return logs, nil
}

// decodeDepositLog decodes one Vault.Deposit log. Factored out of
// FilterDeposits so the decoding logic is unit-testable without a live RPC.
func decodeDepositLog(l types.Log) (DepositLog, bool) {
	if len(l.Topics) < 2 || len(l.Data) < 32 {
		return DepositLog{}, false
	}
	return DepositLog{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		User:        common.BytesToAddress(l.Topics[1].Bytes()),
		Amount:      amount.FromBig32(bigToBytes32(new(big.Int).SetBytes(l.Data[:32]))),
	}, true
}

// FilterDeposits returns Vault.Deposit events in the inclusive block range [from, to].
func (c *Client) FilterDeposits(ctx context.Context, from, to uint64) ([]DepositLog, error) {
	logs, err := c.filterLogs(ctx, c.vault, topicDeposit, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]DepositLog, 0, len(logs))
	for _, l := range logs {
		if d, ok := decodeDepositLog(l); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// decodeClaimedLog decodes one Vault.Claimed log.
func decodeClaimedLog(l types.Log) (ClaimedLog, bool) {
	if len(l.Topics) < 2 || len(l.Data) < 64 {
		return ClaimedLog{}, false
	}
	return ClaimedLog{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		EpochID:     new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		User:        common.BytesToAddress(l.Data[:32]),
		Amount:      amount.FromBig32(bigToBytes32(new(big.Int).SetBytes(l.Data[32:64]))),
	}, true
}

// FilterClaimed returns Vault.Claimed events in the inclusive block range [from, to].
func (c *Client) FilterClaimed(ctx context.Context, from, to uint64) ([]ClaimedLog, error) {
	logs, err := c.filterLogs(ctx, c.vault, topicClaimed, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]ClaimedLog, 0, len(logs))
	for _, l := range logs {
		if d, ok := decodeClaimedLog(l); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// FilterEpochCommitted returns Vault.EpochCommitted events in [from, to].
func (c *Client) FilterEpochCommitted(ctx context.Context, from, to uint64) ([]EpochCommittedLog, error) {
	logs, err := c.filterLogs(ctx, c.vault, topicEpochCommitted, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]EpochCommittedLog, 0, len(logs))
	for _, l := range logs {
		if d, ok := decodeEpochCommittedLog(l); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// decodeEpochCommittedLog decodes one Vault.EpochCommitted log.
func decodeEpochCommittedLog(l types.Log) (EpochCommittedLog, bool) {
	if len(l.Topics) < 2 || len(l.Data) < 64 {
		return EpochCommittedLog{}, false
	}
	return EpochCommittedLog{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		EpochID:     new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		MerkleRoot:  common.BytesToHash(l.Data[:32]),
		TotalAmount: amount.FromBig32(bigToBytes32(new(big.Int).SetBytes(l.Data[32:64]))),
	}, true
}

// decodeOrderCancelledLog decodes one Exchange.OrderCancelled log.
func decodeOrderCancelledLog(l types.Log) (OrderCancelledLog, bool) {
	if len(l.Topics) < 2 {
		return OrderCancelledLog{}, false
	}
	return OrderCancelledLog{
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		BlockNumber: l.BlockNumber,
		OrderHash:   domain.OrderHash(l.Topics[1]),
	}, true
}

// FilterOrderCancelled returns Exchange.OrderCancelled events in [from, to].
func (c *Client) FilterOrderCancelled(ctx context.Context, from, to uint64) ([]OrderCancelledLog, error) {
	logs, err := c.filterLogs(ctx, c.exchange, topicOrderCancelled, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]OrderCancelledLog, 0, len(logs))
	for _, l := range logs {
		if d, ok := decodeOrderCancelledLog(l); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// --- writes ---

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c.auth == nil {
		return common.Hash{}, errs.New(errs.RpcFailure, "chain: no operator key configured")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.auth.From)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.RpcFailure, "chain: pending nonce", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.RpcFailure, "chain: suggest gas price", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.auth.From, To: &to, Data: data})
	if err != nil {
		gasLimit = 500_000
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.auth.Signer(c.auth.From, tx)
	if err != nil {
		return common.Hash{}, errs.Wrap(errs.RpcFailure, "chain: sign tx", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errs.Wrap(errs.RpcFailure, "chain: send tx", err)
	}
	if _, err := bind.WaitMined(ctx, c.eth, signed); err != nil {
		return common.Hash{}, errs.Wrap(errs.RpcTimeout, "chain: wait mined", err)
	}
	return signed.Hash(), nil
}

// CommitEpoch calls exchange.commitEpoch(epochId, merkleRoot, totalAmount),
// implementing settlement.ChainClient.
func (c *Client) CommitEpoch(ctx context.Context, epochID uint64, merkleRoot [32]byte, totalAmount *big.Int) (common.Hash, error) {
	data, err := c.exABI.Pack("commitEpoch", new(big.Int).SetUint64(epochID), merkleRoot, totalAmount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack commitEpoch: %w", err)
	}
	return c.send(ctx, c.exchange, data)
}

// ExecuteTrade calls exchange.executeTrade(...) for one settled trade leg,
// implementing settlement.ChainClient.
func (c *Client) ExecuteTrade(ctx context.Context, epochID uint64, trade domain.Trade) (common.Hash, error) {
	data, err := c.exABI.Pack("executeTrade",
		new(big.Int).SetUint64(epochID),
		[32]byte(trade.TakerOrderHash),
		[32]byte(trade.MakerOrderHash),
		trade.Amount.Big(),
		trade.Price.Big(),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack executeTrade: %w", err)
	}
	return c.send(ctx, c.exchange, data)
}

// IsValidSignature implements sig.ContractVerifier against a deployed
// ERC-1271 / Gnosis Safe contract at account.
func (c *Client) IsValidSignature(account common.Address, digest [32]byte, signature []byte) (bool, error) {
	const erc1271ABI = `[{"name":"isValidSignature","type":"function","stateMutability":"view",
		"inputs":[{"name":"_hash","type":"bytes32"},{"name":"_signature","type":"bytes"}],
		"outputs":[{"name":"","type":"bytes4"}]}]`
	parsed, err := abi.JSON(strings.NewReader(erc1271ABI))
	if err != nil {
		return false, fmt.Errorf("chain: parse erc1271 ABI: %w", err)
	}
	data, err := parsed.Pack("isValidSignature", digest, signature)
	if err != nil {
		return false, fmt.Errorf("chain: pack isValidSignature: %w", err)
	}
	out, err := c.call(context.Background(), account, data)
	if err != nil {
		return false, err
	}
	if len(out) < 4 {
		return false, nil
	}
	const magicValue = "\x16\x26\xba\x7e" // bytes4(keccak256("isValidSignature(bytes32,bytes)"))
	return string(out[:4]) == magicValue, nil
}

func bigToBytes32(b *big.Int) [32]byte {
	var out [32]byte
	bz := b.Bytes()
	copy(out[32-len(bz):], bz)
	return out
}
