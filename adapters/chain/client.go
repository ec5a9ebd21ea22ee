// Package chain provides on-chain payment verification against
// EVM-compatible networks. It fetches transaction receipts over RPC and
// decodes ERC-20 Transfer events to confirm that the claimed transfer
// reached the configured recipient.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
	"github.com/artpar/paygate/ports"
)

// transferTopic is the keccak256 hash of Transfer(address,address,uint256).
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of the Ethereum RPC client the verifier needs.
// ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Token configures one ERC-20 asset on one network.
type Token struct {
	Address  string // contract address, 0x-hex
	Decimals int    // on-chain decimals, e.g. 6 for USDC
}

// Network configures read access to one EVM chain.
type Network struct {
	ID     string // CAIP-2 identifier, e.g. "eip155:8453"
	RPCURL string
	Tokens map[string]Token // asset symbol -> token
}

// Config configures the multi-chain client.
type Config struct {
	Networks   []Network
	RPCTimeout time.Duration // per-call timeout (default 10s)
}

// Client verifies ERC-20 transfers across multiple configured chains.
type Client struct {
	networks map[string]Network
	timeout  time.Duration
	logger   zerolog.Logger
	mu       sync.Mutex
	backends map[string]Backend
	dial     func(rpcURL string) (Backend, error)
}

// New creates a multi-chain client. RPC connections are dialed lazily
// on first use per network.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	networks := make(map[string]Network, len(cfg.Networks))
	for _, n := range cfg.Networks {
		networks[n.ID] = n
	}
	return &Client{
		networks: networks,
		timeout:  cfg.RPCTimeout,
		logger:   logger,
		backends: make(map[string]Backend),
		dial: func(rpcURL string) (Backend, error) {
			return ethclient.Dial(rpcURL)
		},
	}
}

// NewWithBackends creates a client with pre-wired backends (for tests).
func NewWithBackends(cfg Config, backends map[string]Backend, logger zerolog.Logger) *Client {
	c := New(cfg, logger)
	for id, b := range backends {
		c.backends[id] = b
	}
	return c
}

// SupportsNetwork reports whether a CAIP-2 network id is configured.
func (c *Client) SupportsNetwork(network string) bool {
	_, ok := c.networks[network]
	return ok
}

func (c *Client) backend(network Network) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[network.ID]; ok {
		return b, nil
	}
	b, err := c.dial(network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network.ID, err)
	}
	c.backends[network.ID] = b
	return b, nil
}

// VerifyTransfer checks that txHash on the given network transferred at
// least the required amount of asset to the required recipient.
// A payment may be split across multiple Transfer events in one
// transaction; values to the recipient are summed before comparison.
// Amount comparison happens in integer atomic units.
func (c *Client) VerifyTransfer(ctx context.Context, network, asset, txHash string, req payment.Requirement) (payment.VerificationResult, error) {
	net, ok := c.networks[network]
	if !ok {
		return payment.Invalid(payment.KindUnsupportedNetwork), nil
	}

	token, ok := net.Tokens[strings.ToUpper(asset)]
	if !ok {
		return payment.Invalid(payment.KindUnsupportedAsset), nil
	}

	backend, err := c.backend(net)
	if err != nil {
		c.logger.Warn().Err(err).Str("network", network).Msg("rpc dial failed")
		return payment.Invalid(payment.KindVerifierUnavailable), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := backend.TransactionReceipt(callCtx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return payment.Invalid(payment.KindTxNotFound), nil
		}
		c.logger.Warn().Err(err).
			Str("network", network).
			Str("tx_hash", txHash).
			Msg("receipt fetch failed")
		return payment.Invalid(payment.KindVerifierUnavailable), nil
	}
	if receipt == nil {
		return payment.Invalid(payment.KindTxNotFound), nil
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return payment.Invalid(payment.KindTxFailed), nil
	}

	tokenAddr := common.HexToAddress(token.Address)
	recipient := common.HexToAddress(req.PayTo)

	total := new(big.Int)
	payer := ""
	for _, log := range receipt.Logs {
		from, to, value, ok := decodeTransfer(log, tokenAddr)
		if !ok {
			continue
		}
		if to != recipient {
			continue
		}
		total.Add(total, value)
		if payer == "" {
			payer = from.Hex()
		}
	}

	if payer == "" {
		return payment.Invalid(payment.KindPaymentInvalid), nil
	}

	required := req.Price.AtomicUnits(token.Decimals)
	if total.Cmp(required) < 0 {
		result := payment.Invalid(payment.KindPaymentInsufficient)
		result.Payer = payer
		result.Amount = money.FromAtomicUnits(total, token.Decimals, req.Price.Currency)
		result.TxHash = txHash
		return result, nil
	}

	return payment.VerificationResult{
		Valid:  true,
		Payer:  payer,
		Amount: money.FromAtomicUnits(total, token.Decimals, req.Price.Currency),
		TxHash: txHash,
	}, nil
}

// decodeTransfer decodes one receipt log as an ERC-20 Transfer event
// from the expected token contract. Logs that do not decode are
// skipped; a malformed log never fails the whole verification.
func decodeTransfer(log *ethtypes.Log, tokenAddr common.Address) (from, to common.Address, value *big.Int, ok bool) {
	if log == nil || log.Address != tokenAddr {
		return from, to, nil, false
	}
	if len(log.Topics) != 3 || log.Topics[0] != transferTopic {
		return from, to, nil, false
	}
	if len(log.Data) != 32 {
		return from, to, nil, false
	}
	from = common.BytesToAddress(log.Topics[1].Bytes())
	to = common.BytesToAddress(log.Topics[2].Bytes())
	value = new(big.Int).SetBytes(log.Data)
	return from, to, value, true
}

// Ensure interface compliance.
var _ ports.ChainClient = (*Client)(nil)
