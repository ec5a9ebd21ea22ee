package chain_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/artpar/paygate/adapters/chain"
	"github.com/artpar/paygate/domain/money"
	"github.com/artpar/paygate/domain/payment"
)

const (
	baseNetwork = "eip155:8453"
	usdcAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	payTo       = "0x1111111111111111111111111111111111111111"
	payerAddr   = "0x2222222222222222222222222222222222222222"
	txHash      = "0xabcdef0000000000000000000000000000000000000000000000000000000001"
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type fakeBackend struct {
	receipts map[common.Hash]*ethtypes.Receipt
	err      error
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func transferLog(token, from, to string, value int64) *ethtypes.Log {
	v := big.NewInt(value)
	data := make([]byte, 32)
	v.FillBytes(data)
	return &ethtypes.Log{
		Address: common.HexToAddress(token),
		Topics: []common.Hash{
			transferTopic,
			common.HexToHash(common.HexToAddress(from).Hex()),
			common.HexToHash(common.HexToAddress(to).Hex()),
		},
		Data: data,
	}
}

func newClient(backend chain.Backend) *chain.Client {
	cfg := chain.Config{
		Networks: []chain.Network{{
			ID:     baseNetwork,
			RPCURL: "http://unused.invalid",
			Tokens: map[string]chain.Token{
				"USDC": {Address: usdcAddress, Decimals: 6},
			},
		}},
	}
	return chain.NewWithBackends(cfg, map[string]chain.Backend{baseNetwork: backend}, zerolog.Nop())
}

func requirement(t *testing.T, price string) payment.Requirement {
	t.Helper()
	amount, err := money.Parse(price)
	if err != nil {
		t.Fatalf("Parse(%q): %v", price, err)
	}
	return payment.Requirement{
		Price:   amount,
		PayTo:   payTo,
		Network: baseNetwork,
		Asset:   "USDC",
	}
}

func TestVerifyTransferExactAmount(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(txHash): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs:   []*ethtypes.Log{transferLog(usdcAddress, payerAddr, payTo, 10_000)},
		},
	}}
	c := newClient(backend)

	result, err := c.VerifyTransfer(context.Background(), baseNetwork, "USDC", txHash, requirement(t, "$0.01"))
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid, got kind %q", result.Kind)
	}
	if result.Payer != common.HexToAddress(payerAddr).Hex() {
		t.Errorf("payer = %q", result.Payer)
	}
	if got := money.Format(result.Amount); got != "$0.01" {
		t.Errorf("amount = %q, want $0.01", got)
	}
}

func TestVerifyTransferSumsSplitTransfers(t *testing.T) {
	// $0.006 + $0.004 in two Transfer events covers a $0.01 requirement.
	backend := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(txHash): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs: []*ethtypes.Log{
				transferLog(usdcAddress, payerAddr, payTo, 6_000),
				transferLog(usdcAddress, payerAddr, payTo, 4_000),
			},
		},
	}}
	c := newClient(backend)

	result, err := c.VerifyTransfer(context.Background(), baseNetwork, "USDC", txHash, requirement(t, "$0.01"))
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected split transfers to sum to valid, got kind %q", result.Kind)
	}
	if got := money.Format(result.Amount); got != "$0.01" {
		t.Errorf("amount = %q, want $0.01", got)
	}
}

func TestVerifyTransferInsufficient(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(txHash): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs:   []*ethtypes.Log{transferLog(usdcAddress, payerAddr, payTo, 9_999)},
		},
	}}
	c := newClient(backend)

	result, err := c.VerifyTransfer(context.Background(), baseNetwork, "USDC", txHash, requirement(t, "$0.01"))
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if result.Kind != payment.KindPaymentInsufficient {
		t.Errorf("kind = %q, want %q", result.Kind, payment.KindPaymentInsufficient)
	}
}

func TestVerifyTransferIgnoresOtherRecipientsAndTokens(t *testing.T) {
	other := "0x3333333333333333333333333333333333333333"
	wrongToken := "0x4444444444444444444444444444444444444444"
	backend := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(txHash): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs: []*ethtypes.Log{
				transferLog(usdcAddress, payerAddr, other, 10_000),
				transferLog(wrongToken, payerAddr, payTo, 10_000),
				transferLog(usdcAddress, payerAddr, payTo, 5_000),
			},
		},
	}}
	c := newClient(backend)

	result, err := c.VerifyTransfer(context.Background(), baseNetwork, "USDC", txHash, requirement(t, "$0.01"))
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid: only $0.005 went to the recipient in the right token")
	}
	if result.Kind != payment.KindPaymentInsufficient {
		t.Errorf("kind = %q", result.Kind)
	}
}

func TestVerifyTransferNoMatchingTransfer(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(txHash): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs:   []*ethtypes.Log{},
		},
	}}
	c := newClient(backend)

	result, err := c.VerifyTransfer(context.Background(), baseNetwork, "USDC", txHash, requirement(t, "$0.01"))
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if result.Kind != payment.KindPaymentInvalid {
		t.Errorf("kind = %q, want %q", result.Kind, payment.KindPaymentInvalid)
	}
}

func TestVerifyTransferErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		network string
		asset   string
		want    payment.ErrorKind
	}{
		{
			name:    "unknown network",
			backend: &fakeBackend{},
			network: "eip155:999999",
			asset:   "USDC",
			want:    payment.KindUnsupportedNetwork,
		},
		{
			name:    "unknown asset",
			backend: &fakeBackend{},
			network: baseNetwork,
			asset:   "DAI",
			want:    payment.KindUnsupportedAsset,
		},
		{
			name:    "missing transaction",
			backend: &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{}},
			network: baseNetwork,
			asset:   "USDC",
			want:    payment.KindTxNotFound,
		},
		{
			name: "reverted transaction",
			backend: &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
				common.HexToHash(txHash): {Status: ethtypes.ReceiptStatusFailed},
			}},
			network: baseNetwork,
			asset:   "USDC",
			want:    payment.KindTxFailed,
		},
		{
			name:    "rpc outage",
			backend: &fakeBackend{err: context.DeadlineExceeded},
			network: baseNetwork,
			asset:   "USDC",
			want:    payment.KindVerifierUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(tt.backend)
			result, err := c.VerifyTransfer(context.Background(), tt.network, tt.asset, txHash, requirement(t, "$0.01"))
			if err != nil {
				t.Fatalf("VerifyTransfer: %v", err)
			}
			if result.Valid {
				t.Fatal("expected invalid")
			}
			if result.Kind != tt.want {
				t.Errorf("kind = %q, want %q", result.Kind, tt.want)
			}
		})
	}
}

func TestSupportsNetwork(t *testing.T) {
	c := newClient(&fakeBackend{})
	if !c.SupportsNetwork(baseNetwork) {
		t.Error("expected base network supported")
	}
	if c.SupportsNetwork("eip155:1") {
		t.Error("unexpected support for unconfigured network")
	}
}

func TestVerifyTransferAssetCaseInsensitive(t *testing.T) {
	backend := &fakeBackend{receipts: map[common.Hash]*ethtypes.Receipt{
		common.HexToHash(txHash): {
			Status: ethtypes.ReceiptStatusSuccessful,
			Logs:   []*ethtypes.Log{transferLog(usdcAddress, payerAddr, payTo, 10_000)},
		},
	}}
	c := newClient(backend)

	result, err := c.VerifyTransfer(context.Background(), baseNetwork, "usdc", txHash, requirement(t, "$0.01"))
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid, got kind %q", result.Kind)
	}
}
