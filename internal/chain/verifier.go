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
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"otc-settlement/internal/domain"
)

// ReceiptReader is the subset of ethclient.Client used for verification.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options parameterise the verifier.
type Options struct {
	RPCURL           string
	Networks         []string
	MinConfirmations uint64
	Timeout          time.Duration
}

// Verifier confirms settlement transactions through an Ethereum RPC endpoint.
type Verifier struct {
	opts     Options
	networks map[string]struct{}
	logger   zerolog.Logger

	injected  bool
	reader    ReceiptReader
	clientMux sync.Mutex
}

// NewVerifier builds a verifier. The RPC connection is dialled lazily.
func NewVerifier(opts Options, logger zerolog.Logger) *Verifier {
	networks := make(map[string]struct{}, len(opts.Networks))
	for _, n := range opts.Networks {
		networks[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return &Verifier{
		opts:     opts,
		networks: networks,
		logger:   logger.With().Str("component", "chain_verifier").Logger(),
	}
}

// NewVerifierWithReader builds a verifier over an existing reader.
func NewVerifierWithReader(reader ReceiptReader, opts Options, logger zerolog.Logger) *Verifier {
	v := NewVerifier(opts, logger)
	v.reader = reader
	v.injected = true
	return v
}

// Supports reports whether network is served by the configured endpoint.
func (v *Verifier) Supports(network string) bool {
	if v == nil || (v.opts.RPCURL == "" && !v.injected) {
		return false
	}
	_, ok := v.networks[strings.ToLower(strings.TrimSpace(network))]
	return ok
}

// VerifyTx succeeds when txHash has a successful receipt with enough confirmations.
func (v *Verifier) VerifyTx(ctx context.Context, network, txHash string) error {
	if !v.Supports(network) {
		return fmt.Errorf("network %s not served by the configured rpc endpoint", network)
	}
	if !isTxHash(txHash) {
		return domain.Validation("invalid transaction hash %q", txHash)
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	reader, err := v.getReader(ctx)
	if err != nil {
		return domain.Unavailable("ethereum rpc unavailable: %v", err)
	}

	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return domain.Validation("transaction %s not found on %s", txHash, network)
	}
	if err != nil {
		return domain.Unavailable("fetch receipt for %s: %v", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Validation("transaction %s reverted on %s", txHash, network)
	}

	if v.opts.MinConfirmations > 1 && receipt.BlockNumber != nil {
		head, err := reader.BlockNumber(ctx)
		if err != nil {
			return domain.Unavailable("fetch block number: %v", err)
		}
		confirmations := confirmationsAt(receipt.BlockNumber, head)
		if confirmations < v.opts.MinConfirmations {
			return domain.Conflict("transaction %s has %d confirmations, need %d", txHash, confirmations, v.opts.MinConfirmations)
		}
	}

	v.logger.Info().Str("network", network).Str("tx_hash", txHash).Msg("settlement transaction verified")
	return nil
}

func (v *Verifier) getReader(ctx context.Context) (ReceiptReader, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.reader != nil {
		return v.reader, nil
	}

	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.reader = client
	return client, nil
}

func confirmationsAt(block *big.Int, head uint64) uint64 {
	if !block.IsUint64() || block.Uint64() > head {
		return 0
	}
	return head - block.Uint64() + 1
}

func isTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
