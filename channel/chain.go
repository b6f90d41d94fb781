// Package channel drives the payment-channel path: on-chain create,
// off-chain unified-balance transfer, on-chain close through the custody
// contract.
package channel

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/identity"
)

// custodyABI is the slice of the custody contract this client touches:
// state submission for create/close plus the two reads the path needs.
const custodyABI = `[
	{"inputs":[{"name":"channelId","type":"bytes32"},{"name":"stateData","type":"bytes"},{"name":"clientSig","type":"bytes"},{"name":"serverSig","type":"bytes"}],"name":"create","outputs":[],"type":"function"},
	{"inputs":[{"name":"channelId","type":"bytes32"},{"name":"stateData","type":"bytes"},{"name":"clientSig","type":"bytes"},{"name":"serverSig","type":"bytes"}],"name":"close","outputs":[],"type":"function"},
	{"inputs":[{"name":"channelId","type":"bytes32"}],"name":"latestVersion","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"channelId","type":"bytes32"},{"name":"token","type":"address"}],"name":"channelBalance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	receiptPollInterval = 3 * time.Second
	receiptWait         = 90 * time.Second
	txGasLimit          = 300_000
)

// Backend is the settlement-chain surface the channel path needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClient submits channel states to the custody contract and reads
// back the adjudicated channel facts.
type ChainClient struct {
	backend Backend
	wallet  *identity.Wallet
	chainID *big.Int
	custody common.Address
	abi     abi.ABI
	log     *zap.Logger
}

// NewChainClient builds a chain client for the fixed custody contract.
func NewChainClient(backend Backend, wallet *identity.Wallet, chainID *big.Int, custody common.Address, log *zap.Logger) (*ChainClient, error) {
	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("parse custody ABI: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChainClient{
		backend: backend,
		wallet:  wallet,
		chainID: chainID,
		custody: custody,
		abi:     parsed,
		log:     log,
	}, nil
}

// SubmitState countersigns a server-provided channel state and submits it
// through the named custody function ("create" or "close"). Returns the
// transaction hash after a successful receipt.
func (c *ChainClient) SubmitState(ctx context.Context, method string, channelID common.Hash, stateData, serverSig []byte) (common.Hash, error) {
	clientSig, err := c.wallet.SignMessage(stateData)
	if err != nil {
		return common.Hash{}, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "sign channel state: %v", err)
	}
	data, err := c.abi.Pack(method, channelID, stateData, clientSig, serverSig)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack custody.%s: %w", method, err)
	}

	txHash, err := c.submit(ctx, data)
	if err == nil {
		return txHash, nil
	}
	// One retry with a fresh gas estimate, then surface.
	c.log.Warn("custody submission failed, retrying with fresh gas", zap.String("method", method), zap.Error(err))
	return c.submit(ctx, data)
}

func (c *ChainClient) submit(ctx context.Context, calldata []byte) (common.Hash, error) {
	from := c.wallet.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "nonce: %v", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "gas price: %v", err)
	}

	tx := types.NewTransaction(nonce, c.custody, big.NewInt(0), txGasLimit, gasPrice, calldata)
	signed, err := c.wallet.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "%v", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "send transaction: %v", err)
	}
	if err := c.waitReceipt(ctx, signed.Hash()); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// waitReceipt polls for the receipt until mined, failed, or deadline.
func (c *ChainClient) waitReceipt(ctx context.Context, txHash common.Hash) error {
	deadline := time.Now().Add(receiptWait)
	for time.Now().Before(deadline) {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "transaction %s reverted", txHash.Hex())
		}
		select {
		case <-time.After(receiptPollInterval):
		case <-ctx.Done():
			return agentpay.NewErrorf(agentpay.ErrCodeCancelled, "wait for receipt: %v", ctx.Err())
		}
	}
	return agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "transaction %s not mined after %s", txHash.Hex(), receiptWait)
}

// LatestVersion reads the last valid on-chain state version of a channel.
func (c *ChainClient) LatestVersion(ctx context.Context, channelID common.Hash) (uint64, error) {
	out, err := c.view(ctx, "latestVersion", channelID)
	if err != nil {
		return 0, err
	}
	return out.Uint64(), nil
}

// ChannelBalance reads the channel's on-chain balance of a token. A
// transfer is only permitted when this is zero.
func (c *ChainClient) ChannelBalance(ctx context.Context, channelID common.Hash, token common.Address) (*big.Int, error) {
	return c.view(ctx, "channelBalance", channelID, token)
}

func (c *ChainClient) view(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack custody.%s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.custody, Data: data}, nil)
	if err != nil {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "custody.%s: %v", method, err)
	}
	results, err := c.abi.Unpack(method, out)
	if err != nil || len(results) != 1 {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "malformed custody.%s response", method)
	}
	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeOnChainFailed, "custody.%s returned non-integer", method)
	}
	return value, nil
}
