package worker

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/appsession"
	"github.com/joelklabo/agentpay/clearnet"
)

// Verifier checks a payment proof against a bill without calling back to
// the payer.
type Verifier interface {
	Verify(ctx context.Context, bill agentpay.Bill, proof agentpay.PaymentProof) error
}

// ProofVerifier dispatches by proof kind. A nil branch rejects that kind.
type ProofVerifier struct {
	Chain    Verifier
	Clearing Verifier
}

func (v *ProofVerifier) Verify(ctx context.Context, bill agentpay.Bill, proof agentpay.PaymentProof) error {
	if err := checkProofShape(bill, proof); err != nil {
		return err
	}
	switch proof.Kind {
	case agentpay.ProofChannelClose:
		if v.Chain == nil {
			return agentpay.NewError(agentpay.ErrCodePaymentVerificationFailed, "channel proofs not accepted: no settlement-chain access")
		}
		return v.Chain.Verify(ctx, bill, proof)
	case agentpay.ProofAppSessionState:
		if v.Clearing == nil {
			return agentpay.NewError(agentpay.ErrCodePaymentVerificationFailed, "session proofs not accepted: no clearing-network access")
		}
		return v.Clearing.Verify(ctx, bill, proof)
	default:
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "unknown proof kind %q", proof.Kind)
	}
}

// checkProofShape enforces the kind-independent facts: the proof names
// this worker and covers at least the billed amount.
func checkProofShape(bill agentpay.Bill, proof agentpay.PaymentProof) error {
	if err := proof.Validate(); err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}
	if !strings.EqualFold(proof.WorkerAddress, bill.WorkerAddress) {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"proof names %s, bill names %s", proof.WorkerAddress, bill.WorkerAddress)
	}
	billed, err := bill.AmountUnits()
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}
	paid, ok := new(big.Int).SetString(proof.Amount, 10)
	if !ok || paid.Cmp(billed) < 0 {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"proof amount %q does not cover bill amount %s", proof.Amount, billed)
	}
	return nil
}

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptReader is the settlement-chain surface channel-close
// verification needs. *ethclient.Client satisfies it.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainVerifier confirms a channel_close proof: the referenced
// transaction succeeded and its logs credit the worker with at least the
// billed amount of the asset token.
type ChainVerifier struct {
	backend ReceiptReader
	token   common.Address
	log     *zap.Logger
}

// NewChainVerifier builds a verifier for one asset token.
func NewChainVerifier(backend ReceiptReader, token common.Address, log *zap.Logger) *ChainVerifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChainVerifier{backend: backend, token: token, log: log}
}

func (v *ChainVerifier) Verify(ctx context.Context, bill agentpay.Bill, proof agentpay.PaymentProof) error {
	receipt, err := v.backend.TransactionReceipt(ctx, common.HexToHash(proof.Reference))
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"transaction %s not found: %v", proof.Reference, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"transaction %s reverted", proof.Reference)
	}

	billed, err := bill.AmountUnits()
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}
	worker := common.HexToAddress(bill.WorkerAddress)
	credited := creditedAmount(receipt.Logs, v.token, worker)
	if credited.Cmp(billed) < 0 {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"transaction %s credits %s, bill demands %s", proof.Reference, credited, billed)
	}
	v.log.Debug("channel close verified",
		zap.String("tx", proof.Reference),
		zap.String("credited", credited.String()))
	return nil
}

// creditedAmount sums ERC-20 Transfer amounts of token to worker across
// the receipt's logs.
func creditedAmount(logs []*types.Log, token, worker common.Address) *big.Int {
	total := new(big.Int)
	for _, entry := range logs {
		if entry.Address != token || len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(entry.Topics[2].Bytes()) != worker {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(entry.Data))
	}
	return total
}

// SessionDialer opens a fresh authenticated clearing session. The
// verifier dials per proof and closes after; verification is rare enough
// that the extra handshake beats holding a connection open.
type SessionDialer func(ctx context.Context) (*clearnet.Session, error)

// ClearnetVerifier confirms an app_session_state proof: the referenced
// session exists at (or past) the referenced version with an allocation
// crediting the worker by at least the billed amount.
type ClearnetVerifier struct {
	dial SessionDialer
	log  *zap.Logger
}

func NewClearnetVerifier(dial SessionDialer, log *zap.Logger) *ClearnetVerifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClearnetVerifier{dial: dial, log: log}
}

func (v *ClearnetVerifier) Verify(ctx context.Context, bill agentpay.Bill, proof agentpay.PaymentProof) error {
	sid, version, err := agentpay.ParseSessionReference(proof.Reference)
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}

	sess, err := v.dial(ctx)
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "clearing network unreachable: %v", err)
	}
	defer sess.Close()

	info, err := appsession.New(sess, v.log).Get(ctx, sid)
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"session %s not found: %v", sid, err)
	}
	if info.Version < version {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"session %s at version %d, proof references %d", sid, info.Version, version)
	}

	billed, err := bill.AmountUnits()
	if err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}
	credited := new(big.Int)
	for _, alloc := range info.Allocations {
		if !strings.EqualFold(alloc.Participant, bill.WorkerAddress) || alloc.Asset != bill.Asset {
			continue
		}
		if amount, ok := new(big.Int).SetString(alloc.Amount, 10); ok {
			credited.Add(credited, amount)
		}
	}
	if credited.Cmp(billed) < 0 {
		return agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"session %s allocates %s to worker, bill demands %s", sid, credited, billed)
	}
	v.log.Debug("session state verified",
		zap.String("app_session_id", sid),
		zap.Uint64("version", info.Version))
	return nil
}
