package worker

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/clearnet"
)

var (
	token  = common.HexToAddress("0x00000000000000000000000000000000000000EE")
	worker = common.HexToAddress(testWorkerAddr)
	payer  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	txRef  = "0xfeed000000000000000000000000000000000000000000000000000000000001"
)

func chainBill() agentpay.Bill {
	return agentpay.Bill{
		JobID:         "job-1",
		WorkerAddress: worker.Hex(),
		Amount:        "1000000",
		Asset:         agentpay.DefaultAsset,
		ExpiresAt:     time.Now().Add(time.Minute),
	}
}

func chainProof(amount string) agentpay.PaymentProof {
	return agentpay.PaymentProof{
		Kind:          agentpay.ProofChannelClose,
		Reference:     txRef,
		Amount:        amount,
		WorkerAddress: worker.Hex(),
	}
}

func TestCheckProofShape(t *testing.T) {
	bill := chainBill()
	require.NoError(t, checkProofShape(bill, chainProof("1000000")))
	require.NoError(t, checkProofShape(bill, chainProof("2000000")), "overpayment is fine")

	short := chainProof("999999")
	err := checkProofShape(bill, short)
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodePaymentVerificationFailed, agentpay.CodeOf(err))

	wrongWorker := chainProof("1000000")
	wrongWorker.WorkerAddress = payer.Hex()
	assert.Error(t, checkProofShape(bill, wrongWorker))

	badKind := chainProof("1000000")
	badKind.Kind = "cheque"
	assert.Error(t, checkProofShape(bill, badKind))
}

func TestProofVerifierRejectsUnconfiguredKinds(t *testing.T) {
	v := &ProofVerifier{}
	err := v.Verify(context.Background(), chainBill(), chainProof("1000000"))
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodePaymentVerificationFailed, agentpay.CodeOf(err))
}

type fakeReceipts struct {
	receipt *types.Receipt
	err     error
}

func (f *fakeReceipts) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.err
}

func transferLog(to common.Address, amount *big.Int) *types.Log {
	data := make([]byte, 32)
	amount.FillBytes(data)
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(payer.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}
}

func TestChainVerifierAcceptsCreditedTransfer(t *testing.T) {
	backend := &fakeReceipts{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{transferLog(worker, big.NewInt(1_000_000))},
	}}
	v := NewChainVerifier(backend, token, nil)
	assert.NoError(t, v.Verify(context.Background(), chainBill(), chainProof("1000000")))
}

func TestChainVerifierSumsMultipleTransfers(t *testing.T) {
	backend := &fakeReceipts{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			transferLog(worker, big.NewInt(600_000)),
			transferLog(worker, big.NewInt(400_000)),
		},
	}}
	v := NewChainVerifier(backend, token, nil)
	assert.NoError(t, v.Verify(context.Background(), chainBill(), chainProof("1000000")))
}

func TestChainVerifierRejectsInsufficientCredit(t *testing.T) {
	backend := &fakeReceipts{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			transferLog(worker, big.NewInt(400_000)),
			transferLog(payer, big.NewInt(600_000)), // credited elsewhere
		},
	}}
	v := NewChainVerifier(backend, token, nil)
	err := v.Verify(context.Background(), chainBill(), chainProof("1000000"))
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodePaymentVerificationFailed, agentpay.CodeOf(err))
}

func TestChainVerifierIgnoresOtherTokens(t *testing.T) {
	otherToken := transferLog(worker, big.NewInt(1_000_000))
	otherToken.Address = common.HexToAddress("0x00000000000000000000000000000000000000FF")
	backend := &fakeReceipts{receipt: &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs:   []*types.Log{otherToken},
	}}
	v := NewChainVerifier(backend, token, nil)
	assert.Error(t, v.Verify(context.Background(), chainBill(), chainProof("1000000")))
}

func TestChainVerifierRejectsRevertedAndMissing(t *testing.T) {
	reverted := NewChainVerifier(&fakeReceipts{receipt: &types.Receipt{Status: types.ReceiptStatusFailed}}, token, nil)
	assert.Error(t, reverted.Verify(context.Background(), chainBill(), chainProof("1000000")))

	missing := NewChainVerifier(&fakeReceipts{err: errors.New("not found")}, token, nil)
	assert.Error(t, missing.Verify(context.Background(), chainBill(), chainProof("1000000")))
}

func TestClearnetVerifierRejectsMalformedReferenceBeforeDialing(t *testing.T) {
	dialed := false
	v := NewClearnetVerifier(func(ctx context.Context) (*clearnet.Session, error) {
		dialed = true
		return nil, errors.New("unreachable")
	}, nil)

	bill := chainBill()
	proof := agentpay.PaymentProof{
		Kind:          agentpay.ProofAppSessionState,
		Reference:     "session:bad",
		Amount:        "1000000",
		WorkerAddress: worker.Hex(),
	}
	err := v.Verify(context.Background(), bill, proof)
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodePaymentVerificationFailed, agentpay.CodeOf(err))
	assert.False(t, dialed)
}

func TestJobTablePurgesCompleted(t *testing.T) {
	table := newJobTable()
	now := time.Now()
	table.now = func() time.Time { return now }

	job := agentpay.Job{JobID: "j1", TaskType: "summarize"}
	table.open(job, agentpay.Bill{JobID: "j1", ExpiresAt: now.Add(time.Minute)})
	require.True(t, table.accept("j1", chainProof("1000000")))
	table.complete("j1", map[string]interface{}{"ok": true}, false, "")

	_, ok := table.get("j1")
	require.True(t, ok)

	table.now = func() time.Time { return now.Add(completedRetention + time.Minute) }
	_, ok = table.get("j1")
	assert.False(t, ok)
}

func TestJobTableSingleAcceptedProof(t *testing.T) {
	table := newJobTable()
	job := agentpay.Job{JobID: "j1"}
	table.open(job, agentpay.Bill{JobID: "j1", ExpiresAt: time.Now().Add(time.Minute)})

	require.True(t, table.accept("j1", chainProof("1000000")))
	assert.False(t, table.accept("j1", chainProof("1000000")), "second accept rejected")
	assert.False(t, table.accept("missing", chainProof("1000000")))
}
