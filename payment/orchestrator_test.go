package payment

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/appsession"
)

var (
	clientAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	workerAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testBill() agentpay.Bill {
	return agentpay.Bill{
		JobID:         "job-1",
		WorkerAddress: workerAddr.Hex(),
		Amount:        "1000000",
		Asset:         agentpay.DefaultAsset,
		ExpiresAt:     time.Now().Add(time.Minute),
	}
}

func shortBackoff(t *testing.T) {
	t.Helper()
	orig := backoff
	backoff = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() { backoff = orig })
}

// fakeApps scripts the app-session path.
type fakeApps struct {
	createErrs     []error                    // consumed per Create call
	submitOutcomes []appsession.SubmitOutcome // consumed per SubmitState call
	submitErrs     []error
	closeOutcome   appsession.SubmitOutcome
	closeErrs      []error // consumed per Close call
	getVersion     uint64

	created    int
	submits    int
	closes     int
	gets       int
	waitClosed int

	lastAllocations []appsession.Allocation
}

func (f *fakeApps) Create(ctx context.Context, client, worker common.Address, quorum int) (appsession.Info, error) {
	idx := f.created
	f.created++
	if idx < len(f.createErrs) && f.createErrs[idx] != nil {
		return appsession.Info{}, f.createErrs[idx]
	}
	return appsession.Info{AppSessionID: "0xsid", Version: 1, Quorum: quorum}, nil
}

func (f *fakeApps) SubmitState(ctx context.Context, id string, version uint64, allocs []appsession.Allocation) (appsession.SubmitOutcome, error) {
	idx := f.submits
	f.submits++
	f.lastAllocations = allocs
	if idx < len(f.submitErrs) && f.submitErrs[idx] != nil {
		return 0, f.submitErrs[idx]
	}
	if idx < len(f.submitOutcomes) {
		return f.submitOutcomes[idx], nil
	}
	return appsession.Accepted, nil
}

func (f *fakeApps) Close(ctx context.Context, id string, final []appsession.Allocation) (appsession.SubmitOutcome, error) {
	idx := f.closes
	f.closes++
	if idx < len(f.closeErrs) && f.closeErrs[idx] != nil {
		return 0, f.closeErrs[idx]
	}
	return f.closeOutcome, nil
}

func (f *fakeApps) Get(ctx context.Context, id string) (appsession.Info, error) {
	f.gets++
	return appsession.Info{AppSessionID: id, Version: f.getVersion, Status: "open"}, nil
}

func (f *fakeApps) WaitClosed(ctx context.Context, id string, attempts int, gap time.Duration) error {
	f.waitClosed++
	return nil
}

// fakeChannel scripts the channel path.
type fakeChannel struct {
	errs  []error // consumed per Pay call
	calls int
}

func (f *fakeChannel) Pay(ctx context.Context, bill agentpay.Bill, worker common.Address) (agentpay.PaymentProof, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return agentpay.PaymentProof{}, f.errs[idx]
	}
	return agentpay.PaymentProof{
		Kind:          agentpay.ProofChannelClose,
		Reference:     "0xfeed000000000000000000000000000000000000000000000000000000000001",
		Amount:        bill.Amount,
		WorkerAddress: worker.Hex(),
	}, nil
}

// fakeCosigner records cosign requests.
type fakeCosigner struct {
	states int
	closes int
	apps   *fakeApps
}

func (f *fakeCosigner) CosignState(ctx context.Context, id string, version uint64, allocs []appsession.Allocation) error {
	f.states++
	if f.apps != nil {
		f.apps.getVersion = version // counterparty signature lands
	}
	return nil
}

func (f *fakeCosigner) CosignClose(ctx context.Context, id string, final []appsession.Allocation) error {
	f.closes++
	return nil
}

func TestPayRejectsExpiredBill(t *testing.T) {
	o := New(agentpay.PathAppSession, &fakeApps{}, clientAddr, nil)
	bill := testBill()
	bill.ExpiresAt = time.Now().Add(-time.Second)

	_, err := o.Pay(context.Background(), bill)
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeBillExpired, agentpay.CodeOf(err))
}

func TestPayRejectsBadWorkerAddress(t *testing.T) {
	o := New(agentpay.PathAppSession, &fakeApps{}, clientAddr, nil)
	bill := testBill()
	bill.WorkerAddress = "not-an-address"

	_, err := o.Pay(context.Background(), bill)
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodePaymentVerificationFailed, agentpay.CodeOf(err))
}

func TestAppSessionQuorum1Proof(t *testing.T) {
	apps := &fakeApps{submitOutcomes: []appsession.SubmitOutcome{appsession.Accepted}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, agentpay.ProofAppSessionState, proof.Kind)
	assert.Equal(t, "session:0xsid:version:2", proof.Reference)
	assert.Equal(t, "1000000", proof.Amount)
	assert.Equal(t, workerAddr.Hex(), proof.WorkerAddress)

	assert.Equal(t, 1, apps.created)
	assert.Equal(t, 1, apps.closes)
	require.Len(t, apps.lastAllocations, 2)
	assert.Equal(t, "0", apps.lastAllocations[0].Amount)
	assert.Equal(t, "1000000", apps.lastAllocations[1].Amount)
}

func TestAppSessionQuorum2ResolvesPartialSignature(t *testing.T) {
	apps := &fakeApps{submitOutcomes: []appsession.SubmitOutcome{appsession.PartiallySigned}}
	cosigner := &fakeCosigner{apps: apps}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil, WithCounterparty(cosigner))

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, "session:0xsid:version:2", proof.Reference)
	assert.Equal(t, 1, cosigner.states)
	assert.GreaterOrEqual(t, apps.gets, 1)
}

func TestAppSessionQuorumPendingWithoutCounterparty(t *testing.T) {
	apps := &fakeApps{submitOutcomes: []appsession.SubmitOutcome{appsession.PartiallySigned}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	_, err := o.Pay(context.Background(), testBill())
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeQuorumPending, agentpay.CodeOf(err))
}

func TestPartiallySignedCloseWaitsForClosed(t *testing.T) {
	apps := &fakeApps{
		submitOutcomes: []appsession.SubmitOutcome{appsession.Accepted},
		closeOutcome:   appsession.PartiallySigned,
	}
	cosigner := &fakeCosigner{apps: apps}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil, WithCounterparty(cosigner))

	_, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, 1, cosigner.closes)
	assert.Equal(t, 1, apps.waitClosed)
}

func TestRetryOnTransientFailure(t *testing.T) {
	shortBackoff(t)
	apps := &fakeApps{submitErrs: []error{
		agentpay.NewError(agentpay.ErrCodeClearingTimeout, "slow"),
		agentpay.NewError(agentpay.ErrCodeClearingProtocol, "flaky"),
	}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.NotEmpty(t, proof.Reference)
	assert.Equal(t, 1, apps.created, "the failed step retries, not the whole path")
	assert.Equal(t, 3, apps.submits, "two transient failures then success")
}

func TestRetriesExhaust(t *testing.T) {
	shortBackoff(t)
	timeout := agentpay.NewError(agentpay.ErrCodeClearingTimeout, "slow")
	apps := &fakeApps{submitErrs: []error{timeout, timeout, timeout}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	_, err := o.Pay(context.Background(), testBill())
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeClearingTimeout, agentpay.CodeOf(err))
	assert.Equal(t, 1, apps.created)
	assert.Equal(t, 3, apps.submits)
}

func TestTransientCreateFailureRetriesCreate(t *testing.T) {
	shortBackoff(t)
	apps := &fakeApps{createErrs: []error{agentpay.NewError(agentpay.ErrCodeClearingTimeout, "slow")}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, "session:0xsid:version:2", proof.Reference)
	assert.Equal(t, 2, apps.created)
	assert.Equal(t, 1, apps.submits)
}

// A transient close failure after the payment state was accepted must
// retry the close against the same session. Abandoning it for a fresh
// session would submit the payment state twice, settling one bill in two
// sessions.
func TestTransientCloseFailureKeepsAcceptedState(t *testing.T) {
	shortBackoff(t)
	apps := &fakeApps{closeErrs: []error{agentpay.NewError(agentpay.ErrCodeClearingTimeout, "slow")}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, "session:0xsid:version:2", proof.Reference)
	assert.Equal(t, 1, apps.created, "accepted payment state stays in its session")
	assert.Equal(t, 1, apps.submits, "payment state submitted exactly once")
	assert.Equal(t, 2, apps.closes)
}

func TestTransientChannelFailureRetriesChannelOnly(t *testing.T) {
	shortBackoff(t)
	ch := &fakeChannel{errs: []error{agentpay.NewError(agentpay.ErrCodeClearingTimeout, "slow")}}
	apps := &fakeApps{}
	o := New(agentpay.PathChannel, apps, clientAddr, nil, WithChannelPath(ch))

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, agentpay.ProofChannelClose, proof.Kind)
	assert.Equal(t, 2, ch.calls)
	assert.Zero(t, apps.created)
}

func TestNonTransientFailureSurfacesImmediately(t *testing.T) {
	apps := &fakeApps{createErrs: []error{agentpay.NewError(agentpay.ErrCodeCancelled, "stop")}}
	o := New(agentpay.PathAppSession, apps, clientAddr, nil)

	_, err := o.Pay(context.Background(), testBill())
	require.Error(t, err)
	assert.Equal(t, 1, apps.created)
}

func TestChannelFundedFallsBackToAppSession(t *testing.T) {
	ch := &fakeChannel{errs: []error{agentpay.NewError(agentpay.ErrCodeChannelFunded, "funds on chain")}}
	apps := &fakeApps{}
	o := New(agentpay.PathChannel, apps, clientAddr, nil, WithChannelPath(ch))

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, agentpay.ProofAppSessionState, proof.Kind)
	assert.Equal(t, 1, ch.calls)
	assert.Equal(t, 1, apps.created)
}

func TestChannelPathProofPassesThrough(t *testing.T) {
	ch := &fakeChannel{}
	apps := &fakeApps{}
	o := New(agentpay.PathChannel, apps, clientAddr, nil, WithChannelPath(ch))

	proof, err := o.Pay(context.Background(), testBill())
	require.NoError(t, err)
	assert.Equal(t, agentpay.ProofChannelClose, proof.Kind)
	assert.Zero(t, apps.created)
}
