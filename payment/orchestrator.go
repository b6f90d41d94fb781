// Package payment selects and drives a settlement path for a bill,
// retrying transient clearing failures and serializing payments per
// identity.
package payment

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/appsession"
)

const (
	// maxAttempts bounds one payment to an initial try plus two retries.
	maxAttempts = 3

	// quorumPollAttempts and quorumPollGap govern waiting for the
	// counterparty signature to land after a partially-signed submission.
	quorumPollAttempts = 5
	quorumPollGap      = 2 * time.Second
)

// backoff holds the gap before retry n (1-based).
var backoff = []time.Duration{time.Second, 4 * time.Second}

// ChannelPayer settles a bill by closing a payment channel.
// *channel.Path satisfies it.
type ChannelPayer interface {
	Pay(ctx context.Context, bill agentpay.Bill, worker common.Address) (agentpay.PaymentProof, error)
}

// AppSessionPath is the bilateral settlement surface.
// *appsession.Path satisfies it.
type AppSessionPath interface {
	Create(ctx context.Context, client, worker common.Address, quorum int) (appsession.Info, error)
	SubmitState(ctx context.Context, appSessionID string, version uint64, allocations []appsession.Allocation) (appsession.SubmitOutcome, error)
	Close(ctx context.Context, appSessionID string, final []appsession.Allocation) (appsession.SubmitOutcome, error)
	Get(ctx context.Context, appSessionID string) (appsession.Info, error)
	WaitClosed(ctx context.Context, appSessionID string, attempts int, gap time.Duration) error
}

// CounterpartySigner supplies the second signature a quorum-2 session
// needs. In production the worker signs from its own process; in demos
// both signatures come from one orchestrator holding both keys.
type CounterpartySigner interface {
	CosignState(ctx context.Context, appSessionID string, version uint64, allocations []appsession.Allocation) error
	CosignClose(ctx context.Context, appSessionID string, final []appsession.Allocation) error
}

// Orchestrator owns path selection for one paying identity. At most one
// payment is in flight at a time; concurrent calls queue.
type Orchestrator struct {
	mu sync.Mutex

	pref         agentpay.PathPreference
	channel      ChannelPayer
	apps         AppSessionPath
	client       common.Address
	counterparty CounterpartySigner
	log          *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChannelPath enables the channel path.
func WithChannelPath(p ChannelPayer) Option {
	return func(o *Orchestrator) { o.channel = p }
}

// WithCounterparty enables quorum-2 sessions, cosigned by signer.
func WithCounterparty(signer CounterpartySigner) Option {
	return func(o *Orchestrator) { o.counterparty = signer }
}

// New builds an orchestrator. The app-session path is always available;
// the channel path only when configured.
func New(pref agentpay.PathPreference, apps AppSessionPath, client common.Address, log *zap.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{pref: pref, apps: apps, client: client, log: log}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pay settles the bill and returns a proof the worker can verify. Expired
// bills are rejected before any clearing traffic. Each clearing step is
// retried on transient failure; a channel path blocked by on-chain
// channel funds falls back to the app-session path.
func (o *Orchestrator) Pay(ctx context.Context, bill agentpay.Bill) (agentpay.PaymentProof, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if bill.Expired(time.Now()) {
		return agentpay.PaymentProof{}, agentpay.NewErrorf(agentpay.ErrCodeBillExpired,
			"bill for job %s expired at %s", bill.JobID, bill.ExpiresAt)
	}
	if !common.IsHexAddress(bill.WorkerAddress) {
		return agentpay.PaymentProof{}, agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed,
			"bill carries invalid worker address %q", bill.WorkerAddress)
	}
	worker := common.HexToAddress(bill.WorkerAddress)

	if o.pref == agentpay.PathChannel && o.channel != nil {
		var proof agentpay.PaymentProof
		err := o.retryStep(ctx, bill.JobID, "channel payment", func(ctx context.Context) error {
			var err error
			proof, err = o.channel.Pay(ctx, bill, worker)
			return err
		})
		if err == nil {
			return proof, nil
		}
		if agentpay.CodeOf(err) != agentpay.ErrCodeChannelFunded {
			return agentpay.PaymentProof{}, err
		}
		o.log.Warn("channel path blocked by on-chain funds, falling back to app session",
			zap.String("job_id", bill.JobID), zap.Error(err))
	}
	return o.payAppSession(ctx, bill, worker)
}

// retryStep retries one clearing step on transient failure. Retries never
// cross step boundaries: a session in which the payment state was already
// accepted is never abandoned for a fresh one, which would credit the
// worker twice for one bill.
func (o *Orchestrator) retryStep(ctx context.Context, jobID, step string, fn func(context.Context) error) error {
	var lastErr error
	for try := 0; try < maxAttempts; try++ {
		if try > 0 {
			o.log.Warn("retrying payment step",
				zap.String("job_id", jobID),
				zap.String("step", step),
				zap.Int("attempt", try+1),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff[try-1]):
			case <-ctx.Done():
				return agentpay.NewErrorf(agentpay.ErrCodeCancelled, "%s: %v", step, ctx.Err())
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !agentpay.IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// payAppSession runs the bilateral path: create session, submit the
// payment state, resolve quorum if partially signed, close, and emit a
// session proof at the payment state's version.
func (o *Orchestrator) payAppSession(ctx context.Context, bill agentpay.Bill, worker common.Address) (agentpay.PaymentProof, error) {
	amount, err := bill.AmountUnits()
	if err != nil {
		return agentpay.PaymentProof{}, agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}

	quorum := 1
	if o.counterparty != nil {
		quorum = 2
	}
	var info appsession.Info
	err = o.retryStep(ctx, bill.JobID, "create session", func(ctx context.Context) error {
		var err error
		info, err = o.apps.Create(ctx, o.client, worker, quorum)
		return err
	})
	if err != nil {
		return agentpay.PaymentProof{}, err
	}
	allocs := appsession.PaymentAllocations(o.client, worker, bill.Asset, amount.String())
	payVersion := info.Version + 1

	var outcome appsession.SubmitOutcome
	err = o.retryStep(ctx, bill.JobID, "submit payment state", func(ctx context.Context) error {
		var err error
		outcome, err = o.apps.SubmitState(ctx, info.AppSessionID, payVersion, allocs)
		return err
	})
	if err != nil {
		return agentpay.PaymentProof{}, err
	}
	if outcome == appsession.PartiallySigned {
		if err := o.resolveQuorum(ctx, info.AppSessionID, payVersion, allocs); err != nil {
			return agentpay.PaymentProof{}, err
		}
	}

	var closeOutcome appsession.SubmitOutcome
	err = o.retryStep(ctx, bill.JobID, "close session", func(ctx context.Context) error {
		var err error
		closeOutcome, err = o.apps.Close(ctx, info.AppSessionID, allocs)
		return err
	})
	if err != nil {
		return agentpay.PaymentProof{}, err
	}
	if closeOutcome == appsession.PartiallySigned {
		if o.counterparty == nil {
			return agentpay.PaymentProof{}, agentpay.NewErrorf(agentpay.ErrCodeQuorumPending,
				"close of session %s awaits counterparty signature", info.AppSessionID)
		}
		if err := o.counterparty.CosignClose(ctx, info.AppSessionID, allocs); err != nil {
			return agentpay.PaymentProof{}, err
		}
		if err := o.apps.WaitClosed(ctx, info.AppSessionID, quorumPollAttempts, quorumPollGap); err != nil {
			return agentpay.PaymentProof{}, err
		}
	}

	o.log.Info("bill settled over app session",
		zap.String("job_id", bill.JobID),
		zap.String("app_session_id", info.AppSessionID),
		zap.Uint64("version", payVersion))
	return agentpay.PaymentProof{
		Kind:          agentpay.ProofAppSessionState,
		Reference:     agentpay.SessionReference(info.AppSessionID, payVersion),
		Amount:        amount.String(),
		WorkerAddress: worker.Hex(),
	}, nil
}

// resolveQuorum turns a partially-signed payment state into an accepted
// one: collect the counterparty signature, then poll until the server
// reports the new version.
func (o *Orchestrator) resolveQuorum(ctx context.Context, appSessionID string, version uint64, allocs []appsession.Allocation) error {
	if o.counterparty == nil {
		return agentpay.NewErrorf(agentpay.ErrCodeQuorumPending,
			"state v%d of session %s awaits counterparty signature", version, appSessionID)
	}
	if err := o.counterparty.CosignState(ctx, appSessionID, version, allocs); err != nil {
		return err
	}
	for i := 0; i < quorumPollAttempts; i++ {
		info, err := o.apps.Get(ctx, appSessionID)
		if err == nil && info.Version >= version {
			return nil
		}
		select {
		case <-time.After(quorumPollGap):
		case <-ctx.Done():
			return agentpay.NewErrorf(agentpay.ErrCodeCancelled, "quorum wait: %v", ctx.Err())
		}
	}
	return agentpay.NewErrorf(agentpay.ErrCodeQuorumPending,
		"state v%d of session %s not accepted after %d polls", version, appSessionID, quorumPollAttempts)
}

// WorkerCosigner cosigns session states from the worker's own clearing
// session. Used in demos where one process holds both keys.
type WorkerCosigner struct {
	apps *appsession.Path
}

// NewWorkerCosigner wraps the worker-side app-session path.
func NewWorkerCosigner(apps *appsession.Path) *WorkerCosigner {
	return &WorkerCosigner{apps: apps}
}

// CosignState submits the identical state from the worker side. Both a
// quorum-reaching acceptance and a partially-signed answer are success
// here; the paying side polls for the final outcome.
func (w *WorkerCosigner) CosignState(ctx context.Context, appSessionID string, version uint64, allocations []appsession.Allocation) error {
	_, err := w.apps.SubmitState(ctx, appSessionID, version, allocations)
	return err
}

// CosignClose submits the identical close from the worker side.
func (w *WorkerCosigner) CosignClose(ctx context.Context, appSessionID string, final []appsession.Allocation) error {
	_, err := w.apps.Close(ctx, appSessionID, final)
	return err
}
