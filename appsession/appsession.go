// Package appsession drives the clearing network's bilateral app-session
// path: create a two-participant session, submit signed state updates
// under quorum rules, and close it back to final allocations.
package appsession

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/clearnet"
)

// Protocol is the clearing network's app-session protocol identifier.
const Protocol = "NitroRPC/0.2"

// ChallengeDuration is the on-chain dispute window for sessions, seconds.
const ChallengeDuration = 3600

// Allocation assigns an asset amount to one participant.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// Definition describes a new session. Participants are ordered
// [client, worker] with weights (1,1).
type Definition struct {
	Application  string   `json:"application"`
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    int      `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// Info is the server's view of a session.
type Info struct {
	AppSessionID string       `json:"app_session_id"`
	Status       string       `json:"status"`
	Version      uint64       `json:"version"`
	Quorum       int          `json:"quorum"`
	Participants []string     `json:"participants"`
	Allocations  []Allocation `json:"allocations"`
}

// SubmitOutcome distinguishes the two cooperative results of a state
// submission against a quorum-2 session.
type SubmitOutcome int

const (
	// Accepted means the state reached quorum and is final.
	Accepted SubmitOutcome = iota
	// PartiallySigned means this side's signature was recorded and the
	// counterparty's is still outstanding.
	PartiallySigned
)

// Path drives app sessions over an authenticated clearing connection.
// A clearnet.Reconnector keeps retries working after a per-call timeout
// has closed the underlying session.
type Path struct {
	sess clearnet.Caller
	log  *zap.Logger
}

// New creates an app-session path bound to a clearing connection.
func New(sess clearnet.Caller, log *zap.Logger) *Path {
	if log == nil {
		log = zap.NewNop()
	}
	return &Path{sess: sess, log: log}
}

// lastNonce holds the previously issued session nonce.
var lastNonce atomic.Int64

// nextNonce returns a strictly increasing nonce, unique per session even
// when several sessions are created within one clock tick.
func nextNonce() int64 {
	for {
		prev := lastNonce.Load()
		n := time.Now().UnixNano()
		if n <= prev {
			n = prev + 1
		}
		if lastNonce.CompareAndSwap(prev, n) {
			return n
		}
	}
}

// Create opens a session between client and worker with zero allocations.
func (p *Path) Create(ctx context.Context, client, worker common.Address, quorum int) (Info, error) {
	def := Definition{
		Application:  "agentpay",
		Protocol:     Protocol,
		Participants: []string{client.Hex(), worker.Hex()},
		Weights:      []int{1, 1},
		Quorum:       quorum,
		Challenge:    ChallengeDuration,
		Nonce:        nextNonce(),
	}
	payload, err := p.sess.Call(ctx, clearnet.MethodCreateAppSession, map[string]interface{}{
		"definition":  def,
		"allocations": []Allocation{},
	})
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(payload, &info); err != nil || info.AppSessionID == "" {
		return Info{}, agentpay.NewError(agentpay.ErrCodeClearingProtocol, "create_app_session returned no app_session_id")
	}
	if info.Version == 0 {
		info.Version = 1
	}
	info.Quorum = quorum
	p.log.Debug("app session created",
		zap.String("app_session_id", info.AppSessionID),
		zap.Int("quorum", quorum))
	return info, nil
}

// SubmitState submits the next state. version must be exactly the current
// accepted version + 1. Against a quorum-2 session the first submitter
// gets PartiallySigned; any other error is returned as-is.
func (p *Path) SubmitState(ctx context.Context, appSessionID string, version uint64, allocations []Allocation) (SubmitOutcome, error) {
	_, err := p.sess.Call(ctx, clearnet.MethodSubmitAppState, map[string]interface{}{
		"app_session_id": appSessionID,
		"intent":         "operate",
		"version":        version,
		"allocations":    allocations,
	})
	if err != nil {
		if agentpay.CodeOf(err) == agentpay.ErrCodeQuorumPending {
			return PartiallySigned, nil
		}
		return 0, err
	}
	return Accepted, nil
}

// Close closes the session, allocating all funds back to participants.
// Closing is itself a state transition subject to quorum: a quorum-2 close
// may answer "quorum not reached" (this side recorded, counterparty
// outstanding), reported as PartiallySigned.
func (p *Path) Close(ctx context.Context, appSessionID string, final []Allocation) (SubmitOutcome, error) {
	_, err := p.sess.Call(ctx, clearnet.MethodCloseAppSession, map[string]interface{}{
		"app_session_id": appSessionID,
		"allocations":    final,
	})
	if err != nil {
		if agentpay.CodeOf(err) == agentpay.ErrCodeQuorumPending {
			return PartiallySigned, nil
		}
		return 0, err
	}
	return Accepted, nil
}

// Get fetches the server's view of one session via get_app_sessions.
func (p *Path) Get(ctx context.Context, appSessionID string) (Info, error) {
	payload, err := p.sess.Call(ctx, clearnet.MethodGetAppSessions, map[string]interface{}{
		"participant": p.sess.IdentityAddress().Hex(),
	})
	if err != nil {
		return Info{}, err
	}
	sessions, err := decodeSessions(payload)
	if err != nil {
		return Info{}, err
	}
	for _, s := range sessions {
		if s.AppSessionID == appSessionID {
			return s, nil
		}
	}
	return Info{}, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "session %s not found", appSessionID)
}

// WaitClosed polls Get until the session reports closed. The clearing
// server sometimes omits the close acknowledgement after a two-party
// close; polling is the documented fallback.
func (p *Path) WaitClosed(ctx context.Context, appSessionID string, attempts int, gap time.Duration) error {
	for i := 0; i < attempts; i++ {
		info, err := p.Get(ctx, appSessionID)
		if err == nil && info.Status == "closed" {
			return nil
		}
		select {
		case <-time.After(gap):
		case <-ctx.Done():
			return agentpay.NewErrorf(agentpay.ErrCodeCancelled, "wait for close: %v", ctx.Err())
		}
	}
	return agentpay.NewErrorf(agentpay.ErrCodeClearingTimeout, "session %s not closed after %d polls", appSessionID, attempts)
}

func decodeSessions(payload json.RawMessage) ([]Info, error) {
	var list []Info
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		AppSessions []Info `json:"app_sessions"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "decode get_app_sessions: %v", err)
	}
	return wrapped.AppSessions, nil
}

// PaymentAllocations builds the canonical single-payment state: the full
// amount credited to the worker, nothing to the client. Both parties of a
// quorum-2 session compute this identically from shared inputs.
func PaymentAllocations(client, worker common.Address, asset, amount string) []Allocation {
	return []Allocation{
		{Participant: client.Hex(), Asset: asset, Amount: "0"},
		{Participant: worker.Hex(), Asset: asset, Amount: amount},
	}
}
