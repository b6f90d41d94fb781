package agentpay

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// DefaultAsset is the clearing-network test stablecoin used for bills.
// It carries 6 decimals, matching USDC.
const DefaultAsset = "ytest.usd"

// AssetDecimals is the decimal precision of DefaultAsset.
const AssetDecimals = 6

// Job is a task request from a hiring agent to a worker agent.
type Job struct {
	JobID     string                 `json:"job_id"`
	Requester string                 `json:"requester"`
	TaskType  string                 `json:"task_type"`
	InputData map[string]interface{} `json:"input_data"`
}

// Bill is a worker-issued quote for a job: how much to pay, in what asset,
// and where. A bill is immutable once emitted.
type Bill struct {
	JobID         string    `json:"job_id"`
	WorkerAddress string    `json:"worker_address"`
	Amount        string    `json:"amount"` // integer units of Asset
	Asset         string    `json:"asset"`
	ExpiresAt     time.Time `json:"expires_at"`
	Notes         string    `json:"notes,omitempty"`
}

// Expired reports whether the bill's validity window has passed.
func (b Bill) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// AmountUnits parses the bill amount into integer asset units.
func (b Bill) AmountUnits() (*big.Int, error) {
	n, ok := new(big.Int).SetString(b.Amount, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid bill amount %q", b.Amount)
	}
	return n, nil
}

// JobResult is the worker's response after payment verified and work done.
type JobResult struct {
	JobID  string      `json:"job_id"`
	Status string      `json:"status"` // "completed" or "failed"
	Result interface{} `json:"result,omitempty"`
	Worker string      `json:"worker,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// ProofKind discriminates the two settlement evidence forms.
type ProofKind string

const (
	// ProofChannelClose references a settlement-chain transaction hash for
	// a channel close that paid the worker.
	ProofChannelClose ProofKind = "channel_close"

	// ProofAppSessionState references an accepted clearing-network app
	// session state crediting the worker.
	ProofAppSessionState ProofKind = "app_session_state"
)

// PaymentProof is evidence that funds reached the worker. The worker must
// be able to verify it without calling back to the client.
type PaymentProof struct {
	Kind          ProofKind `json:"kind"`
	Reference     string    `json:"reference"`
	Amount        string    `json:"amount"`
	WorkerAddress string    `json:"worker_address"`
}

// SessionReference formats an app-session proof reference.
func SessionReference(appSessionID string, version uint64) string {
	return fmt.Sprintf("session:%s:version:%d", appSessionID, version)
}

// ParseSessionReference splits a "session:<id>:version:<n>" reference.
func ParseSessionReference(ref string) (appSessionID string, version uint64, err error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 4 || parts[0] != "session" || parts[2] != "version" {
		return "", 0, fmt.Errorf("invalid session reference %q", ref)
	}
	v, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil || parts[1] == "" {
		return "", 0, fmt.Errorf("invalid session reference %q", ref)
	}
	return parts[1], v, nil
}

// Validate performs shape checks on a proof before any network verification.
func (p PaymentProof) Validate() error {
	switch p.Kind {
	case ProofChannelClose:
		if !strings.HasPrefix(p.Reference, "0x") || len(p.Reference) != 66 {
			return NewError(ErrCodePaymentVerificationFailed, "channel_close reference is not a transaction hash")
		}
	case ProofAppSessionState:
		if _, _, err := ParseSessionReference(p.Reference); err != nil {
			return NewError(ErrCodePaymentVerificationFailed, "malformed app_session_state reference")
		}
	default:
		return NewError(ErrCodePaymentVerificationFailed, fmt.Sprintf("unknown proof kind %q", p.Kind))
	}
	if _, ok := new(big.Int).SetString(p.Amount, 10); !ok {
		return NewError(ErrCodePaymentVerificationFailed, fmt.Sprintf("invalid proof amount %q", p.Amount))
	}
	return nil
}

// PathPreference selects how the orchestrator settles a bill.
type PathPreference string

const (
	// PathChannel settles through an on-chain payment channel: create,
	// off-chain transfer, on-chain close.
	PathChannel PathPreference = "channel"

	// PathAppSession settles through a bilateral clearing-network app
	// session with quorum signing.
	PathAppSession PathPreference = "app_session"
)

// ParsePathPreference normalizes a configured payment method. "yellow" is
// accepted as a legacy alias for the app-session path.
func ParsePathPreference(s string) (PathPreference, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "channel", "onchain", "yellow_channel":
		return PathChannel, nil
	case "app_session", "yellow":
		return PathAppSession, nil
	}
	return "", NewError(ErrCodeConfigInvalid, fmt.Sprintf("unknown payment method %q", s))
}
