// Package hirer drives the client side of the 402 handshake: resolve a
// worker by name, collect its bill, pay, and exchange the proof for the
// job result.
package hirer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/ens"
)

const (
	// offerTimeout bounds the unpaid POST that fetches the bill.
	offerTimeout = 30 * time.Second
	// resultTimeout bounds the paid POST; work execution may be slow.
	resultTimeout = 120 * time.Second
)

// Payer settles a bill into a proof. *payment.Orchestrator satisfies it.
type Payer interface {
	Pay(ctx context.Context, bill agentpay.Bill) (agentpay.PaymentProof, error)
}

// NameResolver maps a worker name to its service records.
// *ens.Resolver satisfies it.
type NameResolver interface {
	Resolve(ctx context.Context, name string) (ens.AgentInfo, error)
}

// Result is the outcome of one hire.
type Result struct {
	JobID  string                 `json:"job_id"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

// Hirer hires named workers over HTTP.
type Hirer struct {
	resolver NameResolver
	payer    Payer
	client   *http.Client
	log      *zap.Logger
}

// New builds a hirer. httpClient may be nil for the default.
func New(resolver NameResolver, payer Payer, httpClient *http.Client, log *zap.Logger) *Hirer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hirer{resolver: resolver, payer: payer, client: httpClient, log: log}
}

// billReply is the worker's 402 body.
type billReply struct {
	JobID  string        `json:"job_id"`
	Bill   agentpay.Bill `json:"bill"`
	Reason string        `json:"reason"`
}

// Hire runs the full handshake against workerName and returns the
// completed result. A bill that expires before payment lands is retried
// once against the fresh bill the worker reissues.
func (h *Hirer) Hire(ctx context.Context, workerName, taskType string, input map[string]interface{}) (Result, error) {
	info, err := h.resolver.Resolve(ctx, workerName)
	if err != nil {
		return Result{}, err
	}
	h.log.Info("worker resolved",
		zap.String("name", workerName),
		zap.String("endpoint", info.Endpoint),
		zap.String("address", info.Address.Hex()))

	reply, err := h.requestBill(ctx, info.Endpoint, taskType, input)
	if err != nil {
		return Result{}, err
	}

	for attempt := 0; ; attempt++ {
		proof, err := h.payer.Pay(ctx, reply.Bill)
		if err != nil {
			return Result{}, err
		}
		result, fresh, err := h.submitProof(ctx, info.Endpoint, taskType, input, reply.JobID, proof)
		if err != nil {
			return Result{}, err
		}
		if fresh == nil {
			return result, nil
		}
		// The worker reissued the bill because ours expired mid-payment.
		if attempt >= 1 {
			return Result{}, agentpay.NewErrorf(agentpay.ErrCodeBillExpired,
				"bill for job %s expired twice", reply.JobID)
		}
		h.log.Warn("bill expired before proof landed, paying fresh bill",
			zap.String("job_id", reply.JobID))
		reply = *fresh
	}
}

// requestBill POSTs the job without a proof and expects 402 plus a bill.
func (h *Hirer) requestBill(ctx context.Context, endpoint, taskType string, input map[string]interface{}) (billReply, error) {
	ctx, cancel := context.WithTimeout(ctx, offerTimeout)
	defer cancel()

	status, body, err := h.postJob(ctx, endpoint, map[string]interface{}{
		"task_type":  taskType,
		"input_data": input,
	})
	if err != nil {
		return billReply{}, err
	}
	if status != http.StatusPaymentRequired {
		return billReply{}, agentpay.NewErrorf(agentpay.ErrCodeCounterpartyFailed,
			"worker answered %d to an unpaid job, want 402", status)
	}
	var reply billReply
	if err := json.Unmarshal(body, &reply); err != nil || reply.JobID == "" {
		return billReply{}, agentpay.NewError(agentpay.ErrCodeCounterpartyFailed, "worker's 402 carried no bill")
	}
	return reply, nil
}

// submitProof re-POSTs the job with the proof. Returns the result, or a
// fresh bill when the worker reports expiry, or an error.
func (h *Hirer) submitProof(ctx context.Context, endpoint, taskType string, input map[string]interface{}, jobID string, proof agentpay.PaymentProof) (Result, *billReply, error) {
	ctx, cancel := context.WithTimeout(ctx, resultTimeout)
	defer cancel()

	status, body, err := h.postJob(ctx, endpoint, map[string]interface{}{
		"task_type":     taskType,
		"input_data":    input,
		"job_id":        jobID,
		"payment_proof": proof,
	})
	if err != nil {
		return Result{}, nil, err
	}
	switch status {
	case http.StatusOK:
		var result Result
		if err := json.Unmarshal(body, &result); err != nil {
			return Result{}, nil, agentpay.NewError(agentpay.ErrCodeCounterpartyFailed, "undecodable result body")
		}
		return result, nil, nil
	case http.StatusPaymentRequired:
		var reply billReply
		if err := json.Unmarshal(body, &reply); err == nil && reply.Reason == "bill_expired" {
			return Result{}, &reply, nil
		}
		return Result{}, nil, agentpay.NewErrorf(agentpay.ErrCodeCounterpartyFailed,
			"worker rejected the proof: %s", reasonOf(body))
	default:
		return Result{}, nil, agentpay.NewErrorf(agentpay.ErrCodeCounterpartyFailed,
			"worker answered %d: %s", status, reasonOf(body))
	}
}

func (h *Hirer) postJob(ctx context.Context, endpoint string, payload map[string]interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode job request: %w", err)
	}
	url := strings.TrimRight(endpoint, "/") + "/job"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, agentpay.NewErrorf(agentpay.ErrCodeCancelled, "post job: %v", ctx.Err())
		}
		return 0, nil, agentpay.NewErrorf(agentpay.ErrCodeCounterpartyFailed, "post job: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, agentpay.NewErrorf(agentpay.ErrCodeCounterpartyFailed, "read response: %v", err)
	}
	return resp.StatusCode, data, nil
}

func reasonOf(body []byte) string {
	var doc struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Reason != "" {
		return doc.Reason
	}
	return strings.TrimSpace(string(body))
}
