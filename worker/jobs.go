// Package worker implements the paid-job HTTP server: the 402 handshake,
// proof verification, work execution, and idempotent result replay.
package worker

import (
	"time"

	"github.com/joelklabo/agentpay"
)

// JobState tracks one job through the handshake.
type JobState string

const (
	// StateAwaitingPayment means a bill was issued and no valid proof has
	// arrived yet.
	StateAwaitingPayment JobState = "awaiting-payment"
	// StateWorking means a proof was accepted and work is running.
	StateWorking JobState = "working"
	// StateCompleted means work finished; the result replays to matching
	// resubmissions.
	StateCompleted JobState = "completed"
)

// completedRetention keeps finished jobs around for idempotent replay.
const completedRetention = 10 * time.Minute

// expiredGrace keeps unpaid jobs past bill expiry so a late proof gets a
// fresh bill instead of a 404.
const expiredGrace = 10 * time.Minute

type jobEntry struct {
	job       agentpay.Job
	bill      agentpay.Bill
	state     JobState
	proof     *agentpay.PaymentProof
	result    map[string]interface{}
	failed    bool
	reason    string
	settledAt time.Time
}

// Snapshot is a read-only copy of a job's current state.
type Snapshot struct {
	Job    agentpay.Job
	Bill   agentpay.Bill
	State  JobState
	Proof  *agentpay.PaymentProof
	Result map[string]interface{}
	Failed bool
	Reason string
}

// jobTable holds in-flight jobs in memory, guarded by the server mutex.
// All methods below assume the caller holds Server.mu; transitions are
// atomic under it.
type jobTable struct {
	entries map[string]*jobEntry
	now     func() time.Time
}

func newJobTable() *jobTable {
	return &jobTable{entries: make(map[string]*jobEntry), now: time.Now}
}

// open registers a freshly billed job.
func (t *jobTable) open(job agentpay.Job, bill agentpay.Bill) {
	t.purge()
	t.entries[job.JobID] = &jobEntry{job: job, bill: bill, state: StateAwaitingPayment}
}

// get returns a snapshot, or false for an unknown or purged job.
func (t *jobTable) get(jobID string) (Snapshot, bool) {
	t.purge()
	e, ok := t.entries[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(e), true
}

// refreshBill replaces an expired bill on an unpaid job.
func (t *jobTable) refreshBill(jobID string, bill agentpay.Bill) {
	if e, ok := t.entries[jobID]; ok && e.state == StateAwaitingPayment {
		e.bill = bill
	}
}

// accept records the first valid proof and moves the job to working.
// Returns false if the job already left awaiting-payment.
func (t *jobTable) accept(jobID string, proof agentpay.PaymentProof) bool {
	e, ok := t.entries[jobID]
	if !ok || e.state != StateAwaitingPayment {
		return false
	}
	e.state = StateWorking
	e.proof = &proof
	return true
}

// complete stores the final outcome for replay.
func (t *jobTable) complete(jobID string, result map[string]interface{}, failed bool, reason string) {
	e, ok := t.entries[jobID]
	if !ok {
		return
	}
	e.state = StateCompleted
	e.result = result
	e.failed = failed
	e.reason = reason
	e.settledAt = t.now()
}

// openCount counts jobs still awaiting payment or running, the figure
// the overload cap and /health report.
func (t *jobTable) openCount() int {
	t.purge()
	n := 0
	for _, e := range t.entries {
		if e.state != StateCompleted {
			n++
		}
	}
	return n
}

// purge drops completed jobs past the replay window and unpaid jobs long
// past bill expiry.
func (t *jobTable) purge() {
	now := t.now()
	for id, e := range t.entries {
		switch e.state {
		case StateCompleted:
			if now.Sub(e.settledAt) > completedRetention {
				delete(t.entries, id)
			}
		case StateAwaitingPayment:
			if now.Sub(e.bill.ExpiresAt) > expiredGrace {
				delete(t.entries, id)
			}
		}
	}
}

func (t *jobTable) snapshot(e *jobEntry) Snapshot {
	s := Snapshot{
		Job:    e.job,
		Bill:   e.bill,
		State:  e.state,
		Result: e.result,
		Failed: e.failed,
		Reason: e.reason,
	}
	if e.proof != nil {
		p := *e.proof
		s.Proof = &p
	}
	return s
}
