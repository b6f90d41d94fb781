package autonomous

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/joelklabo/agentpay/hirer"
)

// WorkerAgent is the worker side of the autonomous loop: it watches for
// offers it can serve and posts an acceptance naming its own ENS. The
// actual job then arrives over HTTP at the worker server.
type WorkerAgent struct {
	selfENS      string
	capabilities []string
	feed         *FeedClient
	log          *zap.Logger

	mu       sync.Mutex
	accepted map[string]bool
}

// NewWorkerAgent builds the agent. capabilities lists the task types it
// will accept.
func NewWorkerAgent(selfENS string, capabilities []string, feed *FeedClient, log *zap.Logger) *WorkerAgent {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerAgent{
		selfENS:      strings.ToLower(selfENS),
		capabilities: capabilities,
		feed:         feed,
		log:          log,
		accepted:     make(map[string]bool),
	}
}

// OnOffer posts one acceptance per offer thread for tasks this agent can
// serve. Own offers are ignored.
func (a *WorkerAgent) OnOffer(ctx context.Context, offer Offer, item Item) {
	if offer.PosterENS == a.selfENS || !a.canServe(offer.TaskType) {
		return
	}
	thread := item.ThreadID
	if thread == "" {
		thread = item.ID
	}

	a.mu.Lock()
	if a.accepted[thread] {
		a.mu.Unlock()
		return
	}
	a.accepted[thread] = true
	a.mu.Unlock()

	if _, err := a.feed.Post(ctx, FormatAccept(a.selfENS), thread); err != nil {
		a.log.Warn("failed to post acceptance", zap.String("thread", thread), zap.Error(err))
		a.mu.Lock()
		delete(a.accepted, thread)
		a.mu.Unlock()
		return
	}
	a.log.Info("acceptance posted",
		zap.String("thread", thread),
		zap.String("task_type", offer.TaskType),
		zap.String("poster", offer.PosterENS))
}

func (a *WorkerAgent) canServe(taskType string) bool {
	for _, c := range a.capabilities {
		if strings.EqualFold(c, taskType) {
			return true
		}
	}
	return false
}

// ClientAgent is the hiring side: it posts one offer at startup, then
// hires the first worker that accepts.
type ClientAgent struct {
	selfENS string
	offer   Offer
	input   map[string]interface{}
	feed    *FeedClient
	hirer   *hirer.Hirer
	log     *zap.Logger

	mu     sync.Mutex
	hired  bool
	result *hirer.Result
}

// NewClientAgent builds the agent. input is the job payload sent to
// whichever worker accepts.
func NewClientAgent(selfENS string, offer Offer, input map[string]interface{}, feed *FeedClient, h *hirer.Hirer, log *zap.Logger) *ClientAgent {
	if log == nil {
		log = zap.NewNop()
	}
	offer.PosterENS = strings.ToLower(selfENS)
	return &ClientAgent{
		selfENS: strings.ToLower(selfENS),
		offer:   offer,
		input:   input,
		feed:    feed,
		hirer:   h,
		log:     log,
	}
}

// PostOffer publishes the agent's single offer. Re-invoke the process to
// post another.
func (a *ClientAgent) PostOffer(ctx context.Context) (Item, error) {
	item, err := a.feed.Post(ctx, FormatOffer(a.offer), "")
	if err != nil {
		return Item{}, err
	}
	a.log.Info("offer posted", zap.String("item_id", item.ID), zap.String("task_type", a.offer.TaskType))
	return item, nil
}

// OnAccept hires the first accepting worker; later accepts are ignored.
func (a *ClientAgent) OnAccept(ctx context.Context, accept Accept, item Item) {
	if accept.WorkerENS == a.selfENS {
		return
	}
	a.mu.Lock()
	if a.hired {
		a.mu.Unlock()
		return
	}
	a.hired = true
	a.mu.Unlock()

	a.log.Info("hiring accepting worker", zap.String("worker", accept.WorkerENS))
	result, err := a.hirer.Hire(ctx, accept.WorkerENS, a.offer.TaskType, a.input)
	if err != nil {
		a.log.Error("hire failed", zap.String("worker", accept.WorkerENS), zap.Error(err))
		a.mu.Lock()
		a.hired = false
		a.mu.Unlock()
		return
	}
	a.mu.Lock()
	a.result = &result
	a.mu.Unlock()
	a.log.Info("hire completed",
		zap.String("worker", accept.WorkerENS),
		zap.String("job_id", result.JobID),
		zap.String("status", result.Status))
}

// Result returns the completed hire's result, if any.
func (a *ClientAgent) Result() (hirer.Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return hirer.Result{}, false
	}
	return *a.result, true
}
