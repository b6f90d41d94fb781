package autonomous

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
)

// seenLimit bounds the dedup window. Items older than the last
// seenLimit ids may be re-handled after heavy feed churn.
const seenLimit = 256

// OfferHandler reacts to a parsed offer.
type OfferHandler func(ctx context.Context, offer Offer, item Item)

// AcceptHandler reacts to a parsed acceptance.
type AcceptHandler func(ctx context.Context, accept Accept, item Item)

// Loop polls a feed and dispatches parsed offers and accepts. Handlers
// run inline; a slow handler delays the next poll rather than piling up
// goroutines.
type Loop struct {
	feed     FeedProvider
	onOffer  OfferHandler
	onAccept AcceptHandler
	interval time.Duration
	log      *zap.Logger

	seen     map[string]struct{}
	seenRing []string
}

// NewLoop builds a loop. Nil handlers skip that item kind. interval is
// clamped to a 1 s minimum gap.
func NewLoop(feed FeedProvider, onOffer OfferHandler, onAccept AcceptHandler, interval time.Duration, log *zap.Logger) *Loop {
	if interval < time.Second {
		interval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		feed:     feed,
		onOffer:  onOffer,
		onAccept: onAccept,
		interval: interval,
		log:      log,
		seen:     make(map[string]struct{}, seenLimit),
	}
}

// Run polls until ctx is cancelled. Cancellation is honoured between
// polls; a poll in flight finishes first.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.poll(ctx)
		select {
		case <-time.After(l.interval):
		case <-ctx.Done():
			return agentpay.NewErrorf(agentpay.ErrCodeCancelled, "autonomous loop: %v", ctx.Err())
		}
	}
}

// Poll runs one fetch-and-dispatch cycle; exported for tests and for
// callers that drive their own schedule.
func (l *Loop) Poll(ctx context.Context) {
	l.poll(ctx)
}

func (l *Loop) poll(ctx context.Context) {
	items, err := l.feed(ctx)
	if err != nil {
		l.log.Warn("feed poll failed", zap.Error(err))
		return
	}
	for _, item := range items {
		if item.ID == "" || l.alreadySeen(item.ID) {
			continue
		}
		l.markSeen(item.ID)
		l.dispatch(ctx, item)
	}
}

// dispatch tries the offer parser first, then the accept parser; the
// first match wins.
func (l *Loop) dispatch(ctx context.Context, item Item) {
	if offer, ok := ParseOffer(item.Text); ok {
		l.log.Info("offer seen",
			zap.String("item_id", item.ID),
			zap.String("task_type", offer.TaskType),
			zap.Int64("price", offer.Price),
			zap.String("poster", offer.PosterENS))
		if l.onOffer != nil {
			l.onOffer(ctx, offer, item)
		}
		return
	}
	if accept, ok := ParseAccept(item.Text); ok {
		l.log.Info("accept seen",
			zap.String("item_id", item.ID),
			zap.String("worker", accept.WorkerENS))
		if l.onAccept != nil {
			l.onAccept(ctx, accept, item)
		}
	}
}

func (l *Loop) alreadySeen(id string) bool {
	_, ok := l.seen[id]
	return ok
}

func (l *Loop) markSeen(id string) {
	l.seen[id] = struct{}{}
	l.seenRing = append(l.seenRing, id)
	if len(l.seenRing) > seenLimit {
		delete(l.seen, l.seenRing[0])
		l.seenRing = l.seenRing[1:]
	}
}
