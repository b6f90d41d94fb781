package clearnet

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Caller is the request surface payment paths use on a clearing
// connection. *Session and *Reconnector both satisfy it.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	IdentityAddress() common.Address
	Channels() []ChannelInfo
}

// Reconnector hands out a live session per call, dialing lazily and
// replacing any session the per-call timeout has closed. Higher-level
// retries therefore run against a fresh connection instead of failing
// on a dead one.
type Reconnector struct {
	cfg Config

	mu   sync.Mutex
	sess *Session
}

// NewReconnector wraps cfg without dialing. Connect forces the first
// dial when startup-time validation is wanted.
func NewReconnector(cfg Config) *Reconnector {
	return &Reconnector{cfg: cfg}
}

// Connect eagerly establishes the first session so endpoint and auth
// failures surface at startup rather than on the first payment.
func (r *Reconnector) Connect(ctx context.Context) error {
	_, err := r.live(ctx)
	return err
}

func (r *Reconnector) live(ctx context.Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		select {
		case <-r.sess.closed:
			r.sess = nil
		default:
			return r.sess, nil
		}
	}
	sess, err := Dial(ctx, r.cfg)
	if err != nil {
		return nil, err
	}
	r.sess = sess
	return sess, nil
}

// Call forwards to the current session, dialing one if needed.
func (r *Reconnector) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	sess, err := r.live(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Call(ctx, method, params)
}

// IdentityAddress returns the participant address the sessions
// authenticate as.
func (r *Reconnector) IdentityAddress() common.Address {
	return r.cfg.Identity.Address()
}

// Channels returns the current session's channels snapshot, empty when
// no session is up.
func (r *Reconnector) Channels() []ChannelInfo {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Channels()
}

// Close shuts the current session down. A later Call dials again.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		r.sess.Close()
		r.sess = nil
	}
	return nil
}
