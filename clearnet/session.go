package clearnet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/identity"
)

// Config describes one authenticated clearing-network connection.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://clearnet-sandbox.example/ws.
	URL string

	// Identity signs the auth challenge; its address is the participant.
	Identity *identity.Wallet

	// AppName is sent in auth_request and used as the EIP-712 domain name.
	AppName string

	// AuthTTL bounds the session authorization. Defaults to one hour.
	AuthTTL time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	Logger *zap.Logger
}

// Session is one authenticated connection. It owns the websocket and the
// ephemeral session key; both die together on Close. One logical call is
// in flight at a time; a single reader loop dispatches inbound frames.
type Session struct {
	conn       *websocket.Conn
	identity   *identity.Wallet
	sessionKey *identity.Wallet
	appName    string
	log        *zap.Logger

	callMu  sync.Mutex // serializes logical calls
	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan message
	channels []ChannelInfo
	balances map[string]string

	updates chan AppSessionUpdate

	closeOnce sync.Once
	closed    chan struct{}
}

// timeoutFor returns the per-call deadline by method kind. Channel and
// session lifecycle calls wait on server-side chain work and get the
// longer budget.
func timeoutFor(method string) time.Duration {
	switch method {
	case MethodCreateChannel, MethodCloseChannel, MethodCreateAppSession, MethodCloseAppSession:
		return 60 * time.Second
	default:
		return 20 * time.Second
	}
}

// Dial connects and runs the full auth handshake:
// auth_request -> auth_challenge -> EIP-712 signature -> auth_verify.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Identity == nil {
		return nil, agentpay.NewError(agentpay.ErrCodeIdentityUnavailable, "clearnet session needs an identity wallet")
	}
	if cfg.AppName == "" {
		cfg.AppName = "agentpay"
	}
	if cfg.AuthTTL == 0 {
		cfg.AuthTTL = time.Hour
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sessionKey, err := identity.NewEphemeral()
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeClearingTimeout, "dial %s: %v", cfg.URL, err)
	}

	s := &Session{
		conn:       conn,
		identity:   cfg.Identity,
		sessionKey: sessionKey,
		appName:    cfg.AppName,
		log:        log.With(zap.String("participant", cfg.Identity.AddressHex())),
		pending:    make(map[uint64]chan message),
		balances:   make(map[string]string),
		updates:    make(chan AppSessionUpdate, 16),
		closed:     make(chan struct{}),
	}
	go s.readLoop()

	if err := s.authenticate(ctx, cfg.AuthTTL); err != nil {
		s.Close()
		return nil, err
	}
	s.log.Debug("clearnet session authenticated",
		zap.String("session_key", sessionKey.AddressHex()))
	return s, nil
}

func (s *Session) authenticate(ctx context.Context, ttl time.Duration) error {
	expire := time.Now().Add(ttl).Unix()

	challengePayload, err := s.call(ctx, MethodAuthRequest, map[string]interface{}{
		"address":     s.identity.AddressHex(),
		"session_key": s.sessionKey.AddressHex(),
		"app_name":    s.appName,
		"application": s.identity.AddressHex(),
		"allowances":  []interface{}{},
		"expire":      fmt.Sprintf("%d", expire),
		"scope":       "console",
	}, MethodAuthChallenge, nil)
	if err != nil {
		return authRejected(err)
	}

	var challenge struct {
		ChallengeMessage string `json:"challenge_message"`
	}
	if err := json.Unmarshal(challengePayload, &challenge); err != nil || challenge.ChallengeMessage == "" {
		return agentpay.NewError(agentpay.ErrCodeClearingAuthRejected, "auth_challenge without challenge_message")
	}

	sig, err := s.signChallenge(challenge.ChallengeMessage, expire)
	if err != nil {
		return err
	}

	_, err = s.call(ctx, MethodAuthVerify, map[string]interface{}{
		"challenge": challenge.ChallengeMessage,
	}, MethodAuthVerify, sig)
	if err != nil {
		return authRejected(err)
	}
	return nil
}

func authRejected(err error) error {
	if code := agentpay.CodeOf(err); code == agentpay.ErrCodeClearingTimeout || code == agentpay.ErrCodeCancelled {
		return err
	}
	return agentpay.NewErrorf(agentpay.ErrCodeClearingAuthRejected, "auth handshake failed: %v", err)
}

// signChallenge produces the EIP-712 identity signature over the auth
// challenge, binding the ephemeral session key to the identity wallet.
func (s *Session) signChallenge(challenge string, expire int64) ([]byte, error) {
	types := apitypes.Types{
		"Policy": []apitypes.Type{
			{Name: "challenge", Type: "string"},
			{Name: "scope", Type: "string"},
			{Name: "wallet", Type: "address"},
			{Name: "application", Type: "address"},
			{Name: "participant", Type: "address"},
			{Name: "expire", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"challenge":   challenge,
		"scope":       "console",
		"wallet":      s.identity.AddressHex(),
		"application": s.identity.AddressHex(),
		"participant": s.sessionKey.AddressHex(),
		"expire":      fmt.Sprintf("%d", expire),
	}
	sig, err := s.identity.SignTypedData(apitypes.TypedDataDomain{Name: s.appName}, types, "Policy", message)
	if err != nil {
		return nil, agentpay.NewErrorf(agentpay.ErrCodeClearingAuthRejected, "sign auth challenge: %v", err)
	}
	return sig, nil
}

// Call sends a signed request and waits for the response frame named after
// the request method. On timeout the connection is closed with code 1000
// and the call fails with a clearing_timeout error; the caller retries at
// a higher level.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.call(ctx, method, params, method, nil)
}

// call sends method and waits for a frame with the same id. overrideSig
// replaces the ephemeral-key frame signature (used for auth_verify, which
// carries the identity's EIP-712 signature instead).
func (s *Session) call(ctx context.Context, method string, params interface{}, wantMethod string, overrideSig []byte) (json.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	select {
	case <-s.closed:
		return nil, agentpay.NewError(agentpay.ErrCodeCancelled, "session closed")
	default:
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan message, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeRequest(id, method, params, overrideSig); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeoutFor(method))
	defer timer.Stop()

	for {
		select {
		case msg := <-ch:
			if msg.err != nil {
				return nil, msg.err
			}
			// asu doubles as the success frame for state submission.
			if msg.method == wantMethod || (wantMethod == MethodSubmitAppState && msg.method == MethodAppSessionUpdate) {
				return msg.payload, nil
			}
			return nil, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol,
				"expected %s response, got %s", wantMethod, msg.method)
		case <-timer.C:
			s.Close()
			return nil, agentpay.NewErrorf(agentpay.ErrCodeClearingTimeout, "%s timed out", method)
		case <-ctx.Done():
			s.Close()
			return nil, agentpay.NewErrorf(agentpay.ErrCodeCancelled, "%s cancelled: %v", method, ctx.Err())
		case <-s.closed:
			return nil, agentpay.NewError(agentpay.ErrCodeCancelled, "session closed")
		}
	}
}

func (s *Session) writeRequest(id uint64, method string, params interface{}, overrideSig []byte) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	ts := time.Now().UnixMilli()
	reqArr := [4]interface{}{id, method, params, ts}

	var sig []byte
	if overrideSig != nil {
		sig = overrideSig
	} else {
		serialized, err := json.Marshal(reqArr)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		sig, err = s.sessionKey.SignMessage(serialized)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
	}

	frame := requestFrame{Req: reqArr, Sig: []string{"0x" + hex.EncodeToString(sig)}}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "write %s: %v", method, err)
	}
	return nil
}

// readLoop is the single reader: it correlates responses to waiters and
// routes unsolicited frames. Unknown methods are logged and discarded.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.failPending(agentpay.NewErrorf(agentpay.ErrCodeCancelled, "connection closed: %v", err))
			s.Close()
			return
		}

		msg, err := decodeInbound(data)
		if err != nil {
			s.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.route(msg)
	}
}

func (s *Session) route(msg message) {
	s.mu.Lock()

	// A bare {error:{...}} frame has no id; it belongs to the one in-flight
	// call if there is one.
	if msg.err != nil && msg.id == 0 && len(s.pending) == 1 {
		for id := range s.pending {
			msg.id = id
		}
	}

	if ch, ok := s.pending[msg.id]; ok {
		delete(s.pending, msg.id)
		s.mu.Unlock()
		ch <- msg
		return
	}
	s.mu.Unlock()

	switch msg.method {
	case MethodChannels:
		if list, err := decodeChannels(msg.payload); err == nil {
			s.mu.Lock()
			s.channels = list
			s.mu.Unlock()
		}
	case MethodBalanceUpdate:
		var entries []BalanceEntry
		if json.Unmarshal(msg.payload, &entries) == nil {
			s.mu.Lock()
			for _, e := range entries {
				s.balances[e.Asset] = e.Amount
			}
			s.mu.Unlock()
		}
	case MethodAppSessionUpdate:
		var update AppSessionUpdate
		if json.Unmarshal(msg.payload, &update) == nil {
			select {
			case s.updates <- update:
			default: // slow consumer; drop rather than stall the reader
			}
		}
	case MethodAssets, MethodError:
		// assets catalogue is noise unless requested; stray errors are
		// already terminal for their call.
	default:
		s.log.Debug("ignoring unknown frame method", zap.String("method", msg.method))
	}
}

func (s *Session) failPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- message{err: err}
	}
}

// Channels returns the latest channels snapshot pushed by the server.
func (s *Session) Channels() []ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelInfo, len(s.channels))
	copy(out, s.channels)
	return out
}

// Balances returns the latest unified-balance positions by asset.
func (s *Session) Balances() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out
}

// Updates delivers unsolicited app-session update notifications.
func (s *Session) Updates() <-chan AppSessionUpdate {
	return s.updates
}

// IdentityAddress returns the authenticated participant address.
func (s *Session) IdentityAddress() common.Address {
	return s.identity.Address()
}

// Close shuts the websocket down with a normal closure (code 1000) and
// drops pending waiters.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		s.failPending(agentpay.NewError(agentpay.ErrCodeCancelled, "session closed"))
	})
	return nil
}
