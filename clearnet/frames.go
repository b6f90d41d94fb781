// Package clearnet maintains an authenticated websocket session to the
// clearing network: EIP-712 auth handshake, ephemeral-key signed request
// framing, response correlation, and quorum-aware error mapping.
package clearnet

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joelklabo/agentpay"
)

// RPC methods sent by this client.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthVerify        = "auth_verify"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodGetAppSessions    = "get_app_sessions"
	MethodCreateAppSession  = "create_app_session"
	MethodSubmitAppState    = "submit_app_state"
	MethodCloseAppSession   = "close_app_session"
	MethodCreateChannel     = "create_channel"
	MethodTransfer          = "transfer"
	MethodCloseChannel      = "close_channel"
)

// Methods only ever observed from the server.
const (
	MethodAuthChallenge    = "auth_challenge"
	MethodChannels         = "channels"
	MethodAppSessionUpdate = "asu"
	MethodBalanceUpdate    = "bu"
	MethodAssets           = "assets"
	MethodError            = "error"
)

// requestFrame is the outbound wire shape:
// {"req":[id,method,params,ts],"sig":["0x.."]}.
type requestFrame struct {
	Req [4]interface{} `json:"req"`
	Sig []string       `json:"sig"`
}

// inboundFrame covers both server shapes: {"res":[id,method,payload,...]}
// and {"error":{"message":...}}.
type inboundFrame struct {
	Res []json.RawMessage `json:"res,omitempty"`
	Err *frameError       `json:"error,omitempty"`
	Sig []string          `json:"sig,omitempty"`
}

type frameError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// message is a decoded server frame routed by the reader loop.
type message struct {
	id      uint64
	method  string
	payload json.RawMessage
	err     error
}

// decodeInbound parses one websocket text frame into a message. Frames
// with an unknown shape are rejected as protocol errors; frames with an
// unknown method are passed through for the router to discard.
func decodeInbound(data []byte) (message, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return message{}, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "undecodable frame: %v", err)
	}

	if frame.Err != nil {
		return message{method: MethodError, err: serverError(frame.Err.Message)}, nil
	}

	if len(frame.Res) < 3 {
		return message{}, agentpay.NewError(agentpay.ErrCodeClearingProtocol, "res frame with fewer than 3 elements")
	}

	var id uint64
	if err := json.Unmarshal(frame.Res[0], &id); err != nil {
		return message{}, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "non-numeric frame id: %v", err)
	}
	var method string
	if err := json.Unmarshal(frame.Res[1], &method); err != nil {
		return message{}, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "non-string frame method: %v", err)
	}

	msg := message{id: id, method: method, payload: frame.Res[2]}

	// The second error shape: {res:[id,"error",{error|message}]}.
	if method == MethodError {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(frame.Res[2], &body)
		text := body.Error
		if text == "" {
			text = body.Message
		}
		msg.err = serverError(text)
	}
	return msg, nil
}

// serverError maps a clearing-server error message to a typed error.
// "quorum not reached" is the cooperative partial-signature outcome, not a
// failure: the caller's signature was accepted and the counterparty's is
// still outstanding.
func serverError(text string) error {
	if text == "" {
		text = "unspecified clearing error"
	}
	if strings.Contains(strings.ToLower(text), "quorum not reached") {
		return agentpay.NewError(agentpay.ErrCodeQuorumPending, text)
	}
	return agentpay.NewError(agentpay.ErrCodeClearingProtocol, text)
}

// ChannelInfo is one entry of the post-auth channels snapshot.
type ChannelInfo struct {
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	ChainID   uint64 `json:"chain_id"`
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Version   uint64 `json:"version"`
}

// decodeChannels accepts both a bare array and a {"channels":[...]} wrapper.
func decodeChannels(payload json.RawMessage) ([]ChannelInfo, error) {
	var list []ChannelInfo
	if err := json.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Channels []ChannelInfo `json:"channels"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("decode channels snapshot: %w", err)
	}
	return wrapped.Channels, nil
}

// BalanceEntry is one asset position of the unified balance.
type BalanceEntry struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AppSessionUpdate is an unsolicited "asu" notification.
type AppSessionUpdate struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}
