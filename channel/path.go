package channel

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/joelklabo/agentpay"
	"github.com/joelklabo/agentpay/clearnet"
)

// Path performs the three channel operations over an authenticated
// clearing connection plus the settlement chain.
type Path struct {
	sess  clearnet.Caller
	chain *ChainClient
	asset string
	token common.Address
	log   *zap.Logger
}

// New binds a channel path to a clearing connection, chain client, and
// asset.
func New(sess clearnet.Caller, chain *ChainClient, asset string, token common.Address, log *zap.Logger) *Path {
	if log == nil {
		log = zap.NewNop()
	}
	return &Path{sess: sess, chain: chain, asset: asset, token: token, log: log}
}

// createResponse is the clearing server's create_channel payload: the
// channel plus an unsigned initial state for on-chain submission.
type createResponse struct {
	ChannelID       string               `json:"channel_id"`
	Channel         clearnet.ChannelInfo `json:"channel"`
	StateData       string               `json:"state_data"`
	ServerSignature string               `json:"server_signature"`
}

type closeResponse struct {
	ChannelID       string `json:"channel_id"`
	StateData       string `json:"state_data"`
	ServerSignature string `json:"server_signature"`
	Version         uint64 `json:"version"`
}

// Ensure returns an open channel id, reusing the one from the post-auth
// channels snapshot when present, otherwise creating a new channel and
// submitting its initial state on-chain. At most one open channel exists
// per identity.
func (p *Path) Ensure(ctx context.Context) (string, error) {
	for _, ch := range p.sess.Channels() {
		if ch.Status == "open" {
			p.log.Debug("reusing open channel", zap.String("channel_id", ch.ChannelID))
			return ch.ChannelID, nil
		}
	}

	payload, err := p.sess.Call(ctx, clearnet.MethodCreateChannel, map[string]interface{}{
		"chain_id": p.chain.chainID.Uint64(),
		"token":    p.token.Hex(),
	})
	if err != nil {
		return "", err
	}
	var resp createResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.ChannelID == "" {
		return "", agentpay.NewError(agentpay.ErrCodeClearingProtocol, "create_channel returned no channel_id")
	}

	stateData, serverSig, err := decodeState(resp.StateData, resp.ServerSignature)
	if err != nil {
		return "", err
	}
	txHash, err := p.chain.SubmitState(ctx, "create", common.HexToHash(resp.ChannelID), stateData, serverSig)
	if err != nil {
		return "", err
	}
	p.log.Info("channel created",
		zap.String("channel_id", resp.ChannelID),
		zap.String("tx", txHash.Hex()))
	return resp.ChannelID, nil
}

// Transfer moves amount of the path's asset to destination through the
// unified balance. Precondition: the channel's on-chain balance is zero;
// otherwise the caller must fall back to the app-session path.
func (p *Path) Transfer(ctx context.Context, channelID string, destination common.Address, amount *big.Int) error {
	balance, err := p.chain.ChannelBalance(ctx, common.HexToHash(channelID), p.token)
	if err != nil {
		return err
	}
	if balance.Sign() != 0 {
		return agentpay.NewErrorf(agentpay.ErrCodeChannelFunded,
			"channel %s holds %s on-chain; funds must sit in unified balance before transfer", channelID, balance)
	}

	_, err = p.sess.Call(ctx, clearnet.MethodTransfer, map[string]interface{}{
		"destination": destination.Hex(),
		"allocations": []map[string]string{
			{"asset": p.asset, "amount": amount.String()},
		},
	})
	return err
}

// CloseChannel closes the channel back to this identity and submits the
// final state on-chain. The final state version must be exactly one past
// the last valid on-chain version. Returns the close transaction hash,
// which doubles as the payment proof reference.
func (p *Path) CloseChannel(ctx context.Context, channelID string) (common.Hash, error) {
	id := common.HexToHash(channelID)
	latest, err := p.chain.LatestVersion(ctx, id)
	if err != nil {
		return common.Hash{}, err
	}

	payload, err := p.sess.Call(ctx, clearnet.MethodCloseChannel, map[string]interface{}{
		"channel_id":  channelID,
		"destination": p.sess.IdentityAddress().Hex(),
	})
	if err != nil {
		return common.Hash{}, err
	}
	var resp closeResponse
	if err := json.Unmarshal(payload, &resp); err != nil || resp.StateData == "" {
		return common.Hash{}, agentpay.NewError(agentpay.ErrCodeClearingProtocol, "close_channel returned no final state")
	}
	if resp.Version != 0 && resp.Version != latest+1 {
		return common.Hash{}, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol,
			"close state version %d, want %d", resp.Version, latest+1)
	}

	stateData, serverSig, err := decodeState(resp.StateData, resp.ServerSignature)
	if err != nil {
		return common.Hash{}, err
	}
	txHash, err := p.chain.SubmitState(ctx, "close", id, stateData, serverSig)
	if err != nil {
		return common.Hash{}, err
	}
	p.log.Info("channel closed", zap.String("channel_id", channelID), zap.String("tx", txHash.Hex()))
	return txHash, nil
}

// Pay settles a bill over the channel path and returns a channel_close
// proof carrying the close transaction hash.
func (p *Path) Pay(ctx context.Context, bill agentpay.Bill, worker common.Address) (agentpay.PaymentProof, error) {
	amount, err := bill.AmountUnits()
	if err != nil {
		return agentpay.PaymentProof{}, agentpay.NewErrorf(agentpay.ErrCodePaymentVerificationFailed, "%v", err)
	}

	channelID, err := p.Ensure(ctx)
	if err != nil {
		return agentpay.PaymentProof{}, err
	}
	if err := p.Transfer(ctx, channelID, worker, amount); err != nil {
		return agentpay.PaymentProof{}, err
	}
	txHash, err := p.CloseChannel(ctx, channelID)
	if err != nil {
		return agentpay.PaymentProof{}, err
	}

	return agentpay.PaymentProof{
		Kind:          agentpay.ProofChannelClose,
		Reference:     txHash.Hex(),
		Amount:        amount.String(),
		WorkerAddress: worker.Hex(),
	}, nil
}

func decodeState(stateHex, sigHex string) (stateData, serverSig []byte, err error) {
	stateData, err = hex.DecodeString(strings.TrimPrefix(stateHex, "0x"))
	if err != nil {
		return nil, nil, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "undecodable state data: %v", err)
	}
	serverSig, err = hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, nil, agentpay.NewErrorf(agentpay.ErrCodeClearingProtocol, "undecodable server signature: %v", err)
	}
	return stateData, serverSig, nil
}
