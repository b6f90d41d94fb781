package ens

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/agentpay"
)

// EIP-137 reference vectors.
func TestNamehash(t *testing.T) {
	assert.Equal(t, common.Hash{}, Namehash(""))
	assert.Equal(t,
		common.HexToHash("0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"),
		Namehash("eth"))
	assert.Equal(t,
		common.HexToHash("0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"),
		Namehash("foo.eth"))
	assert.Equal(t, Namehash("foo.eth"), Namehash("FOO.eth"))
	assert.Equal(t, Namehash("foo.eth"), Namehash("foo.eth."))
}

// fakeCaller answers registry and resolver reads from fixed records.
type fakeCaller struct {
	t            *testing.T
	resolverAddr common.Address
	agentAddr    common.Address
	texts        map[string]string
	calls        int

	registry abi.ABI
	resolver abi.ABI
}

func newFakeCaller(t *testing.T) *fakeCaller {
	reg, err := abi.JSON(strings.NewReader(registryABI))
	require.NoError(t, err)
	res, err := abi.JSON(strings.NewReader(resolverABI))
	require.NoError(t, err)
	return &fakeCaller{
		t:            t,
		resolverAddr: common.HexToAddress("0x00000000000000000000000000000000000000F0"),
		agentAddr:    common.HexToAddress("0x00000000000000000000000000000000000000AA"),
		texts: map[string]string{
			KeyEndpoint:     "http://worker.example:9000",
			KeyCapabilities: "summarize, echo",
			KeyPrices:       "summarize=1000000",
		},
		registry: reg,
		resolver: res,
	}
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if *msg.To == RegistryAddress {
		out, err := f.registry.Methods["resolver"].Outputs.Pack(f.resolverAddr)
		require.NoError(f.t, err)
		return out, nil
	}

	selector := common.Bytes2Hex(msg.Data[:4])
	switch selector {
	case "3b3b57de": // addr(bytes32)
		out, err := f.resolver.Methods["addr"].Outputs.Pack(f.agentAddr)
		require.NoError(f.t, err)
		return out, nil
	case "59d1d43c": // text(bytes32,string)
		args, err := f.resolver.Methods["text"].Inputs.Unpack(msg.Data[4:])
		require.NoError(f.t, err)
		key := args[1].(string)
		out, err := f.resolver.Methods["text"].Outputs.Pack(f.texts[key])
		require.NoError(f.t, err)
		return out, nil
	}
	f.t.Fatalf("unexpected selector %s", selector)
	return nil, nil
}

func TestResolve(t *testing.T) {
	caller := newFakeCaller(t)
	r, err := NewResolver(caller)
	require.NoError(t, err)

	info, err := r.Resolve(context.Background(), "Worker.eth")
	require.NoError(t, err)
	assert.Equal(t, "worker.eth", info.Name)
	assert.Equal(t, "http://worker.example:9000", info.Endpoint)
	assert.Equal(t, []string{"summarize", "echo"}, info.Capabilities)
	assert.Equal(t, "summarize=1000000", info.Prices)
	assert.Equal(t, caller.agentAddr, info.Address)
	assert.True(t, info.HasCapability("SUMMARIZE"))
	assert.False(t, info.HasCapability("translate"))
}

func TestResolveCaches(t *testing.T) {
	caller := newFakeCaller(t)
	r, err := NewResolver(caller)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "worker.eth")
	require.NoError(t, err)
	before := caller.calls

	_, err = r.Resolve(context.Background(), "worker.eth")
	require.NoError(t, err)
	assert.Equal(t, before, caller.calls, "second resolve should hit the cache")
}

func TestResolveNameNotFound(t *testing.T) {
	caller := newFakeCaller(t)
	caller.resolverAddr = common.Address{}
	r, err := NewResolver(caller)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "ghost.eth")
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeNameNotFound, agentpay.CodeOf(err))

	_, err = r.Resolve(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeNameNotFound, agentpay.CodeOf(err))
}

func TestResolveRecordMissing(t *testing.T) {
	caller := newFakeCaller(t)
	caller.texts[KeyEndpoint] = ""
	r, err := NewResolver(caller)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "mute.eth")
	require.Error(t, err)
	assert.Equal(t, agentpay.ErrCodeRecordMissing, agentpay.CodeOf(err))
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "https://worker.example", normalizeEndpoint(" worker.example/ "))
	assert.Equal(t, "http://h:9000", normalizeEndpoint("http://h:9000/"))
}

func TestDiscoverAgents(t *testing.T) {
	caller := newFakeCaller(t)
	r, err := NewResolver(caller)
	require.NoError(t, err)

	matches := r.DiscoverAgents(context.Background(), "summarize", []string{"worker.eth", ""})
	require.Len(t, matches, 1)
	assert.Equal(t, "worker.eth", matches[0].Name)
}
