package identity

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelklabo/agentpay"
)

const testKey = "4646464646464646464646464646464646464646464646464646464646464646"

func TestFromPrivateKey(t *testing.T) {
	w, err := FromPrivateKey(testKey)
	require.NoError(t, err)

	expected, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(expected.PublicKey), w.Address())

	prefixed, err := FromPrivateKey("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), prefixed.Address())
}

func TestFromPrivateKeyUnavailable(t *testing.T) {
	for _, key := range []string{"", "0x", "nothex", "abcd"} {
		_, err := FromPrivateKey(key)
		require.Error(t, err, "key %q", key)
		assert.Equal(t, agentpay.ErrCodeIdentityUnavailable, agentpay.CodeOf(err), "key %q", key)
	}
}

func TestNewEphemeralIsUnique(t *testing.T) {
	a, err := NewEphemeral()
	require.NoError(t, err)
	b, err := NewEphemeral()
	require.NoError(t, err)
	assert.NotEqual(t, a.Address(), b.Address())
}

func TestSignMessageRecovers(t *testing.T) {
	w, err := FromPrivateKey(testKey)
	require.NoError(t, err)

	msg := []byte(`{"req":[1,"transfer",{},1700000000000]}`)
	sig, err := w.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	// EIP-191 signatures carry v in {27, 28}.
	assert.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverMessageSigner(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), signer)
}

func TestRecoverMessageSignerRejectsTamper(t *testing.T) {
	w, err := FromPrivateKey(testKey)
	require.NoError(t, err)

	sig, err := w.SignMessage([]byte("original"))
	require.NoError(t, err)

	signer, err := RecoverMessageSigner([]byte("tampered"), sig)
	if err == nil {
		assert.NotEqual(t, w.Address(), signer)
	}
}

func TestSignTypedData(t *testing.T) {
	w, err := FromPrivateKey(testKey)
	require.NoError(t, err)

	types := apitypes.Types{
		"Policy": []apitypes.Type{
			{Name: "challenge", Type: "string"},
			{Name: "wallet", Type: "address"},
			{Name: "expire", Type: "uint256"},
		},
	}
	message := map[string]interface{}{
		"challenge": "abc123",
		"wallet":    w.AddressHex(),
		"expire":    "1700000000",
	}

	sig, err := w.SignTypedData(apitypes.TypedDataDomain{Name: "agentpay"}, types, "Policy", message)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	// Same input signs deterministically; a different domain does not.
	again, err := w.SignTypedData(apitypes.TypedDataDomain{Name: "agentpay"}, types, "Policy", message)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	other, err := w.SignTypedData(apitypes.TypedDataDomain{Name: "other"}, types, "Policy", message)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}
